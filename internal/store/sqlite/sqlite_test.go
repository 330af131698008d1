package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"bulk-distance/internal/quota"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadMissing(t *testing.T) {
	db := newTestDB(t)

	paid, found, err := db.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if found || paid != 0 {
		t.Errorf("Load(nobody) = %d, %v; want 0, false", paid, found)
	}
}

func TestSaveMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, v := range []int{5, 3, 9, 0} {
		if err := db.Save(ctx, "k", v); err != nil {
			t.Fatalf("Save(%d) error: %v", v, err)
		}
	}

	paid, found, err := db.Load(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !found || paid != 9 {
		t.Errorf("Load() = %d, %v; want 9, true", paid, found)
	}
}

func TestReopenKeepsBalance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.Save(ctx, "k", 4)
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	paid, _, _ := db.Load(ctx, "k")
	if paid != 4 {
		t.Errorf("paid after reopen = %d, want 4", paid)
	}
}

func TestLedgerOverSQLite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	l, err := quota.NewLedger(ctx, db, "k", quota.DefaultPricing())
	if err != nil {
		t.Fatal(err)
	}
	if l.Shortfall(12) != 2 {
		t.Fatalf("Shortfall(12) = %d, want 2", l.Shortfall(12))
	}
	if _, err := l.Credit(ctx, 2); err != nil {
		t.Fatal(err)
	}

	reloaded, err := quota.NewLedger(ctx, db, "k", quota.DefaultPricing())
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Shortfall(12) != 0 {
		t.Errorf("reloaded Shortfall(12) = %d, want 0", reloaded.Shortfall(12))
	}
}

func TestConsumeReference(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.ConsumeReference(ctx, "ORDER-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.ConsumeReference(ctx, "ORDER-1")
	if err != nil {
		t.Fatal(err)
	}
	other, _ := db.ConsumeReference(ctx, "ORDER-2")

	if !first || second || !other {
		t.Errorf("ConsumeReference results = %v %v %v, want true false true", first, second, other)
	}
}

func TestCredits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.RecordCredit(ctx, "k", 2, "ORDER-1")
	db.RecordCredit(ctx, "other", 7, "ORDER-2")
	db.RecordCredit(ctx, "k", 3, "ORDER-3")

	credits, err := db.Credits(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 2 {
		t.Fatalf("got %d credits, want 2", len(credits))
	}
	if credits[0].Reference != "ORDER-1" || credits[1].Rows != 3 {
		t.Errorf("credits = %+v", credits)
	}
	if credits[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
}
