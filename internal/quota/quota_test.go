package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRemainingShortfall(t *testing.T) {
	p := DefaultPricing()

	tests := []struct {
		rows, paid, want int
	}{
		{15, 0, 5},
		{8, 0, 0},
		{10, 0, 0},
		{11, 0, 1},
		{12, 2, 0},
		{30, 5, 15},
		{0, 0, 0},
	}

	for _, tt := range tests {
		got := p.RemainingShortfall(tt.rows, tt.paid)
		if got != tt.want {
			t.Errorf("RemainingShortfall(%d, %d) = %d, want %d", tt.rows, tt.paid, got, tt.want)
		}
		if want := max(0, tt.rows-10-tt.paid); got != want {
			t.Errorf("RemainingShortfall(%d, %d) = %d, formula gives %d", tt.rows, tt.paid, got, want)
		}
	}
}

func TestCredit(t *testing.T) {
	tests := []struct {
		paid, extra, want int
	}{
		{0, 2, 2},
		{5, 0, 5},
		{5, -3, 5},
		{7, 3, 10},
	}
	for _, tt := range tests {
		if got := Credit(tt.paid, tt.extra); got != tt.want {
			t.Errorf("Credit(%d, %d) = %d, want %d", tt.paid, tt.extra, got, tt.want)
		}
	}
}

func TestPrice(t *testing.T) {
	p := DefaultPricing()
	if got := p.Price(2).StringFixed(2); got != "0.20" {
		t.Errorf("Price(2) = %s, want 0.20", got)
	}
	if got := p.Price(0).StringFixed(2); got != "0.00" {
		t.Errorf("Price(0) = %s, want 0.00", got)
	}
}

func TestLedgerOverQuotaScenario(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(ctx, NewMemoryStore(), "session-a", DefaultPricing())
	if err != nil {
		t.Fatal(err)
	}

	err = l.Check(12)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("Check(12) = %v, want ExceededError", err)
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Error("ExceededError should match ErrQuotaExceeded")
	}
	if exceeded.Shortfall != 2 || exceeded.Price.StringFixed(2) != "0.20" {
		t.Errorf("shortfall = %d price = %s, want 2 and 0.20", exceeded.Shortfall, exceeded.Price.StringFixed(2))
	}

	if _, err := l.Credit(ctx, 2); err != nil {
		t.Fatalf("Credit() error: %v", err)
	}
	if got := l.Shortfall(12); got != 0 {
		t.Errorf("Shortfall(12) after credit = %d, want 0", got)
	}
	if err := l.Check(12); err != nil {
		t.Errorf("Check(12) after credit = %v", err)
	}
}

func TestLedgerMonotonic(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(ctx, NewMemoryStore(), "k", DefaultPricing())
	if err != nil {
		t.Fatal(err)
	}

	prev := l.PaidRows()
	for _, extra := range []int{3, 0, -4, 1, 7, -1} {
		got, err := l.Credit(ctx, extra)
		if err != nil {
			t.Fatal(err)
		}
		if got < prev {
			t.Fatalf("paid rows decreased from %d to %d after Credit(%d)", prev, got, extra)
		}
		prev = got
	}
	if prev != 11 {
		t.Errorf("paid = %d, want 11", prev)
	}
}

func TestLedgerLoadsPersistedBalance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first, _ := NewLedger(ctx, store, "k", DefaultPricing())
	first.Credit(ctx, 4)

	second, err := NewLedger(ctx, store, "k", DefaultPricing())
	if err != nil {
		t.Fatal(err)
	}
	if second.PaidRows() != 4 {
		t.Errorf("reloaded paid = %d, want 4", second.PaidRows())
	}
	if second.Allowed() != 14 {
		t.Errorf("Allowed() = %d, want 14", second.Allowed())
	}
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) Save(context.Context, string, int) error {
	return errors.New("disk full")
}

func TestLedgerCreditWriteThrough(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	l, err := NewLedger(ctx, store, "k", DefaultPricing())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Credit(ctx, 5); err == nil {
		t.Fatal("expected save error")
	}
	if l.PaidRows() != 0 {
		t.Errorf("paid = %d after failed save, want 0", l.PaidRows())
	}
}

func TestLedgerConcurrentCredits(t *testing.T) {
	ctx := context.Background()
	l, _ := NewLedger(ctx, NewMemoryStore(), "k", DefaultPricing())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Credit(ctx, 1)
		}()
	}
	wg.Wait()

	if l.PaidRows() != 50 {
		t.Errorf("paid = %d, want 50", l.PaidRows())
	}
}

func TestRegistrySharesLedger(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore(), DefaultPricing())

	a, _ := r.Get(ctx, "k")
	b, _ := r.Get(ctx, "k")
	if a != b {
		t.Error("Get returned different ledgers for the same key")
	}
}

func TestMemoryStoreConsumeReference(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first, _ := m.ConsumeReference(ctx, "ORDER-1")
	second, _ := m.ConsumeReference(ctx, "ORDER-1")
	if !first || second {
		t.Errorf("ConsumeReference = %v then %v, want true then false", first, second)
	}
}
