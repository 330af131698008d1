package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"bulk-distance/internal/quota"
)

type fakeGateway struct {
	created  []OrderRequest
	status   string
	nextID   int
	capErr   error
	captured int
}

func (f *fakeGateway) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	f.created = append(f.created, req)
	f.nextID++
	return &Order{ID: fmt.Sprintf("ORDER-%d", f.nextID), Status: "CREATED"}, nil
}

func (f *fakeGateway) CaptureOrder(_ context.Context, orderID string) (*Capture, error) {
	f.captured++
	if f.capErr != nil {
		return nil, f.capErr
	}
	return &Capture{OrderID: orderID, Status: f.status}, nil
}

func newLedger(t *testing.T, store *quota.MemoryStore, key string) *quota.Ledger {
	t.Helper()
	l, err := quota.NewLedger(context.Background(), store, key, quota.DefaultPricing())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestRequestPaymentOverQuota(t *testing.T) {
	gw := &fakeGateway{status: StatusCompleted}
	store := quota.NewMemoryStore()
	a := NewAdapter(gw, store)
	ledger := newLedger(t, store, "s1")

	order, quote, err := a.RequestPayment(context.Background(), ledger, 12, "http://localhost/paid", "http://localhost/")
	if err != nil {
		t.Fatalf("RequestPayment() error: %v", err)
	}
	if quote.Rows != 2 || quote.Amount.StringFixed(2) != "0.20" || quote.Currency != "EUR" {
		t.Errorf("quote = %+v", quote)
	}
	if order.ID != "ORDER-1" {
		t.Errorf("order id = %s", order.ID)
	}

	req := gw.created[0]
	if req.Description != "Unlock 2 extra rows" {
		t.Errorf("description = %q", req.Description)
	}
	u, _ := url.Parse(req.ReturnURL)
	if u.Query().Get("paid") != "2" {
		t.Errorf("return url = %s, want paid=2", req.ReturnURL)
	}
}

func TestRequestPaymentNothingDue(t *testing.T) {
	store := quota.NewMemoryStore()
	a := NewAdapter(&fakeGateway{}, store)

	_, _, err := a.RequestPayment(context.Background(), newLedger(t, store, "s1"), 8, "http://localhost/paid", "")
	if !errors.Is(err, ErrNothingDue) {
		t.Fatalf("error = %v, want ErrNothingDue", err)
	}
}

func TestConfirmCreditsShortfall(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{status: StatusCompleted}
	store := quota.NewMemoryStore()
	a := NewAdapter(gw, store)
	ledger := newLedger(t, store, "s1")

	order, _, err := a.RequestPayment(ctx, ledger, 12, "http://localhost/paid", "")
	if err != nil {
		t.Fatal(err)
	}

	credited, err := a.Confirm(ctx, ledger, order.ID, 2)
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if credited != 2 || ledger.PaidRows() != 2 || ledger.Shortfall(12) != 0 {
		t.Errorf("credited = %d paid = %d shortfall = %d", credited, ledger.PaidRows(), ledger.Shortfall(12))
	}

	credits, _ := store.Credits(ctx, "s1")
	if len(credits) != 1 || credits[0].Reference != order.ID {
		t.Errorf("credits = %+v", credits)
	}

	// A replayed confirmation must not credit again.
	if _, err := a.Confirm(ctx, ledger, order.ID, 2); err == nil {
		t.Error("second Confirm succeeded")
	}
	if ledger.PaidRows() != 2 {
		t.Errorf("paid after replay = %d, want 2", ledger.PaidRows())
	}
}

func TestConfirmFailureLeavesLedger(t *testing.T) {
	tests := []struct {
		name string
		gw   *fakeGateway
		rows int
	}{
		{"declined", &fakeGateway{status: "VOIDED"}, 0},
		{"capture error", &fakeGateway{capErr: errors.New("503")}, 0},
		{"wrong rows", &fakeGateway{status: StatusCompleted}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := quota.NewMemoryStore()
			a := NewAdapter(tt.gw, store)
			ledger := newLedger(t, store, "s1")

			order, _, err := a.RequestPayment(ctx, ledger, 15, "http://localhost/paid", "")
			if err != nil {
				t.Fatal(err)
			}
			_, err = a.Confirm(ctx, ledger, order.ID, tt.rows)
			if !errors.Is(err, ErrPaymentFailed) {
				t.Errorf("error = %v, want ErrPaymentFailed", err)
			}
			if ledger.PaidRows() != 0 {
				t.Errorf("paid = %d, want 0", ledger.PaidRows())
			}
		})
	}
}

// flakyStore fails the next saveFailures ledger saves and the next
// consumeFailures reference consumptions.
type flakyStore struct {
	*quota.MemoryStore
	saveFailures    int
	consumeFailures int
}

func (f *flakyStore) Save(ctx context.Context, key string, paid int) error {
	if f.saveFailures > 0 {
		f.saveFailures--
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, key, paid)
}

func (f *flakyStore) ConsumeReference(ctx context.Context, ref string) (bool, error) {
	if f.consumeFailures > 0 {
		f.consumeFailures--
		return false, errors.New("database is locked")
	}
	return f.MemoryStore.ConsumeReference(ctx, ref)
}

func TestConfirmRetryAfterStorageError(t *testing.T) {
	tests := []struct {
		name  string
		store *flakyStore
	}{
		{"credit not saved", &flakyStore{MemoryStore: quota.NewMemoryStore(), saveFailures: 1}},
		{"reference not consumed", &flakyStore{MemoryStore: quota.NewMemoryStore(), consumeFailures: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			gw := &fakeGateway{status: StatusCompleted}
			a := NewAdapter(gw, tt.store)
			ledger, err := quota.NewLedger(ctx, tt.store, "s1", quota.DefaultPricing())
			if err != nil {
				t.Fatal(err)
			}

			order, _, err := a.RequestPayment(ctx, ledger, 12, "http://localhost/paid", "")
			if err != nil {
				t.Fatal(err)
			}

			if _, err := a.Confirm(ctx, ledger, order.ID, 2); err == nil {
				t.Fatal("first Confirm succeeded despite storage error")
			}
			if ledger.PaidRows() != 0 {
				t.Errorf("paid after failed confirm = %d, want 0", ledger.PaidRows())
			}

			credited, err := a.Confirm(ctx, ledger, order.ID, 2)
			if err != nil {
				t.Fatalf("retried Confirm() error: %v", err)
			}
			if credited != 2 || ledger.PaidRows() != 2 {
				t.Errorf("credited = %d paid = %d, want 2 and 2", credited, ledger.PaidRows())
			}
			if gw.captured != 1 {
				t.Errorf("gateway captured %d times, want 1", gw.captured)
			}

			if _, err := a.Confirm(ctx, ledger, order.ID, 2); !errors.Is(err, ErrUnknownOrder) {
				t.Errorf("third Confirm error = %v, want ErrUnknownOrder", err)
			}
			if ledger.PaidRows() != 2 {
				t.Errorf("paid after replay = %d, want 2", ledger.PaidRows())
			}
		})
	}
}

func TestConfirmUnknownOrder(t *testing.T) {
	store := quota.NewMemoryStore()
	gw := &fakeGateway{status: StatusCompleted}
	a := NewAdapter(gw, store)

	_, err := a.Confirm(context.Background(), newLedger(t, store, "s1"), "FORGED", 5)
	if !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("error = %v, want ErrUnknownOrder", err)
	}
	if gw.captured != 0 {
		t.Error("unknown order reached the gateway")
	}
}

func TestConfirmOtherSession(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	a := NewAdapter(&fakeGateway{status: StatusCompleted}, store)

	order, _, _ := a.RequestPayment(ctx, newLedger(t, store, "s1"), 12, "http://localhost/paid", "")
	other := newLedger(t, store, "s2")
	if _, err := a.Confirm(ctx, other, order.ID, 0); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("error = %v, want ErrUnknownOrder", err)
	}
	if other.PaidRows() != 0 {
		t.Error("other session was credited")
	}
}

func TestPayPalGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/oauth2/token":
			fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":32400}`)
		case r.URL.Path == "/v2/checkout/orders":
			var body struct {
				Intent        string `json:"intent"`
				PurchaseUnits []struct {
					Description string `json:"description"`
					Amount      struct {
						Currency string `json:"currency_code"`
						Value    string `json:"value"`
					} `json:"amount"`
				} `json:"purchase_units"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.Intent != "CAPTURE" || body.PurchaseUnits[0].Amount.Value != "0.20" || body.PurchaseUnits[0].Amount.Currency != "EUR" {
				t.Errorf("order body = %+v", body)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"5O190127TN364715T","status":"CREATED","links":[
				{"href":"https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T","rel":"approve","method":"GET"}
			]}`)
		case strings.HasSuffix(r.URL.Path, "/capture"):
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("authorization = %q", r.Header.Get("Authorization"))
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"5O190127TN364715T","status":"COMPLETED"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	gw, err := NewPayPalGateway(ctx, "client", "secret", srv.URL, "")
	if err != nil {
		t.Fatalf("NewPayPalGateway() error: %v", err)
	}

	store := quota.NewMemoryStore()
	a := NewAdapter(gw, store)
	ledger := newLedger(t, store, "s1")

	order, _, err := a.RequestPayment(ctx, ledger, 12, "http://localhost/paid", "http://localhost/")
	if err != nil {
		t.Fatalf("RequestPayment() error: %v", err)
	}
	if !strings.Contains(order.ApproveURL, "checkoutnow") {
		t.Errorf("approve url = %q", order.ApproveURL)
	}

	if _, err := a.Confirm(ctx, ledger, order.ID, 2); err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if ledger.Shortfall(12) != 0 {
		t.Errorf("shortfall after capture = %d", ledger.Shortfall(12))
	}
}

func TestReturnURL(t *testing.T) {
	got, err := ReturnURL("http://localhost:8080/paid?lang=en", 5)
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://localhost:8080/paid?lang=en&paid=5" {
		t.Errorf("ReturnURL() = %s", got)
	}
}
