package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// DefaultFreeRows is the number of rows every session may compute without paying.
const DefaultFreeRows = 10

var ErrQuotaExceeded = errors.New("quota exceeded")

// Pricing holds the free allowance and per-row price of extra rows.
type Pricing struct {
	FreeRows int
	PerRow   decimal.Decimal
	Currency string
}

func DefaultPricing() Pricing {
	return Pricing{
		FreeRows: DefaultFreeRows,
		PerRow:   decimal.RequireFromString("0.10"),
		Currency: "EUR",
	}
}

func (p Pricing) AllowedRows(paid int) int {
	return p.FreeRows + max(paid, 0)
}

// RemainingShortfall is how many rows of a batch are not covered by the
// free allowance plus paid rows.
func (p Pricing) RemainingShortfall(rows, paid int) int {
	return max(0, rows-p.AllowedRows(paid))
}

// Billable ignores paid rows: it is what a fresh session would owe.
func (p Pricing) Billable(rows int) int {
	return max(0, rows-p.FreeRows)
}

func (p Pricing) Price(rows int) decimal.Decimal {
	return p.PerRow.Mul(decimal.NewFromInt(int64(max(rows, 0))))
}

// Credit adds extra to paid. Non-positive extra leaves paid unchanged.
func Credit(paid, extra int) int {
	if extra <= 0 {
		return paid
	}
	return paid + extra
}

// ExceededError carries the numbers a caller needs to ask for payment.
type ExceededError struct {
	Shortfall int
	Price     decimal.Decimal
	Currency  string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d rows over allowance, %s %s due",
		e.Shortfall, e.Price.StringFixed(2), e.Currency)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

// Store persists paid-row balances by key.
type Store interface {
	Load(ctx context.Context, key string) (paid int, found bool, err error)
	Save(ctx context.Context, key string, paid int) error
}

// Journal records payment credits and makes payment references single-use.
type Journal interface {
	ConsumeReference(ctx context.Context, ref string) (bool, error)
	RecordCredit(ctx context.Context, key string, rows int, ref string) error
	Credits(ctx context.Context, key string) ([]CreditEntry, error)
}

// Ledger is the paid-row balance of one session key.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	key     string
	paid    int
	pricing Pricing
}

// NewLedger loads the balance for key, defaulting to zero when none is stored.
func NewLedger(ctx context.Context, store Store, key string, pricing Pricing) (*Ledger, error) {
	paid, found, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", key, err)
	}
	if !found || paid < 0 {
		paid = 0
	}
	return &Ledger{store: store, key: key, paid: paid, pricing: pricing}, nil
}

func (l *Ledger) Key() string { return l.key }

func (l *Ledger) Pricing() Pricing { return l.pricing }

func (l *Ledger) PaidRows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paid
}

func (l *Ledger) Allowed() int {
	return l.pricing.AllowedRows(l.PaidRows())
}

func (l *Ledger) Shortfall(rows int) int {
	return l.pricing.RemainingShortfall(rows, l.PaidRows())
}

// Check returns an *ExceededError when rows do not fit the allowance.
func (l *Ledger) Check(rows int) error {
	short := l.Shortfall(rows)
	if short == 0 {
		return nil
	}
	return &ExceededError{
		Shortfall: short,
		Price:     l.pricing.Price(short),
		Currency:  l.pricing.Currency,
	}
}

// Credit persists paid+extra and only then updates the in-memory balance.
func (l *Ledger) Credit(ctx context.Context, extra int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := Credit(l.paid, extra)
	if next == l.paid {
		return l.paid, nil
	}
	if err := l.store.Save(ctx, l.key, next); err != nil {
		return l.paid, fmt.Errorf("save ledger %s: %w", l.key, err)
	}
	l.paid = next
	return l.paid, nil
}

// Registry hands out one Ledger per key so concurrent requests share a mutex.
type Registry struct {
	mu      sync.Mutex
	store   Store
	pricing Pricing
	ledgers map[string]*Ledger
}

func NewRegistry(store Store, pricing Pricing) *Registry {
	return &Registry{store: store, pricing: pricing, ledgers: make(map[string]*Ledger)}
}

func (r *Registry) Store() Store { return r.store }

func (r *Registry) Pricing() Pricing { return r.pricing }

func (r *Registry) Get(ctx context.Context, key string) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.ledgers[key]; ok {
		return l, nil
	}
	l, err := NewLedger(ctx, r.store, key, r.pricing)
	if err != nil {
		return nil, err
	}
	r.ledgers[key] = l
	return l, nil
}
