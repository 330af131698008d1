package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"bulk-distance/internal/metrics"
	"bulk-distance/internal/quota"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const StatusCompleted = "COMPLETED"

var (
	ErrPaymentFailed = errors.New("payment failed")
	ErrNothingDue    = errors.New("no payment due")
	ErrUnknownOrder  = errors.New("unknown payment order")
	ErrAlreadyUsed   = errors.New("payment reference already used")
	ErrInProgress    = errors.New("payment confirmation already in progress")
)

type OrderRequest struct {
	Reference   string
	Description string
	Amount      decimal.Decimal
	Currency    string
	ReturnURL   string
	CancelURL   string
}

type Order struct {
	ID         string
	Status     string
	ApproveURL string
}

type Capture struct {
	OrderID string
	Status  string
}

// Gateway is the external payment processor.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*Capture, error)
}

// Quote is what a session owes before it can calculate.
type Quote struct {
	Rows     int
	Amount   decimal.Decimal
	Currency string
}

type pendingOrder struct {
	key      string
	rows     int
	captured bool
	consumed bool
	busy     bool
}

// Adapter sells the exact row shortfall of a batch and credits it to the
// ledger once the processor confirms the capture.
type Adapter struct {
	gateway Gateway
	journal quota.Journal

	mu      sync.Mutex
	pending map[string]pendingOrder
}

func NewAdapter(gateway Gateway, journal quota.Journal) *Adapter {
	return &Adapter{
		gateway: gateway,
		journal: journal,
		pending: make(map[string]pendingOrder),
	}
}

func QuoteFor(ledger *quota.Ledger, rowCount int) Quote {
	p := ledger.Pricing()
	short := ledger.Shortfall(rowCount)
	return Quote{Rows: short, Amount: p.Price(short), Currency: p.Currency}
}

// ReturnURL appends the paid-rows marker the processor redirects back with.
func ReturnURL(base string, rows int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid return url: %w", err)
	}
	q := u.Query()
	q.Set("paid", strconv.Itoa(rows))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RequestPayment opens an order for the rows rowCount exceeds the allowance by.
func (a *Adapter) RequestPayment(ctx context.Context, ledger *quota.Ledger, rowCount int, returnURL, cancelURL string) (*Order, Quote, error) {
	quote := QuoteFor(ledger, rowCount)
	if quote.Rows == 0 {
		return nil, quote, ErrNothingDue
	}

	ret, err := ReturnURL(returnURL, quote.Rows)
	if err != nil {
		return nil, quote, err
	}

	order, err := a.gateway.CreateOrder(ctx, OrderRequest{
		Reference:   ledger.Key(),
		Description: fmt.Sprintf("Unlock %d extra rows", quote.Rows),
		Amount:      quote.Amount,
		Currency:    quote.Currency,
		ReturnURL:   ret,
		CancelURL:   cancelURL,
	})
	if err != nil {
		metrics.Payments.WithLabelValues("create", "error").Inc()
		return nil, quote, fmt.Errorf("%w: create order: %v", ErrPaymentFailed, err)
	}
	metrics.Payments.WithLabelValues("create", "ok").Inc()

	a.mu.Lock()
	a.pending[order.ID] = pendingOrder{key: ledger.Key(), rows: quote.Rows}
	a.mu.Unlock()

	log.Info().
		Str("order", order.ID).
		Str("session", ledger.Key()).
		Int("rows", quote.Rows).
		Str("amount", quote.Amount.StringFixed(2)).
		Msg("payment order created")
	return order, quote, nil
}

// Confirm captures orderID and credits the rows it was opened for. paidRows
// is the count echoed back by the return channel; zero skips the check.
// A failed capture leaves the ledger untouched. Steps that already succeeded
// are remembered on the pending order, so a retry after a storage error
// neither captures nor consumes the reference twice.
func (a *Adapter) Confirm(ctx context.Context, ledger *quota.Ledger, orderID string, paidRows int) (int, error) {
	po, err := a.claim(orderID, ledger.Key(), paidRows)
	if err != nil {
		return 0, err
	}

	if !po.captured {
		if err := a.capture(ctx, orderID); err != nil {
			a.release(orderID, po)
			return 0, err
		}
		po.captured = true
	}
	if !po.consumed {
		fresh, err := a.journal.ConsumeReference(ctx, orderID)
		if err != nil {
			a.release(orderID, po)
			return 0, fmt.Errorf("consume payment reference: %w", err)
		}
		if !fresh {
			a.mu.Lock()
			delete(a.pending, orderID)
			a.mu.Unlock()
			return 0, ErrAlreadyUsed
		}
		po.consumed = true
	}

	paid, err := ledger.Credit(ctx, po.rows)
	if err != nil {
		a.release(orderID, po)
		log.Error().Err(err).Str("order", orderID).Int("rows", po.rows).Msg("captured payment not yet credited")
		return 0, err
	}
	if err := a.journal.RecordCredit(ctx, ledger.Key(), po.rows, orderID); err != nil {
		log.Error().Err(err).Str("order", orderID).Msg("failed to record credit")
	}

	a.mu.Lock()
	delete(a.pending, orderID)
	a.mu.Unlock()

	metrics.Payments.WithLabelValues("capture", "ok").Inc()
	metrics.CreditedRows.Add(float64(po.rows))
	log.Info().
		Str("order", orderID).
		Str("session", ledger.Key()).
		Int("credited", po.rows).
		Int("paid_rows", paid).
		Msg("payment confirmed")
	return po.rows, nil
}

// claim marks a pending order busy so concurrent confirmations of the same
// order cannot both credit it.
func (a *Adapter) claim(orderID, key string, paidRows int) (pendingOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	po, ok := a.pending[orderID]
	if !ok {
		return po, ErrUnknownOrder
	}
	if po.key != key {
		return po, fmt.Errorf("%w: order belongs to another session", ErrUnknownOrder)
	}
	if paidRows != 0 && paidRows != po.rows {
		return po, fmt.Errorf("%w: paid rows %d do not match order for %d", ErrPaymentFailed, paidRows, po.rows)
	}
	if po.busy {
		return po, fmt.Errorf("%w: order %s", ErrInProgress, orderID)
	}
	po.busy = true
	a.pending[orderID] = po
	return po, nil
}

func (a *Adapter) release(orderID string, po pendingOrder) {
	po.busy = false
	a.mu.Lock()
	if _, ok := a.pending[orderID]; ok {
		a.pending[orderID] = po
	}
	a.mu.Unlock()
}

// capture settles the order with the processor.
func (a *Adapter) capture(ctx context.Context, orderID string) error {
	capture, err := a.gateway.CaptureOrder(ctx, orderID)
	if err != nil {
		metrics.Payments.WithLabelValues("capture", "error").Inc()
		return fmt.Errorf("%w: capture: %v", ErrPaymentFailed, err)
	}
	if capture.Status != StatusCompleted {
		metrics.Payments.WithLabelValues("capture", "incomplete").Inc()
		return fmt.Errorf("%w: order status %s", ErrPaymentFailed, capture.Status)
	}

	return nil
}

// Cancel forgets a pending order after the buyer backed out.
func (a *Adapter) Cancel(orderID string) {
	a.mu.Lock()
	delete(a.pending, orderID)
	a.mu.Unlock()
	metrics.Payments.WithLabelValues("capture", "cancelled").Inc()
}
