// Package pipeline runs an upload through validation, the quota gate,
// payment and resolution, moving its session through each state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bulk-distance/internal/calculator"
	"bulk-distance/internal/excel"
	"bulk-distance/internal/metrics"
	"bulk-distance/internal/models"
	"bulk-distance/internal/payment"
	"bulk-distance/internal/quota"
	"bulk-distance/internal/session"
	"bulk-distance/internal/sheets"
	"bulk-distance/internal/validate"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoResults         = errors.New("no results to export")
	ErrPaymentsDisabled  = errors.New("payments are not configured")
	ErrSheetsUnavailable = errors.New("google sheets import is not configured")
)

type SheetFetcher interface {
	Fetch(ctx context.Context, spreadsheetID string) ([]models.Record, error)
}

type Service struct {
	ledgers  *quota.Registry
	resolver *calculator.Resolver
	payments *payment.Adapter
	sheets   SheetFetcher
	export   excel.ExportOptions
}

// NewService wires the pipeline. payments and sheets may be nil when those
// integrations are not configured.
func NewService(ledgers *quota.Registry, resolver *calculator.Resolver, payments *payment.Adapter, sheets SheetFetcher, export excel.ExportOptions) *Service {
	return &Service{
		ledgers:  ledgers,
		resolver: resolver,
		payments: payments,
		sheets:   sheets,
		export:   export,
	}
}

func (svc *Service) PaymentsEnabled() bool { return svc.payments != nil }

func (svc *Service) Ledger(ctx context.Context, key string) (*quota.Ledger, error) {
	return svc.ledgers.Get(ctx, key)
}

// Upload replaces the session's batch with the file's rows and gates it.
func (svc *Service) Upload(ctx context.Context, s *session.Session, filename string, r io.Reader, size int64) (payment.Quote, error) {
	svc.reset(s)
	s.Log(fmt.Sprintf("Reading file: %s", filename))

	kind, err := excel.KindFromFilename(filename)
	if err == nil {
		var records []models.Record
		records, err = excel.Ingest(r, size, kind)
		if err == nil {
			return svc.accept(ctx, s, records, "file")
		}
	}
	svc.fail(s, "file", err)
	return payment.Quote{}, err
}

// UploadSheet imports the first sheet of a Google Sheets document.
func (svc *Service) UploadSheet(ctx context.Context, s *session.Session, sheetURL string) (payment.Quote, error) {
	if svc.sheets == nil {
		return payment.Quote{}, ErrSheetsUnavailable
	}
	svc.reset(s)
	s.Log("Reading Google Sheets document")

	id, err := sheets.ParseSpreadsheetID(sheetURL)
	if err == nil {
		var records []models.Record
		records, err = svc.sheets.Fetch(ctx, id)
		if err == nil {
			return svc.accept(ctx, s, records, "sheets")
		}
	}
	svc.fail(s, "sheets", err)
	return payment.Quote{}, err
}

// UploadRecords gates records that were already parsed.
func (svc *Service) UploadRecords(ctx context.Context, s *session.Session, records []models.Record) (payment.Quote, error) {
	svc.reset(s)
	return svc.accept(ctx, s, records, "records")
}

// reset starts a new batch, dropping any order opened for the old one.
func (svc *Service) reset(s *session.Session) {
	if svc.payments != nil {
		if id := s.OrderID(); id != "" {
			svc.payments.Cancel(id)
		}
	}
	s.BeginUpload()
}

func (svc *Service) fail(s *session.Session, source string, err error) {
	metrics.Uploads.WithLabelValues(source, "error").Inc()
	log.Warn().Err(err).Str("session", s.ID).Str("source", source).Msg("upload rejected")
	s.Fail(err.Error())
}

func (svc *Service) accept(ctx context.Context, s *session.Session, records []models.Record, source string) (payment.Quote, error) {
	rows, report := validate.SanitizeAndValidate(records, svc.ledgers.Pricing())
	if err := s.SetValidated(rows, report); err != nil {
		return payment.Quote{}, err
	}
	metrics.Uploads.WithLabelValues(source, "ok").Inc()

	s.Log(fmt.Sprintf("%d rows read, %d duplicate pair(s)", report.TotalRows, len(report.DuplicateKeys)))
	log.Info().
		Str("session", s.ID).
		Int("rows", report.TotalRows).
		Int("duplicates", len(report.DuplicateKeys)).
		Msg("batch validated")

	return svc.Gate(ctx, s)
}

// Gate compares the validated batch with the session's allowance.
func (svc *Service) Gate(ctx context.Context, s *session.Session) (payment.Quote, error) {
	ledger, err := svc.ledgers.Get(ctx, s.ID)
	if err != nil {
		return payment.Quote{}, err
	}

	q := payment.QuoteFor(ledger, len(s.Rows()))
	next := session.StateWithinQuota
	if q.Rows > 0 {
		next = session.StateOverQuota
		s.Log(fmt.Sprintf("%d rows over the free allowance: %s %s due", q.Rows, q.Amount.StringFixed(2), q.Currency))
	}
	if err := s.Transition(next); err != nil {
		return q, err
	}
	return q, nil
}

// Quote reports what the current batch still owes.
func (svc *Service) Quote(ctx context.Context, s *session.Session) (payment.Quote, error) {
	ledger, err := svc.ledgers.Get(ctx, s.ID)
	if err != nil {
		return payment.Quote{}, err
	}
	return payment.QuoteFor(ledger, len(s.Rows())), nil
}

// RequestPayment opens a payment order for the batch's shortfall. If the
// shortfall was covered in the meantime the session is confirmed directly
// and a nil order is returned.
func (svc *Service) RequestPayment(ctx context.Context, s *session.Session, returnURL, cancelURL string) (*payment.Order, payment.Quote, error) {
	if svc.payments == nil {
		return nil, payment.Quote{}, ErrPaymentsDisabled
	}
	if s.State() != session.StateAwaitingPayment {
		if err := s.Transition(session.StateAwaitingPayment); err != nil {
			return nil, payment.Quote{}, err
		}
	}

	ledger, err := svc.ledgers.Get(ctx, s.ID)
	if err != nil {
		return nil, payment.Quote{}, err
	}

	order, q, err := svc.payments.RequestPayment(ctx, ledger, len(s.Rows()), returnURL, cancelURL)
	if errors.Is(err, payment.ErrNothingDue) {
		return nil, q, s.Transition(session.StatePaymentConfirmed)
	}
	if err != nil {
		s.Transition(session.StatePaymentFailed)
		s.Log("Payment could not be started: " + err.Error())
		return nil, q, err
	}

	s.SetOrder(order.ID)
	s.Log(fmt.Sprintf("Payment requested for %d rows (%s %s)", q.Rows, q.Amount.StringFixed(2), q.Currency))
	return order, q, nil
}

// ConfirmPayment captures orderID and credits the ledger. Only the order
// opened for the session's current batch is accepted. Any failure moves the
// session to PaymentFailed, from which a new order may be requested; so does
// a credit that still leaves the batch over the allowance.
func (svc *Service) ConfirmPayment(ctx context.Context, s *session.Session, orderID string, paidRows int) (int, error) {
	if svc.payments == nil {
		return 0, ErrPaymentsDisabled
	}
	if st := s.State(); st != session.StateAwaitingPayment {
		return 0, fmt.Errorf("%w: cannot confirm payment in state %s", session.ErrInvalidTransition, st)
	}
	if current := s.OrderID(); orderID == "" || orderID != current {
		return 0, fmt.Errorf("%w: %s is not the open order for this batch", payment.ErrUnknownOrder, orderID)
	}

	ledger, err := svc.ledgers.Get(ctx, s.ID)
	if err != nil {
		return 0, err
	}

	credited, err := svc.payments.Confirm(ctx, ledger, orderID, paidRows)
	if errors.Is(err, payment.ErrInProgress) {
		return 0, err
	}
	if err != nil {
		s.Transition(session.StatePaymentFailed)
		s.Log("Payment failed: " + err.Error())
		return 0, err
	}
	s.SetOrder("")

	if err := ledger.Check(len(s.Rows())); err != nil {
		s.Transition(session.StatePaymentFailed)
		s.Log(fmt.Sprintf("Payment confirmed: %d rows unlocked, batch still over the allowance", credited))
		return credited, err
	}
	if err := s.Transition(session.StatePaymentConfirmed); err != nil {
		return credited, err
	}
	s.Log(fmt.Sprintf("Payment confirmed: %d rows unlocked", credited))
	return credited, nil
}

// CancelPayment returns an abandoned checkout to PaymentFailed.
func (svc *Service) CancelPayment(s *session.Session) error {
	if svc.payments != nil {
		if id := s.OrderID(); id != "" {
			svc.payments.Cancel(id)
		}
	}
	s.SetOrder("")
	return s.Transition(session.StatePaymentFailed)
}

func (svc *Service) begin(ctx context.Context, s *session.Session, vehicle models.VehicleType) (context.Context, uint64, []models.Row, error) {
	ledger, err := svc.ledgers.Get(ctx, s.ID)
	if err != nil {
		return nil, 0, nil, err
	}
	rows := s.Rows()
	if err := ledger.Check(len(rows)); err != nil {
		return nil, 0, nil, err
	}
	runCtx, gen, err := s.StartCalculation(ctx, vehicle)
	if err != nil {
		return nil, 0, nil, err
	}
	return runCtx, gen, rows, nil
}

// Start resolves the batch in the background. It fails with a
// *quota.ExceededError while the batch is over the allowance.
func (svc *Service) Start(ctx context.Context, s *session.Session, vehicle models.VehicleType) error {
	runCtx, gen, rows, err := svc.begin(context.WithoutCancel(ctx), s, vehicle)
	if err != nil {
		return err
	}
	go svc.run(runCtx, s, gen, rows, vehicle)
	return nil
}

// Calculate resolves the batch and waits for the results.
func (svc *Service) Calculate(ctx context.Context, s *session.Session, vehicle models.VehicleType) ([]models.ResultRow, error) {
	runCtx, gen, rows, err := svc.begin(ctx, s, vehicle)
	if err != nil {
		return nil, err
	}
	svc.run(runCtx, s, gen, rows, vehicle)
	return s.Results(), nil
}

func (svc *Service) run(ctx context.Context, s *session.Session, gen uint64, rows []models.Row, vehicle models.VehicleType) {
	tracker := s.Tracker(gen)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session", s.ID).Msg("calculation panicked")
			tracker.Fail(fmt.Sprintf("Panic: %v", r))
		}
	}()

	start := time.Now()
	tracker.Log(fmt.Sprintf("Calculating distances for %d rows", len(rows)))

	results := svc.resolver.ResolveBatch(ctx, rows, calculator.BatchOptions{
		Vehicle:    vehicle,
		OnProgress: tracker.SetProgress,
		Logger:     tracker.Log,
	})

	elapsed := time.Since(start)
	metrics.BatchDuration.Observe(elapsed.Seconds())

	if !s.FinishCalculation(gen, results) {
		log.Debug().Str("session", s.ID).Msg("discarding results of a superseded batch")
		return
	}
	s.Log(fmt.Sprintf("Calculation finished in %s", elapsed.Round(time.Millisecond)))
	log.Info().
		Str("session", s.ID).
		Int("rows", len(results)).
		Dur("elapsed", elapsed).
		Msg("batch resolved")
}

// Export writes the session's results workbook.
func (svc *Service) Export(w io.Writer, s *session.Session) error {
	if s.State() != session.StateDone {
		return ErrNoResults
	}
	return excel.Export(w, s.Results(), svc.export)
}

func (svc *Service) ExportOptions() excel.ExportOptions { return svc.export }
