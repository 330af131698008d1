package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bulk-distance/internal/models"
)

type State string

const (
	StateIdle             State = "idle"
	StateUploading        State = "uploading"
	StateValidated        State = "validated"
	StateWithinQuota      State = "within_quota"
	StateOverQuota        State = "over_quota"
	StateAwaitingPayment  State = "awaiting_payment"
	StatePaymentConfirmed State = "payment_confirmed"
	StatePaymentFailed    State = "payment_failed"
	StateCalculating      State = "calculating"
	StateDone             State = "done"
	StateError            State = "error"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateIdle:             {StateUploading},
	StateUploading:        {StateValidated, StateError},
	StateValidated:        {StateWithinQuota, StateOverQuota},
	StateWithinQuota:      {StateCalculating},
	StateOverQuota:        {StateAwaitingPayment},
	StateAwaitingPayment:  {StatePaymentConfirmed, StatePaymentFailed},
	StatePaymentFailed:    {StateAwaitingPayment},
	StatePaymentConfirmed: {StateCalculating},
	StateCalculating:      {StateDone, StateError},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one browser's upload: its batch, validation report, results
// and progress log.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.RWMutex
	state      State
	logs       []string
	progress   int
	rows       []models.Row
	report     models.ValidationReport
	results    []models.ResultRow
	vehicle    models.VehicleType
	orderID    string
	err        string
	cancel     context.CancelFunc
	generation uint64
	updatedAt  time.Time
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		state:     StateIdle,
		logs:      []string{},
		updatedAt: now,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.updatedAt = time.Now()
	return nil
}

// BeginUpload discards the previous batch, stopping any calculation still
// running for it.
func (s *Session) BeginUpload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.state = StateUploading
	s.logs = []string{}
	s.progress = 0
	s.rows = nil
	s.report = models.ValidationReport{}
	s.results = nil
	s.vehicle = ""
	s.orderID = ""
	s.err = ""
	s.updatedAt = time.Now()
}

func (s *Session) SetValidated(rows []models.Row, report models.ValidationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateValidated); err != nil {
		return err
	}
	s.rows = rows
	s.report = report
	return nil
}

// StartCalculation moves to Calculating and returns a context cancelled by
// Cancel or by the next upload, plus the generation the results belong to.
func (s *Session) StartCalculation(parent context.Context, vehicle models.VehicleType) (context.Context, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateCalculating); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.vehicle = vehicle
	s.progress = 0
	return ctx, s.generation, nil
}

// FinishCalculation stores results unless the session has moved on to a
// newer upload. It reports whether the results were kept.
func (s *Session) FinishCalculation(generation uint64, results []models.ResultRow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.state != StateCalculating {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.results = results
	s.progress = 100
	s.state = StateDone
	s.updatedAt = time.Now()
	return true
}

// Cancel stops a running calculation. Rows already resolved are kept.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// Fail records msg and moves to Error when the current state allows it.
func (s *Session) Fail(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(msg)
}

func (s *Session) failLocked(msg string) error {
	if err := s.transitionLocked(StateError); err != nil {
		return err
	}
	s.err = msg
	s.logs = append(s.logs, "[ERROR] "+msg)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *Session) Log(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLocked(msg)
}

func (s *Session) SetProgress(current, total int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressLocked(current, total, msg)
}

func (s *Session) logLocked(msg string) {
	ts := time.Now().Format("15:04:05")
	s.logs = append(s.logs, fmt.Sprintf("[%s] %s", ts, msg))
	s.updatedAt = time.Now()
}

func (s *Session) progressLocked(current, total int, msg string) {
	if total > 0 {
		s.progress = int(float64(current) / float64(total) * 100)
	}
	s.updatedAt = time.Now()
	if msg != "" {
		s.logLocked(msg)
	}
}

// Tracker reports on one calculation. Reports are dropped once a newer
// upload has replaced the batch the calculation belongs to.
type Tracker struct {
	s          *Session
	generation uint64
}

func (s *Session) Tracker(generation uint64) Tracker {
	return Tracker{s: s, generation: generation}
}

func (t Tracker) Log(msg string) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.generation == t.generation {
		t.s.logLocked(msg)
	}
}

func (t Tracker) SetProgress(current, total int, msg string) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.generation == t.generation {
		t.s.progressLocked(current, total, msg)
	}
}

// Fail moves the session to Error unless the calculation was superseded.
func (t Tracker) Fail(msg string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.generation != t.generation {
		return nil
	}
	return t.s.failLocked(msg)
}

func (s *Session) SetOrder(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderID = orderID
}

func (s *Session) OrderID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderID
}

func (s *Session) Rows() []models.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

func (s *Session) Results() []models.ResultRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results
}

func (s *Session) Logs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := make([]string, len(s.logs))
	copy(logs, s.logs)
	return logs
}

// Snapshot is a consistent copy of the session for status responses.
type Snapshot struct {
	ID       string                  `json:"id"`
	State    State                   `json:"state"`
	Progress int                     `json:"progress"`
	Report   models.ValidationReport `json:"report"`
	Rows     int                     `json:"rows"`
	Results  int                     `json:"results"`
	Vehicle  models.VehicleType      `json:"vehicle,omitempty"`
	OrderID  string                  `json:"order_id,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:       s.ID,
		State:    s.state,
		Progress: s.progress,
		Report:   s.report,
		Rows:     len(s.rows),
		Results:  len(s.results),
		Vehicle:  s.vehicle,
		OrderID:  s.orderID,
		Error:    s.err,
	}
}

// activity reports when the session last changed and whether a
// calculation is running.
func (s *Session) activity() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt, s.state == StateCalculating
}
