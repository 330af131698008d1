package quota

import (
	"context"
	"sync"
	"time"
)

// CreditEntry is one recorded payment credit.
type CreditEntry struct {
	Key       string
	Rows      int
	Reference string
	CreatedAt time.Time
}

// MemoryStore keeps balances in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	paid    map[string]int
	refs    map[string]bool
	credits []CreditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		paid: make(map[string]int),
		refs: make(map[string]bool),
	}
}

func (m *MemoryStore) Load(_ context.Context, key string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paid, ok := m.paid[key]
	return paid, ok, nil
}

// Save never lowers a stored balance.
func (m *MemoryStore) Save(_ context.Context, key string, paid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if paid > m.paid[key] {
		m.paid[key] = paid
	} else if _, ok := m.paid[key]; !ok {
		m.paid[key] = paid
	}
	return nil
}

// ConsumeReference reports true the first time ref is seen.
func (m *MemoryStore) ConsumeReference(_ context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[ref] {
		return false, nil
	}
	m.refs[ref] = true
	return true, nil
}

func (m *MemoryStore) RecordCredit(_ context.Context, key string, rows int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits = append(m.credits, CreditEntry{Key: key, Rows: rows, Reference: ref, CreatedAt: time.Now()})
	return nil
}

func (m *MemoryStore) Credits(_ context.Context, key string) ([]CreditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CreditEntry
	for _, c := range m.credits {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out, nil
}
