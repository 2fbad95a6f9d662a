package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msalopek/intent_settler/order"
)

type Memory struct {
	mu      sync.RWMutex
	records map[order.ID]Record
	history map[order.ID][]Transition
	nowFn   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[order.ID]Record),
		history: make(map[order.ID][]Transition),
		nowFn:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, id order.ID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return unknownRecord(id), nil
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := StatusUnknown
	if prev, ok := m.records[rec.ID]; ok {
		from = prev.Status
	}
	stored, t, err := m.stamp(rec, from)
	if err != nil {
		return err
	}
	m.records[rec.ID] = stored
	m.history[rec.ID] = append(m.history[rec.ID], t)
	return nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int64)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *Memory) History(_ context.Context, id order.ID) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition{}, m.history[id]...), nil
}

// Atomic holds the write lock for the whole of fn. Writes go to an overlay
// that is merged only when fn succeeds.
func (m *Memory) Atomic(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		base:    m,
		records: make(map[order.ID]Record),
		history: make(map[order.ID][]Transition),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, rec := range tx.records {
		m.records[id] = rec
	}
	for id, h := range tx.history {
		m.history[id] = append(m.history[id], h...)
	}
	return nil
}

func (m *Memory) stamp(rec Record, from Status) (Record, Transition, error) {
	if !CanTransition(from, rec.Status) {
		return Record{}, Transition{}, fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, from, rec.Status, rec.ID)
	}
	now := m.nowFn().UTC()
	rec = cloneRecord(rec)
	rec.SchemaVersion = SchemaVersion
	rec.UpdatedAt = now
	return rec, Transition{ID: rec.ID, From: from, To: rec.Status, At: now}, nil
}

// memoryTx is the view passed to Atomic. The base lock is held by Atomic.
type memoryTx struct {
	base    *Memory
	records map[order.ID]Record
	history map[order.ID][]Transition
}

func (t *memoryTx) lookup(id order.ID) (Record, bool) {
	if rec, ok := t.records[id]; ok {
		return rec, true
	}
	rec, ok := t.base.records[id]
	return rec, ok
}

func (t *memoryTx) Get(_ context.Context, id order.ID) (Record, error) {
	rec, ok := t.lookup(id)
	if !ok {
		return unknownRecord(id), nil
	}
	return cloneRecord(rec), nil
}

func (t *memoryTx) Put(_ context.Context, rec Record) error {
	from := StatusUnknown
	if prev, ok := t.lookup(rec.ID); ok {
		from = prev.Status
	}
	stored, tr, err := t.base.stamp(rec, from)
	if err != nil {
		return err
	}
	t.records[rec.ID] = stored
	t.history[rec.ID] = append(t.history[rec.ID], tr)
	return nil
}

func (t *memoryTx) CountByStatus(_ context.Context) (map[Status]int64, error) {
	counts := make(map[Status]int64)
	for id, rec := range t.base.records {
		if _, ok := t.records[id]; !ok {
			counts[rec.Status]++
		}
	}
	for _, rec := range t.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (t *memoryTx) History(_ context.Context, id order.ID) ([]Transition, error) {
	h := append([]Transition{}, t.base.history[id]...)
	return append(h, t.history[id]...), nil
}

func (t *memoryTx) Atomic(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func cloneRecord(rec Record) Record {
	rec.ResolvedOrder = cloneBytes(rec.ResolvedOrder)
	rec.OriginData = cloneBytes(rec.OriginData)
	rec.FillerData = cloneBytes(rec.FillerData)
	return rec
}
