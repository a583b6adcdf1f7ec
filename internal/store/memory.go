// Package store provides the in-process implementation of the durable
// record store. Deployments that need persistence across restarts use the
// postgres sub-package; both honor the same append-only contract.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/track"
)

// Memory is a mutex-guarded map store. Records handed out are deep copies,
// so callers never share slices with the store's internal state.
type Memory struct {
	mu      sync.RWMutex
	events  map[string]*event.Event
	records map[string]*track.Record
	byEvent map[string][]string // event id -> record ids, insertion order
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:  make(map[string]*event.Event),
		records: make(map[string]*track.Record),
		byEvent: make(map[string][]string),
	}
}

func (m *Memory) PutEvent(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[ev.ID]; exists {
		return track.ErrDuplicateEvent
	}
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, track.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) Insert(_ context.Context, rec *track.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	m.records[rec.ID] = rec.Clone()
	m.byEvent[rec.EventID] = append(m.byEvent[rec.EventID], rec.ID)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*track.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, track.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Update(_ context.Context, rec *track.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.ID]
	if !ok {
		return track.ErrNotFound
	}
	// Attempts are append-only: keep the trail already persisted and take
	// only the head fields from the caller.
	next := rec.Clone()
	next.Attempts = cur.Attempts
	m.records[rec.ID] = next
	return nil
}

func (m *Memory) AppendAttempt(_ context.Context, id string, a track.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return track.ErrNotFound
	}
	rec.Attempts = append(rec.Attempts, a)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) FindByEvent(_ context.Context, eventID string) ([]*track.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byEvent[eventID]
	out := make([]*track.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id].Clone())
	}
	return out, nil
}

func (m *Memory) Query(_ context.Context, f track.Filter) ([]*track.Record, error) {
	m.mu.RLock()
	matched := make([]*track.Record, 0)
	for _, rec := range m.records {
		if matches(rec, f) {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func matches(rec *track.Record, f track.Filter) bool {
	if f.EventID != "" && rec.EventID != f.EventID {
		return false
	}
	if f.RecipientID != "" && rec.RecipientID != f.RecipientID {
		return false
	}
	if f.Channel != "" && rec.Channel != f.Channel {
		return false
	}
	if f.State != "" && rec.State != f.State {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func (m *Memory) CountByState(_ context.Context) (map[track.State]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[track.State]int)
	for _, rec := range m.records {
		counts[rec.State]++
	}
	return counts, nil
}

func (m *Memory) Due(_ context.Context, now time.Time) ([]*track.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*track.Record
	for _, rec := range m.records {
		if rec.State.Terminal() || rec.NextRetryAt == nil {
			continue
		}
		if !rec.NextRetryAt.After(now) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
