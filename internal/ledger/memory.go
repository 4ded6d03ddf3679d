package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process ledger with the same semantics as PGLedger. Handy for
// tests of components that sit on top of the ledger.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func memKey(gateway, eventID string) string { return gateway + "\x00" + eventID }

// Claim implements the ledger claim.
func (m *Memory) Claim(_ context.Context, c Claim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(c.Gateway, c.GatewayEventID)
	if _, ok := m.records[k]; ok {
		return true, nil
	}
	meta := c.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	m.records[k] = Record{
		Gateway:        c.Gateway,
		GatewayEventID: c.GatewayEventID,
		Type:           c.Type,
		ReceivedAt:     m.now(),
		Metadata:       append(json.RawMessage(nil), meta...),
		Attempts:       1,
	}
	return false, nil
}

// MarkProcessed implements the ledger mark.
func (m *Memory) MarkProcessed(_ context.Context, gateway, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(gateway, eventID)
	rec, ok := m.records[k]
	if !ok {
		return ErrNotFound
	}
	if rec.ProcessedAt == nil {
		t := m.now()
		rec.ProcessedAt = &t
	}
	rec.LastError = ""
	m.records[k] = rec
	return nil
}

// Release implements the ledger release.
func (m *Memory) Release(_ context.Context, gateway, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(gateway, eventID)
	if rec, ok := m.records[k]; ok && rec.ProcessedAt == nil {
		delete(m.records, k)
	}
	return nil
}

// RecordFailure implements the ledger failure note.
func (m *Memory) RecordFailure(_ context.Context, gateway, eventID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(gateway, eventID)
	if rec, ok := m.records[k]; ok && rec.ProcessedAt == nil {
		rec.LastError = truncate(reason, 1000)
		m.records[k] = rec
	}
	return nil
}

// BeginAttempt implements the attempt counter.
func (m *Memory) BeginAttempt(_ context.Context, gateway, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(gateway, eventID)
	rec, ok := m.records[k]
	if !ok {
		return ErrNotFound
	}
	rec.Attempts++
	m.records[k] = rec
	return nil
}

// Get implements the ledger lookup.
func (m *Memory) Get(_ context.Context, gateway, eventID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(gateway, eventID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// ListStale implements the stale listing.
func (m *Memory) ListStale(_ context.Context, olderThan time.Duration, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var out []Record
	for _, rec := range m.records {
		if rec.ProcessedAt == nil && rec.ReceivedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many records exist.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
