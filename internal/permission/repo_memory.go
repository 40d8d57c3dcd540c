package permission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory ledger for tests and single-process runs.
type MemoryRepo struct {
	mu       sync.Mutex
	records  map[string]Record
	requests []RequestLog
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]Record)}
}

func pairKey(recipient, accountID string) string { return accountID + "|" + recipient }

func (m *MemoryRepo) Find(ctx context.Context, recipient, accountID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[pairKey(recipient, accountID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepo) CountRequestsSince(ctx context.Context, recipient, accountID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.RecipientPhone == recipient && req.AccountID == accountID && !req.RequestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) RecordRequest(ctx context.Context, req RequestLog) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	m.requests = append(m.requests, req)

	at := req.RequestedAt
	key := pairKey(req.RecipientPhone, req.AccountID)
	r, ok := m.records[key]
	if !ok {
		r = Record{
			ID:             uuid.NewString(),
			RecipientPhone: req.RecipientPhone,
			AccountID:      req.AccountID,
			CreatedAt:      at,
		}
	}
	r.Status = StatusPending
	r.RequestCount++
	r.LastRequestAt = &at
	r.UpdatedAt = at
	m.records[key] = r
	return r, nil
}

func (m *MemoryRepo) ChangeStatus(ctx context.Context, id string, from Status, ch StatusChange) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, r := range m.records {
		if r.ID != id {
			continue
		}
		if r.Status != from {
			return Record{}, false, nil
		}
		r.Status = ch.To
		if ch.GrantedAt != nil {
			r.GrantedAt = ch.GrantedAt
		}
		if ch.ExpiresAt != nil {
			r.ExpiresAt = ch.ExpiresAt
		}
		r.UpdatedAt = ch.At
		m.records[key] = r
		return r, true, nil
	}
	return Record{}, false, nil
}

// Put stores r as-is. Tests use it to seed ledger state.
func (m *MemoryRepo) Put(r Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.records[pairKey(r.RecipientPhone, r.AccountID)] = r
	return r
}

// Requests returns a copy of the delivered-prompt log.
func (m *MemoryRepo) Requests() []RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestLog, len(m.requests))
	copy(out, m.requests)
	return out
}
