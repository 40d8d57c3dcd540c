package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: make(map[string]Call)}
}

func (m *MemoryRepo) Create(ctx context.Context, c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[c.ID]; ok {
		return ErrDuplicate
	}
	if c.ProviderCallID != "" && m.byProviderLocked(c.ProviderCallID) != nil {
		return ErrDuplicate
	}
	m.calls[c.ID] = c
	return nil
}

func (m *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.byProviderLocked(providerCallID); c != nil {
		return *c, nil
	}
	return Call{}, ErrNotFound
}

func (m *MemoryRepo) byProviderLocked(pid string) *Call {
	for _, c := range m.calls {
		if c.ProviderCallID == pid {
			return &c
		}
	}
	return nil
}

func (m *MemoryRepo) Update(ctx context.Context, id string, fn func(*Call) error) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	prevPID := c.ProviderCallID
	if err := fn(&c); err != nil {
		return Call{}, err
	}
	if c.ProviderCallID != prevPID && c.ProviderCallID != "" {
		if other := m.byProviderLocked(c.ProviderCallID); other != nil && other.ID != id {
			return Call{}, ErrDuplicate
		}
	}
	m.calls[id] = c
	return c, nil
}

func (m *MemoryRepo) List(ctx context.Context, f ListFilter) ([]Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Call
	for _, c := range m.calls {
		if c.AccountID != f.AccountID {
			continue
		}
		if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !c.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}
