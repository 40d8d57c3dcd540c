package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu   sync.Mutex
	byID map[string]Account
}

func NewMemoryRepo(seed ...Account) *MemoryRepo {
	m := &MemoryRepo{byID: make(map[string]Account)}
	for _, a := range seed {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		m.byID[a.ID] = a
	}
	return m
}

func (m *MemoryRepo) Get(ctx context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryRepo) GetByCRMAccountID(ctx context.Context, crmAccountID string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.CRMAccountID == crmAccountID {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (m *MemoryRepo) FindByChannelAddress(ctx context.Context, address string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.IsActive && a.ChannelAddress != "" && a.ChannelAddress == address {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (m *MemoryRepo) Upsert(ctx context.Context, in Install, now time.Time) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.byID {
		if a.CRMAccountID == in.CRMAccountID {
			a.AccessToken, a.RefreshToken, a.TokenExpiresAt = in.AccessToken, in.RefreshToken, in.TokenExpiresAt
			a.IsActive = true
			a.UpdatedAt = now
			m.byID[id] = a
			return a, nil
		}
	}
	a := Account{
		ID:             uuid.NewString(),
		CRMAccountID:   in.CRMAccountID,
		AccessToken:    in.AccessToken,
		RefreshToken:   in.RefreshToken,
		TokenExpiresAt: in.TokenExpiresAt,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.byID[a.ID] = a
	return a, nil
}

func (m *MemoryRepo) SetChannelAddress(ctx context.Context, id, address string, now time.Time) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	for otherID, other := range m.byID {
		if otherID != id && address != "" && other.ChannelAddress == address {
			return Account{}, ErrDuplicate
		}
	}
	a.ChannelAddress = address
	a.UpdatedAt = now
	m.byID[id] = a
	return a, nil
}

func (m *MemoryRepo) SetCallingSettings(ctx context.Context, id string, s CallingSettings, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.CallingSettings = s
	a.UpdatedAt = now
	m.byID[id] = a
	return nil
}

func (m *MemoryRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.AccessToken, a.RefreshToken, a.TokenExpiresAt = accessToken, refreshToken, expiresAt
	a.UpdatedAt = now
	m.byID[id] = a
	return nil
}
