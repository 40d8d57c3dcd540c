package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"callbridge/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Minute
)

var validate = validator.New()

// Service owns account reads and writes.
//
// Channel-address lookups sit on the inbound call path, so they go through an
// expiring LRU; concurrent misses for one address share a single query.
// Only hits are cached: a missing account is looked up again next time.
type Service struct {
	repo  Repository
	cache *expirable.LRU[string, Account]
	group singleflight.Group
	log   *slog.Logger

	Now func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return NewServiceWithCache(repo, defaultCacheSize, defaultCacheTTL, log)
}

func NewServiceWithCache(repo Repository, size int, ttl time.Duration, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: expirable.NewLRU[string, Account](size, nil, ttl),
		log:   logger.OrDefault(log),
		Now:   time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	if id == "" {
		return Account{}, ErrInvalidArgument
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByCRMAccountID(ctx context.Context, crmAccountID string) (Account, error) {
	if crmAccountID == "" {
		return Account{}, ErrInvalidArgument
	}
	return s.repo.GetByCRMAccountID(ctx, crmAccountID)
}

// FindByChannelAddress resolves the active account sending from address.
func (s *Service) FindByChannelAddress(ctx context.Context, address string) (Account, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Account{}, ErrInvalidArgument
	}
	if a, ok := s.cache.Get(address); ok {
		return a, nil
	}

	v, err, _ := s.group.Do(address, func() (any, error) {
		a, err := s.repo.FindByChannelAddress(ctx, address)
		if err != nil {
			return Account{}, err
		}
		s.cache.Add(address, a)
		return a, nil
	})
	if err != nil {
		return Account{}, err
	}
	return v.(Account), nil
}

// Install records (or refreshes) a CRM installation.
func (s *Service) Install(ctx context.Context, in Install) (Account, error) {
	if err := validate.Struct(in); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	a, err := s.repo.Upsert(ctx, in, s.Now().UTC())
	if err != nil {
		return Account{}, err
	}
	s.invalidate(a.ChannelAddress)
	return a, nil
}

// SetChannelAddress changes the messaging sender of an account.
func (s *Service) SetChannelAddress(ctx context.Context, id, address string) (Account, error) {
	address = strings.TrimSpace(address)
	if id == "" || address == "" {
		return Account{}, ErrInvalidArgument
	}
	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return Account{}, err
	}
	a, err := s.repo.SetChannelAddress(ctx, id, address, s.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			s.log.Warn("channel address already assigned", "account_id", id)
		}
		return Account{}, err
	}
	s.invalidate(prev.ChannelAddress)
	s.invalidate(address)
	return a, nil
}

func (s *Service) SetCallingSettings(ctx context.Context, id string, cs CallingSettings) error {
	if id == "" {
		return ErrInvalidArgument
	}
	return s.repo.SetCallingSettings(ctx, id, cs, s.Now().UTC())
}

// UpdateTokens stores refreshed CRM credentials.
func (s *Service) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	if id == "" || accessToken == "" {
		return ErrInvalidArgument
	}
	return s.repo.UpdateTokens(ctx, id, accessToken, refreshToken, expiresAt, s.Now().UTC())
}

func (s *Service) invalidate(address string) {
	if address != "" {
		s.cache.Remove(address)
	}
}
