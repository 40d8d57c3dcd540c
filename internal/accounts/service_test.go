package accounts

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callbridge/pkg/logger"

	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	*MemoryRepo
	lookups atomic.Int32
	gate    chan struct{}
}

func (c *countingRepo) FindByChannelAddress(ctx context.Context, address string) (Account, error) {
	c.lookups.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.MemoryRepo.FindByChannelAddress(ctx, address)
}

func TestFindByChannelAddress_CachesHits(t *testing.T) {
	repo := &countingRepo{MemoryRepo: NewMemoryRepo(Account{ID: "acc-1", ChannelAddress: "+15550001111", IsActive: true})}
	svc := NewService(repo, logger.Discard())

	for i := 0; i < 3; i++ {
		a, err := svc.FindByChannelAddress(context.Background(), "+15550001111")
		require.NoError(t, err)
		require.Equal(t, "acc-1", a.ID)
	}
	require.Equal(t, int32(1), repo.lookups.Load())
}

func TestFindByChannelAddress_MissIsNotCached(t *testing.T) {
	repo := &countingRepo{MemoryRepo: NewMemoryRepo()}
	svc := NewService(repo, logger.Discard())

	_, err := svc.FindByChannelAddress(context.Background(), "+1999")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.FindByChannelAddress(context.Background(), "+1999")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(2), repo.lookups.Load())
}

func TestFindByChannelAddress_InactiveAccountIsNotFound(t *testing.T) {
	svc := NewService(NewMemoryRepo(Account{ID: "acc-1", ChannelAddress: "+1555", IsActive: false}), logger.Discard())
	_, err := svc.FindByChannelAddress(context.Background(), "+1555")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindByChannelAddress_CollapsesConcurrentMisses(t *testing.T) {
	repo := &countingRepo{
		MemoryRepo: NewMemoryRepo(Account{ID: "acc-1", ChannelAddress: "+1555", IsActive: true}),
		gate:       make(chan struct{}),
	}
	svc := NewService(repo, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := svc.FindByChannelAddress(context.Background(), "+1555")
			if err != nil || a.ID != "acc-1" {
				t.Errorf("unexpected lookup result %v %v", a, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()

	require.LessOrEqual(t, repo.lookups.Load(), int32(10))
	require.GreaterOrEqual(t, repo.lookups.Load(), int32(1))
}

func TestSetChannelAddress_InvalidatesCache(t *testing.T) {
	repo := NewMemoryRepo(Account{ID: "acc-1", ChannelAddress: "+1000", IsActive: true})
	svc := NewService(repo, logger.Discard())

	_, err := svc.FindByChannelAddress(context.Background(), "+1000")
	require.NoError(t, err)

	_, err = svc.SetChannelAddress(context.Background(), "acc-1", "+2000")
	require.NoError(t, err)

	_, err = svc.FindByChannelAddress(context.Background(), "+1000")
	require.ErrorIs(t, err, ErrNotFound)
	a, err := svc.FindByChannelAddress(context.Background(), "+2000")
	require.NoError(t, err)
	require.Equal(t, "acc-1", a.ID)
}

func TestSetChannelAddress_RejectsDuplicate(t *testing.T) {
	repo := NewMemoryRepo(
		Account{ID: "acc-1", ChannelAddress: "+1000", IsActive: true},
		Account{ID: "acc-2", IsActive: true},
	)
	svc := NewService(repo, logger.Discard())
	_, err := svc.SetChannelAddress(context.Background(), "acc-2", "+1000")
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestInstall_UpsertsByCRMAccount(t *testing.T) {
	svc := NewService(NewMemoryRepo(), logger.Discard())
	exp := time.Now().Add(time.Hour)

	_, err := svc.Install(context.Background(), Install{CRMAccountID: "portal-1"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	a, err := svc.Install(context.Background(), Install{CRMAccountID: "portal-1", AccessToken: "a1", RefreshToken: "r1", TokenExpiresAt: exp})
	require.NoError(t, err)
	b, err := svc.Install(context.Background(), Install{CRMAccountID: "portal-1", AccessToken: "a2", RefreshToken: "r2", TokenExpiresAt: exp})
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, "a2", b.AccessToken)
}

func TestTokenExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := Account{TokenExpiresAt: now.Add(time.Minute)}
	require.False(t, a.TokenExpired(now, 0))
	require.True(t, a.TokenExpired(now, 2*time.Minute))
}
