package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"callbridge/internal/audit"
	"callbridge/pkg/logger"

	"github.com/stretchr/testify/require"
)

const (
	recipient = "+15551230000"
	sender    = "+15550009999"
	accountID = "acc-1"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendConsentRequest(ctx context.Context, from, to, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to)
	return fmt.Sprintf("SM%d", len(f.sent)), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	repo   *MemoryRepo
	sender *fakeSender
	audit  *audit.MemoryRepo
	clock  *clock
	wf     *Workflow
}

func newFixture() *fixture {
	f := &fixture{
		repo:   NewMemoryRepo(),
		sender: &fakeSender{},
		audit:  audit.NewMemoryRepo(),
		clock:  &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	f.wf = NewWorkflow(f.repo, f.sender, NewKeyedMutex(), logger.Discard()).
		WithAuditor(AuditAdapter{Audit: audit.NewService(f.audit)})
	f.wf.Now = f.clock.Now
	return f
}

func (f *fixture) request(t *testing.T) RequestResult {
	t.Helper()
	res, err := f.wf.RequestIfNeeded(context.Background(), Request{From: sender, To: recipient, AccountID: accountID})
	require.NoError(t, err)
	return res
}

func TestCheck_NoRecord(t *testing.T) {
	f := newFixture()
	res, err := f.wf.Check(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.False(t, res.Permitted)
	require.Equal(t, ReasonNoRecord, res.Reason)
	require.Nil(t, res.Record)
}

func TestCheck_NotGrantedCarriesStatus(t *testing.T) {
	f := newFixture()
	f.repo.Put(Record{RecipientPhone: recipient, AccountID: accountID, Status: StatusDenied})

	res, err := f.wf.Check(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.False(t, res.Permitted)
	require.Equal(t, ReasonNotGranted, res.Reason)
	require.Equal(t, StatusDenied, res.Status)
}

func TestCheck_LazyExpiry(t *testing.T) {
	f := newFixture()
	granted := f.clock.Now().Add(-8 * 24 * time.Hour)
	expires := granted.Add(GrantValidity)
	rec := f.repo.Put(Record{
		RecipientPhone: recipient,
		AccountID:      accountID,
		Status:         StatusGranted,
		GrantedAt:      &granted,
		ExpiresAt:      &expires,
	})

	res, err := f.wf.Check(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.False(t, res.Permitted)
	require.Equal(t, ReasonExpired, res.Reason)

	stored, err := f.repo.Find(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, stored.Status)
	require.Equal(t, rec.ID, stored.ID)

	evs := f.audit.Events()
	require.Len(t, evs, 1)
	require.Equal(t, audit.EventTypePermissionExpired, evs[0].Type)
	require.Equal(t, "granted", evs[0].PreviousStatus)
}

func TestCheck_ExpiryBoundaryIsExclusive(t *testing.T) {
	f := newFixture()
	expires := f.clock.Now()
	f.repo.Put(Record{RecipientPhone: recipient, AccountID: accountID, Status: StatusGranted, ExpiresAt: &expires})

	res, err := f.wf.Check(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.True(t, res.Permitted)

	f.clock.Advance(time.Second)
	res, err = f.wf.Check(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.False(t, res.Permitted)
}

func TestRequestIfNeeded_ValidatesBeforeSideEffects(t *testing.T) {
	f := newFixture()
	_, err := f.wf.RequestIfNeeded(context.Background(), Request{From: sender, AccountID: accountID})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Zero(t, f.sender.count())
}

func TestRequestIfNeeded_AlreadyGranted(t *testing.T) {
	f := newFixture()
	now := f.clock.Now()
	expires := now.Add(GrantValidity)
	f.repo.Put(Record{RecipientPhone: recipient, AccountID: accountID, Status: StatusGranted, GrantedAt: &now, ExpiresAt: &expires})

	res := f.request(t)
	require.Equal(t, RequestGranted, res.Status)
	require.Zero(t, f.sender.count())
}

func TestRequestIfNeeded_SendFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture()
	f.sender.err = errors.New("provider down")

	res := f.request(t)
	require.Equal(t, RequestError, res.Status)
	require.Contains(t, res.Error, "provider down")

	_, err := f.repo.Find(context.Background(), recipient, accountID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, f.repo.Requests())
}

func TestRequestIfNeeded_DailyAndWeeklyThrottle(t *testing.T) {
	f := newFixture()
	first := f.clock.Now()

	res := f.request(t)
	require.Equal(t, RequestSent, res.Status)

	f.clock.Advance(time.Hour)
	res = f.request(t)
	require.Equal(t, RequestRateLimited, res.Status)
	require.Equal(t, ThrottleDaily, res.Reason)
	require.NotNil(t, res.NextAllowedAt)
	require.Equal(t, first.Add(24*time.Hour), *res.NextAllowedAt)

	f.clock.Advance(24 * time.Hour)
	res = f.request(t)
	require.Equal(t, RequestSent, res.Status)
	require.Equal(t, 2, res.Record.RequestCount)

	// Two prompts inside the trailing week; the third is refused even
	// though the daily cooldown has passed.
	f.clock.Advance(25 * time.Hour)
	res = f.request(t)
	require.Equal(t, RequestRateLimited, res.Status)
	require.Equal(t, ThrottleWeekly, res.Reason)
	require.Equal(t, 2, f.sender.count())

	// Once the first prompt falls out of the window another is allowed.
	f.clock.Advance(5 * 24 * time.Hour)
	res = f.request(t)
	require.Equal(t, RequestSent, res.Status)
	require.Equal(t, 3, f.sender.count())
}

func TestRequestIfNeeded_ConcurrentAttemptsSendOnce(t *testing.T) {
	f := newFixture()

	const n = 25
	results := make([]RequestResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.wf.RequestIfNeeded(context.Background(), Request{From: sender, To: recipient, AccountID: accountID})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	sent, limited := 0, 0
	for _, r := range results {
		switch r.Status {
		case RequestSent:
			sent++
		case RequestRateLimited:
			require.Equal(t, ThrottleDaily, r.Reason)
			limited++
		}
	}
	require.Equal(t, 1, sent)
	require.Equal(t, n-1, limited)
	require.Equal(t, 1, f.sender.count())
}

func TestRequestIfNeeded_CancelledCallerStillRecords(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	blocking := &cancelOnSend{fakeSender: f.sender, cancel: cancel}
	f.wf.sender = blocking

	res, err := f.wf.RequestIfNeeded(ctx, Request{From: sender, To: recipient, AccountID: accountID})
	require.NoError(t, err)
	require.Equal(t, RequestSent, res.Status)

	rec, err := f.repo.Find(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
}

type cancelOnSend struct {
	*fakeSender
	cancel context.CancelFunc
}

func (c *cancelOnSend) SendConsentRequest(ctx context.Context, from, to, accountID string) (string, error) {
	c.cancel()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return c.fakeSender.SendConsentRequest(ctx, from, to, accountID)
}

func TestHandleResponse_AcceptGrantsForSevenDays(t *testing.T) {
	f := newFixture()
	f.request(t)

	f.clock.Advance(10 * time.Minute)
	res, err := f.wf.HandleResponse(context.Background(), recipient, AcceptPayload, accountID)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, StatusGranted, res.Status)
	require.Equal(t, res.Record.GrantedAt.Add(GrantValidity), *res.Record.ExpiresAt)
	require.Equal(t, f.clock.Now(), *res.Record.GrantedAt)
}

func TestHandleResponse_OtherPayloadDeniesAndKeepsExpiry(t *testing.T) {
	f := newFixture()
	old := f.clock.Now().Add(-30 * 24 * time.Hour)
	f.repo.Put(Record{RecipientPhone: recipient, AccountID: accountID, Status: StatusPending, ExpiresAt: &old})

	res, err := f.wf.HandleResponse(context.Background(), recipient, "DECLINED", accountID)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, StatusDenied, res.Status)
	require.Equal(t, old, *res.Record.ExpiresAt)
	require.Nil(t, res.Record.GrantedAt)
}

func TestHandleResponse_IsIdempotent(t *testing.T) {
	f := newFixture()
	f.request(t)

	first, err := f.wf.HandleResponse(context.Background(), recipient, AcceptPayload, accountID)
	require.NoError(t, err)
	require.True(t, first.Applied)

	f.clock.Advance(time.Hour)
	second, err := f.wf.HandleResponse(context.Background(), recipient, AcceptPayload, accountID)
	require.NoError(t, err)
	require.False(t, second.Applied)

	rec, err := f.repo.Find(context.Background(), recipient, accountID)
	require.NoError(t, err)
	require.Equal(t, *first.Record.ExpiresAt, *rec.ExpiresAt)
}

func TestHandleResponse_StrayReplyIsNoop(t *testing.T) {
	f := newFixture()
	res, err := f.wf.HandleResponse(context.Background(), recipient, AcceptPayload, accountID)
	require.NoError(t, err)
	require.False(t, res.Applied)
}

func TestConsentScenario_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res := f.request(t)
	require.Equal(t, RequestSent, res.Status)
	require.Equal(t, StatusPending, res.Record.Status)
	require.Equal(t, 1, res.Record.RequestCount)

	f.clock.Advance(time.Hour)
	res = f.request(t)
	require.Equal(t, RequestRateLimited, res.Status)
	require.Equal(t, ThrottleDaily, res.Reason)

	reply, err := f.wf.HandleResponse(ctx, recipient, AcceptPayload, accountID)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, reply.Status)
	require.Equal(t, f.clock.Now().Add(7*24*time.Hour), *reply.Record.ExpiresAt)

	check, err := f.wf.Check(ctx, recipient, accountID)
	require.NoError(t, err)
	require.True(t, check.Permitted)

	types := []audit.EventType{}
	for _, e := range f.audit.Events() {
		types = append(types, e.Type)
	}
	require.Equal(t, []audit.EventType{audit.EventTypePermissionRequested, audit.EventTypePermissionGranted}, types)
}
