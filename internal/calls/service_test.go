package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callbridge/internal/crm"
	"callbridge/pkg/logger"

	"github.com/stretchr/testify/require"
)

type fakeEngagements struct {
	mu       sync.Mutex
	calls    []crm.CallSummary
	contacts []string
	id       string
	err      error
}

func (f *fakeEngagements) RecordCallEngagement(ctx context.Context, contactID string, s crm.CallSummary, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	f.contacts = append(f.contacts, contactID)
	return f.id, f.err
}

func (f *fakeEngagements) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// deferredPool queues tasks until run is called, like a busy worker pool.
type deferredPool struct {
	mu    sync.Mutex
	tasks []func()
}

func (p *deferredPool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *deferredPool) run() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

type rejectingPool struct{}

func (rejectingPool) Submit(func()) error { return errors.New("pool overloaded") }

func newTestService(t *testing.T) (*Service, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }
	return svc, repo
}

func seedInbound(t *testing.T, svc *Service, pid string) Call {
	t.Helper()
	c, err := svc.Create(context.Background(), Call{
		ProviderCallID: pid,
		AccountID:      "acc-1",
		ContactID:      "contact-9",
		From:           "+15551230000",
		To:             "+15559870000",
		Direction:      DirectionInbound,
	})
	require.NoError(t, err)
	return c
}

func TestService_CreateValidatesAndStartsInitiated(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Create(context.Background(), Call{AccountID: "a", From: "+1"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Create(context.Background(), Call{AccountID: "a", From: "+1", To: "+2", Direction: "sideways"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	c := seedInbound(t, svc, "CA1")
	require.NotEmpty(t, c.ID)
	require.Equal(t, CallStatusInitiated, c.Status)
	require.False(t, c.CreatedAt.IsZero())

	_, err = svc.Create(context.Background(), Call{ProviderCallID: "CA1", AccountID: "a", From: "+1", To: "+2", Direction: DirectionInbound})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestService_ApplyStatusUnknownCallIsDropped(t *testing.T) {
	svc, _ := newTestService(t)

	_, found, err := svc.ApplyStatus(context.Background(), StatusEvent{ProviderCallID: "CA-missing", Status: CallStatusRinging})
	require.NoError(t, err)
	require.False(t, found)
}

func TestService_ApplyStatusForwardOnlyAndDurationClamp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedInbound(t, svc, "CA2")

	c, found, err := svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA2", Status: CallStatusInProgress, Duration: intp(5)})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, CallStatusInProgress, c.Status)
	require.Equal(t, 5, c.DurationSeconds)

	// late ringing is ignored, absent duration leaves the value alone
	c, _, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA2", Status: CallStatusRinging})
	require.NoError(t, err)
	require.Equal(t, CallStatusInProgress, c.Status)
	require.Equal(t, 5, c.DurationSeconds)

	c, _, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA2", Status: CallStatusCompleted, Duration: intp(42)})
	require.NoError(t, err)
	require.Equal(t, CallStatusCompleted, c.Status)
	require.Equal(t, 42, c.DurationSeconds)

	// a smaller duration never shrinks the record
	c, _, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA2", Status: CallStatusCompleted, Duration: intp(3)})
	require.NoError(t, err)
	require.Equal(t, 42, c.DurationSeconds)

	c, _, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA2", Status: CallStatusFailed})
	require.NoError(t, err)
	require.Equal(t, CallStatusCompleted, c.Status)
}

func TestService_ApplyStatusRejectsBadEvent(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.ApplyStatus(context.Background(), StatusEvent{ProviderCallID: "CA", Status: "weird"})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestService_CompletedCallRecordsEngagementOnce(t *testing.T) {
	svc, repo := newTestService(t)
	eng := &fakeEngagements{id: "eng-77"}
	svc.WithEngagements(eng, nil) // nil pool runs inline
	ctx := context.Background()
	c := seedInbound(t, svc, "CA3")

	_, _, err := svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA3", Status: CallStatusCompleted, Duration: intp(61)})
	require.NoError(t, err)
	require.Equal(t, 1, eng.count())
	require.Equal(t, "contact-9", eng.contacts[0])
	require.Equal(t, 61, eng.calls[0].DurationSeconds)
	require.Equal(t, "inbound", eng.calls[0].Direction)

	stored, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "eng-77", stored.EngagementID)

	// a duplicate completed callback does not write a second engagement
	_, _, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA3", Status: CallStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, 1, eng.count())
}

func TestService_StatusAndDialStatusCompletedRecordOneEngagement(t *testing.T) {
	svc, repo := newTestService(t)
	eng := &fakeEngagements{id: "eng-1"}
	pool := &deferredPool{}
	svc.WithEngagements(eng, pool)
	ctx := context.Background()
	c := seedInbound(t, svc, "CA10")

	// both callbacks land before the first engagement task has run
	_, _, err := svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA10", Status: CallStatusCompleted, Duration: intp(30)})
	require.NoError(t, err)
	_, _, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA10", Status: CallStatusCompleted, Duration: intp(31)})
	require.NoError(t, err)

	pool.run()
	require.Equal(t, 1, eng.count())

	stored, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "eng-1", stored.EngagementID)
	require.Equal(t, 31, stored.DurationSeconds)
}

func TestService_LateCompletedOnFailedCallRecordsNothing(t *testing.T) {
	svc, _ := newTestService(t)
	eng := &fakeEngagements{id: "eng-2"}
	svc.WithEngagements(eng, nil)
	ctx := context.Background()
	seedInbound(t, svc, "CA11")

	_, _, err := svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA11", Status: CallStatusBusy})
	require.NoError(t, err)
	c, _, err := svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA11", Status: CallStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, CallStatusBusy, c.Status)
	require.Zero(t, eng.count())
}

func TestService_CallbackBeforeProviderIDStored(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, Call{AccountID: "acc-1", From: "+15559870000", To: "+15551230000", Direction: DirectionOutbound})
	require.NoError(t, err)

	got, found, err := svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA-early", Status: CallStatusRinging, CallID: c.ID})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, CallStatusRinging, got.Status)
	require.Equal(t, "CA-early", got.ProviderCallID)

	// the placing flow stores the same id afterwards without conflict
	_, err = svc.SetProviderCallID(ctx, c.ID, "CA-early")
	require.NoError(t, err)

	// an echoed id that belongs to another leg is not adopted
	_, found, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA-other", Status: CallStatusCompleted, CallID: c.ID})
	require.NoError(t, err)
	require.False(t, found)

	stored, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, CallStatusRinging, stored.Status)

	_, found, err = svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA-x", Status: CallStatusRinging, CallID: "missing"})
	require.NoError(t, err)
	require.False(t, found)
}

func TestService_EngagementFailureIsNotFatal(t *testing.T) {
	svc, repo := newTestService(t)
	eng := &fakeEngagements{err: errors.New("crm down")}
	svc.WithEngagements(eng, nil)
	c := seedInbound(t, svc, "CA4")

	got, found, err := svc.ApplyStatus(context.Background(), StatusEvent{ProviderCallID: "CA4", Status: CallStatusCompleted})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, CallStatusCompleted, got.Status)

	stored, err := repo.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Empty(t, stored.EngagementID)
}

func TestService_RejectedPoolSkipsEngagement(t *testing.T) {
	svc, _ := newTestService(t)
	eng := &fakeEngagements{id: "x"}
	svc.WithEngagements(eng, rejectingPool{})
	seedInbound(t, svc, "CA5")

	_, _, err := svc.ApplyStatus(context.Background(), StatusEvent{ProviderCallID: "CA5", Status: CallStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, 0, eng.count())
}

func TestService_NoContactNoEngagement(t *testing.T) {
	svc, _ := newTestService(t)
	eng := &fakeEngagements{id: "x"}
	svc.WithEngagements(eng, nil)
	_, err := svc.Create(context.Background(), Call{ProviderCallID: "CA6", AccountID: "a", From: "+1", To: "+2", Direction: DirectionInbound})
	require.NoError(t, err)

	_, _, err = svc.ApplyStatus(context.Background(), StatusEvent{ProviderCallID: "CA6", Status: CallStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, 0, eng.count())
}

func TestService_AttachRecordingOnTerminalCall(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedInbound(t, svc, "CA7")
	_, _, err := svc.ApplyStatus(ctx, StatusEvent{ProviderCallID: "CA7", Status: CallStatusNoAnswer})
	require.NoError(t, err)

	c, found, err := svc.AttachRecording(ctx, "CA7", "https://rec.example/RE1", "please call me back")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, CallStatusNoAnswer, c.Status)
	require.Equal(t, "https://rec.example/RE1", c.RecordingURL)
	require.Equal(t, "please call me back", c.Transcript)

	// transcript arriving alone keeps the url
	c, _, err = svc.AttachRecording(ctx, "CA7", "", "updated")
	require.NoError(t, err)
	require.Equal(t, "https://rec.example/RE1", c.RecordingURL)
	require.Equal(t, "updated", c.Transcript)

	_, found, err = svc.AttachRecording(ctx, "CA-nope", "u", "")
	require.NoError(t, err)
	require.False(t, found)
}

func TestService_SetProviderCallIDOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, Call{AccountID: "a", From: "+1", To: "+2", Direction: DirectionOutbound})
	require.NoError(t, err)

	c, err = svc.SetProviderCallID(ctx, c.ID, "CA8")
	require.NoError(t, err)
	require.Equal(t, "CA8", c.ProviderCallID)

	_, err = svc.SetProviderCallID(ctx, c.ID, "CA8")
	require.NoError(t, err)

	_, err = svc.SetProviderCallID(ctx, c.ID, "CA9")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestService_HistoryNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		svc.Now = func() time.Time { return at }
		_, err := svc.Create(ctx, Call{AccountID: "acc-h", From: "+1", To: "+2", Direction: DirectionInbound})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, Call{AccountID: "other", From: "+1", To: "+2", Direction: DirectionInbound})
	require.NoError(t, err)

	got, err := svc.History(ctx, "acc-h", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, base.Add(4*time.Hour), got[0].CreatedAt)
	require.Equal(t, base.Add(3*time.Hour), got[1].CreatedAt)

	got, err = svc.History(ctx, "acc-h", 0, 4)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = svc.History(ctx, "", 10, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
