package calls

import (
	"context"
	"errors"
	"testing"

	"callbridge/internal/accounts"
	"callbridge/internal/permission"
	"callbridge/pkg/logger"

	"github.com/stretchr/testify/require"
)

type stubAccounts map[string]accounts.Account

func (s stubAccounts) Get(ctx context.Context, id string) (accounts.Account, error) {
	a, ok := s[id]
	if !ok {
		return accounts.Account{}, accounts.ErrNotFound
	}
	return a, nil
}

type stubGate struct {
	res permission.RequestResult
	got []permission.Request
}

func (g *stubGate) RequestIfNeeded(ctx context.Context, req permission.Request) (permission.RequestResult, error) {
	g.got = append(g.got, req)
	return g.res, nil
}

type stubDialer struct {
	pid  string
	err  error
	seen []string
}

func (d *stubDialer) PlaceCall(ctx context.Context, callID, from, to string) (string, error) {
	d.seen = append(d.seen, callID+"|"+from+"|"+to)
	return d.pid, d.err
}

func newOutbound(t *testing.T, gate *stubGate, dialer *stubDialer) (*Outbound, *MemoryRepo) {
	t.Helper()
	svc, repo := newTestService(t)
	accts := stubAccounts{
		"acc-1":     {ID: "acc-1", ChannelAddress: "+15550001111", IsActive: true},
		"acc-empty": {ID: "acc-empty", IsActive: true},
	}
	return NewOutbound(svc, accts, gate, dialer, logger.Discard()), repo
}

func TestOutbound_PermissionRequiredStopsBeforeDial(t *testing.T) {
	gate := &stubGate{res: permission.RequestResult{Status: permission.RequestSent, MessageID: "SM1"}}
	dialer := &stubDialer{pid: "CA1"}
	o, repo := newOutbound(t, gate, dialer)

	res, err := o.Start(context.Background(), OutboundRequest{AccountID: "acc-1", RepresentativeID: "rep-1", To: "+15551230000"})
	require.NoError(t, err)
	require.False(t, res.Initiated)
	require.Equal(t, ReasonPermissionRequired, res.Reason)
	require.Equal(t, permission.RequestSent, res.Permission.Status)
	require.Empty(t, dialer.seen)

	require.Len(t, gate.got, 1)
	require.Equal(t, "+15550001111", gate.got[0].From)
	require.Equal(t, "+15551230000", gate.got[0].To)

	all, err := repo.List(context.Background(), ListFilter{AccountID: "acc-1"})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestOutbound_GrantedPlacesCall(t *testing.T) {
	gate := &stubGate{res: permission.RequestResult{Status: permission.RequestGranted}}
	dialer := &stubDialer{pid: "CA42"}
	o, _ := newOutbound(t, gate, dialer)

	res, err := o.Start(context.Background(), OutboundRequest{AccountID: "acc-1", RepresentativeID: "rep-1", To: "+15551230000", ContactID: "c-1"})
	require.NoError(t, err)
	require.True(t, res.Initiated)
	require.Equal(t, "CA42", res.Call.ProviderCallID)
	require.Equal(t, DirectionOutbound, res.Call.Direction)
	require.Equal(t, CallStatusInitiated, res.Call.Status)
	require.Equal(t, "rep-1", res.Call.RepresentativeID)
	require.Equal(t, []string{res.Call.ID + "|+15550001111|+15551230000"}, dialer.seen)
}

func TestOutbound_DialFailureMarksCallFailed(t *testing.T) {
	gate := &stubGate{res: permission.RequestResult{Status: permission.RequestGranted}}
	dialer := &stubDialer{err: errors.New("provider 500")}
	o, repo := newOutbound(t, gate, dialer)

	_, err := o.Start(context.Background(), OutboundRequest{AccountID: "acc-1", RepresentativeID: "rep-1", To: "+15551230000"})
	require.Error(t, err)

	all, err := repo.List(context.Background(), ListFilter{AccountID: "acc-1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, CallStatusFailed, all[0].Status)
}

func TestOutbound_Validation(t *testing.T) {
	gate := &stubGate{res: permission.RequestResult{Status: permission.RequestGranted}}
	o, _ := newOutbound(t, gate, &stubDialer{})

	_, err := o.Start(context.Background(), OutboundRequest{AccountID: "acc-1", To: "+1555"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = o.Start(context.Background(), OutboundRequest{AccountID: "acc-empty", RepresentativeID: "r", To: "+15551230000"})
	require.ErrorIs(t, err, ErrNoChannelAddress)

	_, err = o.Start(context.Background(), OutboundRequest{AccountID: "acc-x", RepresentativeID: "r", To: "+15551230000"})
	require.ErrorIs(t, err, accounts.ErrNotFound)
	require.Empty(t, gate.got)
}
