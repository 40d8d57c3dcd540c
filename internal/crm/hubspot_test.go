package crm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"callbridge/internal/accounts"
	"callbridge/internal/upstream"
	"callbridge/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newClient(t *testing.T, srv *httptest.Server, acc accounts.Account) (*Client, *accounts.Service) {
	t.Helper()
	store := accounts.NewService(accounts.NewMemoryRepo(acc), logger.Discard())
	caller := upstream.New(upstream.Settings{Name: "hubspot-test", Attempts: 1}, logger.Discard())
	c := NewClient(Config{
		BaseURL:      srv.URL,
		ClientID:     "cid",
		ClientSecret: "csecret",
		AppID:        "123",
	}, caller, store, logger.Discard())
	c.Now = func() time.Time { return now }
	return c, store
}

func freshAccount() accounts.Account {
	return accounts.Account{
		ID:             "acc-1",
		CRMAccountID:   "portal-1",
		AccessToken:    "live-token",
		RefreshToken:   "refresh-1",
		TokenExpiresAt: now.Add(time.Hour),
		IsActive:       true,
	}
}

func TestFindContactByPhone_ReturnsFirstMatch(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm/v3/objects/contacts/search", r.URL.Path)
		require.Equal(t, "Bearer live-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"total":1,"results":[{"id":"c-42","properties":{"firstname":"Ada","lastname":"L","hubspot_owner_id":"owner-7","phone":"+15551230000"}}]}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	contact, ok, err := c.FindContactByPhone(context.Background(), "+15551230000", "acc-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c-42", contact.ID)
	require.Equal(t, "owner-7", contact.OwnerID)
	require.Equal(t, "Ada L", contact.DisplayName())

	require.Equal(t, 1, got.Limit)
	require.Len(t, got.FilterGroups, 2)
	require.Equal(t, "phone", got.FilterGroups[0].Filters[0].PropertyName)
	require.Equal(t, "mobilephone", got.FilterGroups[1].Filters[0].PropertyName)
	require.Equal(t, "EQ", got.FilterGroups[0].Filters[0].Operator)
}

func TestFindContactByPhone_NoMatchIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"total":0,"results":[]}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	_, ok, err := c.FindContactByPhone(context.Background(), "+1999", "acc-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindContactByPhone_UnknownAccount(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	_, _, err := c.FindContactByPhone(context.Background(), "+1999", "missing")
	require.ErrorIs(t, err, ErrAccountMissing)
}

func TestRecordCallEngagement_AssociatesContact(t *testing.T) {
	var got engagementRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm/v3/objects/calls", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"eng-9"}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	id, err := c.RecordCallEngagement(context.Background(), "c-42", CallSummary{
		Direction:       "inbound",
		Status:          "completed",
		From:            "+15551230000",
		To:              "+15550001111",
		DurationSeconds: 95,
		RecordingURL:    "https://rec/1",
		OccurredAt:      now,
	}, "acc-1")
	require.NoError(t, err)
	require.Equal(t, "eng-9", id)

	require.Equal(t, "INBOUND", got.Properties["hs_call_direction"])
	require.Equal(t, "95000", got.Properties["hs_call_duration"])
	require.Equal(t, "COMPLETED", got.Properties["hs_call_status"])
	require.Equal(t, "https://rec/1", got.Properties["hs_call_recording_url"])
	require.Len(t, got.Associations, 1)
	require.Equal(t, "c-42", got.Associations[0].To.ID)
	require.Equal(t, 194, got.Associations[0].Types[0].TypeID)
}

func TestAccessToken_RefreshesExpiredTokenOnce(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/token":
			refreshes.Add(1)
			require.NoError(t, r.ParseForm())
			require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			require.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
			_, _ = io.WriteString(w, `{"access_token":"new-token","refresh_token":"refresh-2","expires_in":1800}`)
		default:
			require.Equal(t, "Bearer new-token", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, `{"results":[]}`)
		}
	}))
	defer srv.Close()

	acc := freshAccount()
	acc.TokenExpiresAt = now.Add(-time.Minute)
	c, store := newClient(t, srv, acc)

	for i := 0; i < 3; i++ {
		_, _, err := c.FindContactByPhone(context.Background(), "+1", "acc-1")
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), refreshes.Load())

	stored, err := store.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, "new-token", stored.AccessToken)
	require.Equal(t, "refresh-2", stored.RefreshToken)
	require.Equal(t, now.Add(30*time.Minute), stored.TokenExpiresAt)
}

func TestConfigureCallingSettings_DefaultsSize(t *testing.T) {
	var got callingSettingsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm/v3/extensions/calling/123/settings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	err := c.ConfigureCallingSettings(context.Background(), "acc-1", accounts.CallingSettings{Name: "WhatsApp Calling", URL: "https://bridge/widget"})
	require.NoError(t, err)
	require.Equal(t, 600, got.Height)
	require.Equal(t, 400, got.Width)
	require.True(t, got.IsReady)
}

func TestCall_UnauthorizedDropsCachedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	_, _, err := c.FindContactByPhone(context.Background(), "+1", "acc-1")
	require.True(t, upstream.IsStatus(err, http.StatusUnauthorized))
	_, cached := c.tokens.Get("acc-1")
	require.False(t, cached)

}

func TestExchangeCode_ResolvesPortal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/token":
			require.NoError(t, r.ParseForm())
			require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
			require.Equal(t, "code-1", r.PostForm.Get("code"))
			require.Equal(t, "https://bridge.example.com/hubspot/install", r.PostForm.Get("redirect_uri"))
			_, _ = io.WriteString(w, `{"access_token":"tok-1","refresh_token":"ref-1","expires_in":1800}`)
		case "/oauth/v1/access-tokens/tok-1":
			_, _ = io.WriteString(w, `{"hub_id":4242,"user_id":77,"user":"owner@example.com"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	inst, err := c.ExchangeCode(context.Background(), "code-1", "https://bridge.example.com/hubspot/install")
	require.NoError(t, err)
	require.Equal(t, "4242", inst.Install.CRMAccountID)
	require.Equal(t, "77", inst.UserID)
	require.Equal(t, "tok-1", inst.Install.AccessToken)
	require.Equal(t, "ref-1", inst.Install.RefreshToken)
	require.Equal(t, now.Add(30*time.Minute), inst.Install.TokenExpiresAt)
}

func TestExchangeCode_RejectedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":"BAD_AUTH_CODE"}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv, freshAccount())
	_, err := c.ExchangeCode(context.Background(), "expired", "https://x")
	require.True(t, upstream.IsStatus(err, http.StatusBadRequest))

	_, err = c.ExchangeCode(context.Background(), " ", "https://x")
	require.Error(t, err)
}
