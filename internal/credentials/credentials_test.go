package credentials

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"opsdash/internal/db"
)

type memStore struct {
	mu    sync.Mutex
	conns map[string]db.ProviderConnection
}

func newMemStore() *memStore {
	return &memStore{conns: map[string]db.ProviderConnection{}}
}

func (m *memStore) FindConnection(_ context.Context, userID, provider string) (*db.ProviderConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[provider+"/"+userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) UpsertConnection(_ context.Context, c *db.ProviderConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.Provider+"/"+c.UserID] = *c
	return nil
}

func (m *memStore) DeleteConnection(_ context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, provider+"/"+userID)
	return nil
}

func tokenServer(t *testing.T, status int, body string, calls *atomic.Int32) *oauth2.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Let concurrent callers pile up behind the first refresh.
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthURL: srv.URL + "/auth"},
	}
}

func TestTokenNotConnected(t *testing.T) {
	m := NewManager(newMemStore(), &oauth2.Config{}, 0, zap.NewNop().Sugar())

	_, err := m.Token(context.Background(), "u", db.ProviderGCP)
	assert.ErrorIs(t, err, ErrNotConnected)

	ok, err := m.Connected(context.Background(), "u", db.ProviderGCP)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredWithoutRefreshIsNotConnected(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGitHub, AccessToken: "a", ExpiresAt: time.Now().Add(-time.Minute),
	})
	m := NewManager(store, &oauth2.Config{}, 0, zap.NewNop().Sugar())

	_, err := m.Token(context.Background(), "u", db.ProviderGitHub)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRenewStoresFreshToken(t *testing.T) {
	var calls atomic.Int32
	cfg := tokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`, &calls)
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGCP, AccessToken: "stale", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour),
	})
	m := NewManager(store, cfg, 0, zap.NewNop().Sugar())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Renew(context.Background(), "u", db.ProviderGCP))
		}()
	}
	wg.Wait()

	c, err := store.FindConnection(context.Background(), "u", db.ProviderGCP)
	require.NoError(t, err)
	assert.Equal(t, "fresh", c.AccessToken)
	assert.Equal(t, "r1", c.RefreshToken)
	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestRenewFailureDeletesConnection(t *testing.T) {
	var calls atomic.Int32
	cfg := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`, &calls)
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGCP, AccessToken: "stale", RefreshToken: "revoked",
	})
	m := NewManager(store, cfg, 0, zap.NewNop().Sugar())

	err := m.Renew(context.Background(), "u", db.ProviderGCP)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.Token(context.Background(), "u", db.ProviderGCP)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRenewWithoutRefreshTokenInvalidates(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGitHub, AccessToken: "gho_x",
	})
	m := NewManager(store, &oauth2.Config{}, 0, zap.NewNop().Sugar())

	assert.ErrorIs(t, m.Renew(context.Background(), "u", db.ProviderGitHub), ErrTokenInvalid)
	_, err := store.FindConnection(context.Background(), "u", db.ProviderGitHub)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTokenSourcePersistsRefresh(t *testing.T) {
	var calls atomic.Int32
	cfg := tokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`, &calls)
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGCP, AccessToken: "old", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Minute),
	})
	m := NewManager(store, cfg, 0, zap.NewNop().Sugar())

	ts, err := m.TokenSource(context.Background(), "u")
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)

	c, err := store.FindConnection(context.Background(), "u", db.ProviderGCP)
	require.NoError(t, err)
	assert.Equal(t, "fresh", c.AccessToken)
}

func TestAuthURLRequestsOfflineAccess(t *testing.T) {
	m := NewManager(newMemStore(), &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth"},
	}, 0, zap.NewNop().Sugar())

	u := m.AuthURL("state-1")
	assert.Contains(t, u, "access_type=offline")
	assert.Contains(t, u, "prompt=consent")
	assert.Contains(t, u, "state=state-1")
}

func TestRenewKeepsGrantWhenTokenEndpointIsDown(t *testing.T) {
	var calls atomic.Int32
	cfg := tokenServer(t, http.StatusServiceUnavailable, `{"error":"backend_error"}`, &calls)
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGCP, AccessToken: "stale", RefreshToken: "r1",
	})
	m := NewManager(store, cfg, 0, zap.NewNop().Sugar())

	err := m.Renew(context.Background(), "u", db.ProviderGCP)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrTokenInvalid)

	c, err := store.FindConnection(context.Background(), "u", db.ProviderGCP)
	require.NoError(t, err)
	assert.Equal(t, "r1", c.RefreshToken)
}

func TestRenewInvalidGrantDeletesConnection(t *testing.T) {
	var calls atomic.Int32
	// Some endpoints answer a revoked grant with a non-400 status.
	cfg := tokenServer(t, http.StatusForbidden, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`, &calls)
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGCP, AccessToken: "stale", RefreshToken: "revoked",
	})
	m := NewManager(store, cfg, 0, zap.NewNop().Sugar())

	assert.ErrorIs(t, m.Renew(context.Background(), "u", db.ProviderGCP), ErrTokenInvalid)
	_, err := store.FindConnection(context.Background(), "u", db.ProviderGCP)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRenewIsBoundedByTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	cfg := &oauth2.Config{ClientID: "id", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}
	store := newMemStore()
	_ = store.UpsertConnection(context.Background(), &db.ProviderConnection{
		UserID: "u", Provider: db.ProviderGCP, AccessToken: "stale", RefreshToken: "r1",
	})
	m := NewManager(store, cfg, 50*time.Millisecond, zap.NewNop().Sugar())

	start := time.Now()
	err := m.Renew(context.Background(), "u", db.ProviderGCP)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = store.FindConnection(context.Background(), "u", db.ProviderGCP)
	assert.NoError(t, err)
}

func TestIsGrantRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}}, true},
		{"unauthorized", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 401}}, true},
		{"invalid grant body", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 403}, Body: []byte(`{"error":"invalid_grant"}`)}, true},
		{"unavailable", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}, false},
		{"no response", &oauth2.RetrieveError{}, false},
		{"other error", ErrTokenInvalid, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGrantRejected(tt.err))
		})
	}
	assert.True(t, IsRefreshFailure(&oauth2.RetrieveError{}))
	assert.False(t, IsRefreshFailure(ErrTokenInvalid))
}
