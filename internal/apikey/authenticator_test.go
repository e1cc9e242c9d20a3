package apikey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsdash/internal/db"
)

// memStore mirrors the conditional update of db.Store under a mutex.
type memStore struct {
	mu     sync.Mutex
	keys   map[string]*db.APIKey
	nextID uint
	writes int

	firstIssueDelay time.Duration
}

func newMemStore() *memStore {
	return &memStore{keys: map[string]*db.APIKey{}}
}

func (m *memStore) add(k db.APIKey) *db.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	k.ID = m.nextID
	m.keys[k.Key] = &k
	return &k
}

func (m *memStore) get(key string) db.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.keys[key]
}

func (m *memStore) FindAPIKeyByKey(_ context.Context, key string) (*db.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *memStore) ConsumeAPIKeyUsage(_ context.Context, id uint, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.ID != id {
			continue
		}
		if !k.Active || (k.ExpiresAt != nil && !k.ExpiresAt.After(now)) {
			return false, nil
		}
		if k.UsageLimit != nil && k.UsageCount >= *k.UsageLimit {
			return false, nil
		}
		k.UsageCount++
		k.LastUsedAt = &now
		m.writes++
		return true, nil
	}
	return false, nil
}

func (m *memStore) CreateAPIKey(_ context.Context, k *db.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	k.ID = m.nextID
	cp := *k
	m.keys[k.Key] = &cp
	return nil
}

func (m *memStore) ListAPIKeys(_ context.Context, userID string) ([]db.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	return out, nil
}

// CreateFirstAPIKey checks and inserts under one lock, as the advisory
// lock does in postgres. firstIssueDelay widens the window between the
// check and the insert.
func (m *memStore) CreateFirstAPIKey(_ context.Context, k *db.APIKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.keys {
		if existing.UserID == k.UserID {
			return false, nil
		}
	}
	time.Sleep(m.firstIssueDelay)
	m.nextID++
	k.ID = m.nextID
	cp := *k
	m.keys[k.Key] = &cp
	return true, nil
}

func (m *memStore) SetAPIKeyActive(_ context.Context, userID string, id uint, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.ID == id && k.UserID == userID {
			k.Active = active
			return nil
		}
	}
	return db.ErrNotFound
}

func (m *memStore) DeleteAPIKey(_ context.Context, userID string, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s, k := range m.keys {
		if k.ID == id && k.UserID == userID {
			delete(m.keys, s)
			return nil
		}
	}
	return db.ErrNotFound
}

func limit(n uint) *uint { return &n }

func TestAuthenticateReturnsOwner(t *testing.T) {
	store := newMemStore()
	store.add(db.APIKey{UserID: "user-1", Key: "k1", Active: true, UsageLimit: limit(10)})

	auth := NewAuthenticator(store)
	got, err := auth.Authenticate(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, uint(1), store.get("k1").UsageCount)
	assert.NotNil(t, store.get("k1").LastUsedAt)
}

func TestAuthenticateLastUnit(t *testing.T) {
	store := newMemStore()
	store.add(db.APIKey{UserID: "user-1", Key: "k1", Active: true, UsageCount: 999, UsageLimit: limit(1000)})
	auth := NewAuthenticator(store)

	_, err := auth.Authenticate(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, uint(1000), store.get("k1").UsageCount)

	_, err = auth.Authenticate(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, uint(1000), store.get("k1").UsageCount)
}

func TestAuthenticateFailures(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		key  db.APIKey
		try  string
		want error
	}{
		{name: "missing", try: "  ", want: ErrMissingKey},
		{name: "unknown", try: "nope", want: ErrInvalidKey},
		{name: "inactive", key: db.APIKey{Key: "k", Active: false}, try: "k", want: ErrInactive},
		{name: "expired", key: db.APIKey{Key: "k", Active: true, ExpiresAt: &past}, try: "k", want: ErrExpired},
		{name: "exhausted", key: db.APIKey{Key: "k", Active: true, UsageCount: 5, UsageLimit: limit(5)}, try: "k", want: ErrLimitExceeded},
		// Inactive is reported before expiry and exhaustion.
		{name: "inactive wins", key: db.APIKey{Key: "k", Active: false, ExpiresAt: &past, UsageCount: 5, UsageLimit: limit(5)}, try: "k", want: ErrInactive},
		{name: "expired before exhausted", key: db.APIKey{Key: "k", Active: true, ExpiresAt: &past, UsageCount: 5, UsageLimit: limit(5)}, try: "k", want: ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			if tt.key.Key != "" {
				tt.key.UserID = "user-1"
				store.add(tt.key)
			}
			before := tt.key.UsageCount

			_, err := NewAuthenticator(store).Authenticate(context.Background(), tt.try)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, store.writes)
			if tt.key.Key != "" {
				assert.Equal(t, before, store.get(tt.key.Key).UsageCount)
				assert.Nil(t, store.get(tt.key.Key).LastUsedAt)
			}
		})
	}
}

func TestAuthenticateConcurrentNeverExceedsLimit(t *testing.T) {
	const n = 50
	store := newMemStore()
	store.add(db.APIKey{UserID: "user-1", Key: "k1", Active: true, UsageLimit: limit(n)})
	auth := NewAuthenticator(store)

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := auth.Authenticate(context.Background(), "k1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrLimitExceeded):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), ok.Load())
	assert.Equal(t, int32(5), limited.Load())
	assert.Equal(t, uint(n), store.get("k1").UsageCount)
}

func TestResolveDoesNotChargeUsage(t *testing.T) {
	store := newMemStore()
	store.add(db.APIKey{UserID: "user-1", Key: "k1", Active: true, UsageCount: 3, UsageLimit: limit(3)})

	got, err := NewAuthenticator(store).Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Zero(t, store.writes)
}

func TestEnsureForUserIssuesOnce(t *testing.T) {
	store := newMemStore()
	keys := NewKeys(store, 1000, zap.NewNop().Sugar())

	require.NoError(t, keys.EnsureForUser(context.Background(), "user-1"))
	require.NoError(t, keys.EnsureForUser(context.Background(), "user-1"))

	list, err := keys.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Active)
	assert.Len(t, list[0].Key, len("od_")+64)
	require.NotNil(t, list[0].UsageLimit)
	assert.Equal(t, uint(1000), *list[0].UsageLimit)
}

func TestEnsureForUserConcurrentFirstDeliveries(t *testing.T) {
	store := newMemStore()
	store.firstIssueDelay = 5 * time.Millisecond
	keys := NewKeys(store, 1000, zap.NewNop().Sugar())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, keys.EnsureForUser(context.Background(), "user-1"))
		}()
	}
	wg.Wait()

	list, err := keys.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateWithExpiry(t *testing.T) {
	store := newMemStore()
	keys := NewKeys(store, 0, zap.NewNop().Sugar())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	keys.now = func() time.Time { return now }

	k, err := keys.Create(context.Background(), "user-1", CreateParams{Name: "ci", ExpiresIn: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "ci", k.Name)
	assert.Nil(t, k.UsageLimit)
	require.NotNil(t, k.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *k.ExpiresAt)
}

func TestSetActiveRequiresOwner(t *testing.T) {
	store := newMemStore()
	k := store.add(db.APIKey{UserID: "user-1", Key: "k1", Active: true})
	keys := NewKeys(store, 0, zap.NewNop().Sugar())

	assert.ErrorIs(t, keys.SetActive(context.Background(), "user-2", k.ID, false), db.ErrNotFound)
	require.NoError(t, keys.SetActive(context.Background(), "user-1", k.ID, false))

	_, err := NewAuthenticator(store).Authenticate(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrInactive)
}
