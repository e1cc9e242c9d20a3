package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsdash/internal/db"
)

var (
	ErrMissingKey    = errors.New("API key required")
	ErrInvalidKey    = errors.New("invalid API key")
	ErrInactive      = errors.New("inactive API key")
	ErrExpired       = errors.New("expired API key")
	ErrLimitExceeded = errors.New("API key usage limit exceeded")
)

// Context identifies the key (and its owner) that authorized a request.
type Context struct {
	APIKeyID uint
	UserID   string
}

// Store is the slice of the database the authenticator needs.
type Store interface {
	FindAPIKeyByKey(ctx context.Context, key string) (*db.APIKey, error)
	ConsumeAPIKeyUsage(ctx context.Context, id uint, now time.Time) (bool, error)
}

type Authenticator struct {
	store Store
	now   func() time.Time
}

func NewAuthenticator(store Store) *Authenticator {
	return &Authenticator{store: store, now: time.Now}
}

// Authenticate resolves key and charges one unit of usage against it.
// The gate and the increment happen in a single conditional update, so
// two requests racing for the last unit cannot both succeed. Nothing is
// written when an error is returned.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*Context, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}

	k, err := a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if err := check(k, now); err != nil {
		return nil, err
	}

	ok, err := a.store.ConsumeAPIKeyUsage(ctx, k.ID, now)
	if err != nil {
		return nil, fmt.Errorf("recording API key usage: %w", err)
	}
	if !ok {
		// Lost a race with another request or a concurrent update; report
		// whichever check fails now.
		k, err = a.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := check(k, now); err != nil {
			return nil, err
		}
		return nil, ErrLimitExceeded
	}

	return &Context{APIKeyID: k.ID, UserID: k.UserID}, nil
}

// Resolve validates key like Authenticate but does not charge usage.
func (a *Authenticator) Resolve(ctx context.Context, key string) (*Context, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	k, err := a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !k.Active {
		return nil, ErrInactive
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(a.now()) {
		return nil, ErrExpired
	}
	return &Context{APIKeyID: k.ID, UserID: k.UserID}, nil
}

func (a *Authenticator) lookup(ctx context.Context, key string) (*db.APIKey, error) {
	k, err := a.store.FindAPIKeyByKey(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}
	return k, nil
}

func check(k *db.APIKey, now time.Time) error {
	if !k.Active {
		return ErrInactive
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return ErrExpired
	}
	if k.UsageLimit != nil && k.UsageCount >= *k.UsageLimit {
		return ErrLimitExceeded
	}
	return nil
}
