package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsdash/internal/db"
)

// KeyStore is what key management needs from the database.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, k *db.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]db.APIKey, error)
	CreateFirstAPIKey(ctx context.Context, k *db.APIKey) (bool, error)
	SetAPIKeyActive(ctx context.Context, userID string, id uint, active bool) error
	DeleteAPIKey(ctx context.Context, userID string, id uint) error
}

// Keys issues and manages API keys for their owners.
type Keys struct {
	store      KeyStore
	usageLimit uint
	log        *zap.SugaredLogger
	now        func() time.Time
}

// NewKeys returns a manager whose new keys carry usageLimit; zero means
// unlimited.
func NewKeys(store KeyStore, usageLimit uint, log *zap.SugaredLogger) *Keys {
	return &Keys{store: store, usageLimit: usageLimit, log: log, now: time.Now}
}

func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "od_" + hex.EncodeToString(b), nil
}

// CreateParams describes a new key. Zero values pick defaults.
type CreateParams struct {
	Name      string
	ExpiresIn time.Duration
}

func (k *Keys) build(userID string, p CreateParams) (*db.APIKey, error) {
	secret, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("generating API key: %w", err)
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "key-" + uuid.NewString()[:8]
	}

	key := &db.APIKey{
		UserID: userID,
		Name:   name,
		Key:    secret,
		Active: true,
	}
	if k.usageLimit > 0 {
		limit := k.usageLimit
		key.UsageLimit = &limit
	}
	if p.ExpiresIn > 0 {
		exp := k.now().Add(p.ExpiresIn)
		key.ExpiresAt = &exp
	}
	return key, nil
}

func (k *Keys) Create(ctx context.Context, userID string, p CreateParams) (*db.APIKey, error) {
	key, err := k.build(userID, p)
	if err != nil {
		return nil, err
	}
	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("storing API key: %w", err)
	}
	return key, nil
}

// EnsureForUser creates a key for userID if they have none yet.
// Concurrent calls for the same user issue at most one key.
func (k *Keys) EnsureForUser(ctx context.Context, userID string) error {
	key, err := k.build(userID, CreateParams{})
	if err != nil {
		return err
	}
	created, err := k.store.CreateFirstAPIKey(ctx, key)
	if err != nil {
		return fmt.Errorf("issuing first API key: %w", err)
	}
	if created {
		k.log.Infow("issued first API key", "user_id", userID, "api_key_id", key.ID)
	}
	return nil
}

func (k *Keys) List(ctx context.Context, userID string) ([]db.APIKey, error) {
	return k.store.ListAPIKeys(ctx, userID)
}

func (k *Keys) SetActive(ctx context.Context, userID string, id uint, active bool) error {
	return k.store.SetAPIKeyActive(ctx, userID, id, active)
}

func (k *Keys) Delete(ctx context.Context, userID string, id uint) error {
	return k.store.DeleteAPIKey(ctx, userID, id)
}
