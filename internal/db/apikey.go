package db

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// APIKey represents a key third parties use to push custom logs on
// behalf of a user.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// UserID is the owning user as issued by the external identity provider.
	UserID string `gorm:"index;size:128;not null"`

	// Name is a user-friendly label for this key.
	Name string `gorm:"size:128;not null"`

	// Key is the bearer secret itself (stored as-is, unique).
	Key string `gorm:"uniqueIndex;size:255;not null"`

	Active bool `gorm:"not null;default:true"`

	// UsageCount only ever grows. It is compared against UsageLimit
	// inside the same UPDATE that increments it.
	UsageCount uint `gorm:"not null;default:0"`

	// UsageLimit of nil means unlimited.
	UsageLimit *uint

	LastUsedAt *time.Time
	ExpiresAt  *time.Time
}

func (s *Store) FindAPIKeyByKey(ctx context.Context, key string) (*APIKey, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var k APIKey
	if err := conn.Where("key = ?", key).First(&k).Error; err != nil {
		return nil, translate(err)
	}
	return &k, nil
}

func (s *Store) FindAPIKey(ctx context.Context, id uint) (*APIKey, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var k APIKey
	if err := conn.First(&k, id).Error; err != nil {
		return nil, translate(err)
	}
	return &k, nil
}

// ConsumeAPIKeyUsage increments usage_count and stamps last_used_at only
// if the key is still active, unexpired and under its limit at the time
// of the write. It reports whether a row was updated.
func (s *Store) ConsumeAPIKeyUsage(ctx context.Context, id uint, now time.Time) (bool, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	res := conn.Model(&APIKey{}).
		Where("id = ? AND active = ?", id, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("usage_limit IS NULL OR usage_count < usage_limit").
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	return translate(conn.Create(k).Error)
}

func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var keys []APIKey
	err := conn.Where("user_id = ?", userID).Order("created_at ASC").Find(&keys).Error
	return keys, err
}

// CreateFirstAPIKey inserts k only if its owner has no key yet and
// reports whether it did. A transaction-scoped advisory lock on the owner
// serialises concurrent first issues.
func (s *Store) CreateFirstAPIKey(ctx context.Context, k *APIKey) (bool, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	created := false
	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "api_keys/"+k.UserID).Error; err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&APIKey{}).Where("user_id = ?", k.UserID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if err := tx.Create(k).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, translate(err)
	}
	return created, nil
}

func (s *Store) SetAPIKeyActive(ctx context.Context, userID string, id uint, active bool) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	res := conn.Model(&APIKey{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, userID string, id uint) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	res := conn.Where("id = ? AND user_id = ?", id, userID).Delete(&APIKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
