package db

import (
	"time"

	"gorm.io/datatypes"
)

// Sources a canonical log can come from.
const (
	SourceGCP    = "gcp"
	SourceGitHub = "github"
	SourceCustom = "custom"
)

// Providers a user can connect.
const (
	ProviderGCP    = "gcp"
	ProviderGitHub = "github"
)

// CanonicalLog is the uniform record every ingestion path produces.
// Rows are written once and never updated.
type CanonicalLog struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	// ExpiresAt is the timestamp after which the retention worker may
	// delete this row. Nil means it does not expire.
	ExpiresAt *time.Time `gorm:"index"`

	Source string `gorm:"size:16;index;not null"`

	SourceUserID string `gorm:"size:128;index;not null"`

	// SourceProject holds the provider project id or the repository name.
	SourceProject string `gorm:"size:255;index"`

	APIKeyID *uint `gorm:"index"`

	EventType string `gorm:"size:255;index;not null"`
	Message   string `gorm:"type:text;not null"`
	Severity  string `gorm:"size:32"`

	Timestamp time.Time `gorm:"index;not null"`

	Metadata datatypes.JSONMap `gorm:"type:json"`
}

// ProvisionedPipeline records the remote topic, sink and subscription
// created for one (user, project). Its existence is what "ingestion is
// active" means locally, independent of remote drift.
type ProvisionedPipeline struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	UserID    string `gorm:"uniqueIndex:idx_pipeline_user_project,priority:1;size:128;not null"`
	ProjectID string `gorm:"uniqueIndex:idx_pipeline_user_project,priority:2;size:255;not null"`

	TopicName        string `gorm:"size:255;not null"`
	SinkName         string `gorm:"size:255;not null"`
	SubscriptionName string `gorm:"size:255;not null"`
}

// ProviderConnection is the OAuth grant a user gave us for a provider.
type ProviderConnection struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	UserID   string `gorm:"uniqueIndex:idx_connection_user_provider,priority:1;size:128;not null"`
	Provider string `gorm:"uniqueIndex:idx_connection_user_provider,priority:2;size:16;not null"`

	AccessToken  string `gorm:"type:text;not null"`
	RefreshToken string `gorm:"type:text"`

	// ExpiresAt of the zero time means the access token does not expire.
	ExpiresAt time.Time
}

// TrackedRepo is a GitHub repository we installed a webhook on.
type TrackedRepo struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	UserID   string `gorm:"uniqueIndex:idx_tracked_repo_user_repo,priority:1;size:128;not null"`
	RepoName string `gorm:"uniqueIndex:idx_tracked_repo_user_repo,priority:2;size:255;not null"`

	HookID int64
}
