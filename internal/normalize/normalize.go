// Package normalize turns provider logs, repository webhooks and
// user-submitted events into db.CanonicalLog rows.
package normalize

import (
	"errors"
	"time"

	"opsdash/internal/db"
)

var (
	ErrMalformed        = errors.New("malformed payload")
	ErrMissingProjectID = errors.New("project id not found in log entry")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Attribution is who a log belongs to. APIKeyID is set only for
// key-authenticated submissions.
type Attribution struct {
	UserID   string
	APIKeyID *uint
}

type Normalizer struct {
	retention time.Duration
	now       func() time.Time
}

// New returns a Normalizer stamping each record to expire after
// retention. A zero retention means records never expire.
func New(retention time.Duration) *Normalizer {
	return &Normalizer{retention: retention, now: time.Now}
}

func (n *Normalizer) record(source string, attr Attribution) *db.CanonicalLog {
	l := &db.CanonicalLog{
		Source:       source,
		SourceUserID: attr.UserID,
		APIKeyID:     attr.APIKeyID,
	}
	if n.retention > 0 {
		exp := n.now().Add(n.retention)
		l.ExpiresAt = &exp
	}
	return l
}
