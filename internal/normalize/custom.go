package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"opsdash/internal/db"
)

// CustomLog is the body of a key-authenticated log submission.
type CustomLog struct {
	RepoName  string         `json:"repo_name"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (n *Normalizer) Custom(body []byte, attr Attribution) (*db.CanonicalLog, error) {
	var in CustomLog
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var missing []string
	if strings.TrimSpace(in.RepoName) == "" {
		missing = append(missing, "repo_name")
	}
	if strings.TrimSpace(in.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if strings.TrimSpace(in.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}

	l := n.record(db.SourceCustom, attr)
	l.SourceProject = strings.TrimSpace(in.RepoName)
	l.EventType = strings.TrimSpace(in.EventType)
	l.Message = in.Message
	l.Severity = orDefault(strings.TrimSpace(in.Severity), "INFO")
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		l.Timestamp = in.Timestamp.UTC()
	} else {
		l.Timestamp = n.now().UTC()
	}
	if in.Metadata != nil {
		l.Metadata = datatypes.JSONMap(in.Metadata)
	}
	return l, nil
}
