package normalize

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"

	"opsdash/internal/db"
)

// metadata keys copied from a provider log entry when present.
var providerMetadata = map[string]string{
	"resource":         "resource",
	"logName":          "log_name",
	"labels":           "labels",
	"httpRequest":      "http_request",
	"jsonPayload":      "json_payload",
	"protoPayload":     "proto_payload",
	"insertId":         "insert_id",
	"receiveTimestamp": "receive_timestamp",
}

// ProviderLog normalizes a cloud log entry delivered by push. The body
// is either a push envelope whose message.data is a base64 encoded
// entry, or the entry itself.
func (n *Normalizer) ProviderLog(body []byte, attr Attribution) (*db.CanonicalLog, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrMalformed)
	}

	entry := body
	if data := gjson.GetBytes(body, "message.data"); data.Exists() {
		decoded, err := base64.StdEncoding.DecodeString(data.String())
		if err != nil {
			return nil, fmt.Errorf("%w: message.data is not base64: %v", ErrMalformed, err)
		}
		if !gjson.ValidBytes(decoded) {
			return nil, fmt.Errorf("%w: message.data is not JSON", ErrMalformed)
		}
		entry = decoded
	}

	e := gjson.ParseBytes(entry)

	projectID := strings.TrimSpace(e.Get("resource.labels.project_id").String())
	if projectID == "" {
		return nil, ErrMissingProjectID
	}

	l := n.record(db.SourceGCP, attr)
	l.SourceProject = projectID
	l.EventType = eventType(e.Get("logName").String())
	l.Message = providerMessage(e)
	l.Severity = e.Get("severity").String()
	if l.Severity == "" {
		l.Severity = "DEFAULT"
	}
	l.Timestamp = n.entryTime(e)

	meta := datatypes.JSONMap{}
	for field, key := range providerMetadata {
		if v := e.Get(field); v.Exists() {
			meta[key] = v.Value()
		}
	}
	l.Metadata = meta

	return l, nil
}

// eventType is the final path segment of a log name, unescaped:
// projects/p/logs/cloudaudit.googleapis.com%2Factivity becomes
// cloudaudit.googleapis.com/activity.
func eventType(logName string) string {
	if logName == "" {
		return "log_entry"
	}
	name := logName
	if i := strings.LastIndex(logName, "/logs/"); i >= 0 {
		name = logName[i+len("/logs/"):]
	}
	if u, err := url.PathUnescape(name); err == nil {
		name = u
	}
	return name
}

func providerMessage(e gjson.Result) string {
	if s := strings.TrimSpace(e.Get("textPayload").String()); s != "" {
		return s
	}
	if method := e.Get("protoPayload.methodName").String(); method != "" {
		if svc := e.Get("protoPayload.serviceName").String(); svc != "" {
			return method + " on " + svc
		}
		return method
	}
	if s := strings.TrimSpace(e.Get("jsonPayload.message").String()); s != "" {
		return s
	}
	if s := e.Get("logName").String(); s != "" {
		return "Log entry from " + eventType(s)
	}
	return "Log entry"
}

func (n *Normalizer) entryTime(e gjson.Result) time.Time {
	for _, field := range []string{"timestamp", "receiveTimestamp"} {
		if s := e.Get(field).String(); s != "" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UTC()
			}
		}
	}
	return n.now().UTC()
}
