package normalize

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"

	"opsdash/internal/db"
)

// EventKind is a repository webhook event we know how to describe.
type EventKind string

const (
	KindPush         EventKind = "push"
	KindPullRequest  EventKind = "pull_request"
	KindIssues       EventKind = "issues"
	KindIssueComment EventKind = "issue_comment"
	KindCreate       EventKind = "create"
	KindDelete       EventKind = "delete"
	KindFork         EventKind = "fork"
	KindStar         EventKind = "star"
	KindWatch        EventKind = "watch"
	KindRelease      EventKind = "release"
	KindRepository   EventKind = "repository"
	KindPing         EventKind = "ping"
)

const maxCommentLen = 200

// Webhook normalizes a repository webhook delivery. eventType is the raw
// event header and is kept as the record's event type even when it is
// not a known kind.
func (n *Normalizer) Webhook(eventType, deliveryID string, body []byte, attr Attribution) (*db.CanonicalLog, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrMalformed)
	}
	p := gjson.ParseBytes(body)

	l := n.record(db.SourceGitHub, attr)
	l.SourceProject = first(p, "repository.name", "repository.full_name")
	l.EventType = eventType
	l.Message = describe(EventKind(eventType), p)
	l.Severity = "INFO"
	l.Timestamp = n.now().UTC()

	meta := datatypes.JSONMap{}
	if deliveryID != "" {
		meta["delivery_id"] = deliveryID
	}
	for path, key := range map[string]string{
		"action":               "action",
		"sender.login":         "sender",
		"repository.full_name": "repository",
		"ref":                  "ref",
	} {
		if v := str(p, path); v != "" {
			meta[key] = v
		}
	}
	l.Metadata = meta

	return l, nil
}

func describe(kind EventKind, p gjson.Result) string {
	switch kind {
	case KindPush:
		if msg := str(p, "head_commit.message"); msg != "" {
			return "New commit: " + msg
		}
		if ref := str(p, "ref"); ref != "" {
			return "Push to " + ref
		}
	case KindPullRequest:
		return withAction("Pull request", p, "pull_request.title")
	case KindIssues:
		return withAction("Issue", p, "issue.title")
	case KindIssueComment:
		body := truncate(str(p, "comment.body"), maxCommentLen)
		if num := str(p, "issue.number"); num != "" && body != "" {
			return fmt.Sprintf("New comment on issue #%s: %s", num, body)
		}
		if body != "" {
			return "New comment: " + body
		}
	case KindCreate:
		if ref := str(p, "ref"); ref != "" {
			return fmt.Sprintf("Created %s %s", orDefault(str(p, "ref_type"), "ref"), ref)
		}
	case KindDelete:
		if ref := str(p, "ref"); ref != "" {
			return fmt.Sprintf("Deleted %s %s", orDefault(str(p, "ref_type"), "ref"), ref)
		}
	case KindFork:
		if fork := str(p, "forkee.full_name"); fork != "" {
			return "Repository forked to " + fork
		}
	case KindStar:
		if who := str(p, "sender.login"); who != "" {
			if str(p, "action") == "deleted" {
				return "Repository unstarred by " + who
			}
			return "Repository starred by " + who
		}
	case KindWatch:
		if who := str(p, "sender.login"); who != "" {
			return "Repository watched by " + who
		}
	case KindRelease:
		return withAction("Release", p, "release.name", "release.tag_name")
	case KindRepository:
		if action := str(p, "action"); action != "" {
			return "Repository " + action
		}
	case KindPing:
		if zen := str(p, "zen"); zen != "" {
			return "Webhook ping: " + zen
		}
		return "Webhook ping"
	default:
		return "unhandled event type: " + string(kind)
	}
	return fmt.Sprintf("%s event received", kind)
}

// withAction formats "<noun> <action>: <title>", dropping parts that are
// absent from the payload.
func withAction(noun string, p gjson.Result, titlePaths ...string) string {
	action := str(p, "action")
	title := first(p, titlePaths...)
	switch {
	case action != "" && title != "":
		return fmt.Sprintf("%s %s: %s", noun, action, title)
	case action != "":
		return noun + " " + action
	case title != "":
		return noun + ": " + title
	}
	return noun + " event"
}

func str(p gjson.Result, path string) string {
	return strings.TrimSpace(p.Get(path).String())
}

func first(p gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := str(p, path); v != "" {
			return v
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
