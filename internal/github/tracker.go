// Package github installs repository webhooks that deliver events to
// our ingestion endpoint.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v35/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"opsdash/internal/credentials"
	"opsdash/internal/db"
)

var (
	ErrRepoNotFound = errors.New("repository not found or not accessible")
	ErrInvalidRepo  = errors.New("repository must be given as owner/name or name")
)

type Credentials interface {
	Token(ctx context.Context, userID, provider string) (*oauth2.Token, error)
	Invalidate(ctx context.Context, userID, provider string) error
}

type Store interface {
	UpsertTrackedRepo(ctx context.Context, r *db.TrackedRepo) error
	ListTrackedRepos(ctx context.Context, userID string) ([]db.TrackedRepo, error)
}

// ClientFactory builds an API client authenticated with token.
type ClientFactory func(ctx context.Context, token string) *gh.Client

func DefaultClient(ctx context.Context, token string) *gh.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return gh.NewClient(oauth2.NewClient(ctx, ts))
}

type Tracker struct {
	creds     Credentials
	store     Store
	newClient ClientFactory
	hookURL   string
	secret    string
	timeout   time.Duration
	log       *zap.SugaredLogger
}

// NewTracker returns a Tracker installing hooks that post to hookURL
// (with the user id added), signed with secret when it is non-empty.
func NewTracker(creds Credentials, store Store, newClient ClientFactory, hookURL, secret string, timeout time.Duration, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		creds:     creds,
		store:     store,
		newClient: newClient,
		hookURL:   hookURL,
		secret:    secret,
		timeout:   timeout,
		log:       log,
	}
}

// Track installs a webhook on repo for userID. repo is "owner/name", or
// just "name" for a repository of the authenticated user.
func (t *Tracker) Track(ctx context.Context, userID, repo string) (*db.TrackedRepo, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	tok, err := t.creds.Token(ctx, userID, db.ProviderGitHub)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	client := t.newClient(ctx, tok.AccessToken)

	if owner == "" {
		user, resp, err := client.Users.Get(ctx, "")
		if err != nil {
			return nil, t.classify(ctx, userID, resp, err)
		}
		owner = user.GetLogin()
	}

	hook, resp, err := client.Repositories.CreateHook(ctx, owner, name, &gh.Hook{
		Config: map[string]interface{}{
			"url":          t.HookURL(userID),
			"content_type": "json",
			"insecure_ssl": "0",
			"secret":       t.secret,
		},
		Events: []string{"*"},
		Active: gh.Bool(true),
	})
	if err != nil {
		return nil, t.classify(ctx, userID, resp, err)
	}

	r := &db.TrackedRepo{
		UserID:   userID,
		RepoName: owner + "/" + name,
		HookID:   hook.GetID(),
	}
	if err := t.store.UpsertTrackedRepo(ctx, r); err != nil {
		return nil, fmt.Errorf("saving tracked repo: %w", err)
	}
	t.log.Infow("repository webhook installed", "user_id", userID, "repo", r.RepoName, "hook_id", r.HookID)
	return r, nil
}

// HookURL is the delivery URL for userID's hooks.
func (t *Tracker) HookURL(userID string) string {
	return t.hookURL + "?user_id=" + url.QueryEscape(userID)
}

func (t *Tracker) List(ctx context.Context, userID string) ([]db.TrackedRepo, error) {
	return t.store.ListTrackedRepos(ctx, userID)
}

// classify turns an API failure into our errors. A rejected token is
// deleted so the user is asked to reconnect.
func (t *Tracker) classify(ctx context.Context, userID string, resp *gh.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("calling GitHub: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return t.creds.Invalidate(ctx, userID, db.ProviderGitHub)
	case http.StatusNotFound:
		return ErrRepoNotFound
	}
	return fmt.Errorf("calling GitHub: %w", err)
}

func splitRepo(repo string) (owner, name string, err error) {
	repo = strings.Trim(strings.TrimSpace(repo), "/")
	parts := strings.Split(repo, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "", parts[0], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], nil
	}
	return "", "", ErrInvalidRepo
}

// ValidSignature checks a delivery's X-Hub-Signature-256 (or legacy
// X-Hub-Signature) header against secret.
func ValidSignature(signature string, payload []byte, secret string) bool {
	if signature == "" {
		return false
	}
	return gh.ValidateSignature(signature, payload, []byte(secret)) == nil
}

var _ Credentials = (*credentials.Manager)(nil)
