// Package credentials stores and refreshes the OAuth grants users give
// us for external providers.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"opsdash/internal/config"
	"opsdash/internal/db"
)

var (
	ErrNotConnected = errors.New("provider not connected")
	ErrTokenInvalid = errors.New("provider token invalid or revoked")
	// ErrUnavailable means the token endpoint could not answer. The grant
	// is kept and the call may be retried later.
	ErrUnavailable = errors.New("provider token endpoint unavailable")
)

const defaultTimeout = 20 * time.Second

// GCPScopes are requested when a user connects a cloud project.
var GCPScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/logging.admin",
	"https://www.googleapis.com/auth/pubsub",
}

type Store interface {
	FindConnection(ctx context.Context, userID, provider string) (*db.ProviderConnection, error)
	UpsertConnection(ctx context.Context, c *db.ProviderConnection) error
	DeleteConnection(ctx context.Context, userID, provider string) error
}

type Manager struct {
	store   Store
	gcp     *oauth2.Config
	timeout time.Duration
	log     *zap.SugaredLogger
	group   singleflight.Group
	now     func() time.Time
}

// NewGCPConfig builds the OAuth client for the cloud provider.
func NewGCPConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GCPClientID,
		ClientSecret: cfg.GCPClientSecret,
		RedirectURL:  cfg.GCPCallbackURL(),
		Endpoint:     google.Endpoint,
		Scopes:       GCPScopes,
	}
}

// NewManager returns a manager whose token endpoint calls are bounded by
// timeout. Zero picks a default.
func NewManager(store Store, gcp *oauth2.Config, timeout time.Duration, log *zap.SugaredLogger) *Manager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{store: store, gcp: gcp, timeout: timeout, log: log, now: time.Now}
}

// oauthContext makes oauth2 talk to the token endpoint through a client
// with the manager's timeout.
func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: m.timeout})
}

// AuthURL is where the user is sent to grant access. Offline access and
// forced consent make sure a refresh token comes back.
func (m *Manager) AuthURL(state string) string {
	return m.gcp.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens and stores them for
// userID, replacing any earlier grant.
func (m *Manager) Exchange(ctx context.Context, userID, code string) error {
	xctx, cancel := context.WithTimeout(m.oauthContext(ctx), m.timeout)
	defer cancel()
	tok, err := m.gcp.Exchange(xctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		// Re-consent without a new refresh token; keep the one we have.
		if prev, err := m.store.FindConnection(ctx, userID, db.ProviderGCP); err == nil {
			tok.RefreshToken = prev.RefreshToken
		}
	}
	return m.save(ctx, userID, db.ProviderGCP, tok)
}

func (m *Manager) save(ctx context.Context, userID, provider string, tok *oauth2.Token) error {
	return m.store.UpsertConnection(ctx, &db.ProviderConnection{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	})
}

// Token returns the stored token for provider. An expired token with no
// way to refresh it counts as not connected.
func (m *Manager) Token(ctx context.Context, userID, provider string) (*oauth2.Token, error) {
	c, err := m.store.FindConnection(ctx, userID, provider)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s connection: %w", provider, err)
	}

	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.ExpiresAt,
	}
	if tok.RefreshToken == "" && !tok.Expiry.IsZero() && !tok.Expiry.After(m.now()) {
		return nil, ErrNotConnected
	}
	return tok, nil
}

// Connected reports whether userID has a usable grant for provider.
func (m *Manager) Connected(ctx context.Context, userID, provider string) (bool, error) {
	_, err := m.Token(ctx, userID, provider)
	if errors.Is(err, ErrNotConnected) {
		return false, nil
	}
	return err == nil, err
}

// TokenSource returns a source for the user's cloud token. Refreshed
// tokens are written back to the store.
func (m *Manager) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	tok, err := m.Token(ctx, userID, db.ProviderGCP)
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		src:  m.gcp.TokenSource(m.oauthContext(context.WithoutCancel(ctx)), tok),
		last: tok.AccessToken,
		save: func(t *oauth2.Token) error {
			return m.save(context.WithoutCancel(ctx), userID, db.ProviderGCP, t)
		},
		log: m.log,
	}, nil
}

// Renew forces a refresh after the provider rejected the current access
// token. Concurrent calls for the same user share one refresh. A grant
// the token endpoint refuses is deleted and ErrTokenInvalid returned;
// any other refresh failure returns ErrUnavailable and keeps the grant.
func (m *Manager) Renew(ctx context.Context, userID, provider string) error {
	_, err, _ := m.group.Do(provider+"/"+userID, func() (interface{}, error) {
		// Shared by every waiter, so not tied to the first caller.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return nil, m.renew(rctx, userID, provider)
	})
	return err
}

func (m *Manager) renew(ctx context.Context, userID, provider string) error {
	tok, err := m.Token(ctx, userID, provider)
	if err != nil {
		return err
	}
	if provider != db.ProviderGCP || tok.RefreshToken == "" {
		return m.Invalidate(ctx, userID, provider)
	}

	fresh, err := m.gcp.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		m.log.Warnw("token refresh failed", "user_id", userID, "provider", provider, "error", err)
		if IsGrantRejected(err) {
			return m.Invalidate(ctx, userID, provider)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := m.save(ctx, userID, provider, fresh); err != nil {
		return fmt.Errorf("saving refreshed token: %w", err)
	}
	return nil
}

// Invalidate deletes the grant so the next attempt asks the user to
// reconnect, and returns ErrTokenInvalid.
func (m *Manager) Invalidate(ctx context.Context, userID, provider string) error {
	if err := m.store.DeleteConnection(context.WithoutCancel(ctx), userID, provider); err != nil {
		m.log.Errorw("failed to delete invalid connection", "user_id", userID, "provider", provider, "error", err)
	}
	m.log.Infow("provider connection invalidated", "user_id", userID, "provider", provider)
	return ErrTokenInvalid
}

// Disconnect removes the grant at the user's request.
func (m *Manager) Disconnect(ctx context.Context, userID, provider string) error {
	return m.store.DeleteConnection(ctx, userID, provider)
}

// IsRefreshFailure reports whether err came from a failed call to the
// token endpoint, as surfaced through an oauth2 transport.
func IsRefreshFailure(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}

// IsGrantRejected reports whether the token endpoint refused the grant
// itself: a 400 or 401 answer, or an invalid_grant error code.
func IsGrantRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if gjson.GetBytes(re.Body, "error").String() == "invalid_grant" {
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

type persistingSource struct {
	mu   sync.Mutex
	src  oauth2.TokenSource
	last string
	save func(*oauth2.Token) error
	log  *zap.SugaredLogger
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.save(tok); err != nil {
			p.log.Warnw("failed to persist refreshed token", "error", err)
		}
	}
	return tok, nil
}
