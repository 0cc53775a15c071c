package homgar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrAuthFatal is returned once reauthentication has failed too many
// times in a row. At that point the problem is almost certainly the
// configured credentials (or a second account sharing them, since the
// vendor allows only one live session), and retrying will not help.
var ErrAuthFatal = errors.New("cloud authentication failed repeatedly, check account credentials")

// tokenExpiryMargin is how long before the reported expiry a token is
// treated as stale. Matches the vendor app's relogin window.
const tokenExpiryMargin = 60 * time.Minute

// DefaultMaxAuthFailures is the consecutive-failure limit before
// EnsureValid returns ErrAuthFatal.
const DefaultMaxAuthFailures = 3

// Credentials is the configured cloud account.
type Credentials struct {
	Email    string
	Password string
	AreaCode string
}

// SessionState is the persisted shape of an authenticated session, so a
// restart can reuse a still-valid token instead of displacing whatever
// session was last active.
type SessionState struct {
	Email        string    `json:"email"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// TokenCache persists session state across restarts. Implemented by the
// storage package; may be nil for a purely in-memory session.
type TokenCache interface {
	LoadSession() (*SessionState, error)
	SaveSession(*SessionState) error
}

// Session owns the one live token for the configured account. Both the
// snapshot poller and the command channel authenticate through the same
// Session, and every token operation is serialized through its mutex so
// two channels hitting an expired token at once cannot race into
// concurrent logins (which the vendor would punish by displacing one).
type Session struct {
	mu          sync.Mutex
	client      *Client
	creds       Credentials
	cache       TokenCache
	logger      *log.Logger
	maxFailures int

	state    *SessionState
	failures int

	// OnLogin is called after each successful cloud login with the
	// account email. Set before the engine starts. May be nil.
	OnLogin func(email string)
}

// NewSession creates a session manager for one account. cache may be nil.
func NewSession(client *Client, creds Credentials, cache TokenCache, logger *log.Logger) *Session {
	s := &Session{
		client:      client,
		creds:       creds,
		cache:       cache,
		logger:      logger,
		maxFailures: DefaultMaxAuthFailures,
	}
	if cache != nil {
		if cached, err := cache.LoadSession(); err == nil && cached != nil {
			s.state = cached
		}
	}
	return s
}

// SetMaxFailures overrides the consecutive-failure limit.
// Must be called before the engine starts.
func (s *Session) SetMaxFailures(n int) {
	if n > 0 {
		s.maxFailures = n
	}
}

// EnsureValid returns a token that is expected to be accepted by the
// API, logging in transparently when the cached one is missing, expired
// or was invalidated. Concurrent callers are serialized: the second
// caller reuses the token the first one acquired.
func (s *Session) EnsureValid(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid() {
		return s.state.Token, nil
	}
	return s.loginLocked(ctx)
}

// Invalidate marks the current token dead. Called when either channel
// receives an authorization failure; the next EnsureValid performs a
// fresh login.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return
	}
	if s.logger != nil {
		s.logger.Printf("[Session] Token invalidated, will reauthenticate")
	}
	s.state = nil
}

// Email returns the configured account email.
func (s *Session) Email() string { return s.creds.Email }

// valid reports whether the cached token can still be used.
// Caller holds s.mu.
func (s *Session) valid() bool {
	return s.state != nil &&
		s.state.Email == s.creds.Email &&
		s.state.Token != "" &&
		time.Until(s.state.ExpiresAt) > tokenExpiryMargin
}

// loginLocked performs one login attempt and tracks consecutive
// failures. Caller holds s.mu.
func (s *Session) loginLocked(ctx context.Context) (string, error) {
	if s.failures >= s.maxFailures {
		return "", fmt.Errorf("%w (after %d attempts)", ErrAuthFatal, s.failures)
	}

	token, expiresAt, refresh, err := s.client.Login(ctx, s.creds.Email, s.creds.Password, s.creds.AreaCode)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// Only definitive rejections count toward the fatal
			// limit; transport errors are retried forever.
			s.failures++
			if s.failures >= s.maxFailures {
				return "", fmt.Errorf("%w: %v", ErrAuthFatal, err)
			}
		}
		return "", fmt.Errorf("login failed: %w", err)
	}

	s.failures = 0
	s.state = &SessionState{
		Email:        s.creds.Email,
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
	if s.logger != nil {
		s.logger.Printf("[Session] Logged in as %s, token valid until %s", s.creds.Email, expiresAt.Format(time.RFC3339))
	}
	if s.cache != nil {
		if err := s.cache.SaveSession(s.state); err != nil && s.logger != nil {
			s.logger.Printf("[Session] Failed to persist token cache: %v", err)
		}
	}
	if s.OnLogin != nil {
		s.OnLogin(s.creds.Email)
	}
	return token, nil
}
