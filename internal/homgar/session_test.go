package homgar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// loginServer counts logins and hands out sequentially numbered tokens.
func loginServer(t *testing.T, logins *atomic.Int32, failWithCode int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/basic/app/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		n := logins.Add(1)
		if failWithCode != 0 {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": failWithCode, "msg": "bad credentials"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{"token": fmt.Sprintf("tok-%d", n), "tokenExpired": 86400},
		})
	}))
}

func newTestSession(srvURL string) *Session {
	client := NewClient(srvURL, nil)
	return NewSession(client, Credentials{Email: "user@example.com", Password: "hunter2", AreaCode: "31"}, nil, nil)
}

func TestEnsureValidReusesToken(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 0)
	defer srv.Close()

	s := newTestSession(srv.URL)
	tok1, err := s.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	tok2, err := s.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("token changed without invalidation: %q vs %q", tok1, tok2)
	}
	if logins.Load() != 1 {
		t.Errorf("expected exactly one login, got %d", logins.Load())
	}
}

func TestInvalidateForcesFreshToken(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 0)
	defer srv.Close()

	s := newTestSession(srv.URL)
	tok1, _ := s.EnsureValid(context.Background())
	s.Invalidate()
	tok2, err := s.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid after Invalidate failed: %v", err)
	}
	if tok1 == tok2 {
		t.Error("expected a fresh token after invalidation")
	}
	if logins.Load() != 2 {
		t.Errorf("expected two logins, got %d", logins.Load())
	}
}

func TestLoginHookFiresOnSuccessOnly(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 0)
	defer srv.Close()

	s := newTestSession(srv.URL)
	var hooked []string
	s.OnLogin = func(email string) { hooked = append(hooked, email) }

	if _, err := s.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	// A cached token does not count as a login.
	if _, err := s.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	if len(hooked) != 1 || hooked[0] != "user@example.com" {
		t.Fatalf("hook calls = %v, want one for user@example.com", hooked)
	}

	s.Invalidate()
	if _, err := s.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid after Invalidate failed: %v", err)
	}
	if len(hooked) != 2 {
		t.Errorf("hook calls after relogin = %d, want 2", len(hooked))
	}
}

func TestLoginHookSkippedOnFailure(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 1011)
	defer srv.Close()

	s := newTestSession(srv.URL)
	called := false
	s.OnLogin = func(string) { called = true }

	if _, err := s.EnsureValid(context.Background()); err == nil {
		t.Fatal("expected login failure")
	}
	if called {
		t.Error("hook fired on a rejected login")
	}
}

func TestConcurrentEnsureValidSingleLogin(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 0)
	defer srv.Close()

	s := newTestSession(srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.EnsureValid(context.Background()); err != nil {
				t.Errorf("EnsureValid failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if logins.Load() != 1 {
		t.Errorf("concurrent callers must serialize into one login, got %d", logins.Load())
	}
}

func TestRepeatedAuthFailureIsFatal(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 401)
	defer srv.Close()

	s := newTestSession(srv.URL)
	s.SetMaxFailures(3)

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = s.EnsureValid(context.Background())
		if lastErr == nil {
			t.Fatal("expected login to fail")
		}
	}
	if !errors.Is(lastErr, ErrAuthFatal) {
		t.Errorf("expected ErrAuthFatal after repeated failures, got %v", lastErr)
	}
	// Once fatal, the session must stop hammering the login endpoint.
	if logins.Load() != 3 {
		t.Errorf("expected 3 login attempts, got %d", logins.Load())
	}
}

func TestCachedSessionReused(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 0)
	defer srv.Close()

	cache := &memoryCache{state: &SessionState{
		Email:     "user@example.com",
		Token:     "cached-token",
		ExpiresAt: time.Now().Add(12 * time.Hour),
	}}

	client := NewClient(srv.URL, nil)
	s := NewSession(client, Credentials{Email: "user@example.com", Password: "hunter2", AreaCode: "31"}, cache, nil)

	tok, err := s.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	if tok != "cached-token" {
		t.Errorf("expected cached token, got %q", tok)
	}
	if logins.Load() != 0 {
		t.Errorf("cached token should avoid login, got %d logins", logins.Load())
	}
}

func TestCachedSessionForOtherAccountIgnored(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, &logins, 0)
	defer srv.Close()

	cache := &memoryCache{state: &SessionState{
		Email:     "someone-else@example.com",
		Token:     "cached-token",
		ExpiresAt: time.Now().Add(12 * time.Hour),
	}}

	client := NewClient(srv.URL, nil)
	s := NewSession(client, Credentials{Email: "user@example.com", Password: "hunter2", AreaCode: "31"}, cache, nil)

	tok, err := s.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	if tok == "cached-token" {
		t.Error("cached token for a different account must not be reused")
	}
	if logins.Load() != 1 {
		t.Errorf("expected one login, got %d", logins.Load())
	}
}

type memoryCache struct {
	mu    sync.Mutex
	state *SessionState
}

func (m *memoryCache) LoadSession() (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memoryCache) SaveSession(s *SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}
