package pingline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

// ErrLoggedOut is returned by authenticated calls after the session has
// been terminated, either explicitly or by a failed refresh.
var ErrLoggedOut = errors.New("pingline: logged out")

// refreshFunc calls the token refresh endpoint with the stored refresh
// token and returns the renewed credential.
type refreshFunc func(ctx context.Context, refreshToken string) (Credential, error)

// SessionManager owns the credential lifecycle: it attaches the current
// access token to outgoing requests, and on an authorization failure
// performs a single refresh shared by every concurrent caller.
//
// The coalescing guarantee: for N requests that fail at once with an
// expired token, exactly one refresh call reaches the backend; all N
// retry with the same renewed credential, or all fail together.
type SessionManager struct {
	mu      sync.Mutex
	cred    Credential
	out     bool // terminal logged-out state
	refresh refreshFunc
	group   singleflight.Group
	store   *StateStore
	logger  *slog.Logger

	onLogout []func()
}

func newSessionManager(refresh refreshFunc, store *StateStore, logger *slog.Logger) *SessionManager {
	s := &SessionManager{refresh: refresh, store: store, logger: logger}
	if store != nil {
		if cred, err := store.LoadCredential(); err != nil {
			logger.Warn("load stored credential", "err", err)
		} else if cred.Valid() {
			s.cred = cred
		}
	}
	return s
}

// Credential returns a copy of the current credential.
func (s *SessionManager) Credential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// LoggedIn reports whether the session currently holds an access token.
func (s *SessionManager) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.Valid() && !s.out
}

// SetCredential installs a fresh credential (after login) and persists
// it. It also clears any terminal logged-out state.
func (s *SessionManager) SetCredential(cred Credential) {
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = tokenExpiry(cred.AccessToken)
	}
	s.mu.Lock()
	s.cred = cred
	s.out = false
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.SaveCredential(cred); err != nil {
			s.logger.Warn("persist credential", "err", err)
		}
	}
}

// OnLogout registers a callback invoked once per forced or explicit
// logout (the realtime channel hooks this to close its connection).
func (s *SessionManager) OnLogout(fn func()) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// Attach adds the current access token to an outgoing request.
func (s *SessionManager) Attach(req *http.Request) {
	s.mu.Lock()
	token := s.cred.AccessToken
	s.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// OnUnauthorized is invoked when an authenticated call fails with an
// authorization error. It runs the single-flight refresh and returns
// the renewed access token the caller should retry with.
//
// retried must be true if the failing request already went through one
// refresh-and-retry cycle; a second failure is terminal.
func (s *SessionManager) OnUnauthorized(ctx context.Context, retried bool) (string, error) {
	s.mu.Lock()
	if s.out {
		s.mu.Unlock()
		return "", ErrLoggedOut
	}
	refreshToken := s.cred.RefreshToken
	s.mu.Unlock()

	if retried {
		s.ForceLogout("authorization failed after refresh")
		return "", ErrLoggedOut
	}
	if refreshToken == "" {
		s.ForceLogout("no refresh token")
		return "", ErrLoggedOut
	}

	// All concurrent unauthorized callers coalesce onto one refresh
	// call; each receives the same renewed token or the same error.
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		cred, err := s.refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		if cred.RefreshToken == "" {
			cred.RefreshToken = refreshToken
		}
		s.SetCredential(cred)
		return cred.AccessToken, nil
	})
	if err != nil {
		// Refresh failure is terminal for the session. Never retried.
		s.ForceLogout("refresh failed")
		return "", fmt.Errorf("refresh session: %w", err)
	}
	return v.(string), nil
}

// ForceLogout clears the credential, persists the cleared state and
// fires the logout callbacks. Idempotent: callbacks run once.
func (s *SessionManager) ForceLogout(reason string) {
	s.mu.Lock()
	if s.out {
		s.mu.Unlock()
		return
	}
	s.out = true
	s.cred = Credential{}
	callbacks := s.onLogout
	store := s.store
	s.mu.Unlock()

	s.logger.Info("session terminated", "reason", reason)
	if store != nil {
		if err := store.ClearCredential(); err != nil {
			s.logger.Warn("clear stored credential", "err", err)
		}
	}
	for _, fn := range callbacks {
		fn()
	}
}

// tokenExpiry decodes the exp claim of a JWT access token without
// verifying the signature (the client holds no key material). Used only
// as a hint; a zero time means no hint.
func tokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0)
}
