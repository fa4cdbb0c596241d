package cloud

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Token holds a bearer token for the cloud session.
type Token struct {
	AuthToken string
	FetchedAt time.Time
}

// LoginFunc performs the actual credential exchange and returns a fresh token.
type LoginFunc func(ctx context.Context) (Token, error)

// TokenManager owns the shared bearer token. Refresh is a critical section:
// only one login is in flight at a time, concurrent callers block on the
// mutex and then reuse its result instead of issuing duplicate refreshes.
type TokenManager struct {
	mu    sync.Mutex
	tok   Token
	login LoginFunc
	log   *slog.Logger
}

// NewTokenManager creates a token manager around the given login function.
func NewTokenManager(login LoginFunc, log *slog.Logger) *TokenManager {
	return &TokenManager{login: login, log: log}
}

// Token returns the current token, logging in first if none is held yet.
func (m *TokenManager) Token(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tok.AuthToken != "" {
		return m.tok, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh discards the held token and logs in again. Callers that raced
// into the critical section behind an already-completed refresh reuse the new
// token rather than logging in a second time.
func (m *TokenManager) ForceRefresh(ctx context.Context, stale Token) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller already refreshed while we waited for the lock.
	if m.tok.AuthToken != "" && m.tok.AuthToken != stale.AuthToken {
		return m.tok, nil
	}
	m.tok = Token{}
	return m.refreshLocked(ctx)
}

func (m *TokenManager) refreshLocked(ctx context.Context) (Token, error) {
	tok, err := m.login(ctx)
	if err != nil {
		return Token{}, err
	}
	m.tok = tok
	m.log.Info("cloud session authenticated", "fetched_at", tok.FetchedAt)
	return tok, nil
}
