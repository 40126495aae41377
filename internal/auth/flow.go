// Package auth drives OAuth2 authorization-code flows with PKCE: one
// transient session per attempt, a loopback callback listener per session,
// and a deadline sweep so no listener outlives its flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/accountsd/internal/providers/catalog"
	"github.com/pysugar/accountsd/internal/util"
	"github.com/pysugar/accountsd/internal/vault"
	"golang.org/x/oauth2"
)

const (
	// DefaultFlowTimeout is how long a session may wait for the browser
	// redirect before the sweep cancels it.
	DefaultFlowTimeout = 5 * time.Minute

	// exchangeTimeout bounds the token-endpoint and userinfo calls.
	exchangeTimeout = 30 * time.Second

	// terminalRetention keeps resolved sessions queryable for a while
	// before the sweep drops them.
	terminalRetention = 10 * time.Minute
)

// Completion is the result of a successful flow, handed to the service
// layer for persistence. Token material passes through here transiently and
// is owned by the vault once persisted.
type Completion struct {
	SessionID  string
	AccountID  string
	ProviderID string
	Identity   UserIdentity
	Tokens     vault.TokenSet
}

// CompletionHandler persists a completed flow. A returned error fails the
// session.
type CompletionHandler func(Completion) error

// Manager runs authorization flows. At most one live session per account.
type Manager struct {
	catalog    *catalog.Catalog
	onComplete CompletionHandler
	client     *http.Client
	timeout    time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session // by session id, including recently resolved
	byState   map[string]*Session // live sessions only
	byAccount map[string]*Session // live sessions only
}

// NewManager creates a flow manager. handler receives every successful
// completion.
func NewManager(cat *catalog.Catalog, handler CompletionHandler) *Manager {
	return &Manager{
		catalog:    cat,
		onComplete: handler,
		client:     &http.Client{Timeout: exchangeTimeout},
		timeout:    DefaultFlowTimeout,
		sessions:   make(map[string]*Session),
		byState:    make(map[string]*Session),
		byAccount:  make(map[string]*Session),
	}
}

// Start begins a flow for an account against a provider. It reserves a
// loopback port, composes the authorization URL, and returns it along with
// the session id. Fails with ErrSessionConflict while a live session exists
// for the account.
func (m *Manager) Start(accountID, providerID string) (authURL, sessionID string, err error) {
	provider, err := m.catalog.Lookup(providerID)
	if err != nil {
		return "", "", err
	}

	pkce, err := NewPKCE()
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.byAccount[accountID]; live {
		return "", "", fmt.Errorf("%w: %s", ErrSessionConflict, accountID)
	}

	s := &Session{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		ProviderID: provider.ID,
		CreatedAt:  time.Now(),
		Deadline:   time.Now().Add(m.timeout),
		pkce:       pkce,
		state:      StateCreated,
	}

	listener, err := StartListener(func(state, code, errCode, errDesc string) {
		if err := m.complete(context.Background(), s.ID, state, code, errCode, errDesc); err != nil {
			log.Printf("[Flow] Session %s callback failed: %v", s.ID, err)
		}
	})
	if err != nil {
		return "", "", err
	}
	s.listener = listener

	cfg := provider.OAuthConfig(listener.RedirectURL())
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if provider.PKCE {
		opts = append(opts, oauth2.S256ChallengeOption(pkce.Verifier))
	}
	url := cfg.AuthCodeURL(pkce.State, opts...)

	s.state = StateAwaitingCallback
	m.sessions[s.ID] = s
	m.byState[pkce.State] = s
	m.byAccount[accountID] = s

	log.Printf("[Flow] Started session %s for account %s via %s (port %d)", s.ID, accountID, provider.ID, listener.Port())
	return url, s.ID, nil
}

// Complete finishes a flow explicitly, for clients that received the
// redirect out-of-band instead of through the session's listener.
func (m *Manager) Complete(ctx context.Context, sessionID, receivedState, code string) error {
	return m.complete(ctx, sessionID, receivedState, code, "", "")
}

func (m *Manager) complete(ctx context.Context, sessionID, receivedState, code, errCode, errDesc string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.state.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("session %s already %s", sessionID, s.state)
	}

	if receivedState != s.pkce.State {
		m.resolve(s, StateFailed, ErrStateMismatch)
		m.mu.Unlock()
		return ErrStateMismatch
	}
	if errCode != "" {
		perr := &ProviderError{Code: errCode, Description: errDesc}
		m.resolve(s, StateFailed, perr)
		m.mu.Unlock()
		return perr
	}

	provider, err := m.catalog.Lookup(s.ProviderID)
	if err != nil {
		m.resolve(s, StateFailed, err)
		m.mu.Unlock()
		return err
	}
	redirectURL := s.listener.RedirectURL()
	verifier := s.pkce.Verifier
	s.state = StateExchanging
	m.mu.Unlock()

	completion, err := m.exchange(ctx, s, provider, redirectURL, verifier, code)

	m.mu.Lock()
	if s.state != StateExchanging {
		// Cancelled or timed out while we were on the network; the tokens,
		// if any, are discarded.
		m.mu.Unlock()
		return fmt.Errorf("session %s resolved to %s during exchange", s.ID, s.state)
	}
	if err != nil {
		m.resolve(s, StateFailed, err)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	// Persist without the manager lock so one account's disk and database
	// writes do not stall every other account's flows.
	persistErr := m.onComplete(*completion)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state != StateExchanging {
		if persistErr == nil {
			// The account was persisted just before the session resolved;
			// it exists and removal is the way to undo it.
			log.Printf("[Flow] Session %s resolved to %s during persistence; account %s kept", s.ID, s.state, s.AccountID)
		}
		return fmt.Errorf("session %s resolved to %s during exchange", s.ID, s.state)
	}
	if persistErr != nil {
		persistErr = fmt.Errorf("failed to persist completed flow: %w", persistErr)
		m.resolve(s, StateFailed, persistErr)
		return persistErr
	}

	m.resolve(s, StateCompleted, nil)
	log.Printf("[Flow] Session %s completed for account %s", s.ID, s.AccountID)
	return nil
}

// exchange performs the code-for-token exchange and the userinfo fetch.
// Runs without the manager lock held.
func (m *Manager) exchange(ctx context.Context, s *Session, provider catalog.Provider, redirectURL, verifier, code string) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	cfg := provider.OAuthConfig(redirectURL)
	var opts []oauth2.AuthCodeOption
	if provider.PKCE {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	identity, err := fetchUserIdentity(ctx, m.client, provider, token.AccessToken)
	if err != nil {
		return nil, err
	}

	return &Completion{
		SessionID:  s.ID,
		AccountID:  s.AccountID,
		ProviderID: provider.ID,
		Identity:   identity,
		Tokens:     tokenSetFromOAuth(token, provider.Scopes),
	}, nil
}

// tokenSetFromOAuth converts an oauth2 token response, preferring the
// scopes the provider actually granted over the ones requested.
func tokenSetFromOAuth(token *oauth2.Token, requested []string) vault.TokenSet {
	scopes := append([]string(nil), requested...)
	if granted, ok := token.Extra("scope").(string); ok && granted != "" {
		scopes = strings.Fields(granted)
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return vault.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		Expiry:       token.Expiry,
		Scopes:       scopes,
	}
}

// classifyOAuthError turns token-endpoint failures into ProviderError when
// the provider answered, leaving transport failures wrapped as-is.
func classifyOAuthError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.ErrorCode != "" {
		return &ProviderError{Code: retrieve.ErrorCode, Description: retrieve.ErrorDescription}
	}
	return fmt.Errorf("token exchange failed: %w", err)
}

// resolve moves a session to a terminal state, releases its listener port,
// and drops it from the live indexes. Caller holds m.mu.
func (m *Manager) resolve(s *Session, state SessionState, cause error) {
	s.state = state
	s.err = cause
	if s.listener != nil {
		// Shutdown waits on in-flight handlers; do not hold the lock hostage.
		go s.listener.Close()
	}
	delete(m.byState, s.pkce.State)
	delete(m.byAccount, s.AccountID)
	if state != StateCompleted {
		log.Printf("[Flow] Session %s for account %s resolved: %s (%s)", s.ID, s.AccountID, state,
			util.TruncateLog(fmt.Sprintf("%v", cause), util.DefaultLogMaxLen))
	}
}

// Cancel terminates a live session. Cancelling an already-terminal or
// unknown session is a no-op.
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.state.Terminal() {
		return
	}
	m.resolve(s, StateCancelled, nil)
}

// CancelAccount terminates the live session for an account, if any.
func (m *Manager) CancelAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byAccount[accountID]; ok {
		m.resolve(s, StateCancelled, nil)
	}
}

// CancelAll terminates every live session. Used at daemon shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byAccount {
		m.resolve(s, StateCancelled, nil)
	}
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	SessionID  string
	AccountID  string
	ProviderID string
	State      SessionState
}

// SessionInfo reports a session's identity and state, live or recently
// resolved.
func (m *Manager) SessionInfo(sessionID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return Info{SessionID: s.ID, AccountID: s.AccountID, ProviderID: s.ProviderID, State: s.state}, nil
}

// SessionState reports the state of a session, live or recently resolved.
func (m *Manager) SessionState(sessionID string) (SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.state, nil
}

// Run sweeps expired sessions until ctx is done, then cancels the rest.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CancelAll()
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		switch {
		case !s.state.Terminal() && now.After(s.Deadline):
			m.resolve(s, StateTimedOut, context.DeadlineExceeded)
		case s.state.Terminal() && now.After(s.Deadline.Add(terminalRetention)):
			delete(m.sessions, id)
		}
	}
}
