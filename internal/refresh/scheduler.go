// Package refresh keeps stored tokens valid without user interaction. A
// single loop wakes at the next-soonest expiry (minus a safety margin) or
// on demand, and refreshes each due account in its own goroutine.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pysugar/accountsd/internal/db/models"
	"github.com/pysugar/accountsd/internal/providers/catalog"
	"github.com/pysugar/accountsd/internal/util"
	"github.com/pysugar/accountsd/internal/vault"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	// DefaultMargin is how long before expiry a token is refreshed.
	DefaultMargin = 5 * time.Minute

	// callTimeout bounds one token-endpoint call.
	callTimeout = 30 * time.Second

	// Backoff policy for transient refresh failures.
	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute
	maxAttempts = 8
)

// ErrReauthRequired means the account's refresh token is missing, revoked,
// or expired; only a fresh interactive flow can recover it.
var ErrReauthRequired = errors.New("account requires re-authentication")

// Hooks lets the service layer observe scheduler outcomes. All hooks are
// optional and called from refresh goroutines.
type Hooks struct {
	// TokenRefreshed fires after a new TokenSet is durably stored.
	TokenRefreshed func(accountID string)
	// AuthenticationRequired fires when an account is marked as needing a
	// fresh interactive flow.
	AuthenticationRequired func(accountID string)
	// RefreshFailed fires when transient retries are exhausted.
	RefreshFailed func(accountID string, err error)
}

type entry struct {
	expiry   time.Time
	due      time.Time
	bo       *backoff.ExponentialBackOff
	attempts int
	inflight bool
}

// Scheduler is the background refresh loop.
type Scheduler struct {
	catalog *catalog.Catalog
	store   *vault.Vault
	db      *gorm.DB
	gate    *util.KeyedMutex
	hooks   Hooks
	client  *http.Client
	margin  time.Duration

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	wake    chan struct{}
}

// New creates a scheduler over the given catalog, vault, and account
// metadata database. gate is the per-account lock shared with the service
// layer; refreshed tokens commit under it so a refresh cannot interleave
// with an account mutation such as removal.
func New(cat *catalog.Catalog, store *vault.Vault, db *gorm.DB, gate *util.KeyedMutex, hooks Hooks) *Scheduler {
	return &Scheduler{
		catalog: cat,
		store:   store,
		db:      db,
		gate:    gate,
		hooks:   hooks,
		client:  &http.Client{Timeout: callTimeout},
		margin:  DefaultMargin,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Track registers (or updates) an account's token expiry for proactive
// refresh and resets any retry backoff.
func (s *Scheduler) Track(accountID string, expiry time.Time) {
	s.mu.Lock()
	e, ok := s.entries[accountID]
	if !ok {
		e = &entry{}
		s.entries[accountID] = e
	}
	e.expiry = expiry
	e.due = expiry.Add(-s.margin)
	e.bo = nil
	e.attempts = 0
	s.mu.Unlock()
	s.poke()
}

// Forget drops an account from the schedule.
func (s *Scheduler) Forget(accountID string) {
	s.mu.Lock()
	delete(s.entries, accountID)
	s.mu.Unlock()
	s.poke()
}

// TrackAll seeds the schedule from every stored credential. Called once at
// daemon start.
func (s *Scheduler) TrackAll() {
	ids, err := s.store.List()
	if err != nil {
		log.Printf("[Refresh] Failed to list stored credentials: %v", err)
		return
	}
	for _, id := range ids {
		ts, err := s.store.Get(id)
		if err != nil {
			log.Printf("[Refresh] Failed to read credentials for %s: %v", id, err)
			continue
		}
		s.Track(id, ts.Expiry)
	}
	log.Printf("[Refresh] Tracking %d accounts", len(ids))
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RequestRefresh refreshes an account now, bypassing the schedule. A second
// call while one is in flight for the same account awaits the first rather
// than issuing another token-endpoint call.
func (s *Scheduler) RequestRefresh(ctx context.Context, accountID string) error {
	err := s.refresh(ctx, accountID)
	if err != nil && isPermanentRefreshError(err) {
		s.markReauthRequired(accountID, err)
		return fmt.Errorf("%w: %s", ErrReauthRequired, accountID)
	}
	return err
}

// refresh deduplicates concurrent attempts for the same account.
func (s *Scheduler) refresh(ctx context.Context, accountID string) error {
	_, err, _ := s.group.Do(accountID, func() (any, error) {
		return nil, s.refreshOnce(ctx, accountID)
	})
	return err
}

// refreshOnce performs one refresh attempt: read credentials, call the
// provider, store the new TokenSet.
func (s *Scheduler) refreshOnce(ctx context.Context, accountID string) error {
	var account models.Account
	if err := s.db.First(&account, "id = ?", accountID).Error; err != nil {
		return fmt.Errorf("account %s not found: %w", accountID, err)
	}
	if !account.Enabled {
		return fmt.Errorf("account %s is disabled", accountID)
	}

	ts, err := s.store.Get(accountID)
	if err != nil {
		return fmt.Errorf("no credentials for %s: %w", accountID, err)
	}
	if ts.RefreshToken == "" {
		// Nothing to call the provider with; re-authentication is the only
		// way forward.
		return fmt.Errorf("%w: no refresh token", ErrReauthRequired)
	}

	provider, err := s.catalog.Lookup(account.Provider)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	callCtx = context.WithValue(callCtx, oauth2.HTTPClient, s.client)

	cfg := provider.OAuthConfig("")
	source := cfg.TokenSource(callCtx, &oauth2.Token{RefreshToken: ts.RefreshToken})

	newToken, err := source.Token()
	if err != nil {
		return fmt.Errorf("refresh failed for %s: %w", accountID, err)
	}

	refreshed := vault.TokenSet{
		AccessToken:  newToken.AccessToken,
		RefreshToken: newToken.RefreshToken,
		TokenType:    newToken.TokenType,
		Expiry:       newToken.Expiry,
		Scopes:       ts.Scopes,
	}
	if refreshed.TokenType == "" {
		refreshed.TokenType = ts.TokenType
	}
	// Providers may omit a new refresh token; the prior one stays valid.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = ts.RefreshToken
	} else if refreshed.RefreshToken != ts.RefreshToken {
		log.Printf("[Refresh] Rotated refresh token for account %s", accountID)
	}

	// Commit under the account's lock: the provider call above ran
	// unlocked, so the account may have been removed or disabled meanwhile.
	s.gate.Lock(accountID)
	defer s.gate.Unlock(accountID)

	if err := s.db.First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[Refresh] Account %s was removed during refresh, discarding token", accountID)
			return nil
		}
		return fmt.Errorf("failed to reload account %s: %w", accountID, err)
	}

	if err := s.store.Put(accountID, refreshed); err != nil {
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}

	if account.Enabled {
		s.Track(accountID, refreshed.Expiry)
	}
	if s.hooks.TokenRefreshed != nil {
		s.hooks.TokenRefreshed(accountID)
	}
	log.Printf("[Refresh] Refreshed token for account %s (expires %s)", accountID, refreshed.Expiry.Format(time.RFC3339))
	return nil
}

func (s *Scheduler) markReauthRequired(accountID string, cause error) {
	if err := s.db.Model(&models.Account{}).Where("id = ?", accountID).Update("needs_reauth", true).Error; err != nil {
		log.Printf("[Refresh] Failed to flag account %s for re-auth: %v", accountID, err)
	}
	s.Forget(accountID)
	log.Printf("[Refresh] Account %s requires re-authentication: %v", accountID, cause)
	if s.hooks.AuthenticationRequired != nil {
		s.hooks.AuthenticationRequired(accountID)
	}
}

// Run executes the scheduling loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Refresh] Scheduler started (margin %s)", s.margin)
	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.dispatchDue(ctx)
		}
	}
}

// untilNext returns the wait until the earliest due entry, or a long idle
// wait when nothing is scheduled.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	const idle = time.Hour
	wait := idle
	now := time.Now()
	for _, e := range s.entries {
		if e.inflight {
			continue
		}
		if d := e.due.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// dispatchDue launches a refresh for every due account. Distinct accounts
// refresh concurrently; the loop never waits on a provider response.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var due []string
	for id, e := range s.entries {
		if !e.inflight && !e.due.After(now) {
			e.inflight = true
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		go s.runRefresh(ctx, id)
	}
}

func (s *Scheduler) runRefresh(ctx context.Context, accountID string) {
	err := s.refresh(ctx, accountID)

	s.mu.Lock()
	e, tracked := s.entries[accountID]
	if tracked {
		e.inflight = false
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		// refreshOnce re-tracked the new expiry already.
	case isPermanentRefreshError(err):
		s.markReauthRequired(accountID, err)
	case tracked:
		s.scheduleRetry(accountID, err)
	}
	s.poke()
}

// scheduleRetry pushes the entry's due time out with exponential backoff
// and full jitter, up to a bounded number of attempts.
func (s *Scheduler) scheduleRetry(accountID string, cause error) {
	s.mu.Lock()
	e, ok := s.entries[accountID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.bo == nil {
		e.bo = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(backoffBase),
			backoff.WithMaxInterval(backoffCap),
			backoff.WithRandomizationFactor(1),
			backoff.WithMaxElapsedTime(0),
		)
	}
	e.attempts++
	if e.attempts >= maxAttempts {
		delete(s.entries, accountID)
		s.mu.Unlock()
		log.Printf("[Refresh] Giving up on account %s after %d attempts: %v", accountID, maxAttempts, cause)
		if s.hooks.RefreshFailed != nil {
			s.hooks.RefreshFailed(accountID, cause)
		}
		return
	}
	next := e.bo.NextBackOff()
	e.due = time.Now().Add(next)
	attempts := e.attempts
	s.mu.Unlock()
	log.Printf("[Refresh] Transient failure for account %s (attempt %d), retrying in %s: %s",
		accountID, attempts, next.Round(time.Second), util.TruncateLog(cause.Error(), util.DefaultLogMaxLen))
}

// isPermanentRefreshError reports whether a refresh failure can only be
// fixed by re-authenticating, as opposed to retried later.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReauthRequired) || errors.Is(err, vault.ErrNotFound) {
		return true
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		switch retrieve.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client", "access_denied":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
