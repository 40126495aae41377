// Package service is the daemon's coordinator: it orchestrates the provider
// catalog, flow manager, credential vault, metadata database, and refresh
// scheduler behind the operations the IPC surface exposes, and broadcasts
// change notifications to subscribers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/accountsd/internal/auth"
	"github.com/pysugar/accountsd/internal/db/models"
	"github.com/pysugar/accountsd/internal/providers/catalog"
	"github.com/pysugar/accountsd/internal/refresh"
	"github.com/pysugar/accountsd/internal/util"
	"github.com/pysugar/accountsd/internal/vault"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned for operations on unknown account ids.
var ErrAccountNotFound = errors.New("account not found")

// tokenValidMargin is how much remaining lifetime an access token needs
// before GetAccessToken hands it out without refreshing first.
const tokenValidMargin = time.Minute

// Service wires the daemon's components together. All mutating operations
// on one account id are serialized through gate; different accounts
// proceed concurrently. The refresh scheduler commits under the same gate,
// so a background refresh cannot interleave with a removal.
type Service struct {
	catalog *catalog.Catalog
	store   *vault.Vault
	db      *gorm.DB
	flows   *auth.Manager
	sched   *refresh.Scheduler
	gate    *util.KeyedMutex

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New builds the service and wires the flow manager and refresh scheduler
// to it.
func New(cat *catalog.Catalog, store *vault.Vault, db *gorm.DB) *Service {
	s := &Service{
		catalog: cat,
		store:   store,
		db:      db,
		gate:    util.NewKeyedMutex(),
		subs:    make(map[int]chan Event),
	}
	s.flows = auth.NewManager(cat, s.persistCompletion)
	s.sched = refresh.New(cat, store, db, s.gate, refresh.Hooks{
		TokenRefreshed:         s.onTokenRefreshed,
		AuthenticationRequired: s.onAuthenticationRequired,
		RefreshFailed:          s.onRefreshFailed,
	})
	return s
}

// Flows exposes the flow manager for the daemon's sweep loop and the IPC
// layer's CompleteAdd path.
func (s *Service) Flows() *auth.Manager { return s.flows }

// Scheduler exposes the refresh scheduler for the daemon's run loop.
func (s *Service) Scheduler() *refresh.Scheduler { return s.sched }

// Catalog exposes the read-only provider catalog.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Start seeds the refresh schedule from stored credentials.
func (s *Service) Start() {
	s.sched.TrackAll()
}

// Subscribe registers a change-notification channel. Delivery is
// best-effort: slow subscribers lose events rather than blocking
// mutations. The returned func cancels the subscription.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 16)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Service) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AddAccount starts an authentication flow for a new account against a
// provider. The returned URL is opened in the user's browser by the
// client; the daemon completes the flow when the redirect lands.
func (s *Service) AddAccount(providerID string) (sessionID, authURL string, err error) {
	accountID := uuid.New().String()
	authURL, sessionID, err = s.flows.Start(accountID, providerID)
	return sessionID, authURL, err
}

// Reauthenticate starts a fresh flow for an existing account, keeping its
// id and metadata. Used after AuthenticationRequired.
func (s *Service) Reauthenticate(accountID string) (sessionID, authURL string, err error) {
	account, err := s.GetAccount(accountID)
	if err != nil {
		return "", "", err
	}
	authURL, sessionID, err = s.flows.Start(account.ID, account.Provider)
	return sessionID, authURL, err
}

// CompleteAdd returns the account for a flow that already finished through
// the loopback listener, or finishes the flow explicitly with a state and
// code the client received out-of-band.
func (s *Service) CompleteAdd(ctx context.Context, sessionID, state, code string) (models.Account, error) {
	info, err := s.flows.SessionInfo(sessionID)
	if err != nil {
		return models.Account{}, err
	}
	if info.State == auth.StateCompleted {
		return s.GetAccount(info.AccountID)
	}
	if err := s.flows.Complete(ctx, sessionID, state, code); err != nil {
		return models.Account{}, err
	}
	return s.GetAccount(info.AccountID)
}

// CancelAdd cancels a pending flow. Idempotent.
func (s *Service) CancelAdd(sessionID string) {
	s.flows.Cancel(sessionID)
}

// persistCompletion is the flow manager's completion handler: it durably
// stores the TokenSet, upserts the account row, registers the expiry with
// the scheduler, and announces the account.
func (s *Service) persistCompletion(c auth.Completion) error {
	s.gate.Lock(c.AccountID)
	defer s.gate.Unlock(c.AccountID)

	// Secrets first: an account row without credentials is worse than
	// credentials without a row.
	if err := s.store.Put(c.AccountID, c.Tokens); err != nil {
		return err
	}

	provider, err := s.catalog.Lookup(c.ProviderID)
	if err != nil {
		return err
	}
	caps := make(map[string]bool, len(provider.Capabilities))
	for _, capability := range provider.Capabilities {
		caps[capability] = true
	}

	var account models.Account
	existing := s.db.First(&account, "id = ?", c.AccountID).Error
	isNew := errors.Is(existing, gorm.ErrRecordNotFound)

	account.ID = c.AccountID
	account.Provider = c.ProviderID
	account.DisplayName = c.Identity.DisplayName
	account.Username = c.Identity.Username
	account.Email = c.Identity.Email
	account.NeedsReauth = false
	account.SetCapabilities(caps)
	if isNew {
		account.Enabled = true
		account.CreatedAt = time.Now()
	}

	if err := s.db.Save(&account).Error; err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	s.sched.Track(c.AccountID, c.Tokens.Expiry)

	if isNew {
		log.Printf("[Service] Account added: %s (%s via %s)", account.ID, account.DisplayName, account.Provider)
		s.publish(Event{Type: EventAccountAdded, AccountID: account.ID, Account: &account})
	} else {
		log.Printf("[Service] Account re-authenticated: %s", account.ID)
		s.publish(Event{Type: EventAccountUpdated, AccountID: account.ID, Account: &account})
	}
	return nil
}

// RemoveAccount deletes the account, its credentials, any live flow
// session, and its refresh schedule. Removing an absent account succeeds,
// so retried removals are idempotent.
func (s *Service) RemoveAccount(accountID string) error {
	s.gate.Lock(accountID)
	defer s.gate.Unlock(accountID)

	var account models.Account
	existed := true
	if err := s.db.First(&account, "id = ?", accountID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load account: %w", err)
		}
		existed = false
	}

	s.flows.CancelAccount(accountID)
	s.sched.Forget(accountID)

	if err := s.store.Delete(accountID); err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if err := s.db.Delete(&models.Account{}, "id = ?", accountID).Error; err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	log.Printf("[Service] Account removed: %s", accountID)
	s.publish(Event{Type: EventAccountRemoved, AccountID: accountID})
	return nil
}

// ListAccounts returns all accounts ordered by creation time. Never touches
// the vault: metadata is stored apart from secrets.
func (s *Service) ListAccounts() ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.Order("created_at").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount returns one account's metadata.
func (s *Service) GetAccount(accountID string) (models.Account, error) {
	var account models.Account
	if err := s.db.First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return models.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return account, nil
}

// RefreshAccount refreshes an account's token now, bypassing the
// scheduler's timer. Concurrent calls for the same account share one
// provider call.
func (s *Service) RefreshAccount(ctx context.Context, accountID string) error {
	if _, err := s.GetAccount(accountID); err != nil {
		return err
	}
	return s.sched.RequestRefresh(ctx, accountID)
}

// SetAccountEnabled toggles an account. Disabled accounts keep their
// credentials but are dropped from the refresh schedule.
func (s *Service) SetAccountEnabled(accountID string, enabled bool) error {
	s.gate.Lock(accountID)
	defer s.gate.Unlock(accountID)

	account, err := s.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account.Enabled == enabled {
		return nil
	}

	if err := s.db.Model(&models.Account{}).Where("id = ?", accountID).Update("enabled", enabled).Error; err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if enabled {
		if ts, err := s.store.Get(accountID); err == nil {
			s.sched.Track(accountID, ts.Expiry)
		}
	} else {
		s.sched.Forget(accountID)
	}

	account.Enabled = enabled
	log.Printf("[Service] Account %s enabled=%v", accountID, enabled)
	s.publish(Event{Type: EventAccountUpdated, AccountID: accountID, Account: &account})
	return nil
}

// GetAccessToken returns a currently valid access token for the account,
// refreshing synchronously when the stored one is expired or about to
// expire. Marks the account as used.
func (s *Service) GetAccessToken(ctx context.Context, accountID string) (string, error) {
	if _, err := s.GetAccount(accountID); err != nil {
		return "", err
	}

	ts, err := s.store.Get(accountID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", refresh.ErrReauthRequired, accountID)
		}
		return "", err
	}

	if !ts.Valid(tokenValidMargin) {
		if err := s.sched.RequestRefresh(ctx, accountID); err != nil {
			return "", err
		}
		ts, err = s.store.Get(accountID)
		if err != nil {
			return "", err
		}
	}

	now := time.Now()
	if err := s.db.Model(&models.Account{}).Where("id = ?", accountID).Update("last_used_at", &now).Error; err != nil {
		log.Printf("[Service] Failed to update last-used for %s: %v", accountID, err)
	}

	return ts.AccessToken, nil
}

func (s *Service) onTokenRefreshed(accountID string) {
	account, err := s.GetAccount(accountID)
	if err != nil {
		return
	}
	s.publish(Event{Type: EventAccountUpdated, AccountID: accountID, Account: &account})
}

func (s *Service) onAuthenticationRequired(accountID string) {
	s.publish(Event{Type: EventAuthenticationRequired, AccountID: accountID})
}

func (s *Service) onRefreshFailed(accountID string, err error) {
	log.Printf("[Service] Refresh permanently failed for %s: %v", accountID, err)
	s.publish(Event{Type: EventRefreshFailed, AccountID: accountID})
}
