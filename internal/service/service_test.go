package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/accountsd/internal/auth"
	"github.com/pysugar/accountsd/internal/db/models"
	"github.com/pysugar/accountsd/internal/providers/catalog"
	"github.com/pysugar/accountsd/internal/vault"
	"gorm.io/gorm"
)

type fakeProvider struct {
	tokenCalls atomic.Int32
	tokenDelay atomic.Int64 // nanoseconds
}

func (fp *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenCalls.Add(1)
		if d := time.Duration(fp.tokenDelay.Load()); d > 0 {
			time.Sleep(d)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "svc-access",
			"refresh_token": "svc-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":  "Test User",
			"login": "tuser",
			"email": "tuser@example.com",
		})
	})
	return mux
}

type serviceEnv struct {
	svc    *Service
	store  *vault.Vault
	db     *gorm.DB
	fp     *fakeProvider
	events <-chan Event
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()

	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	descriptor := fmt.Sprintf(`id: fake
auth_url: %s/authorize
token_url: %s/token
userinfo_url: %s/userinfo
client_id: fake-client
pkce: true
capabilities: [mail, calendar]
`, srv.URL, srv.URL, srv.URL)
	if err := os.WriteFile(filepath.Join(dir, "fake.yaml"), []byte(descriptor), 0o600); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	cat, err := catalog.Load(dir)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	store, err := vault.Open(t.TempDir(), vault.NewMemoryKeyring())
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Account{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	svc := New(cat, store, gdb)
	events, unsubscribe := svc.Subscribe()
	t.Cleanup(unsubscribe)

	return &serviceEnv{svc: svc, store: store, db: gdb, fp: fp, events: events}
}

// addAccount drives a full flow through CompleteAdd using the state from
// the authorization URL, the way a client that caught the redirect itself
// would.
func (env *serviceEnv) addAccount(t *testing.T) models.Account {
	t.Helper()

	sessionID, authURL, err := env.svc.AddAccount("fake")
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	account, err := env.svc.CompleteAdd(context.Background(), sessionID, stateOf(t, authURL), "auth-code")
	if err != nil {
		t.Fatalf("complete add: %v", err)
	}
	return account
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	return u.Query().Get("state")
}

func (env *serviceEnv) expectEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	select {
	case ev := <-env.events:
		if ev.Type != typ {
			t.Fatalf("expected %s event, got %s", typ, ev.Type)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", typ)
		return Event{}
	}
}

func TestAddAccountPersistsEverything(t *testing.T) {
	env := newServiceEnv(t)

	account := env.addAccount(t)
	if account.Provider != "fake" {
		t.Fatalf("provider = %q", account.Provider)
	}
	if account.DisplayName != "Test User" || account.Username != "tuser" || account.Email != "tuser@example.com" {
		t.Fatalf("identity not mapped: %+v", account)
	}
	if !account.Enabled || account.NeedsReauth {
		t.Fatalf("unexpected flags: %+v", account)
	}
	caps := account.CapabilityMap()
	if !caps["mail"] || !caps["calendar"] {
		t.Fatalf("capabilities not persisted: %+v", caps)
	}

	ts, err := env.store.Get(account.ID)
	if err != nil {
		t.Fatalf("vault get: %v", err)
	}
	if ts.AccessToken != "svc-access" || ts.RefreshToken != "svc-refresh" {
		t.Fatalf("stored tokens: %+v", ts)
	}

	ev := env.expectEvent(t, EventAccountAdded)
	if ev.AccountID != account.ID || ev.Account == nil {
		t.Fatalf("event: %+v", ev)
	}

	// Metadata row must not carry token material.
	var row map[string]any
	if err := env.db.Table("accounts").Where("id = ?", account.ID).Take(&row).Error; err != nil {
		t.Fatalf("raw row: %v", err)
	}
	for col := range row {
		if col == "access_token" || col == "refresh_token" {
			t.Fatalf("token column %q in metadata table", col)
		}
	}
}

func TestLoopbackCallbackCompletesFlow(t *testing.T) {
	env := newServiceEnv(t)

	sessionID, authURL, err := env.svc.AddAccount("fake")
	if err != nil {
		t.Fatalf("add account: %v", err)
	}

	// Drive the session's own loopback listener the way a browser redirect
	// would.
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	callback := fmt.Sprintf("%s?state=%s&code=%s", q.Get("redirect_uri"), q.Get("state"), "browser-code")
	resp, err := http.Get(callback)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()

	ev := env.expectEvent(t, EventAccountAdded)

	// CompleteAdd on an already-finished session just returns the account.
	account, err := env.svc.CompleteAdd(context.Background(), sessionID, "", "")
	if err != nil {
		t.Fatalf("complete add: %v", err)
	}
	if account.ID != ev.AccountID {
		t.Fatalf("account mismatch: %s vs %s", account.ID, ev.AccountID)
	}
	if account.LastUsedAt != nil {
		t.Fatalf("fresh account must have no last-used time: %v", account.LastUsedAt)
	}

	accounts, err := env.svc.ListAccounts()
	if err != nil || len(accounts) != 1 {
		t.Fatalf("list after add: %v (%d accounts)", err, len(accounts))
	}
	ts, err := env.store.Get(account.ID)
	if err != nil {
		t.Fatalf("vault get: %v", err)
	}
	if !ts.Expiry.After(time.Now()) {
		t.Fatalf("stored expiry not in the future: %v", ts.Expiry)
	}
}

func TestReauthenticateKeepsAccountIdentity(t *testing.T) {
	env := newServiceEnv(t)
	account := env.addAccount(t)
	env.expectEvent(t, EventAccountAdded)

	env.db.Model(&models.Account{}).Where("id = ?", account.ID).Update("needs_reauth", true)

	sessionID, authURL, err := env.svc.Reauthenticate(account.ID)
	if err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	got, err := env.svc.CompleteAdd(context.Background(), sessionID, stateOf(t, authURL), "auth-code-2")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.ID != account.ID {
		t.Fatalf("account id changed: %s vs %s", got.ID, account.ID)
	}
	if got.NeedsReauth {
		t.Fatal("needs_reauth not cleared")
	}
	env.expectEvent(t, EventAccountUpdated)

	var count int64
	env.db.Model(&models.Account{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one account row, got %d", count)
	}
}

func TestReauthenticateConflictsWithLiveSession(t *testing.T) {
	env := newServiceEnv(t)
	account := env.addAccount(t)

	sessionID, _, err := env.svc.Reauthenticate(account.ID)
	if err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	if _, _, err := env.svc.Reauthenticate(account.ID); !errors.Is(err, auth.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}

	env.svc.CancelAdd(sessionID)
	if _, _, err := env.svc.Reauthenticate(account.ID); err != nil {
		t.Fatalf("reauthenticate after cancel: %v", err)
	}
}

func TestRemoveAccount(t *testing.T) {
	env := newServiceEnv(t)
	account := env.addAccount(t)
	env.expectEvent(t, EventAccountAdded)

	if err := env.svc.RemoveAccount(account.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := env.svc.GetAccount(account.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := env.store.Get(account.ID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("credentials not deleted: %v", err)
	}
	ev := env.expectEvent(t, EventAccountRemoved)
	if ev.AccountID != account.ID {
		t.Fatalf("event for %q", ev.AccountID)
	}

	// Retried removal is idempotent.
	if err := env.svc.RemoveAccount(account.ID); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	select {
	case ev := <-env.events:
		t.Fatalf("retried removal must not re-announce: %+v", ev)
	default:
	}
}

func TestRemoveAccountDuringRefreshDiscardsToken(t *testing.T) {
	env := newServiceEnv(t)
	account := env.addAccount(t)
	env.expectEvent(t, EventAccountAdded)
	env.fp.tokenDelay.Store(int64(150 * time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- env.svc.RefreshAccount(context.Background(), account.ID)
	}()
	time.Sleep(50 * time.Millisecond) // refresh is now waiting on the provider

	if err := env.svc.RemoveAccount(account.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	<-done

	// The late provider response must not write the removed account's
	// tokens back to disk.
	if _, err := env.store.Get(account.ID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("removed account's credentials resurrected: %v", err)
	}
	if _, err := env.svc.GetAccount(account.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("account row resurrected: %v", err)
	}
}

func TestListAccounts(t *testing.T) {
	env := newServiceEnv(t)
	first := env.addAccount(t)
	second := env.addAccount(t)

	accounts, err := env.svc.ListAccounts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if accounts[0].ID != first.ID || accounts[1].ID != second.ID {
		t.Fatalf("unexpected order: %s, %s", accounts[0].ID, accounts[1].ID)
	}
}

func TestSetAccountEnabled(t *testing.T) {
	env := newServiceEnv(t)
	account := env.addAccount(t)
	env.expectEvent(t, EventAccountAdded)

	if err := env.svc.SetAccountEnabled(account.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, _ := env.svc.GetAccount(account.ID)
	if got.Enabled {
		t.Fatal("account still enabled")
	}
	ev := env.expectEvent(t, EventAccountUpdated)
	if ev.Account == nil || ev.Account.Enabled {
		t.Fatalf("event: %+v", ev)
	}

	// Credentials stay put while disabled.
	if _, err := env.store.Get(account.ID); err != nil {
		t.Fatalf("credentials dropped on disable: %v", err)
	}

	// Same value again is a no-op, no event.
	if err := env.svc.SetAccountEnabled(account.ID, false); err != nil {
		t.Fatalf("repeat disable: %v", err)
	}
	select {
	case ev := <-env.events:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}

	if err := env.svc.SetAccountEnabled(account.ID, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	got, _ = env.svc.GetAccount(account.ID)
	if !got.Enabled {
		t.Fatal("account still disabled")
	}
}

func TestGetAccessTokenServesValidTokenWithoutRefresh(t *testing.T) {
	env := newServiceEnv(t)
	account := env.addAccount(t)
	calls := env.fp.tokenCalls.Load()

	token, err := env.svc.GetAccessToken(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("get access token: %v", err)
	}
	if token != "svc-access" {
		t.Fatalf("token = %q", token)
	}
	if got := env.fp.tokenCalls.Load(); got != calls {
		t.Fatalf("unexpected refresh call")
	}

	got, _ := env.svc.GetAccount(account.ID)
	if got.LastUsedAt == nil {
		t.Fatal("last_used_at not set")
	}
}

func TestGetAccessTokenRefreshesStaleToken(t *testing.T) {
	env := newServiceEnv(t)
	account := env.addAccount(t)

	stale, _ := env.store.Get(account.ID)
	stale.AccessToken = "stale"
	stale.Expiry = time.Now().Add(10 * time.Second)
	if err := env.store.Put(account.ID, stale); err != nil {
		t.Fatalf("put: %v", err)
	}
	calls := env.fp.tokenCalls.Load()

	token, err := env.svc.GetAccessToken(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("get access token: %v", err)
	}
	if token != "svc-access" {
		t.Fatalf("stale token served: %q", token)
	}
	if got := env.fp.tokenCalls.Load(); got != calls+1 {
		t.Fatalf("expected one refresh call, got %d", got-calls)
	}
}

func TestGetAccessTokenUnknownAccount(t *testing.T) {
	env := newServiceEnv(t)
	if _, err := env.svc.GetAccessToken(context.Background(), "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAddAccountUnknownProvider(t *testing.T) {
	env := newServiceEnv(t)
	if _, _, err := env.svc.AddAccount("nope"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected catalog.ErrNotFound, got %v", err)
	}
}
