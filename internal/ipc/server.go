package ipc

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/pysugar/accountsd/internal/service"
)

// callTimeout bounds methods that may hit a provider on the caller's
// behalf.
const callTimeout = 45 * time.Second

// Server exports the account service on the session bus.
type Server struct {
	svc  *service.Service
	conn *dbus.Conn
}

// NewServer wraps the service for export. Call Serve to claim the bus name
// and start answering.
func NewServer(svc *service.Service) *Server {
	return &Server{svc: svc}
}

// Serve connects to the session bus, claims the well-known name, exports
// the object, and forwards service events as signals until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	s.conn = conn
	defer conn.Close()

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already taken, is another instance running?", BusName)
	}

	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		return fmt.Errorf("failed to export object: %w", err)
	}
	node := &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(s),
				Signals: signalDefs,
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}

	events, unsubscribe := s.svc.Subscribe()
	defer unsubscribe()

	log.Printf("[IPC] Serving %s at %s", BusName, ObjectPath)
	for {
		select {
		case <-ctx.Done():
			conn.ReleaseName(BusName)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.emit(ev)
		}
	}
}

var signalDefs = []introspect.Signal{
	{Name: "AccountAdded", Args: []introspect.Arg{{Name: "account", Type: "(sssssbbasxx)"}}},
	{Name: "AccountUpdated", Args: []introspect.Arg{{Name: "account", Type: "(sssssbbasxx)"}}},
	{Name: "AccountRemoved", Args: []introspect.Arg{{Name: "account_id", Type: "s"}}},
	{Name: "AuthenticationRequired", Args: []introspect.Arg{{Name: "account_id", Type: "s"}}},
	{Name: "RefreshFailed", Args: []introspect.Arg{{Name: "account_id", Type: "s"}}},
}

func (s *Server) emit(ev service.Event) {
	var err error
	switch ev.Type {
	case service.EventAccountAdded:
		err = s.conn.Emit(ObjectPath, Interface+".AccountAdded", accountInfo(*ev.Account))
	case service.EventAccountUpdated:
		err = s.conn.Emit(ObjectPath, Interface+".AccountUpdated", accountInfo(*ev.Account))
	case service.EventAccountRemoved:
		err = s.conn.Emit(ObjectPath, Interface+".AccountRemoved", ev.AccountID)
	case service.EventAuthenticationRequired:
		err = s.conn.Emit(ObjectPath, Interface+".AuthenticationRequired", ev.AccountID)
	case service.EventRefreshFailed:
		err = s.conn.Emit(ObjectPath, Interface+".RefreshFailed", ev.AccountID)
	}
	if err != nil {
		log.Printf("[IPC] Failed to emit %s: %v", ev.Type, err)
	}
}

func busError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.MakeFailedError(err)
}

// AddAccount starts an authentication flow against a provider and returns
// the session id and the URL the client must open in a browser.
func (s *Server) AddAccount(providerID string) (string, string, *dbus.Error) {
	sessionID, authURL, err := s.svc.AddAccount(providerID)
	return sessionID, authURL, busError(err)
}

// Reauthenticate starts a fresh flow for an existing account.
func (s *Server) Reauthenticate(accountID string) (string, string, *dbus.Error) {
	sessionID, authURL, err := s.svc.Reauthenticate(accountID)
	return sessionID, authURL, busError(err)
}

// CompleteAuthentication finishes a flow with a state and code the client
// received out-of-band.
func (s *Server) CompleteAuthentication(sessionID, state, code string) (AccountInfo, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	account, err := s.svc.CompleteAdd(ctx, sessionID, state, code)
	if err != nil {
		return AccountInfo{}, busError(err)
	}
	return accountInfo(account), nil
}

// CancelAuthentication cancels a pending flow.
func (s *Server) CancelAuthentication(sessionID string) *dbus.Error {
	s.svc.CancelAdd(sessionID)
	return nil
}

// ListAccounts returns all accounts.
func (s *Server) ListAccounts() ([]AccountInfo, *dbus.Error) {
	accounts, err := s.svc.ListAccounts()
	if err != nil {
		return nil, busError(err)
	}
	infos := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		infos = append(infos, accountInfo(a))
	}
	return infos, nil
}

// GetAccount returns one account.
func (s *Server) GetAccount(accountID string) (AccountInfo, *dbus.Error) {
	account, err := s.svc.GetAccount(accountID)
	if err != nil {
		return AccountInfo{}, busError(err)
	}
	return accountInfo(account), nil
}

// RemoveAccount deletes an account and its credentials.
func (s *Server) RemoveAccount(accountID string) *dbus.Error {
	return busError(s.svc.RemoveAccount(accountID))
}

// RefreshAccount refreshes an account's token immediately.
func (s *Server) RefreshAccount(accountID string) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return busError(s.svc.RefreshAccount(ctx, accountID))
}

// SetAccountEnabled toggles an account.
func (s *Server) SetAccountEnabled(accountID string, enabled bool) *dbus.Error {
	return busError(s.svc.SetAccountEnabled(accountID, enabled))
}

// GetAccessToken returns a currently valid access token for the account.
func (s *Server) GetAccessToken(accountID string) (string, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	token, err := s.svc.GetAccessToken(ctx, accountID)
	return token, busError(err)
}

// ListProviders returns the configured providers.
func (s *Server) ListProviders() ([]ProviderInfo, *dbus.Error) {
	providers := s.svc.Catalog().Providers()
	infos := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		infos = append(infos, providerInfo(p))
	}
	return infos, nil
}
