package ipc

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Client talks to a running daemon over the session bus.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// Connect dials the session bus and binds to the daemon object. It does
// not verify the daemon is running; the first call will report that.
func Connect() (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &Client{conn: conn, obj: conn.Object(BusName, dbus.ObjectPath(ObjectPath))}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(method string, args ...any) *dbus.Call {
	return c.obj.Call(Interface+"."+method, 0, args...)
}

func (c *Client) AddAccount(providerID string) (sessionID, authURL string, err error) {
	err = c.call("AddAccount", providerID).Store(&sessionID, &authURL)
	return sessionID, authURL, err
}

func (c *Client) Reauthenticate(accountID string) (sessionID, authURL string, err error) {
	err = c.call("Reauthenticate", accountID).Store(&sessionID, &authURL)
	return sessionID, authURL, err
}

func (c *Client) CompleteAuthentication(sessionID, state, code string) (AccountInfo, error) {
	var info AccountInfo
	err := c.call("CompleteAuthentication", sessionID, state, code).Store(&info)
	return info, err
}

func (c *Client) CancelAuthentication(sessionID string) error {
	return c.call("CancelAuthentication", sessionID).Err
}

func (c *Client) ListAccounts() ([]AccountInfo, error) {
	var infos []AccountInfo
	err := c.call("ListAccounts").Store(&infos)
	return infos, err
}

func (c *Client) GetAccount(accountID string) (AccountInfo, error) {
	var info AccountInfo
	err := c.call("GetAccount", accountID).Store(&info)
	return info, err
}

func (c *Client) RemoveAccount(accountID string) error {
	return c.call("RemoveAccount", accountID).Err
}

func (c *Client) RefreshAccount(accountID string) error {
	return c.call("RefreshAccount", accountID).Err
}

func (c *Client) SetAccountEnabled(accountID string, enabled bool) error {
	return c.call("SetAccountEnabled", accountID, enabled).Err
}

func (c *Client) GetAccessToken(accountID string) (string, error) {
	var token string
	err := c.call("GetAccessToken", accountID).Store(&token)
	return token, err
}

func (c *Client) ListProviders() ([]ProviderInfo, error) {
	var infos []ProviderInfo
	err := c.call("ListProviders").Store(&infos)
	return infos, err
}
