package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

const googleDescriptor = `id: google
display_name: Google
auth_url: https://accounts.google.com/o/oauth2/v2/auth
token_url: https://oauth2.googleapis.com/token
userinfo_url: https://www.googleapis.com/oauth2/v2/userinfo
client_id: test-client
pkce: true
scopes:
  - openid
  - email
capabilities:
  - calendar
  - Contacts
  - calendar
userinfo:
  display_name: name
  username: email
  email: email
`

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

func TestLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "google.yaml", googleDescriptor)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p, err := c.Lookup("google")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.DisplayName != "Google" || p.ClientID != "test-client" || !p.PKCE {
		t.Fatalf("unexpected provider: %+v", p)
	}
	if len(p.Scopes) != 2 || p.Scopes[0] != "openid" {
		t.Fatalf("unexpected scopes: %v", p.Scopes)
	}
	// Capabilities deduplicated and lowercased.
	if len(p.Capabilities) != 2 || p.Capabilities[0] != CapabilityCalendar || p.Capabilities[1] != CapabilityContacts {
		t.Fatalf("unexpected capabilities: %v", p.Capabilities)
	}
	if p.UserInfo.DisplayName != "name" || p.UserInfo.Email != "email" {
		t.Fatalf("unexpected userinfo mapping: %+v", p.UserInfo)
	}

	// Lookup is case/space tolerant.
	if _, err := c.Lookup(" Google "); err != nil {
		t.Fatalf("normalized lookup: %v", err)
	}
	if _, err := c.Lookup("missing"); err == nil {
		t.Fatal("expected ErrNotFound for unknown provider")
	}
}

func TestLoadSkipsMalformedDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "google.yaml", googleDescriptor)
	writeDescriptor(t, dir, "broken.yaml", "id: [not a scalar\n")
	writeDescriptor(t, dir, "no-client.yaml", "id: foo\nauth_url: https://a.example/auth\ntoken_url: https://a.example/token\n")
	writeDescriptor(t, dir, "bad-url.yaml", "id: bar\nclient_id: x\nauth_url: not-a-url\ntoken_url: https://a.example/token\n")
	writeDescriptor(t, dir, "notes.txt", "ignored entirely")

	c, err := Load(dir)
	if err == nil {
		t.Fatal("expected joined load errors for malformed descriptors")
	}
	if got := len(c.Providers()); got != 1 {
		t.Fatalf("expected 1 provider to survive, got %d", got)
	}
	if _, err := c.Lookup("google"); err != nil {
		t.Fatalf("valid provider should still load: %v", err)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "a.yaml", googleDescriptor)
	writeDescriptor(t, dir, "b.yaml", googleDescriptor)

	c, err := Load(dir)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if got := len(c.Providers()); got != 1 {
		t.Fatalf("expected exactly 1 provider, got %d", got)
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing directory should not be an error: %v", err)
	}
	if len(c.Providers()) != 0 {
		t.Fatal("expected empty catalog")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ACCOUNTSD_GOOGLE_CLIENT_ID", "override-id")
	t.Setenv("ACCOUNTSD_GOOGLE_CLIENT_SECRET", "override-secret")

	dir := t.TempDir()
	writeDescriptor(t, dir, "google.yaml", googleDescriptor)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := c.Lookup("google")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.ClientID != "override-id" || p.ClientSecret != "override-secret" {
		t.Fatalf("env overrides not applied: %+v", p)
	}
}

func TestOAuthConfig(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "google.yaml", googleDescriptor)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, _ := c.Lookup("google")

	cfg := p.OAuthConfig("http://127.0.0.1:12345/callback")
	if cfg.Endpoint.AuthURL != p.AuthURL || cfg.Endpoint.TokenURL != p.TokenURL {
		t.Fatalf("unexpected endpoint: %+v", cfg.Endpoint)
	}
	if cfg.RedirectURL != "http://127.0.0.1:12345/callback" {
		t.Fatalf("unexpected redirect: %s", cfg.RedirectURL)
	}
}
