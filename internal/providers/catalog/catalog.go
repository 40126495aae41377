// Package catalog loads declarative OAuth2 provider descriptors.
//
// Each provider is described by one YAML file in the providers directory.
// Descriptors are loaded once at daemon start and are read-only afterwards,
// so the catalog is safe for concurrent lookups without locking.
package catalog

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Lookup for an unknown provider id.
var ErrNotFound = errors.New("provider not found")

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Known capability names a provider may declare.
const (
	CapabilityCalendar = "calendar"
	CapabilityContacts = "contacts"
	CapabilityMail     = "mail"
	CapabilityFiles    = "files"
)

// UserInfoFields maps logical account fields to keys in the provider's
// userinfo JSON response, so no per-provider code is needed.
type UserInfoFields struct {
	DisplayName string `yaml:"display_name"`
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
}

// Provider is one loaded descriptor. Immutable after Load.
type Provider struct {
	ID            string         `yaml:"id"`
	DisplayName   string         `yaml:"display_name"`
	AuthURL       string         `yaml:"auth_url"`
	TokenURL      string         `yaml:"token_url"`
	RevocationURL string         `yaml:"revocation_url"`
	UserInfoURL   string         `yaml:"userinfo_url"`
	ClientID      string         `yaml:"client_id"`
	ClientSecret  string         `yaml:"client_secret"`
	PKCE          bool           `yaml:"pkce"`
	Scopes        []string       `yaml:"scopes"`
	Capabilities  []string       `yaml:"capabilities"`
	UserInfo      UserInfoFields `yaml:"userinfo"`
}

// Endpoint returns the provider's oauth2 endpoint description.
func (p Provider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL}
}

// OAuthConfig builds an oauth2 config for this provider with the given
// redirect URL.
func (p Provider) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       append([]string(nil), p.Scopes...),
		Endpoint:     p.Endpoint(),
	}
}

// Catalog is the read-only set of loaded providers.
type Catalog struct {
	byID map[string]Provider
	ids  []string
}

// Load reads every *.yaml descriptor in dir. Malformed or duplicate
// descriptors are skipped and reported through the returned error (joined
// per file); the remaining providers still load. A missing directory yields
// an empty catalog.
func Load(dir string) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Provider)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Catalog] Providers directory %s does not exist, no providers loaded", dir)
			return c, nil
		}
		return nil, fmt.Errorf("failed to read providers directory %q: %w", dir, err)
	}

	var loadErrs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)

		provider, err := loadDescriptor(path)
		if err != nil {
			log.Printf("[Catalog] Skipping descriptor %s: %v", name, err)
			loadErrs = append(loadErrs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if _, exists := c.byID[provider.ID]; exists {
			log.Printf("[Catalog] Skipping descriptor %s: duplicate provider id %q", name, provider.ID)
			loadErrs = append(loadErrs, fmt.Errorf("%s: duplicate provider id %q", name, provider.ID))
			continue
		}

		c.byID[provider.ID] = provider
		c.ids = append(c.ids, provider.ID)
	}

	sort.Strings(c.ids)
	log.Printf("[Catalog] Loaded %d providers from %s", len(c.ids), dir)
	return c, errors.Join(loadErrs...)
}

func loadDescriptor(path string) (Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Provider{}, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var p Provider
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Provider{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}

	p.ID = strings.ToLower(strings.TrimSpace(p.ID))
	if !providerIDRegexp.MatchString(p.ID) {
		return Provider{}, fmt.Errorf("invalid provider id %q", p.ID)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}

	// Credentials may be overridden per deployment without editing descriptors.
	if v := strings.TrimSpace(os.Getenv(providerEnvName(p.ID, "CLIENT_ID"))); v != "" {
		p.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(providerEnvName(p.ID, "CLIENT_SECRET"))); v != "" {
		p.ClientSecret = v
	}

	if err := validate(p); err != nil {
		return Provider{}, err
	}
	p.Capabilities = normalizeCapabilities(p.Capabilities)
	return p, nil
}

func validate(p Provider) error {
	if p.ClientID == "" {
		return errors.New("client_id is required")
	}
	for field, raw := range map[string]string{
		"auth_url":  p.AuthURL,
		"token_url": p.TokenURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%s %q is not an absolute URL", field, raw)
		}
	}
	return nil
}

// Lookup returns the provider for id, or ErrNotFound.
func (c *Catalog) Lookup(id string) (Provider, error) {
	p, ok := c.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Providers returns all loaded providers ordered by id.
func (c *Catalog) Providers() []Provider {
	result := make([]Provider, 0, len(c.ids))
	for _, id := range c.ids {
		result = append(result, c.byID[id])
	}
	return result
}

func normalizeCapabilities(capabilities []string) []string {
	if len(capabilities) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(capabilities))
	result := make([]string, 0, len(capabilities))
	for _, cap := range capabilities {
		normalized := strings.TrimSpace(strings.ToLower(cap))
		if normalized == "" {
			continue
		}
		if _, exists := set[normalized]; exists {
			continue
		}
		set[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("ACCOUNTSD_%s_%s", upper, suffix)
}
