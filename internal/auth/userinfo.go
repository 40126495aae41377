package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pysugar/accountsd/internal/providers/catalog"
)

// UserIdentity is what a provider's userinfo endpoint tells us about the
// authenticated user.
type UserIdentity struct {
	DisplayName string
	Username    string
	Email       string
}

// fetchUserIdentity queries the provider's userinfo endpoint and extracts
// fields according to the descriptor's mapping. Providers without a
// userinfo endpoint yield an identity named after the provider.
func fetchUserIdentity(ctx context.Context, client *http.Client, p catalog.Provider, accessToken string) (UserIdentity, error) {
	if p.UserInfoURL == "" {
		return UserIdentity{DisplayName: p.DisplayName, Username: p.ID}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return UserIdentity{}, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return UserIdentity{}, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UserIdentity{}, fmt.Errorf("userinfo endpoint returned %s", resp.Status)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return UserIdentity{}, fmt.Errorf("failed to decode user info: %w", err)
	}

	identity := UserIdentity{
		DisplayName: stringField(data, p.UserInfo.DisplayName, "name", "display_name"),
		Username:    stringField(data, p.UserInfo.Username, "username", "login", "email"),
		Email:       stringField(data, p.UserInfo.Email, "email"),
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.Username
	}
	if identity.DisplayName == "" {
		identity.DisplayName = p.DisplayName
	}
	return identity, nil
}

// stringField returns the first non-empty string value among the mapped key
// and the fallback keys.
func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
