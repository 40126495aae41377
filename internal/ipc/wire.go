// Package ipc exposes the daemon over the D-Bus session bus and provides
// the matching client used by the CLI.
package ipc

import (
	"sort"

	"github.com/pysugar/accountsd/internal/db/models"
	"github.com/pysugar/accountsd/internal/providers/catalog"
)

const (
	// BusName is the well-known name the daemon claims on the session bus.
	BusName = "com.pysugar.Accountsd"
	// ObjectPath is where the daemon object lives.
	ObjectPath = "/com/pysugar/Accountsd"
	// Interface is the daemon's D-Bus interface.
	Interface = "com.pysugar.Accountsd"
)

// AccountInfo is the bus representation of an account. Timestamps are unix
// seconds; LastUsedAt is 0 for accounts never handed out a token.
type AccountInfo struct {
	ID           string
	Provider     string
	DisplayName  string
	Username     string
	Email        string
	Enabled      bool
	NeedsReauth  bool
	Capabilities []string
	CreatedAt    int64
	LastUsedAt   int64
}

// ProviderInfo is the bus representation of a catalog entry. Client
// credentials never cross the bus.
type ProviderInfo struct {
	ID           string
	DisplayName  string
	Capabilities []string
}

func accountInfo(a models.Account) AccountInfo {
	caps := make([]string, 0, 4)
	for name, enabled := range a.CapabilityMap() {
		if enabled {
			caps = append(caps, name)
		}
	}
	sort.Strings(caps)

	info := AccountInfo{
		ID:           a.ID,
		Provider:     a.Provider,
		DisplayName:  a.DisplayName,
		Username:     a.Username,
		Email:        a.Email,
		Enabled:      a.Enabled,
		NeedsReauth:  a.NeedsReauth,
		Capabilities: caps,
		CreatedAt:    a.CreatedAt.Unix(),
	}
	if a.LastUsedAt != nil {
		info.LastUsedAt = a.LastUsedAt.Unix()
	}
	return info
}

func providerInfo(p catalog.Provider) ProviderInfo {
	return ProviderInfo{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		Capabilities: append([]string(nil), p.Capabilities...),
	}
}
