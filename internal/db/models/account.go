package models

import (
	"encoding/json"
	"time"
)

// Account stores identity metadata for one provider relationship.
//
// Token material is deliberately absent: secrets live in the credential
// vault, keyed by account id, so listing accounts never touches encrypted
// data.
type Account struct {
	ID           string `gorm:"primaryKey"` // UUID
	Provider     string `gorm:"index"`
	DisplayName  string
	Username     string
	Email        string
	Enabled      bool `gorm:"default:true"`
	NeedsReauth  bool `gorm:"default:false"`
	Capabilities string // JSON map of capability -> enabled
	CreatedAt    time.Time
	LastUsedAt   *time.Time
	UpdatedAt    time.Time
}

// SetCapabilities stores the capability map as JSON.
func (a *Account) SetCapabilities(caps map[string]bool) {
	if len(caps) == 0 {
		a.Capabilities = ""
		return
	}
	data, _ := json.Marshal(caps)
	a.Capabilities = string(data)
}

// CapabilityMap decodes the stored capability map. Returns an empty map on
// absent or malformed data.
func (a *Account) CapabilityMap() map[string]bool {
	caps := map[string]bool{}
	if a.Capabilities == "" {
		return caps
	}
	if err := json.Unmarshal([]byte(a.Capabilities), &caps); err != nil {
		return map[string]bool{}
	}
	return caps
}
