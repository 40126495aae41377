package service

import "github.com/pysugar/accountsd/internal/db/models"

// EventType identifies a change notification.
type EventType string

const (
	EventAccountAdded           EventType = "account_added"
	EventAccountRemoved         EventType = "account_removed"
	EventAccountUpdated         EventType = "account_updated"
	EventAuthenticationRequired EventType = "authentication_required"
	EventRefreshFailed          EventType = "refresh_failed"
)

// Event is one change notification. Account is populated for added and
// updated events.
type Event struct {
	Type      EventType
	AccountID string
	Account   *models.Account
}
