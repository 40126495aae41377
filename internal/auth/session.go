package auth

import (
	"time"
)

// SessionState is the lifecycle state of one authentication attempt.
type SessionState int

const (
	StateCreated SessionState = iota
	StateAwaitingCallback
	StateExchanging
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchanging:
		return "exchanging"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Session is the transient state of one in-progress authentication attempt.
// All mutation goes through the Manager, which holds the lock.
type Session struct {
	ID         string
	AccountID  string
	ProviderID string
	CreatedAt  time.Time
	Deadline   time.Time

	pkce     PKCE
	listener *Listener

	state SessionState
	err   error
}

// State returns the last observed state. Only accurate under the Manager's
// lock; exposed for IPC status queries where staleness is acceptable.
func (s *Session) State() SessionState { return s.state }

// Err returns the failure cause for a session in a failed state.
func (s *Session) Err() error { return s.err }
