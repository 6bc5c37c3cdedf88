package domain

import "time"

// Status is the dialogue state of a conversation.
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusClarifying           Status = "clarifying"
	StatusRecommending         Status = "recommending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusPaginating           Status = "paginating"
	StatusError                Status = "error"
	StatusHandoff              Status = "handoff"
)

// MaxPageSize caps the number of items shown per page.
const MaxPageSize = 5

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusClarifying, StatusRecommending, StatusAwaitingConfirmation,
		StatusPaginating, StatusError, StatusHandoff:
		return true
	}
	return false
}

// Pagination tracks the continuation point of the last search.
type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	// LastQuery is the normalized query text used to continue with "show more".
	LastQuery string `json:"last_query_hash,omitempty"`
}

// PendingConfirmation is an open yes/no gate.
type PendingConfirmation struct {
	Action    string     `json:"action,omitempty"`
	TargetID  string     `json:"target_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// IsOpen reports whether a confirmation is pending.
func (p PendingConfirmation) IsOpen() bool {
	return p.Action != "" || p.TargetID != "" || p.CreatedAt != nil
}

// ExpiredAt reports whether the confirmation was opened more than ttl before now.
func (p PendingConfirmation) ExpiredAt(now time.Time, ttl time.Duration) bool {
	if p.CreatedAt == nil {
		return false
	}
	return now.Sub(*p.CreatedAt) > ttl
}

// ConversationState is the persisted per-conversation dialogue state.
type ConversationState struct {
	Status                Status              `json:"state"`
	LastIntent            string              `json:"last_intent,omitempty"`
	Pagination            Pagination          `json:"pagination"`
	PendingConfirmation   PendingConfirmation `json:"pending_confirmation"`
	ClarificationAttempts int                 `json:"clarification_attempts"`
	LastUserMessageID     string              `json:"last_user_message_id,omitempty"`
	LastAgentMessageID    string              `json:"last_agent_message_id,omitempty"`

	// Version is the stored revision used for optimistic writes. It is kept
	// outside the serialized document.
	Version int64 `json:"-"`
}

// DefaultState returns the state of a conversation that has never been seen.
func DefaultState() ConversationState {
	return ConversationState{
		Status:     StatusIdle,
		Pagination: Pagination{Limit: MaxPageSize},
	}
}

// RepeatedIntent counts consecutive occurrences of the same intent label.
type RepeatedIntent struct {
	Intent string `json:"intent"`
	Count  int    `json:"count"`
}

// Session is everything persisted for one conversation between events: the
// dialogue state and the ids of products already shown. Both live in one
// record and are written together under State.Version.
type Session struct {
	State      ConversationState
	ShownItems []string
}

// NewSession returns the session of a conversation that has never been seen.
func NewSession() Session {
	return Session{State: DefaultState(), ShownItems: []string{}}
}
