package session

import "time"

// CreateRequest is the body of POST /v1/call/session. Both fields are
// optional.
type CreateRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	ConversationID  string    `json:"conversation_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	CallURL         string    `json:"call_url"`
}
