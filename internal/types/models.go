// internal/types/models.go
package types

import (
	"encoding/json"
	"sync"
	"time"
)

// Session is the authenticated state for the token API. One Session exists
// per running engine; transports hold a reference to it.
type Session struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	UserID   UserID `json:"user_id"`
	Username string `json:"username"`
}

func NewSession(accessToken, refreshToken string, expiresAt time.Time) *Session {
	return &Session{accessToken: accessToken, refreshToken: refreshToken, expiresAt: expiresAt}
}

func (s *Session) AccessToken() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

func (s *Session) RefreshToken() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

func (s *Session) ExpiresAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Rotate replaces the token pair after a refresh. An empty refresh token
// keeps the previous one.
func (s *Session) Rotate(accessToken, refreshToken string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.expiresAt = expiresAt
}

// Valid reports whether the session carries a token that has not expired.
// A zero expiry means unknown and counts as valid.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken() == "" {
		return false
	}
	exp := s.ExpiresAt()
	return exp.IsZero() || now.Before(exp)
}

// SessionChallenge is the intermediate result of a credential login.
type SessionChallenge struct {
	Token     string `json:"token"`
	Challenge string `json:"challenge,omitempty"`
	Endpoint  string `json:"endpoint"`
}

type UserProfile struct {
	ID          UserID    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type Conversation struct {
	ID            ConversationID `json:"conversation_id"`
	ParticipantID UserID         `json:"participant_id"`
}

type IncomingMessage struct {
	ID             MessageID      `json:"message_id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	Text           string         `json:"text"`
	CreatedAt      time.Time      `json:"created_at"`
	// SuggestedReply is attached by sources that synthesize at scrape time.
	SuggestedReply string `json:"suggested_reply,omitempty"`
}

type OutgoingReply struct {
	ConversationID ConversationID `json:"conversation_id"`
	Text           string         `json:"text"`
	InReplyTo      MessageID      `json:"in_reply_to"`
}

// Stats is the engine snapshot exposed to the operator surface.
type Stats struct {
	ProcessedCount      int64     `json:"processed_count"`
	ActiveConversations int       `json:"active_conversations"`
	QueueDepth          int       `json:"queue_depth"`
	Running             bool      `json:"running"`
	DroppedCount        int64     `json:"dropped_count"`
	ReadTransport       string    `json:"read_transport,omitempty"`
	SendTransport       string    `json:"send_transport,omitempty"`
	StartedAt           time.Time `json:"started_at,omitempty"`
}

// Entry is one record of the activity journal.
type Entry struct {
	ID      EntryID         `json:"id"`
	Seq     int64           `json:"seq"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	At      time.Time       `json:"at"`
	Attrs   json.RawMessage `json:"attrs,omitempty"`
}
