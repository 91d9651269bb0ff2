package models

import (
	"encoding/json"
	"time"
)

// Push channel event names. Outbound events are published by the engine,
// inbound ones arrive from the portal.
const (
	EventJoinConversation = "join:conversation"
	EventJoinUser         = "join:user"
	EventMessageNew       = "message:new"
	EventMessageUpdated   = "message:updated"
	EventMessageDeleted   = "message:deleted"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventUserOnline       = "user:online"
	EventUserOffline      = "user:offline"
)

// Event is the wire envelope for every push-channel frame.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event envelope.
func NewEvent(name string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: b}, nil
}

// JoinPayload declares membership in a conversation or personal room.
type JoinPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// TypingPayload travels with typing:start and typing:stop in both
// directions.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

// PresencePayload travels with user:online / user:offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// MessageDeletedPayload identifies a message removed server-side.
type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// TypingState is the ephemeral local record of a remote user composing a
// message. It is never persisted and dies on stop or expiry.
type TypingState struct {
	ConversationID string
	UserID         string
	UserName       string
	ExpiresAt      time.Time
}
