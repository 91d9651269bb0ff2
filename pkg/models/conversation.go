package models

import "time"

// ConversationType distinguishes the four kinds of rooms the portal offers.
type ConversationType string

const (
	ConversationDirect       ConversationType = "direct"
	ConversationGroup        ConversationType = "group"
	ConversationDepartment   ConversationType = "department"
	ConversationAnnouncement ConversationType = "announcement"
)

// Conversation is a named channel of messages among a set of participants.
// Preview fields (LastMessage*) are denormalized by the server and kept
// current locally from push events.
type Conversation struct {
	ID                string           `json:"id"`
	Type              ConversationType `json:"type"`
	Name              string           `json:"name"`
	ParticipantsCount int              `json:"participantsCount"`
	MessagesCount     int              `json:"messagesCount"`
	LastMessage       string           `json:"lastMessage,omitempty"`
	LastMessageAt     time.Time        `json:"lastMessageAt,omitempty"`
	LastMessageBy     string           `json:"lastMessageBySenderId,omitempty"`
	LastMessageByName string           `json:"lastMessageBySenderName,omitempty"`
	UnreadCount       int              `json:"unreadCount"`
	Pinned            bool             `json:"pinned"`
	Muted             bool             `json:"muted"`
	// Department is only set for ConversationDepartment rooms.
	Department string `json:"department,omitempty"`
}

// Participant ties a user to a conversation. Participants are owned by
// their conversation and disappear with it.
type Participant struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	JoinedAt       time.Time `json:"joinedAt"`
}
