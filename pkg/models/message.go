package models

import "time"

// MessageType distinguishes user text from server-generated notices.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

// Message is a single entry in a conversation. The zero ID never occurs on
// the wire; locally-pending optimistic sends carry a temporary id until the
// server-assigned one arrives.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderName     string       `json:"senderName,omitempty"`
	Type           MessageType  `json:"type"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	// ReplyToID is a weak reference; the target message may have been
	// deleted or fall outside the loaded window.
	ReplyToID string     `json:"replyToId,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	// CorrelationID is round-tripped through sends so the push echo of an
	// optimistic message can be matched without content heuristics.
	CorrelationID string `json:"correlationId,omitempty"`
	// Pending marks a local optimistic entry awaiting server confirmation.
	// Never set on wire payloads.
	Pending bool `json:"-"`
}

// Attachment references an uploaded file by id; upload itself happens
// outside the sync engine.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ReactionType is the small fixed set of reactions the portal supports.
type ReactionType string

const (
	ReactionLike      ReactionType = "like"
	ReactionLove      ReactionType = "love"
	ReactionLaugh     ReactionType = "laugh"
	ReactionSurprised ReactionType = "surprised"
	ReactionSad       ReactionType = "sad"
	ReactionCelebrate ReactionType = "celebrate"
)

// Reaction records one user's reaction of one type on one message. At most
// one reaction exists per (message, user, type); toggling removes it.
type Reaction struct {
	ID        string       `json:"id"`
	MessageID string       `json:"messageId"`
	UserID    string       `json:"userId"`
	Type      ReactionType `json:"type"`
}

// HasReaction reports whether the message carries a reaction by user of the
// given type.
func (m *Message) HasReaction(userID string, typ ReactionType) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Type == typ {
			return true
		}
	}
	return false
}

// Before reports whether m sorts ahead of other in a conversation:
// createdAt ascending with id as tie-break.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
