package store

import (
	"sort"
	"sync"

	"chatsync/pkg/models"
)

// ConversationStore keeps the conversation list, preview/unread metadata
// and the active-selection state.
type ConversationStore struct {
	mu       sync.RWMutex
	convs    []models.Conversation
	activeID string
	err      error
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// sortLocked orders pinned conversations first, then by most recent
// activity. Stable so equal keys keep their server order.
func (s *ConversationStore) sortLocked() {
	sort.SliceStable(s.convs, func(i, j int) bool {
		a, b := s.convs[i], s.convs[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return a.LastMessageAt.After(b.LastMessageAt)
	})
}

// Replace swaps in a freshly fetched list. The active conversation's unread
// count stays pinned at zero regardless of what the server reports, since
// selection already consumed it locally.
func (s *ConversationStore) Replace(convs []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make([]models.Conversation, len(convs))
	copy(s.convs, convs)
	for i := range s.convs {
		if s.convs[i].UnreadCount < 0 {
			s.convs[i].UnreadCount = 0
		}
		if s.convs[i].ID == s.activeID {
			s.convs[i].UnreadCount = 0
		}
	}
	s.sortLocked()
}

// Upsert prepends a newly created conversation, or merges server fields
// into an existing entry with the same id.
func (s *ConversationStore) Upsert(conv models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		if s.convs[i].ID == conv.ID {
			unread := s.convs[i].UnreadCount
			s.convs[i] = conv
			if conv.ID == s.activeID {
				unread = 0
			}
			s.convs[i].UnreadCount = unread
			s.sortLocked()
			return
		}
	}
	s.convs = append([]models.Conversation{conv}, s.convs...)
	s.sortLocked()
}

// Select marks a conversation active and resets its unread count to zero.
// Returns false for unknown ids (selection is still recorded so a late
// list fetch keeps the choice).
func (s *ConversationStore) Select(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = conversationID
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			s.convs[i].UnreadCount = 0
			return true
		}
	}
	return false
}

// ActiveID returns the currently selected conversation id ("" when none).
func (s *ConversationStore) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// ApplyMessagePreview folds a message:new event into the conversation's
// preview fields. The unread count increments only when the conversation is
// not the active one. Returns false when the conversation is unknown
// locally (caller may refetch the list).
func (s *ConversationStore) ApplyMessagePreview(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		c := &s.convs[i]
		if c.ID != m.ConversationID {
			continue
		}
		c.LastMessage = m.Content
		c.LastMessageAt = m.CreatedAt
		c.LastMessageBy = m.SenderID
		c.LastMessageByName = m.SenderName
		c.MessagesCount++
		if c.ID != s.activeID {
			c.UnreadCount++
		}
		s.sortLocked()
		return true
	}
	return false
}

// ApplyMessageDeleted decrements the message count and, when the deleted
// message was the preview and a replacement is known, refreshes the
// preview fields.
func (s *ConversationStore) ApplyMessageDeleted(conversationID, messageID string, newest *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		c := &s.convs[i]
		if c.ID != conversationID {
			continue
		}
		if c.MessagesCount > 0 {
			c.MessagesCount--
		}
		if newest != nil && newest.ID != messageID {
			c.LastMessage = newest.Content
			c.LastMessageAt = newest.CreatedAt
			c.LastMessageBy = newest.SenderID
			c.LastMessageByName = newest.SenderName
			s.sortLocked()
		}
		return
	}
}

// AdjustParticipants shifts a conversation's participant count, clamped at
// zero.
func (s *ConversationStore) AdjustParticipants(conversationID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			s.convs[i].ParticipantsCount += delta
			if s.convs[i].ParticipantsCount < 0 {
				s.convs[i].ParticipantsCount = 0
			}
			return
		}
	}
}

// Remove drops a conversation; the active selection clears if it was the
// removed one. Unknown ids are a no-op.
func (s *ConversationStore) Remove(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			s.convs = append(s.convs[:i], s.convs[i+1:]...)
			if s.activeID == conversationID {
				s.activeID = ""
			}
			return
		}
	}
}

// Get returns a copy of one conversation.
func (s *ConversationStore) Get(conversationID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			return s.convs[i], true
		}
	}
	return models.Conversation{}, false
}

// Snapshot returns a sorted copy of the list: pinned first, then most
// recently active.
func (s *ConversationStore) Snapshot() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// Err returns and Clear clears the store's single current-error slot.
func (s *ConversationStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *ConversationStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *ConversationStore) ClearErr() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
}
