// Package store holds the engine's shared mutable state: the conversation
// list and per-conversation message lists. Every mutation is a discrete
// idempotent apply operation safe to run in any order relative to other
// queued updates; ordering within a conversation is enforced at insertion
// time by (createdAt, id), never by arrival order.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/telemetry"
)

// ErrStaleResponse marks a history response whose request token is no
// longer the most recent for its conversation. Callers discard silently.
var ErrStaleResponse = errors.New("stale history response")

type msgList struct {
	msgs    []models.Message
	token   uint64
	hasMore bool
	// pending maps correlation id -> temporary id for unresolved
	// optimistic sends in this conversation.
	pending map[string]string
}

// MessageStore keeps the ordered, paginated message list of each loaded
// conversation and reconciles REST history, push events and optimistic
// sends into a single consistent view.
type MessageStore struct {
	mu    sync.RWMutex
	lists map[string]*msgList
	err   error
	now   func() time.Time
}

func NewMessageStore() *MessageStore {
	return &MessageStore{lists: make(map[string]*msgList), now: time.Now}
}

func (s *MessageStore) list(conversationID string) *msgList {
	l, ok := s.lists[conversationID]
	if !ok {
		l = &msgList{pending: make(map[string]string)}
		s.lists[conversationID] = l
	}
	return l
}

// BeginFetch issues a new request token for a conversation. Any response
// carrying an older token is discarded on apply.
func (s *MessageStore) BeginFetch(conversationID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(conversationID)
	l.token++
	return l.token
}

// insertSorted places m at its (createdAt, id) position, replacing any
// existing entry with the same id.
func insertSorted(msgs []models.Message, m models.Message) []models.Message {
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return msgs
		}
	}
	i := sort.Search(len(msgs), func(i int) bool { return m.Before(&msgs[i]) })
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// ApplyHistory merges a fetched page. A fresh load (before == "") replaces
// the list but re-seats unresolved optimistic entries; a paginated load
// prepends older messages. Duplicate ids merge instead of duplicating.
func (s *MessageStore) ApplyHistory(conversationID string, token uint64, page []models.Message, before string, hasMore bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(conversationID)
	if token != l.token {
		telemetry.StaleResponses.Inc()
		logger.Debug("history_stale_dropped", "conversation", conversationID, "token", token, "latest", l.token)
		return ErrStaleResponse
	}

	if before == "" {
		// Fresh load: the page is authoritative, but in-flight optimistic
		// sends survive until their own REST call resolves them.
		var keep []models.Message
		for _, m := range l.msgs {
			if m.Pending {
				keep = append(keep, m)
			}
		}
		l.msgs = nil
		for _, m := range page {
			l.msgs = insertSorted(l.msgs, m)
		}
		for _, m := range keep {
			if m.CorrelationID != "" {
				if resolved := s.resolvePendingLocked(l, m.CorrelationID, page); resolved {
					continue
				}
			}
			l.msgs = insertSorted(l.msgs, m)
		}
		l.hasMore = hasMore
		return nil
	}

	for _, m := range page {
		l.msgs = insertSorted(l.msgs, m)
	}
	l.hasMore = hasMore
	return nil
}

// resolvePendingLocked checks whether the page already contains the server
// copy of a pending send (matched by correlation id) and clears the pending
// registry if so.
func (s *MessageStore) resolvePendingLocked(l *msgList, correlationID string, page []models.Message) bool {
	for _, m := range page {
		if m.CorrelationID == correlationID {
			delete(l.pending, correlationID)
			telemetry.DedupedMessages.Inc()
			return true
		}
	}
	return false
}

// AppendOptimistic inserts a locally-sent message before the REST call
// confirms it. It assigns the temporary id and a correlation id, returning
// both; the correlation id must be round-tripped through the send.
func (s *MessageStore) AppendOptimistic(m models.Message) (tempID, correlationID string) {
	tempID = "tmp-" + uuid.NewString()
	correlationID = m.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	m.ID = tempID
	m.CorrelationID = correlationID
	m.Pending = true
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(m.ConversationID)
	l.msgs = insertSorted(l.msgs, m)
	l.pending[correlationID] = tempID
	return tempID, correlationID
}

// ResolveSend replaces the optimistic entry (matched by its temporary id,
// never by content) with the server-confirmed message. If a push echo
// already reconciled the entry this merges the confirmed copy idempotently.
func (s *MessageStore) ResolveSend(conversationID, tempID string, confirmed models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(conversationID)
	delete(l.pending, confirmed.CorrelationID)
	for i := range l.msgs {
		if l.msgs[i].ID == tempID {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			break
		}
	}
	l.msgs = insertSorted(l.msgs, confirmed)
}

// FailSend rolls back an optimistic entry after a REST failure and records
// the error in the store's error slot. No automatic retry.
func (s *MessageStore) FailSend(conversationID, tempID string, sendErr error) {
	telemetry.SendFailures.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(conversationID)
	for i := range l.msgs {
		if l.msgs[i].ID == tempID {
			delete(l.pending, l.msgs[i].CorrelationID)
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			break
		}
	}
	s.err = sendErr
}

// ApplyNew merges a message:new push event. When the event is the echo of a
// still-unresolved optimistic send by localUserID (matched by correlation
// id) the temporary entry is replaced; otherwise the message is inserted at
// its ordered position. Returns true when the event deduplicated an
// optimistic entry.
func (s *MessageStore) ApplyNew(m models.Message, localUserID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(m.ConversationID)
	if m.SenderID == localUserID && m.CorrelationID != "" {
		if tempID, ok := l.pending[m.CorrelationID]; ok {
			delete(l.pending, m.CorrelationID)
			for i := range l.msgs {
				if l.msgs[i].ID == tempID {
					l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
					break
				}
			}
			l.msgs = insertSorted(l.msgs, m)
			telemetry.DedupedMessages.Inc()
			return true
		}
	}
	l.msgs = insertSorted(l.msgs, m)
	return false
}

// ApplyUpdate merges an edit by id; unknown ids are a no-op.
func (s *MessageStore) ApplyUpdate(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[m.ConversationID]
	if !ok {
		return
	}
	for i := range l.msgs {
		if l.msgs[i].ID == m.ID {
			pending := l.msgs[i].Pending
			l.msgs[i] = m
			l.msgs[i].Pending = pending
			return
		}
	}
}

// ApplyDelete removes a message by id; unknown ids are a no-op.
func (s *MessageStore) ApplyDelete(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[conversationID]
	if !ok {
		return
	}
	for i := range l.msgs {
		if l.msgs[i].ID == messageID {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return
		}
	}
}

// ToggleReaction applies the involutive toggle locally: an existing
// (user, type) reaction is removed, otherwise one is added. Returns whether
// the reaction is present after the toggle and whether the message exists.
func (s *MessageStore) ToggleReaction(conversationID, messageID, userID string, typ models.ReactionType) (added, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, lok := s.lists[conversationID]
	if !lok {
		return false, false
	}
	for i := range l.msgs {
		if l.msgs[i].ID != messageID {
			continue
		}
		m := &l.msgs[i]
		for j := range m.Reactions {
			r := m.Reactions[j]
			if r.UserID == userID && r.Type == typ {
				m.Reactions = append(m.Reactions[:j], m.Reactions[j+1:]...)
				return false, true
			}
		}
		m.Reactions = append(m.Reactions, models.Reaction{
			MessageID: messageID,
			UserID:    userID,
			Type:      typ,
		})
		return true, true
	}
	return false, false
}

// ApplyReactionResult reconciles the server outcome of a toggle. The local
// state already reflects the optimistic toggle; this only fills in the
// server-assigned reaction id (or fixes divergence if the server disagreed).
func (s *MessageStore) ApplyReactionResult(conversationID, messageID, userID string, typ models.ReactionType, added bool, serverReaction *models.Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[conversationID]
	if !ok {
		return
	}
	for i := range l.msgs {
		if l.msgs[i].ID != messageID {
			continue
		}
		m := &l.msgs[i]
		idx := -1
		for j := range m.Reactions {
			if m.Reactions[j].UserID == userID && m.Reactions[j].Type == typ {
				idx = j
				break
			}
		}
		switch {
		case added && idx >= 0 && serverReaction != nil:
			m.Reactions[idx] = *serverReaction
		case added && idx < 0:
			if serverReaction != nil {
				m.Reactions = append(m.Reactions, *serverReaction)
			} else {
				m.Reactions = append(m.Reactions, models.Reaction{MessageID: messageID, UserID: userID, Type: typ})
			}
		case !added && idx >= 0:
			m.Reactions = append(m.Reactions[:idx], m.Reactions[idx+1:]...)
		}
		return
	}
}

// Snapshot returns a copy of a conversation's ordered message list.
func (s *MessageStore) Snapshot(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// HasMore reports whether older pages remain for a conversation.
func (s *MessageStore) HasMore(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[conversationID]
	return ok && l.hasMore
}

// OldestID returns the pagination cursor: the id of the oldest loaded
// message, or "" when nothing is loaded.
func (s *MessageStore) OldestID(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[conversationID]
	if !ok || len(l.msgs) == 0 {
		return ""
	}
	return l.msgs[0].ID
}

// Drop discards all local state for a conversation.
func (s *MessageStore) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, conversationID)
}

// Err returns and Clear clears the store's single current-error slot.
func (s *MessageStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *MessageStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MessageStore) ClearErr() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
}
