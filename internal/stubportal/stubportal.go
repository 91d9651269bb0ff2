// Package stubportal is an in-memory implementation of the portal chat API
// (REST + push channel) for local development and integration tests. It
// keeps just enough behavior for the sync engine to be exercised end to
// end: history pagination, correlation-id echo, reaction toggling, typing
// and presence fanout.
package stubportal

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"chatsync/pkg/models"
	"chatsync/pkg/utils"
)

func jsonUnmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Server holds the portal's in-memory state.
type Server struct {
	mu           sync.Mutex
	convs        map[string]*models.Conversation
	msgs         map[string][]models.Message
	participants map[string][]models.Participant
	hub          *hub
	now          func() time.Time
}

func New() *Server {
	return &Server{
		convs:        make(map[string]*models.Conversation),
		msgs:         make(map[string][]models.Message),
		participants: make(map[string][]models.Participant),
		hub:          newHub(),
		now:          time.Now,
	}
}

// Router builds the full route table, including the push channel endpoint
// and the API docs.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.HandleFunc("/chat/conversations", s.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/chat/conversations", s.createConversation).Methods(http.MethodPost)
	r.HandleFunc("/chat/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/chat/messages", s.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/chat/messages/{id}", s.updateMessage).Methods(http.MethodPut)
	r.HandleFunc("/chat/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/chat/messages/reactions", s.toggleReaction).Methods(http.MethodPost)
	r.HandleFunc("/chat/conversations/{id}/participants", s.addParticipant).Methods(http.MethodPost)
	r.HandleFunc("/chat/conversations/{id}/participants/{pid}", s.updateParticipant).Methods(http.MethodPut)
	r.HandleFunc("/chat/conversations/{id}/participants/{pid}", s.removeParticipant).Methods(http.MethodDelete)
	r.HandleFunc("/chat/conversations/{id}/read", s.markRead).Methods(http.MethodPost)
	r.HandleFunc("/chat/conversations/{id}/messages/{mid}/read", s.markRead).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.serveWS)
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	r.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte(openAPISpec))
	})
	return r
}

func caller(r *http.Request) (userID, userName string) {
	userID = r.Header.Get("X-User-ID")
	userName = r.Header.Get("X-User-Name")
	if userName == "" {
		userName = userID
	}
	return userID, userName
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	s.mu.Lock()
	out := make([]models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if typ != "" && string(c.Type) != typ {
			continue
		}
		out = append(out, *c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	_ = utils.JSONWrite(w, http.StatusOK, out)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Type           models.ConversationType `json:"type"`
		Name           string                  `json:"name"`
		ParticipantIDs []string                `json:"participantIds"`
		Department     string                  `json:"department"`
	}
	if !utils.DecodeJSON(w, r, &in) {
		return
	}
	if in.Name == "" && in.Type != models.ConversationDirect {
		utils.JSONError(w, http.StatusBadRequest, "name required")
		return
	}
	userID, _ := caller(r)
	conv := &models.Conversation{
		ID:         "conv-" + uuid.NewString(),
		Type:       in.Type,
		Name:       in.Name,
		Department: in.Department,
	}
	s.mu.Lock()
	members := append([]string{userID}, in.ParticipantIDs...)
	for _, uid := range members {
		s.participants[conv.ID] = append(s.participants[conv.ID], models.Participant{
			ID:             "part-" + uuid.NewString(),
			ConversationID: conv.ID,
			UserID:         uid,
			Role:           "member",
			JoinedAt:       s.now(),
		})
	}
	conv.ParticipantsCount = len(s.participants[conv.ID])
	s.convs[conv.ID] = conv
	s.mu.Unlock()
	_ = utils.JSONWrite(w, http.StatusCreated, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	before := r.URL.Query().Get("before")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[convID]; !ok {
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	all := s.msgs[convID]
	end := len(all)
	if before != "" {
		for i := range all {
			if all[i].ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]models.Message, end-start)
	copy(page, all[start:end])
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"messages": page,
		"hasMore":  start > 0,
	})
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var draft struct {
		ConversationID string             `json:"conversationId"`
		Type           models.MessageType `json:"type"`
		Content        string             `json:"content"`
		ReplyToID      string             `json:"replyToId"`
		CorrelationID  string             `json:"correlationId"`
	}
	var attachments []models.Attachment

	ct := r.Header.Get("Content-Type")
	if len(ct) >= 19 && ct[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("payload")), &draft); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid payload part")
			return
		}
		for _, part := range r.MultipartForm.Value["attachments"] {
			var a models.Attachment
			if err := json.Unmarshal([]byte(part), &a); err == nil {
				attachments = append(attachments, a)
			}
		}
	} else if !utils.DecodeJSON(w, r, &draft) {
		return
	}

	userID, userName := caller(r)
	s.mu.Lock()
	conv, ok := s.convs[draft.ConversationID]
	if !ok {
		s.mu.Unlock()
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgType := draft.Type
	if msgType == "" {
		msgType = models.MessageText
	}
	m := models.Message{
		ID:             "msg-" + uuid.NewString(),
		ConversationID: draft.ConversationID,
		SenderID:       userID,
		SenderName:     userName,
		Type:           msgType,
		Content:        draft.Content,
		Attachments:    attachments,
		ReplyToID:      draft.ReplyToID,
		CreatedAt:      s.now().UTC(),
		CorrelationID:  draft.CorrelationID,
	}
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], m)
	conv.LastMessage = m.Content
	conv.LastMessageAt = m.CreatedAt
	conv.LastMessageBy = m.SenderID
	conv.LastMessageByName = m.SenderName
	conv.MessagesCount++
	s.mu.Unlock()

	s.hub.broadcast(models.EventMessageNew, m, nil)
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

func (s *Server) findMessage(messageID string) (convID string, idx int) {
	for cid, list := range s.msgs {
		for i := range list {
			if list[i].ID == messageID {
				return cid, i
			}
		}
	}
	return "", -1
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	msgID := mux.Vars(r)["id"]
	var in struct {
		Content string `json:"content"`
	}
	if !utils.DecodeJSON(w, r, &in) {
		return
	}
	s.mu.Lock()
	convID, idx := s.findMessage(msgID)
	if idx < 0 {
		s.mu.Unlock()
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	now := s.now().UTC()
	s.msgs[convID][idx].Content = in.Content
	s.msgs[convID][idx].EditedAt = &now
	m := s.msgs[convID][idx]
	s.mu.Unlock()

	s.hub.broadcast(models.EventMessageUpdated, m, nil)
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msgID := mux.Vars(r)["id"]
	s.mu.Lock()
	convID, idx := s.findMessage(msgID)
	if idx < 0 {
		s.mu.Unlock()
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	s.msgs[convID] = append(s.msgs[convID][:idx], s.msgs[convID][idx+1:]...)
	if c, ok := s.convs[convID]; ok && c.MessagesCount > 0 {
		c.MessagesCount--
	}
	s.mu.Unlock()

	s.hub.broadcast(models.EventMessageDeleted, models.MessageDeletedPayload{
		MessageID:      msgID,
		ConversationID: convID,
	}, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleReaction(w http.ResponseWriter, r *http.Request) {
	var in struct {
		MessageID string              `json:"messageId"`
		Type      models.ReactionType `json:"type"`
	}
	if !utils.DecodeJSON(w, r, &in) {
		return
	}
	userID, _ := caller(r)
	s.mu.Lock()
	convID, idx := s.findMessage(in.MessageID)
	if idx < 0 {
		s.mu.Unlock()
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	m := &s.msgs[convID][idx]
	var result struct {
		Added    bool             `json:"added"`
		Reaction *models.Reaction `json:"reaction,omitempty"`
	}
	removed := false
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID && m.Reactions[i].Type == in.Type {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		re := models.Reaction{
			ID:        "react-" + uuid.NewString(),
			MessageID: in.MessageID,
			UserID:    userID,
			Type:      in.Type,
		}
		m.Reactions = append(m.Reactions, re)
		result.Added = true
		result.Reaction = &re
	}
	snapshot := *m
	s.mu.Unlock()

	s.hub.broadcast(models.EventMessageUpdated, snapshot, nil)
	_ = utils.JSONWrite(w, http.StatusOK, result)
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var in struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if !utils.DecodeJSON(w, r, &in) {
		return
	}
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	role := in.Role
	if role == "" {
		role = "member"
	}
	p := models.Participant{
		ID:             "part-" + uuid.NewString(),
		ConversationID: convID,
		UserID:         in.UserID,
		Role:           role,
		JoinedAt:       s.now(),
	}
	s.participants[convID] = append(s.participants[convID], p)
	conv.ParticipantsCount = len(s.participants[convID])
	s.mu.Unlock()
	_ = utils.JSONWrite(w, http.StatusCreated, p)
}

func (s *Server) updateParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var in struct {
		Role string `json:"role"`
	}
	if !utils.DecodeJSON(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.participants[vars["id"]] {
		if s.participants[vars["id"]][i].ID == vars["pid"] {
			s.participants[vars["id"]][i].Role = in.Role
			_ = utils.JSONWrite(w, http.StatusOK, s.participants[vars["id"]][i])
			return
		}
	}
	utils.JSONError(w, http.StatusNotFound, "participant not found")
}

func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.participants[vars["id"]]
	for i := range list {
		if list[i].ID == vars["pid"] {
			s.participants[vars["id"]] = append(list[:i], list[i+1:]...)
			if conv, ok := s.convs[vars["id"]]; ok {
				conv.ParticipantsCount = len(s.participants[vars["id"]])
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	utils.JSONError(w, http.StatusNotFound, "participant not found")
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	s.mu.Lock()
	_, ok := s.convs[convID]
	s.mu.Unlock()
	if !ok {
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SeedConversation inserts a conversation with messages directly into the
// state; tests use it to fabricate history.
func (s *Server) SeedConversation(conv models.Conversation, msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conv
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		c.LastMessage = last.Content
		c.LastMessageAt = last.CreatedAt
		c.LastMessageBy = last.SenderID
		c.MessagesCount = len(msgs)
	}
	s.convs[c.ID] = &c
	s.msgs[c.ID] = append([]models.Message(nil), msgs...)
}

const openAPISpec = `openapi: "3.0.0"
info:
  title: Portal Chat API (stub)
  version: "1.0"
paths:
  /chat/conversations:
    get:
      summary: List conversations
    post:
      summary: Create a conversation
  /chat/conversations/{id}/messages:
    get:
      summary: Page through conversation history
  /chat/messages:
    post:
      summary: Send a message (multipart when attachments are present)
  /chat/messages/{id}:
    put:
      summary: Edit a message
    delete:
      summary: Delete a message
  /chat/messages/reactions:
    post:
      summary: Toggle a reaction
`
