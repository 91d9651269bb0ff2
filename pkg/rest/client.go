package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/pkg/models"
)

// ErrNotFound maps 404 responses; callers usually treat it as a no-op
// because the entity was already removed remotely.
var ErrNotFound = errors.New("not found")

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal returned %d: %s", e.Code, e.Body)
}

// Identity supplies the caller's credentials for each request.
type Identity struct {
	UserID   string
	UserName string
	Token    string
}

// IdentityProvider yields the current identity; ok is false while the
// session is unauthenticated.
type IdentityProvider func() (Identity, bool)

// Client talks to the portal's chat REST API.
type Client struct {
	base     string
	hc       *http.Client
	identity IdentityProvider
}

// NewClient builds a Client for the given base URL. identity may not be nil.
func NewClient(base string, timeout time.Duration, identity IdentityProvider) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(base, "/"),
		hc:       &http.Client{Timeout: timeout},
		identity: identity,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if id, ok := c.identity(); ok {
		req.Header.Set("X-User-ID", id.UserID)
		if id.Token != "" {
			req.Header.Set("Authorization", "Bearer "+id.Token)
		}
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	ct := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		ct = "application/json"
	}
	return c.do(ctx, method, path, body, ct, out)
}

// ConversationQuery filters the conversation list.
type ConversationQuery struct {
	Type   models.ConversationType
	Search string
}

// ListConversations fetches the caller's conversation list.
func (c *Client) ListConversations(ctx context.Context, q ConversationQuery) ([]models.Conversation, error) {
	v := url.Values{}
	if q.Type != "" {
		v.Set("type", string(q.Type))
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	path := "/chat/conversations"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	var out []models.Conversation
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConversationCreate is the payload for creating a conversation.
type ConversationCreate struct {
	Type           models.ConversationType `json:"type"`
	Name           string                  `json:"name"`
	ParticipantIDs []string                `json:"participantIds"`
	Department     string                  `json:"department,omitempty"`
}

// CreateConversation creates a conversation and returns the server copy.
func (c *Client) CreateConversation(ctx context.Context, in ConversationCreate) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/chat/conversations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MessagePage is one page of conversation history, newest page first.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// ListMessages fetches a page of history. before is an exclusive cursor
// (message id); empty means the newest page.
func (c *Client) ListMessages(ctx context.Context, conversationID, before string, limit int) (*MessagePage, error) {
	v := url.Values{}
	if before != "" {
		v.Set("before", before)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	var out MessagePage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MessageDraft is the client-side payload of a send. CorrelationID is
// echoed back by the server in both the REST response and the push event.
type MessageDraft struct {
	ConversationID string             `json:"conversationId"`
	Type           models.MessageType `json:"type"`
	Content        string             `json:"content"`
	ReplyToID      string             `json:"replyToId,omitempty"`
	CorrelationID  string             `json:"correlationId"`
}

// SendMessage posts a new message. With attachments the request is
// multipart: a "payload" JSON part plus one "attachments" part per file
// reference.
func (c *Client) SendMessage(ctx context.Context, draft MessageDraft, attachments []models.Attachment) (*models.Message, error) {
	if len(attachments) == 0 {
		var out models.Message
		if err := c.doJSON(ctx, http.MethodPost, "/chat/messages", draft, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	pw, err := w.CreateFormField("payload")
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(pw).Encode(draft); err != nil {
		return nil, err
	}
	for _, a := range attachments {
		aw, err := w.CreateFormField("attachments")
		if err != nil {
			return nil, err
		}
		if err := json.NewEncoder(aw).Encode(a); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	var out models.Message
	if err := c.do(ctx, http.MethodPost, "/chat/messages", &buf, w.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMessage edits a message's content.
func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) (*models.Message, error) {
	in := map[string]string{"content": content}
	var out models.Message
	if err := c.doJSON(ctx, http.MethodPut, "/chat/messages/"+url.PathEscape(messageID), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/chat/messages/"+url.PathEscape(messageID), nil, nil)
}

// ToggleResult reports the server-side outcome of a reaction toggle.
type ToggleResult struct {
	Added    bool             `json:"added"`
	Reaction *models.Reaction `json:"reaction,omitempty"`
}

// ToggleReaction flips the caller's reaction of the given type on a message.
func (c *Client) ToggleReaction(ctx context.Context, messageID string, typ models.ReactionType) (*ToggleResult, error) {
	in := map[string]string{"messageId": messageID, "type": string(typ)}
	var out ToggleResult
	if err := c.doJSON(ctx, http.MethodPost, "/chat/messages/reactions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddParticipant adds a user to a conversation.
func (c *Client) AddParticipant(ctx context.Context, conversationID, userID, role string) (*models.Participant, error) {
	in := map[string]string{"userId": userID, "role": role}
	var out models.Participant
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/participants"
	if err := c.doJSON(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveParticipant removes a participant from a conversation.
func (c *Client) RemoveParticipant(ctx context.Context, conversationID, participantID string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/participants/" + url.PathEscape(participantID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// UpdateParticipant changes a participant's role.
func (c *Client) UpdateParticipant(ctx context.Context, conversationID, participantID, role string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/participants/" + url.PathEscape(participantID)
	return c.doJSON(ctx, http.MethodPut, path, map[string]string{"role": role}, nil)
}

// MarkConversationRead records that the caller has read a conversation.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodPost, "/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// MarkMessageRead records a read receipt for a single message.
func (c *Client) MarkMessageRead(ctx context.Context, conversationID, messageID string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/read"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}
