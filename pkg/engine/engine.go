// Package engine wires the REST client, the push channel, and the local
// stores into the chat synchronization core. All state mutations are
// expressed as ops consumed by a single Run loop, so REST responses and
// push events merge into identical state regardless of arrival order.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/push"
	"chatsync/pkg/rest"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/typing"
	"chatsync/pkg/validation"
)

type op struct {
	name string
	fn   func()
}

// Engine is the UI-facing facade of the synchronization core.
type Engine struct {
	cfg      *config.Config
	identity rest.IdentityProvider

	rest     *rest.Client
	push     *push.Manager
	convs    *store.ConversationStore
	msgs     *store.MessageStore
	typing   *typing.Coordinator
	presence *presence.Tracker

	ops chan op

	// mu guards runCtx: Run writes it while producer goroutines (push
	// handlers, REST completions) read it.
	mu     sync.Mutex
	runCtx context.Context
}

// New assembles an engine from configuration. The push channel is not
// opened until Connect is called from within a Run lifetime.
func New(cfg *config.Config, identity rest.IdentityProvider) *Engine {
	pm := push.NewManager(push.Options{
		URL:            cfg.WSURL(),
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
		MaxAttempts:    cfg.MaxAttempts(),
	}, identity)
	return NewWithPush(cfg, identity, pm)
}

// NewWithPush injects a pre-built push manager; tests use it with a fake
// dialer.
func NewWithPush(cfg *config.Config, identity rest.IdentityProvider, pm *push.Manager) *Engine {
	rps, burst := cfg.TypingRate()
	e := &Engine{
		cfg:      cfg,
		identity: identity,
		rest:     rest.NewClient(cfg.BaseURL(), cfg.RequestTimeout(), identity),
		push:     pm,
		convs:    store.NewConversationStore(),
		msgs:     store.NewMessageStore(),
		presence: presence.NewTracker(),
		ops:      make(chan op, cfg.OpQueueSize()),
	}
	e.typing = typing.NewCoordinator(typing.Options{
		Debounce: cfg.TypingDebounce(),
		TTL:      cfg.TypingTTL(),
		Sweep:    cfg.TypingSweep(),
		RPS:      rps,
		Burst:    burst,
	}, pm, identity)
	e.subscribe()
	return e
}

func (e *Engine) subscribe() {
	e.push.Subscribe(models.EventMessageNew, func(data json.RawMessage) {
		var m models.Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("event_decode_failed", "event", models.EventMessageNew, "err", err)
			return
		}
		e.enqueue("message_new", func() { e.applyMessageNew(m) })
	})
	e.push.Subscribe(models.EventMessageUpdated, func(data json.RawMessage) {
		var m models.Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("event_decode_failed", "event", models.EventMessageUpdated, "err", err)
			return
		}
		e.enqueue("message_updated", func() { e.msgs.ApplyUpdate(m) })
	})
	e.push.Subscribe(models.EventMessageDeleted, func(data json.RawMessage) {
		var p models.MessageDeletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Warn("event_decode_failed", "event", models.EventMessageDeleted, "err", err)
			return
		}
		e.enqueue("message_deleted", func() { e.applyMessageDeleted(p.ConversationID, p.MessageID) })
	})
	e.push.Subscribe(models.EventTypingStart, func(data json.RawMessage) {
		var p models.TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		e.enqueue("typing_start", func() { e.typing.HandleStart(p) })
	})
	e.push.Subscribe(models.EventTypingStop, func(data json.RawMessage) {
		var p models.TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		e.enqueue("typing_stop", func() { e.typing.HandleStop(p) })
	})
	e.push.Subscribe(models.EventUserOnline, func(data json.RawMessage) {
		var p models.PresencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		e.enqueue("user_online", func() { e.presence.SetOnline(p.UserID) })
	})
	e.push.Subscribe(models.EventUserOffline, func(data json.RawMessage) {
		var p models.PresencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		e.enqueue("user_offline", func() { e.presence.SetOffline(p.UserID) })
	})
	e.push.OnStatusChange(func(s push.Status) {
		logger.Info("connection_status", "status", s)
		if s == push.StatusDisconnected || s == push.StatusError {
			// Presence is only authoritative while the channel delivers.
			e.presence.Reset()
		}
	})
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// enqueue hands a mutation to the Run loop. Producers block when the queue
// is full, preserving order; enqueue after shutdown drops the op.
func (e *Engine) enqueue(name string, fn func()) {
	o := op{name: name, fn: fn}
	ctx := e.runContext()
	if ctx == nil {
		select {
		case e.ops <- o:
			telemetry.OpQueueDepth.Set(float64(len(e.ops)))
		default:
			telemetry.OpsDropped.Inc()
			logger.Warn("op_dropped", "op", name)
		}
		return
	}
	select {
	case e.ops <- o:
		telemetry.OpQueueDepth.Set(float64(len(e.ops)))
	case <-ctx.Done():
		telemetry.OpsDropped.Inc()
	}
}

// Run consumes ops until ctx is canceled. It also drives the typing expiry
// sweep. Callers run it once, typically in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
	go e.typing.Run(ctx)
	for {
		select {
		case o := <-e.ops:
			telemetry.OpQueueDepth.Set(float64(len(e.ops)))
			o.fn()
		case <-ctx.Done():
			e.push.Disconnect()
			return
		}
	}
}

// Connect opens the push channel; idempotent. Without authentication the
// channel parks in error status until called again.
func (e *Engine) Connect() error {
	ctx := e.runContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return e.push.Connect(ctx)
}

// Disconnect tears down the push channel.
func (e *Engine) Disconnect() { e.push.Disconnect() }

// ConnectionStatus exposes the push channel state for the UI.
func (e *Engine) ConnectionStatus() push.Status { return e.push.Status() }

// Read-side snapshots for the UI layer.

func (e *Engine) Conversations() []models.Conversation { return e.convs.Snapshot() }
func (e *Engine) Messages(conversationID string) []models.Message {
	return e.msgs.Snapshot(conversationID)
}
func (e *Engine) Typists(conversationID string) []models.TypingState {
	return e.typing.Typists(conversationID)
}
func (e *Engine) IsOnline(userID string) bool   { return e.presence.IsOnline(userID) }
func (e *Engine) ConversationsErr() error       { return e.convs.Err() }
func (e *Engine) MessagesErr() error            { return e.msgs.Err() }
func (e *Engine) ClearErrors()                  { e.convs.ClearErr(); e.msgs.ClearErr() }
func (e *Engine) HasMore(conversationID string) bool {
	return e.msgs.HasMore(conversationID)
}

// applyMessageNew folds a message:new event into both stores. The preview
// always updates; the message list only when the conversation is loaded.
func (e *Engine) applyMessageNew(m models.Message) {
	localID := ""
	if id, ok := e.identity(); ok {
		localID = id.UserID
	}
	if m.ConversationID == e.convs.ActiveID() {
		e.msgs.ApplyNew(m, localID)
	}
	if !e.convs.ApplyMessagePreview(m) {
		// Unknown conversation: someone added us since the last list
		// fetch. Refresh the list to pick it up.
		logger.Info("preview_unknown_conversation", "conversation", m.ConversationID)
		e.FetchConversations(rest.ConversationQuery{})
	}
}

func (e *Engine) applyMessageDeleted(conversationID, messageID string) {
	e.msgs.ApplyDelete(conversationID, messageID)
	var newest *models.Message
	if snap := e.msgs.Snapshot(conversationID); len(snap) > 0 {
		newest = &snap[len(snap)-1]
	}
	e.convs.ApplyMessageDeleted(conversationID, messageID, newest)
}

// FetchConversations refreshes the conversation list asynchronously.
func (e *Engine) FetchConversations(q rest.ConversationQuery) {
	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		convs, err := e.rest.ListConversations(ctx, q)
		if err != nil {
			logger.Warn("conversations_fetch_failed", "err", err)
			e.enqueue("conversations_error", func() { e.convs.SetErr(err) })
			return
		}
		e.enqueue("conversations_replace", func() { e.convs.Replace(convs) })
	}()
}

// CreateConversation creates a conversation server-side and prepends it.
func (e *Engine) CreateConversation(ctx context.Context, in rest.ConversationCreate) (*models.Conversation, error) {
	if err := validation.ValidateConversationCreate(in.Type, in.Name, in.ParticipantIDs); err != nil {
		return nil, err
	}
	conv, err := e.rest.CreateConversation(ctx, in)
	if err != nil {
		e.convs.SetErr(err)
		return nil, err
	}
	e.enqueue("conversation_upsert", func() { e.convs.Upsert(*conv) })
	return conv, nil
}

// SelectConversation makes a conversation active: unread resets to zero,
// the room is joined, and a fresh history page is fetched. Older in-flight
// fetches for previously active conversations are invalidated by token.
func (e *Engine) SelectConversation(conversationID string) {
	e.convs.Select(conversationID)
	e.push.SetActiveConversation(conversationID)
	token := e.msgs.BeginFetch(conversationID)
	e.fetchPage(conversationID, token, "")
	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		if err := e.rest.MarkConversationRead(ctx, conversationID); err != nil && !errors.Is(err, rest.ErrNotFound) {
			logger.Debug("mark_read_failed", "conversation", conversationID, "err", err)
		}
	}()
}

// LoadOlder fetches the next older page for a conversation.
func (e *Engine) LoadOlder(conversationID string) {
	before := e.msgs.OldestID(conversationID)
	if before == "" {
		return
	}
	token := e.msgs.BeginFetch(conversationID)
	e.fetchPage(conversationID, token, before)
}

func (e *Engine) fetchPage(conversationID string, token uint64, before string) {
	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		page, err := e.rest.ListMessages(ctx, conversationID, before, e.cfg.PageSize())
		if err != nil {
			logger.Warn("history_fetch_failed", "conversation", conversationID, "err", err)
			e.enqueue("messages_error", func() { e.msgs.SetErr(err) })
			return
		}
		e.enqueue("history_apply", func() {
			if err := e.msgs.ApplyHistory(conversationID, token, page.Messages, before, page.HasMore); err != nil && !errors.Is(err, store.ErrStaleResponse) {
				e.msgs.SetErr(err)
			}
		})
	}()
}

// SendMessage appends an optimistic entry immediately and issues the REST
// call. On success the temporary entry is replaced by the server copy
// (matched by temporary id); on failure it is rolled back and the error
// surfaced. No automatic retry.
func (e *Engine) SendMessage(conversationID, content string, replyToID string, attachments []models.Attachment) string {
	id, ok := e.identity()
	if !ok {
		e.msgs.SetErr(push.ErrNotAuthenticated)
		return ""
	}
	if err := validation.ValidateDraft(conversationID, content, attachments); err != nil {
		e.msgs.SetErr(err)
		return ""
	}
	tempID, correlationID := e.msgs.AppendOptimistic(models.Message{
		ConversationID: conversationID,
		SenderID:       id.UserID,
		SenderName:     id.UserName,
		Type:           models.MessageText,
		Content:        content,
		ReplyToID:      replyToID,
		Attachments:    attachments,
	})
	e.typing.StopTyping(conversationID)

	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		confirmed, err := e.rest.SendMessage(ctx, rest.MessageDraft{
			ConversationID: conversationID,
			Type:           models.MessageText,
			Content:        content,
			ReplyToID:      replyToID,
			CorrelationID:  correlationID,
		}, attachments)
		if err != nil {
			logger.Warn("send_failed", "conversation", conversationID, "err", err)
			e.enqueue("send_rollback", func() { e.msgs.FailSend(conversationID, tempID, err) })
			return
		}
		e.enqueue("send_resolve", func() { e.msgs.ResolveSend(conversationID, tempID, *confirmed) })
	}()
	return tempID
}

// UpdateMessage edits a message via REST and mirrors the change locally.
func (e *Engine) UpdateMessage(conversationID, messageID, content string) {
	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		updated, err := e.rest.UpdateMessage(ctx, messageID, content)
		if err != nil {
			if errors.Is(err, rest.ErrNotFound) {
				return
			}
			e.enqueue("messages_error", func() { e.msgs.SetErr(err) })
			return
		}
		e.enqueue("message_update", func() { e.msgs.ApplyUpdate(*updated) })
	}()
}

// DeleteMessage removes a message via REST and drops it from the local
// list. A 404 means it was already gone; treated as success. The
// conversation counter and preview follow from the message:deleted echo,
// the single source for preview mutations (same rule as message:new), so
// the deleter's own echo cannot double-count.
func (e *Engine) DeleteMessage(conversationID, messageID string) {
	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		err := e.rest.DeleteMessage(ctx, messageID)
		if err != nil && !errors.Is(err, rest.ErrNotFound) {
			e.enqueue("messages_error", func() { e.msgs.SetErr(err) })
			return
		}
		e.enqueue("message_delete", func() { e.msgs.ApplyDelete(conversationID, messageID) })
	}()
}

// ToggleReaction flips the local user's reaction optimistically, then
// confirms with the server; a failed call reverts the toggle.
func (e *Engine) ToggleReaction(conversationID, messageID string, typ models.ReactionType) {
	id, ok := e.identity()
	if !ok {
		return
	}
	if err := validation.ValidateReaction(typ); err != nil {
		e.msgs.SetErr(err)
		return
	}
	_, found := e.msgs.ToggleReaction(conversationID, messageID, id.UserID, typ)
	if !found {
		return
	}
	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		res, err := e.rest.ToggleReaction(ctx, messageID, typ)
		if err != nil {
			logger.Warn("reaction_toggle_failed", "message", messageID, "err", err)
			e.enqueue("reaction_rollback", func() {
				e.msgs.ToggleReaction(conversationID, messageID, id.UserID, typ)
				e.msgs.SetErr(err)
			})
			return
		}
		e.enqueue("reaction_confirm", func() {
			e.msgs.ApplyReactionResult(conversationID, messageID, id.UserID, typ, res.Added, res.Reaction)
		})
	}()
}

// SendTyping publishes a throttled typing indicator for the local user.
func (e *Engine) SendTyping(conversationID string) { e.typing.SendTyping(conversationID) }

// MarkMessageRead records a read receipt, best-effort.
func (e *Engine) MarkMessageRead(conversationID, messageID string) {
	go func() {
		ctx, cancel := e.reqCtx()
		defer cancel()
		if err := e.rest.MarkMessageRead(ctx, conversationID, messageID); err != nil && !errors.Is(err, rest.ErrNotFound) {
			logger.Debug("mark_message_read_failed", "message", messageID, "err", err)
		}
	}()
}

// AddParticipant adds a user to a conversation and bumps the local count.
func (e *Engine) AddParticipant(ctx context.Context, conversationID, userID, role string) (*models.Participant, error) {
	p, err := e.rest.AddParticipant(ctx, conversationID, userID, role)
	if err != nil {
		e.convs.SetErr(err)
		return nil, err
	}
	e.enqueue("participant_added", func() { e.convs.AdjustParticipants(conversationID, 1) })
	return p, nil
}

// RemoveParticipant removes a participant; 404 means they were already
// gone, so the local count is left alone.
func (e *Engine) RemoveParticipant(ctx context.Context, conversationID, participantID string) error {
	err := e.rest.RemoveParticipant(ctx, conversationID, participantID)
	if errors.Is(err, rest.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.convs.SetErr(err)
		return err
	}
	e.enqueue("participant_removed", func() { e.convs.AdjustParticipants(conversationID, -1) })
	return nil
}

// UpdateParticipantRole changes a participant's role server-side; the
// local list carries no role data, so there is nothing to mirror.
func (e *Engine) UpdateParticipantRole(ctx context.Context, conversationID, participantID, role string) error {
	if err := e.rest.UpdateParticipant(ctx, conversationID, participantID, role); err != nil && !errors.Is(err, rest.ErrNotFound) {
		e.convs.SetErr(err)
		return err
	}
	return nil
}

// Resync refetches the conversation list and the active conversation's
// first page through the normal merge rules; drift self-heals because
// apply operations are idempotent.
func (e *Engine) Resync() {
	logger.Info("resync_started")
	e.FetchConversations(rest.ConversationQuery{})
	if active := e.convs.ActiveID(); active != "" {
		token := e.msgs.BeginFetch(active)
		e.fetchPage(active, token, "")
	}
}

func (e *Engine) reqCtx() (context.Context, context.CancelFunc) {
	parent := e.runContext()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, e.cfg.RequestTimeout()+time.Second)
}
