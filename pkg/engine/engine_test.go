package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/stubportal"
	"chatsync/pkg/config"
	"chatsync/pkg/engine"
	"chatsync/pkg/models"
	"chatsync/pkg/rest"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type env struct {
	portal *stubportal.Server
	ts     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	portal := stubportal.New()
	ts := httptest.NewServer(portal.Router())
	t.Cleanup(ts.Close)
	return &env{portal: portal, ts: ts}
}

func (e *env) newEngine(t *testing.T, userID string) *engine.Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Portal.BaseURL = e.ts.URL
	cfg.Portal.WSURL = "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	cfg.Push.BackoffInitialMS = 10

	identity := func() (rest.Identity, bool) {
		return rest.Identity{UserID: userID, UserName: "User " + userID}, true
	}
	eng := engine.New(cfg, identity)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)
	if err := eng.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return eng
}

func seed(e *env, convID string, n int) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.Message{
			ID:             "msg-seed-" + string(rune('a'+i)),
			ConversationID: convID,
			SenderID:       "seeder",
			Type:           models.MessageText,
			Content:        "seeded",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	e.portal.SeedConversation(models.Conversation{
		ID:   convID,
		Type: models.ConversationGroup,
		Name: "seeded room",
	}, msgs)
}

func TestFetchAndSelectLoadsHistory(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 3)
	eng := e.newEngine(t, "alice")

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })

	eng.SelectConversation("conv-1")
	waitFor(t, "history", func() bool { return len(eng.Messages("conv-1")) == 3 })

	msgs := eng.Messages("conv-1")
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("history out of order: %v before %v", msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestLoadOlderPagesBackwards(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 5)

	cfg := &config.Config{}
	cfg.Portal.BaseURL = e.ts.URL
	cfg.Portal.WSURL = "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	cfg.Chat.PageSize = 2
	identity := func() (rest.Identity, bool) {
		return rest.Identity{UserID: "alice"}, true
	}
	eng := engine.New(cfg, identity)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
	eng.SelectConversation("conv-1")
	waitFor(t, "first page", func() bool { return len(eng.Messages("conv-1")) == 2 })
	if !eng.HasMore("conv-1") {
		t.Fatal("HasMore = false with older history remaining")
	}

	eng.LoadOlder("conv-1")
	waitFor(t, "second page", func() bool { return len(eng.Messages("conv-1")) == 4 })
	eng.LoadOlder("conv-1")
	waitFor(t, "final page", func() bool { return len(eng.Messages("conv-1")) == 5 })
	waitFor(t, "history exhausted", func() bool { return !eng.HasMore("conv-1") })

	msgs := eng.Messages("conv-1")
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("paged history out of order at %d", i)
		}
	}
}

func TestSendMessageResolvesToSingleServerCopy(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 1)
	eng := e.newEngine(t, "alice")

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
	eng.SelectConversation("conv-1")
	waitFor(t, "history", func() bool { return len(eng.Messages("conv-1")) == 1 })

	tempID := eng.SendMessage("conv-1", "hello there", "", nil)
	if tempID == "" {
		t.Fatal("SendMessage returned empty temp id")
	}

	// The REST confirmation and the push echo both arrive; exactly one
	// confirmed copy must remain.
	waitFor(t, "send resolution", func() bool {
		msgs := eng.Messages("conv-1")
		if len(msgs) != 2 {
			return false
		}
		last := msgs[len(msgs)-1]
		return !last.Pending && !strings.HasPrefix(last.ID, "tmp-") && last.Content == "hello there"
	})
	// State must stay stable after the echo settles.
	time.Sleep(100 * time.Millisecond)
	if got := len(eng.Messages("conv-1")); got != 2 {
		t.Fatalf("message count = %d after settle, want 2", got)
	}
	if err := eng.MessagesErr(); err != nil {
		t.Fatalf("MessagesErr = %v", err)
	}
}

func TestMessageDeliveredToOtherParticipant(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 0)
	alice := e.newEngine(t, "alice")
	bob := e.newEngine(t, "bob")

	for _, eng := range []*engine.Engine{alice, bob} {
		eng.FetchConversations(rest.ConversationQuery{})
		waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
		eng.SelectConversation("conv-1")
	}

	alice.SendMessage("conv-1", "hi bob", "", nil)
	waitFor(t, "delivery to bob", func() bool {
		msgs := bob.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].Content == "hi bob" && msgs[0].SenderID == "alice"
	})
	// Bob has the conversation active, so no unread accrues.
	convs := bob.Conversations()
	if convs[0].UnreadCount != 0 {
		t.Fatalf("active conversation unread = %d", convs[0].UnreadCount)
	}
	if convs[0].LastMessage != "hi bob" {
		t.Fatalf("preview = %q", convs[0].LastMessage)
	}
}

func TestUnreadAccruesWhenInactive(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 0)
	seed(e, "conv-2", 0)
	alice := e.newEngine(t, "alice")
	bob := e.newEngine(t, "bob")

	for _, eng := range []*engine.Engine{alice, bob} {
		eng.FetchConversations(rest.ConversationQuery{})
		waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 2 })
	}
	alice.SelectConversation("conv-1")
	bob.SelectConversation("conv-2")

	alice.SendMessage("conv-1", "ping", "", nil)
	waitFor(t, "unread on bob", func() bool {
		for _, c := range bob.Conversations() {
			if c.ID == "conv-1" {
				return c.UnreadCount == 1
			}
		}
		return false
	})

	// Selecting the conversation consumes the unread count.
	bob.SelectConversation("conv-1")
	for _, c := range bob.Conversations() {
		if c.ID == "conv-1" && c.UnreadCount != 0 {
			t.Fatalf("unread = %d after select", c.UnreadCount)
		}
	}
}

func TestTypingIndicatorPropagatesAndStops(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 0)
	alice := e.newEngine(t, "alice")
	bob := e.newEngine(t, "bob")

	for _, eng := range []*engine.Engine{alice, bob} {
		eng.FetchConversations(rest.ConversationQuery{})
		waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
		eng.SelectConversation("conv-1")
	}
	// Joins are asynchronous; wait for presence to confirm both channels.
	waitFor(t, "presence", func() bool { return bob.IsOnline("alice") && alice.IsOnline("bob") })

	alice.SendTyping("conv-1")
	waitFor(t, "typing indicator", func() bool {
		typists := bob.Typists("conv-1")
		return len(typists) == 1 && typists[0].UserID == "alice"
	})
	// Sending a message stops the indicator immediately.
	alice.SendMessage("conv-1", "done typing", "", nil)
	waitFor(t, "typing stop", func() bool { return len(bob.Typists("conv-1")) == 0 })
}

func TestToggleReactionRoundTrip(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 1)
	eng := e.newEngine(t, "alice")

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
	eng.SelectConversation("conv-1")
	waitFor(t, "history", func() bool { return len(eng.Messages("conv-1")) == 1 })
	msgID := eng.Messages("conv-1")[0].ID

	eng.ToggleReaction("conv-1", msgID, models.ReactionLike)
	waitFor(t, "server reaction id", func() bool {
		m := eng.Messages("conv-1")[0]
		return len(m.Reactions) == 1 && m.Reactions[0].ID != ""
	})

	eng.ToggleReaction("conv-1", msgID, models.ReactionLike)
	waitFor(t, "reaction removal", func() bool {
		return len(eng.Messages("conv-1")[0].Reactions) == 0
	})
}

func TestDeleteMessageUpdatesPreview(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 2)
	eng := e.newEngine(t, "alice")

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
	eng.SelectConversation("conv-1")
	waitFor(t, "history", func() bool { return len(eng.Messages("conv-1")) == 2 })

	newest := eng.Messages("conv-1")[1]
	eng.DeleteMessage("conv-1", newest.ID)
	waitFor(t, "deletion", func() bool { return len(eng.Messages("conv-1")) == 1 })
	// Deleting an already-gone message is a no-op, not an error.
	eng.DeleteMessage("conv-1", newest.ID)
	time.Sleep(50 * time.Millisecond)
	if err := eng.MessagesErr(); err != nil {
		t.Fatalf("MessagesErr after double delete = %v", err)
	}
}

func TestPresenceResetsOnDisconnect(t *testing.T) {
	e := newEnv(t)
	alice := e.newEngine(t, "alice")
	bob := e.newEngine(t, "bob")
	waitFor(t, "presence", func() bool { return alice.IsOnline("bob") })

	bob.Disconnect()
	waitFor(t, "offline broadcast", func() bool { return !alice.IsOnline("bob") })
}

func TestParticipantLifecycle(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 0)
	eng := e.newEngine(t, "alice")

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })

	p, err := eng.AddParticipant(context.Background(), "conv-1", "bob", "member")
	if err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	waitFor(t, "participant count", func() bool {
		for _, c := range eng.Conversations() {
			if c.ID == "conv-1" {
				return c.ParticipantsCount == 1
			}
		}
		return false
	})

	if err := eng.UpdateParticipantRole(context.Background(), "conv-1", p.ID, "admin"); err != nil {
		t.Fatalf("UpdateParticipantRole: %v", err)
	}

	if err := eng.RemoveParticipant(context.Background(), "conv-1", p.ID); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	waitFor(t, "participant removal", func() bool {
		for _, c := range eng.Conversations() {
			if c.ID == "conv-1" {
				return c.ParticipantsCount == 0
			}
		}
		return false
	})
	// Removing an already-removed participant is a no-op.
	if err := eng.RemoveParticipant(context.Background(), "conv-1", p.ID); err != nil {
		t.Fatalf("double remove: %v", err)
	}
}

func TestConcurrentProducersAtStartup(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 1)

	cfg := &config.Config{}
	cfg.Portal.BaseURL = e.ts.URL
	cfg.Portal.WSURL = "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	identity := func() (rest.Identity, bool) {
		return rest.Identity{UserID: "alice"}, true
	}
	eng := engine.New(cfg, identity)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Producers may start enqueueing before and while Run comes up; the
	// handoff must be safe in either interleaving.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.FetchConversations(rest.ConversationQuery{})
		}()
	}
	go eng.Run(ctx)
	if err := eng.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	wg.Wait()
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
}

func TestDeleteDecrementsConversationCountOnce(t *testing.T) {
	e := newEnv(t)
	seed(e, "conv-1", 3)
	eng := e.newEngine(t, "alice")

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 1 })
	if got := eng.Conversations()[0].MessagesCount; got != 3 {
		t.Fatalf("seeded messagesCount = %d, want 3", got)
	}
	eng.SelectConversation("conv-1")
	waitFor(t, "history", func() bool { return len(eng.Messages("conv-1")) == 3 })

	eng.DeleteMessage("conv-1", eng.Messages("conv-1")[2].ID)
	waitFor(t, "deletion", func() bool { return len(eng.Messages("conv-1")) == 2 })
	waitFor(t, "counter", func() bool { return eng.Conversations()[0].MessagesCount == 2 })
	// The REST completion and the deleter's own push echo both land; the
	// counter must move exactly once.
	time.Sleep(100 * time.Millisecond)
	if got := eng.Conversations()[0].MessagesCount; got != 2 {
		t.Fatalf("messagesCount = %d after settle, want 2", got)
	}
}

func TestRapidSwitchDiscardsSupersededHistory(t *testing.T) {
	e := &env{portal: stubportal.New()}
	seed(e, "conv-a", 2)
	seed(e, "conv-b", 2)

	// The first history request for conv-a answers late, with a page the
	// engine has since re-requested. Its contents must never surface.
	router := e.portal.Router()
	var slowOnce int32
	e.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/chat/conversations/conv-a/messages" &&
			atomic.CompareAndSwapInt32(&slowOnce, 0, 1) {
			time.Sleep(250 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(rest.MessagePage{Messages: []models.Message{{
				ID:             "msg-superseded",
				ConversationID: "conv-a",
				SenderID:       "seeder",
				Type:           models.MessageText,
				Content:        "superseded page",
				CreatedAt:      time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
			}}})
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(e.ts.Close)
	eng := e.newEngine(t, "alice")

	eng.FetchConversations(rest.ConversationQuery{})
	waitFor(t, "conversation list", func() bool { return len(eng.Conversations()) == 2 })

	// Switch away and back while the first fetch is still in flight; only
	// the re-issued fetch may populate conv-a.
	eng.SelectConversation("conv-a")
	eng.SelectConversation("conv-b")
	eng.SelectConversation("conv-a")

	waitFor(t, "conv-a history", func() bool { return len(eng.Messages("conv-a")) == 2 })
	waitFor(t, "conv-b history", func() bool { return len(eng.Messages("conv-b")) == 2 })

	// Let the delayed response land, then confirm it was discarded.
	time.Sleep(400 * time.Millisecond)
	for _, m := range eng.Messages("conv-a") {
		if m.ID == "msg-superseded" {
			t.Fatal("superseded page applied over the newer fetch")
		}
	}
	if got := len(eng.Messages("conv-a")); got != 2 {
		t.Fatalf("conv-a message count = %d, want 2", got)
	}
	if err := eng.MessagesErr(); err != nil {
		t.Fatalf("MessagesErr = %v", err)
	}
}

func TestCreateConversationAppearsInList(t *testing.T) {
	e := newEnv(t)
	eng := e.newEngine(t, "alice")

	conv, err := eng.CreateConversation(context.Background(), rest.ConversationCreate{
		Type:           models.ConversationGroup,
		Name:           "launch planning",
		ParticipantIDs: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" || conv.ParticipantsCount != 2 {
		t.Fatalf("created conversation = %+v", conv)
	}
	waitFor(t, "list upsert", func() bool {
		for _, c := range eng.Conversations() {
			if c.ID == conv.ID {
				return true
			}
		}
		return false
	})
}
