package typing

import (
	"sync"
	"testing"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/rest"
)

type capturePub struct {
	mu     sync.Mutex
	events []string
}

func (p *capturePub) Publish(event string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *capturePub) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == event {
			n++
		}
	}
	return n
}

func testIdentity() (rest.Identity, bool) {
	return rest.Identity{UserID: "me", UserName: "Me"}, true
}

func noIdentity() (rest.Identity, bool) { return rest.Identity{}, false }

func TestSendTypingThrottled(t *testing.T) {
	pub := &capturePub{}
	c := NewCoordinator(Options{RPS: 1, Burst: 1, Debounce: time.Hour}, pub, testIdentity)

	// Burst of calls within the same instant: only the first passes the
	// limiter, the rest just re-arm the debounce.
	for i := 0; i < 5; i++ {
		c.SendTyping("c1")
	}
	if n := pub.count(models.EventTypingStart); n != 1 {
		t.Fatalf("typing:start published %d times, want 1", n)
	}
}

func TestStopTypingPublishesImmediately(t *testing.T) {
	pub := &capturePub{}
	c := NewCoordinator(Options{Debounce: time.Hour}, pub, testIdentity)
	c.SendTyping("c1")
	c.StopTyping("c1")
	if n := pub.count(models.EventTypingStop); n != 1 {
		t.Fatalf("typing:stop published %d times, want 1", n)
	}
}

func TestUnauthenticatedPublishesNothing(t *testing.T) {
	pub := &capturePub{}
	c := NewCoordinator(Options{}, pub, noIdentity)
	c.SendTyping("c1")
	c.StopTyping("c1")
	if len(pub.events) != 0 {
		t.Fatalf("unauthenticated publish: %v", pub.events)
	}
}

func TestHandleStartIgnoresOwnEcho(t *testing.T) {
	c := NewCoordinator(Options{}, &capturePub{}, testIdentity)
	c.HandleStart(models.TypingPayload{ConversationID: "c1", UserID: "me"})
	if got := c.Typists("c1"); len(got) != 0 {
		t.Fatalf("own echo recorded: %+v", got)
	}
}

func TestTypistsExcludeExpired(t *testing.T) {
	c := NewCoordinator(Options{TTL: 5 * time.Second}, &capturePub{}, testIdentity)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.HandleStart(models.TypingPayload{ConversationID: "c1", UserID: "u1", UserName: "Ada"})
	c.HandleStart(models.TypingPayload{ConversationID: "c1", UserID: "u2"})
	if got := c.Typists("c1"); len(got) != 2 {
		t.Fatalf("Typists = %+v, want 2", got)
	}

	// Past the TTL the entries are invisible even before the sweep runs.
	now = now.Add(6 * time.Second)
	if got := c.Typists("c1"); len(got) != 0 {
		t.Fatalf("expired typists still visible: %+v", got)
	}
}

func TestStartRefreshesExpiry(t *testing.T) {
	c := NewCoordinator(Options{TTL: 5 * time.Second}, &capturePub{}, testIdentity)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.HandleStart(models.TypingPayload{ConversationID: "c1", UserID: "u1"})
	now = now.Add(4 * time.Second)
	c.HandleStart(models.TypingPayload{ConversationID: "c1", UserID: "u1"})
	now = now.Add(4 * time.Second)
	// 8s after the first start but only 4s after the refresh.
	if got := c.Typists("c1"); len(got) != 1 {
		t.Fatalf("refreshed entry expired early: %+v", got)
	}
}

func TestSweepCollectsLostStops(t *testing.T) {
	c := NewCoordinator(Options{TTL: 5 * time.Second}, &capturePub{}, testIdentity)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.HandleStart(models.TypingPayload{ConversationID: "c1", UserID: "u1"})
	c.HandleStart(models.TypingPayload{ConversationID: "c2", UserID: "u2"})
	if n := c.SweepOnce(); n != 0 {
		t.Fatalf("premature sweep removed %d", n)
	}
	now = now.Add(6 * time.Second)
	if n := c.SweepOnce(); n != 2 {
		t.Fatalf("sweep removed %d, want 2", n)
	}
	if n := c.SweepOnce(); n != 0 {
		t.Fatalf("second sweep removed %d, want 0", n)
	}
}

func TestHandleStopUnknownIsNoop(t *testing.T) {
	c := NewCoordinator(Options{}, &capturePub{}, testIdentity)
	c.HandleStop(models.TypingPayload{ConversationID: "c-ghost", UserID: "u1"})

	c.HandleStart(models.TypingPayload{ConversationID: "c1", UserID: "u1"})
	c.HandleStop(models.TypingPayload{ConversationID: "c1", UserID: "u1"})
	if got := c.Typists("c1"); len(got) != 0 {
		t.Fatalf("stop did not remove entry: %+v", got)
	}
}
