// Package typing maintains per-conversation typing indicators: outbound
// debounced start/stop publishing for the local user and an expiring set of
// remote typists. A periodic sweep removes entries whose stop event was
// lost, so an indicator can never leak permanently.
package typing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/rest"
)

// Publisher is the outbound slice of the push manager.
type Publisher interface {
	Publish(event string, payload any)
}

// Options tune timers; zero values select the portal defaults.
type Options struct {
	Debounce time.Duration // inactivity before auto-stop, default 3s
	TTL      time.Duration // remote entry lifetime per start event, default 5s
	Sweep    time.Duration // expiry sweep interval, default 1s
	RPS      float64       // outbound start throttle, default 1/s
	Burst    int           // default 2
}

func (o *Options) withDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 3 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Second
	}
	if o.Sweep <= 0 {
		o.Sweep = time.Second
	}
	if o.RPS <= 0 {
		o.RPS = 1
	}
	if o.Burst <= 0 {
		o.Burst = 2
	}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	opts     Options
	pub      Publisher
	identity rest.IdentityProvider
	now      func() time.Time

	mu       sync.Mutex
	remote   map[string]map[string]models.TypingState // convID -> userID -> state
	debounce map[string]*time.Timer                   // convID -> auto-stop timer
	limiters map[string]*rate.Limiter                 // convID -> outbound throttle
}

func NewCoordinator(opts Options, pub Publisher, identity rest.IdentityProvider) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		opts:     opts,
		pub:      pub,
		identity: identity,
		now:      time.Now,
		remote:   make(map[string]map[string]models.TypingState),
		debounce: make(map[string]*time.Timer),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Coordinator) limiter(conversationID string) *rate.Limiter {
	if l, ok := c.limiters[conversationID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(c.opts.RPS), c.opts.Burst)
	c.limiters[conversationID] = l
	return l
}

// SendTyping publishes a throttled typing:start for the local user and
// re-arms the debounce timer that will publish typing:stop after the
// configured inactivity window.
func (c *Coordinator) SendTyping(conversationID string) {
	id, ok := c.identity()
	if !ok {
		return
	}
	c.mu.Lock()
	allowed := c.limiter(conversationID).Allow()
	if t, ok := c.debounce[conversationID]; ok {
		t.Stop()
	}
	c.debounce[conversationID] = time.AfterFunc(c.opts.Debounce, func() {
		c.autoStop(conversationID)
	})
	c.mu.Unlock()

	if allowed {
		c.pub.Publish(models.EventTypingStart, models.TypingPayload{
			ConversationID: conversationID,
			UserID:         id.UserID,
			UserName:       id.UserName,
		})
	}
}

// StopTyping publishes an immediate typing:stop, e.g. when a message is
// sent, and cancels the pending debounce.
func (c *Coordinator) StopTyping(conversationID string) {
	id, ok := c.identity()
	if !ok {
		return
	}
	c.mu.Lock()
	if t, ok := c.debounce[conversationID]; ok {
		t.Stop()
		delete(c.debounce, conversationID)
	}
	c.mu.Unlock()
	c.pub.Publish(models.EventTypingStop, models.TypingPayload{
		ConversationID: conversationID,
		UserID:         id.UserID,
	})
}

func (c *Coordinator) autoStop(conversationID string) {
	id, ok := c.identity()
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.debounce, conversationID)
	c.mu.Unlock()
	c.pub.Publish(models.EventTypingStop, models.TypingPayload{
		ConversationID: conversationID,
		UserID:         id.UserID,
	})
}

// HandleStart records a remote typing:start. The local user's own echoes
// are ignored. Each start refreshes the entry's expiry.
func (c *Coordinator) HandleStart(p models.TypingPayload) {
	if id, ok := c.identity(); ok && id.UserID == p.UserID {
		return
	}
	if p.ConversationID == "" || p.UserID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.remote[p.ConversationID]
	if conv == nil {
		conv = make(map[string]models.TypingState)
		c.remote[p.ConversationID] = conv
	}
	conv[p.UserID] = models.TypingState{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		UserName:       p.UserName,
		ExpiresAt:      c.now().Add(c.opts.TTL),
	}
}

// HandleStop removes a remote entry; unknown entries are a no-op.
func (c *Coordinator) HandleStop(p models.TypingPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.remote[p.ConversationID]; ok {
		delete(conv, p.UserID)
		if len(conv) == 0 {
			delete(c.remote, p.ConversationID)
		}
	}
}

// Typists returns the users currently typing in a conversation, excluding
// expired entries that the sweep has not collected yet.
func (c *Coordinator) Typists(conversationID string) []models.TypingState {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.remote[conversationID]
	out := make([]models.TypingState, 0, len(conv))
	for _, st := range conv {
		if now.Before(st.ExpiresAt) {
			out = append(out, st)
		}
	}
	return out
}

// SweepOnce drops expired entries and returns how many were removed. A lost
// stop event therefore leaks an indicator for at most TTL + sweep interval.
func (c *Coordinator) SweepOnce() int {
	now := c.now()
	removed := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for convID, conv := range c.remote {
		for userID, st := range conv {
			if !now.Before(st.ExpiresAt) {
				delete(conv, userID)
				removed++
			}
		}
		if len(conv) == 0 {
			delete(c.remote, convID)
		}
	}
	return removed
}

// Run drives the expiry sweep until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.Sweep)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := c.SweepOnce(); n > 0 {
				logger.Debug("typing_swept", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
