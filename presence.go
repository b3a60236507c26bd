package staylink

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Presence tracker change events.
const (
	TypingChanged   = "typing.changed"   // payload: TypingStatusPayload with ConversationID set
	PresenceChanged = "presence.changed" // payload: PresencePayload
)

// DefaultTypingDebounce is the window in which local typing changes coalesce.
const DefaultTypingDebounce = 500 * time.Millisecond

// PresenceTracker holds who is typing in each conversation and the last
// reported presence of each user.
type PresenceTracker struct {
	emitter

	mu       sync.Mutex
	typing   map[string]map[string]struct{}
	presence map[string]PresenceStatus
}

func NewPresenceTracker(opts ...StoreOption) *PresenceTracker {
	cfg := newStoreConfig(opts)
	p := &PresenceTracker{
		typing:   make(map[string]map[string]struct{}),
		presence: make(map[string]PresenceStatus),
	}
	p.emitter.init(cfg.log)
	return p
}

// SetTyping records or clears a typing indicator. Clearing removes the entry.
func (p *PresenceTracker) SetTyping(conversationID, userID string, isTyping bool) {
	p.mu.Lock()
	users := p.typing[conversationID]
	_, was := users[userID]
	if isTyping {
		if users == nil {
			users = make(map[string]struct{})
			p.typing[conversationID] = users
		}
		users[userID] = struct{}{}
	} else if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, conversationID)
		}
	}
	p.mu.Unlock()

	if was != isTyping {
		p.emit(TypingChanged, TypingStatusPayload{ConversationID: conversationID, UserID: userID, IsTyping: isTyping})
	}
}

// TypingUsers returns the users typing in a conversation, sorted.
func (p *PresenceTracker) TypingUsers(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]string, 0, len(p.typing[conversationID]))
	for u := range p.typing[conversationID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (p *PresenceTracker) IsTyping(conversationID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typing[conversationID][userID]
	return ok
}

// ClearConversation drops every typing entry of a conversation.
func (p *PresenceTracker) ClearConversation(conversationID string) {
	p.mu.Lock()
	users := p.typing[conversationID]
	delete(p.typing, conversationID)
	p.mu.Unlock()

	for u := range users {
		p.emit(TypingChanged, TypingStatusPayload{ConversationID: conversationID, UserID: u, IsTyping: false})
	}
}

// SetPresence records the latest status for a user.
func (p *PresenceTracker) SetPresence(userID string, status PresenceStatus) {
	p.mu.Lock()
	prev := p.presence[userID]
	p.presence[userID] = status
	p.mu.Unlock()

	if prev != status {
		p.emit(PresenceChanged, PresencePayload{UserID: userID, Status: status})
	}
}

// Presence returns the last known status, offline if none was reported.
func (p *PresenceTracker) Presence(userID string) PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.presence[userID]; ok {
		return s
	}
	return PresenceOffline
}

// ============================================================================
// Typing debounce
// ============================================================================

// typingDebouncer coalesces local typing changes. The slot holds only the
// most recent state; the timer is armed by the first change of a window and
// flushes the slot when it fires. A state equal to the last one sent is not
// sent again.
type typingDebouncer struct {
	window time.Duration
	send   func(ctx context.Context, isTyping bool) error
	log    *zap.Logger

	mu       sync.Mutex
	slot     *bool
	timer    *time.Timer
	lastSent bool
	stopped  bool
}

func newTypingDebouncer(window time.Duration, log *zap.Logger, send func(ctx context.Context, isTyping bool) error) *typingDebouncer {
	if window <= 0 {
		window = DefaultTypingDebounce
	}
	return &typingDebouncer{window: window, send: send, log: log}
}

// Set queues isTyping for the next flush.
func (d *typingDebouncer) Set(isTyping bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	v := isTyping
	d.slot = &v
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

func (d *typingDebouncer) flush() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped || d.slot == nil {
		d.mu.Unlock()
		return
	}
	v := *d.slot
	d.slot = nil
	if v == d.lastSent {
		d.mu.Unlock()
		return
	}
	d.lastSent = v
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.send(ctx, v); err != nil {
		d.log.Debug("typing broadcast failed", zap.Bool("is_typing", v), zap.Error(err))
	}
}

// Stop disarms the timer and drops the slot. It reports whether the last
// state sent was typing, so the caller can send a final not-typing.
func (d *typingDebouncer) Stop() (wasTyping bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.slot = nil
	return d.lastSent
}
