package staylink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	log            *zap.Logger
	metrics        *Metrics
	channel        ChannelConfig
	role           BookingRole
	typingDebounce time.Duration
	refetchTimeout time.Duration
	historyPage    int
	listingQuery   ListingQuery
}

func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = log }
}

func WithSessionMetrics(m *Metrics) SessionOption {
	return func(c *sessionConfig) { c.metrics = m }
}

func WithSessionChannel(cfg ChannelConfig) SessionOption {
	return func(c *sessionConfig) { c.channel = cfg }
}

// WithBookingRole selects the booking list refetched on invalidation.
func WithBookingRole(role BookingRole) SessionOption {
	return func(c *sessionConfig) { c.role = role }
}

func WithTypingDebounce(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.typingDebounce = d }
}

func WithRefetchTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.refetchTimeout = d }
}

// WithListingQuery selects the listings refetched on listing signals.
func WithListingQuery(q ListingQuery) SessionOption {
	return func(c *sessionConfig) { c.listingQuery = q }
}

// Session wires one ChannelManager to the stores it feeds. Create one per
// signed-in user.
type Session struct {
	Client        *Client
	Channel       *ChannelManager
	Conversations *ConversationStore
	Presence      *PresenceTracker
	Bookings      *BookingStore
	Payments      *PaymentStore
	Listings      *Reconciler[Listing]
	Invalidations *Invalidations

	log            *zap.Logger
	typingDebounce time.Duration
	historyPage    int

	unsubs    []func()
	closeOnce sync.Once
}

func NewSession(client *Client, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		log:            zap.NewNop(),
		channel:        DefaultChannelConfig(),
		role:           RoleTenant,
		typingDebounce: DefaultTypingDebounce,
		historyPage:    50,
		listingQuery:   ListingQuery{Page: 1, Limit: 20},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	storeOpts := []StoreOption{WithStoreLogger(cfg.log), WithStoreMetrics(cfg.metrics)}

	channel := NewChannelManager(client.BaseURL(),
		WithChannelConfig(cfg.channel),
		WithChannelLogger(cfg.log.Named("channel")),
		WithChannelMetrics(cfg.metrics))

	s := &Session{
		Client:         client,
		Channel:        channel,
		Conversations:  NewConversationStore(channel, client.Messages, storeOpts...),
		Presence:       NewPresenceTracker(storeOpts...),
		Bookings:       NewBookingStore(client.Bookings, cfg.role, storeOpts...),
		Invalidations:  NewInvalidations(cfg.refetchTimeout, storeOpts...),
		log:            cfg.log,
		typingDebounce: cfg.typingDebounce,
		historyPage:    cfg.historyPage,
	}
	s.Payments = NewPaymentStore(client.Payments, s.Bookings, storeOpts...)

	query := cfg.listingQuery
	s.Listings = NewReconciler(ReconcilerConfig[Listing]{
		Kind: "listing",
		ID:   func(l Listing) string { return l.ID },
		Refetch: func(ctx context.Context) ([]Listing, error) {
			page, err := client.Listings.List(ctx, query)
			if err != nil {
				return nil, err
			}
			return page.Data, nil
		},
	}, storeOpts...)

	s.Invalidations.Register(KindBooking, s.Bookings.Invalidate)
	s.Invalidations.Register(KindPayment, s.Payments.Invalidate)
	s.Invalidations.Register(KindListing, s.Listings.Invalidate)

	s.wire()
	return s
}

// wire subscribes the session-wide push handlers. Entity pushes apply their
// status immediately and then trigger a refetch of the full record.
func (s *Session) wire() {
	ch := s.Channel
	inv := s.Invalidations

	s.unsubs = append(s.unsubs,
		ch.OnPresence(func(p PresencePayload) {
			s.Presence.SetPresence(p.UserID, p.Status)
		}),
		ch.OnNewBooking(func(b Booking) {
			s.Bookings.ApplyPush(b)
			inv.SignalEvent(EventNewBooking)
		}),
		ch.OnBookingStatusUpdate(func(b Booking) {
			s.Bookings.ApplyPush(b)
			inv.SignalEvent(EventBookingStatusUpdate)
		}),
		ch.OnPaymentStatusUpdated(func(p PaymentStatusUpdatedPayload) {
			s.Payments.ApplyPush(p)
			inv.SignalEvent(EventPaymentStatusUpdated)
		}),
		ch.OnConnected(inv.SignalAll),
	)

	for _, event := range []string{EventListingApproved, EventListingPending, EventReviewCreated, EventReviewUpdated, EventReviewDeleted} {
		event := event
		s.unsubs = append(s.unsubs, ch.On(event, func(json.RawMessage) {
			inv.SignalEvent(event)
		}))
	}
}

// Connect connects the channel with the client's current credentials.
func (s *Session) Connect(ctx context.Context) error {
	tok, err := s.Client.token(ctx)
	if err != nil {
		return err
	}
	return s.Channel.Connect(ctx, tok)
}

// Watch keeps the channel connected while the client's credentials hold a
// usable token. It blocks until ctx is done.
func (s *Session) Watch(ctx context.Context, interval time.Duration) error {
	if s.Client.Credentials() == nil {
		return ErrNoCredentials
	}
	return WatchCredentials(ctx, s.Client.Credentials(), s.Channel, interval, s.log.Named("credentials"))
}

// Close unsubscribes every handler, stops pending refetches, disconnects and
// drops the stores' change listeners.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for _, u := range s.unsubs {
			u()
		}
		s.Invalidations.Close()
		s.Channel.Disconnect()

		s.Conversations.removeAll()
		s.Presence.removeAll()
		s.Bookings.removeAll()
		s.Payments.removeAll()
		s.Listings.removeAll()
	})
}

// ============================================================================
// Conversation view
// ============================================================================

// ConversationView is an open conversation: its room is joined, its pushes
// are routed into the stores and local typing is debounced.
type ConversationView struct {
	id      string
	session *Session
	typing  *typingDebouncer
	unsubs  []func()

	closeOnce sync.Once
}

// OpenConversation joins the conversation's room and starts routing its
// events. Close the view when done.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*ConversationView, error) {
	ch := s.Channel
	if err := ch.JoinRoom(ctx, conversationID); err != nil {
		ch.LeaveRoom(ctx, conversationID)
		return nil, err
	}

	v := &ConversationView{id: conversationID, session: s}
	v.typing = newTypingDebouncer(s.typingDebounce, s.log, func(ctx context.Context, isTyping bool) error {
		return ch.Typing(ctx, TypingRequest{ConversationID: conversationID, UserID: ch.UserID(), IsTyping: isTyping})
	})

	conv := s.Conversations
	v.unsubs = append(v.unsubs,
		ch.OnNewMessage(func(m Message) {
			if m.ConversationID == conversationID {
				conv.Merge(m)
			}
		}),
		ch.OnMessageEdited(func(m Message) {
			if m.ConversationID == conversationID {
				conv.ApplyEdit(conversationID, m.ID, m.Content)
			}
		}),
		ch.OnMessageDeleted(func(p MessageDeletedPayload) {
			if p.ConversationID == "" || p.ConversationID == conversationID {
				conv.ApplyDelete(conversationID, p.MessageID)
			}
		}),
		ch.OnTypingStatus(func(p TypingStatusPayload) {
			if p.ConversationID != "" && p.ConversationID != conversationID {
				return
			}
			if self := ch.UserID(); self != "" && p.UserID == self {
				return
			}
			s.Presence.SetTyping(conversationID, p.UserID, p.IsTyping)
		}),
		s.Invalidations.Register(KindConversation(conversationID), func(ctx context.Context) error {
			_, err := conv.Hydrate(ctx, conversationID, 1, s.historyPage)
			return err
		}),
	)
	return v, nil
}

func (v *ConversationView) ID() string { return v.id }

// Messages returns the conversation's log, tombstones included.
func (v *ConversationView) Messages() []Message {
	return v.session.Conversations.Messages(v.id)
}

func (v *ConversationView) TypingUsers() []string {
	return v.session.Presence.TypingUsers(v.id)
}

// Load fetches a history page into the store.
func (v *ConversationView) Load(ctx context.Context, page int) (*MessagePage, error) {
	return v.session.Conversations.Hydrate(ctx, v.id, page, v.session.historyPage)
}

func (v *ConversationView) Send(ctx context.Context, content string) (*Message, error) {
	return v.session.Conversations.Send(ctx, v.id, content)
}

func (v *ConversationView) Edit(ctx context.Context, messageID, newContent string) error {
	if err := v.checkAuthor(messageID); err != nil {
		return err
	}
	return v.session.Conversations.Edit(ctx, v.id, messageID, newContent)
}

func (v *ConversationView) Delete(ctx context.Context, messageID string) error {
	if err := v.checkAuthor(messageID); err != nil {
		return err
	}
	return v.session.Conversations.Delete(ctx, v.id, messageID)
}

// checkAuthor allows changes only to the user's own live messages. Messages
// not held locally are left for the server to judge.
func (v *ConversationView) checkAuthor(messageID string) error {
	m, ok := v.session.Conversations.Message(v.id, messageID)
	if !ok {
		return nil
	}
	if m.Deleted {
		return fmt.Errorf("message %s is deleted: %w", messageID, ErrUnknownEntity)
	}
	if self := v.session.Channel.UserID(); self != "" && m.SenderID != self {
		return ErrNotAuthor
	}
	return nil
}

// SetTyping queues the local typing state for the next debounce flush.
func (v *ConversationView) SetTyping(isTyping bool) {
	v.typing.Set(isTyping)
}

// Close leaves the room, stops the typing timer, and forgets who was typing.
// A typing indicator left on is turned off. Safe to call more than once.
func (v *ConversationView) Close() {
	v.closeOnce.Do(func() {
		s := v.session
		for _, u := range v.unsubs {
			u()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if v.typing.Stop() {
			if err := s.Channel.Typing(ctx, TypingRequest{ConversationID: v.id, UserID: s.Channel.UserID(), IsTyping: false}); err != nil {
				s.log.Debug("final typing broadcast failed", zap.Error(err))
			}
		}
		if err := s.Channel.LeaveRoom(ctx, v.id); err != nil {
			s.log.Debug("leave room failed", zap.String("room", v.id), zap.Error(err))
		}
		s.Presence.ClearConversation(v.id)
	})
}

// ============================================================================
// Reviews
// ============================================================================

// ReviewsRoom is the room carrying review signals for a listing.
func ReviewsRoom(propertyID string) string {
	return "reviews_" + propertyID
}

// OpenReviews joins the listing's review room and calls onChange with a
// fresh first page whenever a review signal arrives. The returned func stops
// watching.
func (s *Session) OpenReviews(ctx context.Context, propertyID string, limit int, onChange func(*ReviewPage)) (stop func(), err error) {
	room := ReviewsRoom(propertyID)
	if err := s.Channel.JoinRoom(ctx, room); err != nil {
		s.Channel.LeaveRoom(ctx, room)
		return nil, err
	}
	unregister := s.Invalidations.Register(KindReview, func(ctx context.Context) error {
		page, err := s.Client.Reviews.List(ctx, propertyID, 1, limit)
		if err != nil {
			return err
		}
		onChange(page)
		return nil
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unregister()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Channel.LeaveRoom(ctx, room); err != nil {
				s.log.Debug("leave room failed", zap.String("room", room), zap.Error(err))
			}
		})
	}, nil
}
