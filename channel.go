package staylink

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChannelOption configures a ChannelManager.
type ChannelOption func(*ChannelManager)

func WithChannelConfig(cfg ChannelConfig) ChannelOption {
	return func(m *ChannelManager) { m.config = cfg }
}

func WithChannelLogger(log *zap.Logger) ChannelOption {
	return func(m *ChannelManager) { m.log = log }
}

func WithChannelMetrics(metrics *Metrics) ChannelOption {
	return func(m *ChannelManager) { m.metrics = metrics }
}

type eventHandler struct {
	id int
	fn func(json.RawMessage)
}

type stateHandler struct {
	id int
	fn func(ConnState)
}

// ChannelManager owns the single event channel shared by every store. It is
// created once per session and handed to the stores that need it.
type ChannelManager struct {
	baseURL string
	config  ChannelConfig
	log     *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	token     string
	transport *wsTransport
	userID    string
	rooms     map[string]int

	handlersMu    sync.RWMutex
	nextID        int
	handlers      map[string][]eventHandler
	stateHandlers []stateHandler
}

// NewChannelManager creates a manager for the server at baseURL. It does not
// connect until Connect is called with a token.
func NewChannelManager(baseURL string, opts ...ChannelOption) *ChannelManager {
	m := &ChannelManager{
		baseURL:  baseURL,
		config:   DefaultChannelConfig(),
		log:      zap.NewNop(),
		rooms:    make(map[string]int),
		handlers: make(map[string][]eventHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config.defaults()
	return m
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect establishes an authenticated connection. An empty token is a no-op.
// Calling it again with the same token is a no-op while that connection is
// live or still retrying; once it has given up, Connect dials afresh. A
// different token replaces the current connection.
func (m *ChannelManager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	m.mu.Lock()
	if m.transport != nil && m.token == token && m.transport.State() != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	old := m.transport
	var t *wsTransport
	t = newTransport(m.baseURL, token, m.config, m.log, m.metrics, m.dispatch, func(s ConnState) {
		m.stateChanged(t, s)
	})
	m.transport = t
	m.token = token
	m.userID = ""
	m.mu.Unlock()

	if old != nil {
		if err := old.close(); err != nil {
			m.log.Debug("closing previous connection", zap.Error(err))
		}
	}

	if err := t.open(ctx); err != nil {
		m.mu.Lock()
		if m.transport == t {
			m.transport = nil
			m.token = ""
		}
		m.mu.Unlock()
		t.close()
		return err
	}
	return nil
}

// Disconnect tears the connection down and forgets the token. Teardown errors
// are logged and dropped. Safe to call repeatedly or before any Connect.
func (m *ChannelManager) Disconnect() {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.token = ""
	m.userID = ""
	m.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.close(); err != nil {
		m.log.Debug("channel teardown", zap.Error(err))
	}
	m.notifyState(StateDisconnected)
}

// State returns the state of the current connection.
func (m *ChannelManager) State() ConnState {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return StateDisconnected
	}
	return t.State()
}

// UserID is the authenticated user of the current connection, if any.
func (m *ChannelManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *ChannelManager) current(op string) (*wsTransport, error) {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return nil, &TransportError{Op: op, Err: ErrNotConnected}
	}
	return t, nil
}

func (m *ChannelManager) stateChanged(t *wsTransport, s ConnState) {
	m.mu.Lock()
	stale := m.transport != t
	m.mu.Unlock()
	if stale {
		return
	}
	if s == StateConnected {
		m.rejoin(t)
	}
	m.notifyState(s)
}

// rejoin restores room membership, which the server drops with the socket.
func (m *ChannelManager) rejoin(t *wsTransport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, room := range m.Rooms() {
		if err := t.send(ctx, Command{Type: CommandJoinRoom, Payload: room}); err != nil {
			m.log.Warn("rejoin failed", zap.String("room", room), zap.Error(err))
		}
	}
}

// ============================================================================
// Rooms
// ============================================================================

// JoinRoom subscribes the connection to a topic. Membership is reference
// counted and survives reconnects; when disconnected the join is deferred to
// the next connect.
func (m *ChannelManager) JoinRoom(ctx context.Context, room string) error {
	m.mu.Lock()
	m.rooms[room]++
	first := m.rooms[room] == 1
	t := m.transport
	m.mu.Unlock()

	if !first || t == nil || t.State() != StateConnected {
		return nil
	}
	return t.send(ctx, Command{Type: CommandJoinRoom, Payload: room})
}

// LeaveRoom releases one reference to room and unsubscribes when none remain.
func (m *ChannelManager) LeaveRoom(ctx context.Context, room string) error {
	m.mu.Lock()
	n, ok := m.rooms[room]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if n > 1 {
		m.rooms[room] = n - 1
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, room)
	t := m.transport
	m.mu.Unlock()

	if t == nil || t.State() != StateConnected {
		return nil
	}
	return t.send(ctx, Command{Type: CommandLeaveRoom, Payload: room})
}

// Rooms lists the joined rooms in sorted order.
func (m *ChannelManager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// ============================================================================
// Commands
// ============================================================================

// SendMessage sends a chat message and returns the server's copy of it.
func (m *ChannelManager) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	t, err := m.current(CommandSendMessage)
	if err != nil {
		return nil, err
	}
	env, err := t.request(ctx, Command{Type: CommandSendMessage, Payload: req})
	if err == nil {
		var msg *Message
		msg, err = decodeMessageAck(env)
		if err == nil {
			m.metrics.command(CommandSendMessage, nil)
			return msg, nil
		}
	}
	m.metrics.command(CommandSendMessage, err)
	return nil, err
}

// EditMessage asks the server to change a message's content.
func (m *ChannelManager) EditMessage(ctx context.Context, req EditMessageRequest) error {
	return m.resultCommand(ctx, CommandEditMessage, req)
}

// DeleteMessage asks the server to tombstone a message.
func (m *ChannelManager) DeleteMessage(ctx context.Context, req DeleteMessageRequest) error {
	return m.resultCommand(ctx, CommandDeleteMessage, req)
}

func (m *ChannelManager) resultCommand(ctx context.Context, name string, payload any) error {
	t, err := m.current(name)
	if err != nil {
		return err
	}
	env, err := t.request(ctx, Command{Type: name, Payload: payload})
	if err == nil {
		err = decodeResultAck(name, env)
	}
	m.metrics.command(name, err)
	return err
}

// Typing broadcasts a typing state. No acknowledgment is expected.
func (m *ChannelManager) Typing(ctx context.Context, req TypingRequest) error {
	t, err := m.current(CommandTyping)
	if err != nil {
		return err
	}
	return t.send(ctx, Command{Type: CommandTyping, Payload: req})
}

func decodeMessageAck(env Envelope) (*Message, error) {
	var status struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(env.Payload, &status) == nil && status.Success != nil && !*status.Success {
		return nil, &CommandError{Command: CommandSendMessage, Message: status.Error}
	}
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" {
		return nil, &CommandError{Command: CommandSendMessage, Message: "acknowledgment carried no message"}
	}
	return &msg, nil
}

func decodeResultAck(name string, env Envelope) error {
	var r CommandResult
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		return &CommandError{Command: name, Message: "malformed acknowledgment"}
	}
	if !r.Success {
		return &CommandError{Command: name, Message: r.Error}
	}
	return nil
}

// ============================================================================
// Subscriptions
// ============================================================================

// On registers a raw handler for event. Handlers run one at a time, in
// arrival order, on the connection's read goroutine, so they must not wait on
// acknowledged commands. The returned func removes the handler.
func (m *ChannelManager) On(event string, h func(json.RawMessage)) (unsubscribe func()) {
	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], eventHandler{id: id, fn: h})
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			defer m.handlersMu.Unlock()
			hs := m.handlers[event]
			for i, eh := range hs {
				if eh.id == id {
					m.handlers[event] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
		})
	}
}

func subscribe[T any](m *ChannelManager, event string, h func(T)) func() {
	return m.On(event, func(raw json.RawMessage) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			m.log.Debug("undecodable event payload", zap.String("event", event), zap.Error(err))
			return
		}
		h(p)
	})
}

func (m *ChannelManager) OnNewMessage(h func(Message)) func() {
	return subscribe(m, EventNewMessage, h)
}

func (m *ChannelManager) OnMessageEdited(h func(Message)) func() {
	return subscribe(m, EventMessageEdited, h)
}

func (m *ChannelManager) OnMessageDeleted(h func(MessageDeletedPayload)) func() {
	return subscribe(m, EventMessageDeleted, h)
}

func (m *ChannelManager) OnTypingStatus(h func(TypingStatusPayload)) func() {
	return subscribe(m, EventTypingStatus, h)
}

func (m *ChannelManager) OnPresence(h func(PresencePayload)) func() {
	return subscribe(m, EventPresence, h)
}

func (m *ChannelManager) OnNewBooking(h func(Booking)) func() {
	return subscribe(m, EventNewBooking, h)
}

func (m *ChannelManager) OnBookingStatusUpdate(h func(Booking)) func() {
	return subscribe(m, EventBookingStatusUpdate, h)
}

func (m *ChannelManager) OnPaymentStatusUpdated(h func(PaymentStatusUpdatedPayload)) func() {
	return subscribe(m, EventPaymentStatusUpdated, h)
}

// OnStateChange observes connection state transitions.
func (m *ChannelManager) OnStateChange(h func(ConnState)) (unsubscribe func()) {
	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.stateHandlers = append(m.stateHandlers, stateHandler{id: id, fn: h})
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			defer m.handlersMu.Unlock()
			for i, sh := range m.stateHandlers {
				if sh.id == id {
					m.stateHandlers = append(m.stateHandlers[:i:i], m.stateHandlers[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *ChannelManager) OnConnected(h func()) func() {
	return m.OnStateChange(func(s ConnState) {
		if s == StateConnected {
			h()
		}
	})
}

func (m *ChannelManager) OnDisconnected(h func()) func() {
	return m.OnStateChange(func(s ConnState) {
		if s == StateDisconnected {
			h()
		}
	})
}

func (m *ChannelManager) dispatch(env Envelope) {
	if env.Type == EventAuthenticated {
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			m.mu.Lock()
			m.userID = p.UserID
			m.mu.Unlock()
		}
	}
	if env.Type == EventError {
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		m.log.Warn("server reported error", zap.String("message", p.Message))
	}

	m.handlersMu.RLock()
	hs := append([]eventHandler(nil), m.handlers[env.Type]...)
	m.handlersMu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("event handler panicked", zap.String("event", env.Type), zap.Any("panic", r))
				}
			}()
			h.fn(env.Payload)
		}()
	}
}

func (m *ChannelManager) notifyState(s ConnState) {
	m.handlersMu.RLock()
	hs := append([]stateHandler(nil), m.stateHandlers...)
	m.handlersMu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("state handler panicked", zap.Any("panic", r))
				}
			}()
			h.fn(s)
		}()
	}
}
