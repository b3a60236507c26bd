package staylink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig tunes the event channel connection.
type ChannelConfig struct {
	// AutoReconnect re-dials with backoff after an unexpected drop.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the ping period. Negative disables the heartbeat.
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	DialTimeout       time.Duration
	ReadLimit         int64
}

// DefaultChannelConfig returns the settings used when none are given.
func DefaultChannelConfig() ChannelConfig {
	c := ChannelConfig{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// ConnState represents the channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with up to 50% jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := rand.Float64() * float64(r.baseDelay) * 0.5
	delay := math.Min(float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter, float64(r.maxDelay))
	r.attempt++
	return time.Duration(delay)
}

// ============================================================================
// wsTransport
// ============================================================================

// wsTransport owns one authenticated WebSocket for one token, including
// heartbeat and automatic re-dial. Frames are handed to onEvent in arrival
// order on the read goroutine.
type wsTransport struct {
	baseURL string
	token   string
	config  ChannelConfig
	log     *zap.Logger
	metrics *Metrics

	onEvent func(Envelope)
	onState func(ConnState)

	life   context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	recon            *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
}

func newTransport(baseURL, token string, config ChannelConfig, log *zap.Logger, metrics *Metrics,
	onEvent func(Envelope), onState func(ConnState)) *wsTransport {
	config.defaults()
	life, cancel := context.WithCancel(context.Background())
	return &wsTransport{
		baseURL: baseURL,
		token:   token,
		config:  config,
		log:     log,
		metrics: metrics,
		onEvent: onEvent,
		onState: onState,
		life:    life,
		cancel:  cancel,
		state:   StateDisconnected,
		recon:   newReconnector(&config),
		pending: make(map[string]chan Envelope),
	}
}

func (t *wsTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *wsTransport) setState(s ConnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func websocketURL(baseURL, token string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(token)
}

// open performs the first dial, bounded by DialTimeout. Failures are
// returned, not retried.
func (t *wsTransport) open(ctx context.Context) error {
	t.setState(StateConnecting)
	ctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()
	if err := t.dial(ctx); err != nil {
		t.setState(StateDisconnected)
		return err
	}
	return nil
}

func (t *wsTransport) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, websocketURL(t.baseURL, t.token), nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(t.config.ReadLimit)

	// The server speaks first: anything other than "authenticated" is a rejection.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return &TransportError{Op: "authenticate", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		var p ErrorPayload
		if env.Type == EventError && json.Unmarshal(env.Payload, &p) == nil && p.Message != "" {
			return &TransportError{Op: "authenticate", Err: errors.New(p.Message)}
		}
		return &TransportError{Op: "authenticate", Err: fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)}
	}

	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &TransportError{Op: "dial", Err: ErrNotConnected}
	}
	t.conn = conn
	t.state = StateConnected
	t.recon.markConnected()
	t.mu.Unlock()

	t.onEvent(env)
	t.onState(StateConnected)

	connCtx, cancel := context.WithCancel(t.life)
	go t.readLoop(connCtx, cancel, conn)
	if t.config.HeartbeatInterval > 0 {
		go t.heartbeatLoop(connCtx, conn)
	}
	return nil
}

// close tears the connection down and stops any pending re-dial.
func (t *wsTransport) close() error {
	t.mu.Lock()
	t.intentionalClose = true
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.failPending()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	t.cancel()
	return err
}

// send writes a command without waiting for a reply.
func (t *wsTransport) send(ctx context.Context, cmd Command) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: cmd.Type, Err: ErrNotConnected}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", cmd.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: cmd.Type, Err: err}
	}
	return nil
}

// request sends cmd with a fresh request id and waits for the frame that
// carries the same id. It resolves exactly once.
func (t *wsTransport) request(ctx context.Context, cmd Command) (Envelope, error) {
	cmd.RequestID = uuid.NewString()
	ch := make(chan Envelope, 1)

	t.pendingMu.Lock()
	t.pending[cmd.RequestID] = ch
	t.pendingMu.Unlock()

	if err := t.send(ctx, cmd); err != nil {
		t.dropPending(cmd.RequestID)
		return Envelope{}, err
	}

	timer := time.NewTimer(t.config.AckTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return Envelope{}, &TransportError{Op: cmd.Type, Err: errors.New("connection lost before acknowledgment")}
		}
		return env, nil
	case <-timer.C:
		t.dropPending(cmd.RequestID)
		return Envelope{}, fmt.Errorf("%s: %w", cmd.Type, ErrAckTimeout)
	case <-ctx.Done():
		t.dropPending(cmd.RequestID)
		return Envelope{}, ctx.Err()
	}
}

func (t *wsTransport) ping(ctx context.Context) error {
	_, err := t.request(ctx, Command{Type: CommandPing})
	return err
}

func (t *wsTransport) resolve(env Envelope) bool {
	t.pendingMu.Lock()
	ch, ok := t.pending[env.RequestID]
	if ok {
		delete(t.pending, env.RequestID)
	}
	t.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (t *wsTransport) dropPending(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *wsTransport) failPending() {
	t.pendingMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

func (t *wsTransport) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleDrop(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if env.RequestID != "" && (env.Type == EventAck || env.Type == EventPong) {
			if !t.resolve(env) {
				t.log.Debug("late acknowledgment", zap.String("request_id", env.RequestID))
			}
			continue
		}
		t.onEvent(env)
	}
}

func (t *wsTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Warn("heartbeat failed, closing connection", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *wsTransport) handleDrop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn || t.intentionalClose {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.failPending()
	t.log.Warn("channel connection lost", zap.Error(cause))
	t.onState(StateDisconnected)

	if t.config.AutoReconnect {
		t.reconnectLoop()
	}
}

func (t *wsTransport) reconnectLoop() {
	for {
		t.mu.Lock()
		if t.intentionalClose || !t.recon.shouldReconnect() {
			t.state = StateDisconnected
			t.mu.Unlock()
			return
		}
		delay := t.recon.nextDelay()
		attempt := t.recon.attempt
		t.state = StateReconnecting
		t.mu.Unlock()

		t.metrics.reconnecting()
		t.onState(StateReconnecting)
		t.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-t.life.Done():
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(t.life, t.config.DialTimeout)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		t.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}
