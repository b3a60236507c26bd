package staylink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// clientFrame is a frame as the server sees it.
type clientFrame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

// replyFunc answers a client frame. Returning false sends nothing.
type replyFunc func(clientFrame) (Envelope, bool)

// fakeServer is an in-process event channel server.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	userID string

	frames    chan clientFrame
	connected chan struct{}

	mu      sync.Mutex
	conns   []*websocket.Conn
	reply   replyFunc
	rest    http.Handler
	accepts int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:         t,
		userID:    "user-1",
		frames:    make(chan clientFrame, 128),
		connected: make(chan struct{}, 16),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) setReply(r replyFunc) {
	f.mu.Lock()
	f.reply = r
	f.mu.Unlock()
}

// setREST serves every path other than /ws with h.
func (f *fakeServer) setREST(h http.Handler) {
	f.mu.Lock()
	f.rest = h
	f.mu.Unlock()
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		f.mu.Lock()
		rest := f.rest
		f.mu.Unlock()
		if rest == nil {
			http.NotFound(w, r)
			return
		}
		rest.ServeHTTP(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	if r.URL.Query().Get("token") == "bad-token" {
		f.write(ctx, conn, Envelope{Type: EventError, Payload: rawJSON(ErrorPayload{Message: "invalid token"})})
		return
	}
	f.write(ctx, conn, Envelope{Type: EventAuthenticated, Payload: rawJSON(AuthenticatedPayload{UserID: f.userID})})

	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.accepts++
	f.mu.Unlock()
	select {
	case f.connected <- struct{}{}:
	default:
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var fr clientFrame
		if json.Unmarshal(data, &fr) != nil {
			continue
		}
		select {
		case f.frames <- fr:
		default:
		}

		f.mu.Lock()
		reply := f.reply
		f.mu.Unlock()
		if fr.Type == CommandPing {
			f.write(ctx, conn, Envelope{Type: EventPong, RequestID: fr.RequestID})
			continue
		}
		if reply != nil {
			if env, ok := reply(fr); ok {
				f.write(ctx, conn, env)
			}
		}
	}
}

func (f *fakeServer) write(ctx context.Context, conn *websocket.Conn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		f.t.Errorf("marshal %s: %v", env.Type, err)
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// push sends a server event on the newest connection.
func (f *fakeServer) push(event string, payload any) {
	f.t.Helper()
	var conn *websocket.Conn
	require.Eventually(f.t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.conns) == 0 {
			return false
		}
		conn = f.conns[len(f.conns)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.write(ctx, conn, Envelope{Type: event, Payload: rawJSON(payload)})
}

// dropAll closes every server-side connection, as a network failure would.
func (f *fakeServer) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (f *fakeServer) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

func (f *fakeServer) waitConnected() {
	f.t.Helper()
	select {
	case <-f.connected:
	case <-time.After(3 * time.Second):
		f.t.Fatal("timed out waiting for a connection")
	}
}

// next returns the next client frame of the given type, skipping others.
func (f *fakeServer) next(typ string) clientFrame {
	f.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case fr := <-f.frames:
			if fr.Type == typ {
				return fr
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s frame", typ)
			return clientFrame{}
		}
	}
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func testChannelConfig() ChannelConfig {
	return ChannelConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 20,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		HeartbeatInterval:    -1,
		AckTimeout:           time.Second,
		DialTimeout:          2 * time.Second,
	}
}

func connectTest(t *testing.T, f *fakeServer, opts ...ChannelOption) *ChannelManager {
	t.Helper()
	opts = append([]ChannelOption{WithChannelConfig(testChannelConfig())}, opts...)
	m := NewChannelManager(f.URL(), opts...)
	t.Cleanup(m.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, "good-token"))
	f.waitConnected()
	return m
}

func at(hhmm string) time.Time {
	ts, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(2026, 3, 1, ts.Hour(), ts.Minute(), 0, 0, time.UTC)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// recv waits for a value on ch.
func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}
