package staylink

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeHandler observes a store change. The payload type depends on the
// event; see the constants next to each store.
type ChangeHandler func(event string, payload any)

// AnyChange subscribes a handler to every event of an emitter.
const AnyChange = "*"

type listener struct {
	id int
	h  ChangeHandler
}

type emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string][]listener
	log       *zap.Logger
}

func (e *emitter) init(log *zap.Logger) {
	e.listeners = make(map[string][]listener)
	e.log = log
}

// On registers h for event and returns a func that removes it.
func (e *emitter) On(event string, h ChangeHandler) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener{id: id, h: h})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			ls := e.listeners[event]
			for i, l := range ls {
				if l.id == id {
					e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
		})
	}
}

// OnChange registers h for every event.
func (e *emitter) OnChange(h ChangeHandler) (unsubscribe func()) {
	return e.On(AnyChange, h)
}

// emit must not be called with the owning store's lock held.
func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]listener, 0, len(e.listeners[event])+len(e.listeners[AnyChange]))
	handlers = append(handlers, e.listeners[event]...)
	handlers = append(handlers, e.listeners[AnyChange]...)
	e.mu.RUnlock()

	for _, l := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("change listener panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			l.h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]listener)
}

// ============================================================================
// Store options
// ============================================================================

// StoreOption configures the stores.
type StoreOption func(*storeConfig)

type storeConfig struct {
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func newStoreConfig(opts []StoreOption) storeConfig {
	cfg := storeConfig{log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(c *storeConfig) { c.log = log }
}

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(c *storeConfig) { c.metrics = m }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) { c.now = now }
}
