package staylink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EntityKind names a REST collection that push signals can invalidate.
type EntityKind string

const (
	KindBooking EntityKind = "booking"
	KindPayment EntityKind = "payment"
	KindListing EntityKind = "listing"
	KindReview  EntityKind = "review"
)

// KindConversation is the kind under which an open conversation view
// registers its history reload.
func KindConversation(conversationID string) EntityKind {
	return EntityKind("conversation:" + conversationID)
}

var eventKinds = map[string][]EntityKind{
	EventNewBooking:           {KindBooking},
	EventBookingStatusUpdate:  {KindBooking},
	EventPaymentStatusUpdated: {KindPayment, KindBooking},
	EventListingApproved:      {KindListing},
	EventListingPending:       {KindListing},
	EventReviewCreated:        {KindReview},
	EventReviewUpdated:        {KindReview},
	EventReviewDeleted:        {KindReview},
}

// KindsForEvent lists the kinds a push event invalidates.
func KindsForEvent(event string) []EntityKind {
	return eventKinds[event]
}

// InvalidationEvents lists every push event that triggers a refetch.
func InvalidationEvents() []string {
	events := make([]string, 0, len(eventKinds))
	for e := range eventKinds {
		events = append(events, e)
	}
	return events
}

// Refetcher reloads one collection from REST.
type Refetcher func(ctx context.Context) error

type refetcherEntry struct {
	id int
	fn Refetcher
}

// Invalidations routes push signals to refetchers. Refetches run on their
// own goroutines so the channel's read loop never waits on REST.
type Invalidations struct {
	log     *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	nextID     int
	refetchers map[EntityKind][]refetcherEntry
}

func NewInvalidations(timeout time.Duration, opts ...StoreOption) *Invalidations {
	cfg := newStoreConfig(opts)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Invalidations{
		log:        cfg.log,
		timeout:    timeout,
		ctx:        ctx,
		cancel:     cancel,
		refetchers: make(map[EntityKind][]refetcherEntry),
	}
}

// Register adds fn for kind and returns a func that removes it.
func (v *Invalidations) Register(kind EntityKind, fn Refetcher) (unregister func()) {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.refetchers[kind] = append(v.refetchers[kind], refetcherEntry{id: id, fn: fn})
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		rs := v.refetchers[kind]
		for i, r := range rs {
			if r.id == id {
				v.refetchers[kind] = append(rs[:i:i], rs[i+1:]...)
				return
			}
		}
	}
}

// Signal starts every refetcher registered for kind.
func (v *Invalidations) Signal(kind EntityKind) {
	v.mu.Lock()
	if v.ctx.Err() != nil {
		v.mu.Unlock()
		return
	}
	rs := append([]refetcherEntry(nil), v.refetchers[kind]...)
	v.wg.Add(len(rs))
	v.mu.Unlock()

	for _, r := range rs {
		go func(fn Refetcher) {
			defer v.wg.Done()
			ctx, cancel := context.WithTimeout(v.ctx, v.timeout)
			defer cancel()
			if err := fn(ctx); err != nil {
				v.log.Warn("refetch after invalidation failed", zap.String("kind", string(kind)), zap.Error(err))
			}
		}(r.fn)
	}
}

// SignalAll signals every registered kind, used to resync after a reconnect.
func (v *Invalidations) SignalAll() {
	v.mu.Lock()
	kinds := make([]EntityKind, 0, len(v.refetchers))
	for k, rs := range v.refetchers {
		if len(rs) > 0 {
			kinds = append(kinds, k)
		}
	}
	v.mu.Unlock()

	for _, k := range kinds {
		v.Signal(k)
	}
}

// SignalEvent signals every kind the push event invalidates.
func (v *Invalidations) SignalEvent(event string) {
	for _, kind := range KindsForEvent(event) {
		v.Signal(kind)
	}
}

// Wait blocks until in-flight refetches finish.
func (v *Invalidations) Wait() {
	v.wg.Wait()
}

// Close cancels in-flight refetches and waits for them.
func (v *Invalidations) Close() {
	v.mu.Lock()
	v.cancel()
	v.mu.Unlock()
	v.wg.Wait()
}
