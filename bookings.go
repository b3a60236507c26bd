package staylink

import (
	"context"
)

// BookingService is the REST surface BookingStore needs. *BookingsAPI
// implements it.
type BookingService interface {
	Create(ctx context.Context, req CreateBookingRequest) (*Booking, error)
	List(ctx context.Context, role BookingRole, page, limit int) (*BookingPage, error)
	UpdateStatus(ctx context.Context, bookingID string, status BookingStatus) (*Booking, error)
}

// CanTransitionBooking reports whether a booking may move from one status to
// another. Staying put is always allowed; nothing returns to pending and the
// cancelled and rejected states are final.
func CanTransitionBooking(from, to BookingStatus) bool {
	if from == to || from == "" {
		return true
	}
	switch from {
	case BookingPending:
		return to == BookingConfirmed || to == BookingCancelled || to == BookingRejected
	case BookingConfirmed:
		return to == BookingCancelled || to == BookingRejected
	default:
		return false
	}
}

// mergeBooking keeps the nested listing snapshot and payment summary when an
// update leaves them out.
func mergeBooking(local, incoming Booking) Booking {
	if incoming.Property == nil {
		incoming.Property = local.Property
	}
	if incoming.PaymentStatus == "" {
		incoming.PaymentStatus = local.PaymentStatus
	}
	return incoming
}

// BookingStore tracks the bookings visible to the signed-in user.
type BookingStore struct {
	*Reconciler[Booking]

	api      BookingService
	role     BookingRole
	pageSize int
}

// NewBookingStore creates a store whose refetches list bookings for role.
func NewBookingStore(api BookingService, role BookingRole, opts ...StoreOption) *BookingStore {
	s := &BookingStore{api: api, role: role, pageSize: 20}
	s.Reconciler = NewReconciler(ReconcilerConfig[Booking]{
		Kind: "booking",
		ID:   func(b Booking) string { return b.ID },
		Transition: func(from, to Booking) bool {
			return CanTransitionBooking(from.Status, to.Status)
		},
		Merge:   mergeBooking,
		Refetch: s.fetch,
		Less: func(a, b Booking) bool {
			return a.CreatedAt.After(b.CreatedAt)
		},
	}, opts...)
	return s
}

func (s *BookingStore) Role() BookingRole { return s.role }

func (s *BookingStore) fetch(ctx context.Context) ([]Booking, error) {
	page, err := s.api.List(ctx, s.role, 1, s.pageSize)
	if err != nil {
		return nil, err
	}
	return page.Bookings, nil
}

// LoadPage fetches a page of bookings and reconciles it.
func (s *BookingStore) LoadPage(ctx context.Context, page int) (*BookingPagination, error) {
	result, err := s.api.List(ctx, s.role, page, s.pageSize)
	if err != nil {
		return nil, err
	}
	for _, b := range result.Bookings {
		s.Reconcile(b)
	}
	return &result.Pagination, nil
}

// Create submits a booking request and stores the created booking.
func (s *BookingStore) Create(ctx context.Context, req CreateBookingRequest) (Booking, error) {
	b, err := s.api.Create(ctx, req)
	if err != nil {
		return Booking{}, err
	}
	s.Reconcile(*b)
	return *b, nil
}

// Confirm, Reject and Cancel update the status optimistically and roll back
// if the backend refuses.

func (s *BookingStore) Confirm(ctx context.Context, bookingID string) (Booking, error) {
	return s.setStatus(ctx, bookingID, BookingConfirmed)
}

func (s *BookingStore) Reject(ctx context.Context, bookingID string) (Booking, error) {
	return s.setStatus(ctx, bookingID, BookingRejected)
}

func (s *BookingStore) Cancel(ctx context.Context, bookingID string) (Booking, error) {
	return s.setStatus(ctx, bookingID, BookingCancelled)
}

func (s *BookingStore) setStatus(ctx context.Context, bookingID string, status BookingStatus) (Booking, error) {
	return s.Mutate(ctx, bookingID,
		func(b Booking) Booking {
			b.Status = status
			return b
		},
		func(ctx context.Context) (Booking, error) {
			b, err := s.api.UpdateStatus(ctx, bookingID, status)
			if err != nil {
				return Booking{}, err
			}
			if b.ID == "" {
				b.ID = bookingID
			}
			return *b, nil
		})
}

// ApplyPush reconciles the status carried by a push. For a booking already
// held only the status fields are taken; other fields wait for the refetch
// that follows every push.
func (s *BookingStore) ApplyPush(b Booking) bool {
	if b.ID == "" || b.Status == "" {
		return false
	}
	local, ok := s.Get(b.ID)
	if !ok {
		return s.Reconcile(b)
	}
	local.Status = b.Status
	if b.PaymentStatus != "" {
		local.PaymentStatus = b.PaymentStatus
	}
	if !b.UpdatedAt.IsZero() {
		local.UpdatedAt = b.UpdatedAt
	}
	if b.Property != nil {
		local.Property = b.Property
	}
	return s.Reconcile(local)
}
