package staylink

import (
	"context"
	"fmt"
)

// PaymentService is the REST surface PaymentStore needs. *PaymentsAPI
// implements it.
type PaymentService interface {
	Initiate(ctx context.Context, bookingID string) (*InitiatePaymentResult, error)
	Status(ctx context.Context, paymentID string) (*PaymentStatusResult, error)
}

// BookingLookup finds a held booking. *BookingStore implements it.
type BookingLookup interface {
	Get(bookingID string) (Booking, bool)
}

// CanTransitionPayment reports whether a payment may move between statuses.
// A failed payment may be retried; a successful one is final.
func CanTransitionPayment(from, to PaymentStatus) bool {
	if from == to || from == "" {
		return true
	}
	switch from {
	case PaymentPending:
		return to == PaymentSuccess || to == PaymentFailed
	case PaymentFailed:
		return to == PaymentPending || to == PaymentSuccess
	default:
		return false
	}
}

func mergePayment(local, incoming PaymentEntry) PaymentEntry {
	if incoming.PaymentID == "" {
		incoming.PaymentID = local.PaymentID
	}
	if incoming.CheckoutURL == "" {
		incoming.CheckoutURL = local.CheckoutURL
	}
	return incoming
}

// PaymentStore tracks payment status per booking id.
type PaymentStore struct {
	*Reconciler[PaymentEntry]

	api      PaymentService
	bookings BookingLookup
}

func NewPaymentStore(api PaymentService, bookings BookingLookup, opts ...StoreOption) *PaymentStore {
	s := &PaymentStore{api: api, bookings: bookings}
	s.Reconciler = NewReconciler(ReconcilerConfig[PaymentEntry]{
		Kind: "payment",
		ID:   func(p PaymentEntry) string { return p.BookingID },
		Transition: func(from, to PaymentEntry) bool {
			return CanTransitionPayment(from.Status, to.Status)
		},
		Merge:   mergePayment,
		Refetch: s.fetch,
	}, opts...)
	return s
}

// Status returns the tracked status of a booking's payment.
func (s *PaymentStore) Status(bookingID string) (PaymentStatus, bool) {
	p, ok := s.Get(bookingID)
	return p.Status, ok
}

// Initiate starts checkout for a confirmed booking. The returned entry holds
// the checkout URL to open.
func (s *PaymentStore) Initiate(ctx context.Context, bookingID string) (PaymentEntry, error) {
	b, ok := s.bookings.Get(bookingID)
	if !ok {
		return PaymentEntry{}, fmt.Errorf("booking %s: %w", bookingID, ErrUnknownEntity)
	}
	if b.Status != BookingConfirmed {
		return PaymentEntry{}, fmt.Errorf("booking %s is %s: %w", bookingID, b.Status, ErrInvalidTransition)
	}
	if cur, ok := s.Get(bookingID); ok && cur.Status == PaymentSuccess {
		return cur, fmt.Errorf("booking %s already paid: %w", bookingID, ErrInvalidTransition)
	}

	res, err := s.api.Initiate(ctx, bookingID)
	if err != nil {
		return PaymentEntry{}, err
	}
	entry := PaymentEntry{
		BookingID:   bookingID,
		Status:      PaymentPending,
		PaymentID:   res.PaymentID,
		CheckoutURL: res.CheckoutURL,
	}
	if !s.Reconcile(entry) {
		cur, _ := s.Get(bookingID)
		return cur, fmt.Errorf("booking %s: %w", bookingID, ErrInvalidTransition)
	}
	return entry, nil
}

// CheckStatus asks the backend for the status of the booking's payment.
func (s *PaymentStore) CheckStatus(ctx context.Context, bookingID string) (PaymentEntry, error) {
	cur, ok := s.Get(bookingID)
	if !ok || cur.PaymentID == "" {
		return PaymentEntry{}, fmt.Errorf("payment for booking %s: %w", bookingID, ErrUnknownEntity)
	}
	res, err := s.api.Status(ctx, cur.PaymentID)
	if err != nil {
		return cur, err
	}
	s.Reconcile(PaymentEntry{BookingID: bookingID, Status: res.Status})
	out, _ := s.Get(bookingID)
	return out, nil
}

// ApplyPush reconciles a paymentStatusUpdated push.
func (s *PaymentStore) ApplyPush(p PaymentStatusUpdatedPayload) bool {
	if p.BookingID == "" || p.PaymentStatus == "" {
		return false
	}
	return s.Reconcile(PaymentEntry{BookingID: p.BookingID, Status: p.PaymentStatus})
}

// fetch re-reads every payment that can still change.
func (s *PaymentStore) fetch(ctx context.Context) ([]PaymentEntry, error) {
	var out []PaymentEntry
	for _, p := range s.List() {
		if p.PaymentID == "" || p.Status == PaymentSuccess {
			continue
		}
		res, err := s.api.Status(ctx, p.PaymentID)
		if err != nil {
			return out, err
		}
		out = append(out, PaymentEntry{BookingID: p.BookingID, Status: res.Status})
	}
	return out, nil
}
