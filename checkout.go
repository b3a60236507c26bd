package staylink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CheckoutSignatureHeader carries the HMAC-SHA256 of a checkout return body.
const CheckoutSignatureHeader = "X-StayLink-Signature"

// CheckoutReturn is the signed callback the backend delivers when the
// payment provider sends the user back from checkout.
type CheckoutReturn struct {
	BookingID string        `json:"bookingId"`
	PaymentID string        `json:"paymentId"`
	Status    PaymentStatus `json:"status"`
	Timestamp int64         `json:"timestamp"`
}

// VerifyCheckoutSignature checks an HMAC-SHA256 hex signature, optionally
// prefixed with "sha256=", in constant time.
func VerifyCheckoutSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseCheckoutReturn decodes and validates a checkout return body.
func ParseCheckoutReturn(body []byte) (*CheckoutReturn, error) {
	var ret CheckoutReturn
	if err := json.Unmarshal(body, &ret); err != nil {
		return nil, fmt.Errorf("invalid JSON in checkout return: %w", err)
	}
	if ret.BookingID == "" {
		return nil, errors.New("checkout return is missing bookingId")
	}
	if ret.Timestamp <= 0 {
		return nil, errors.New("checkout return is missing timestamp")
	}
	switch ret.Status {
	case PaymentPending, PaymentSuccess, PaymentFailed, "":
	default:
		return nil, fmt.Errorf("unknown payment status %q", ret.Status)
	}
	return &ret, nil
}

// CheckoutHandler verifies checkout returns and refreshes the payment they
// name. The callback's status is never applied directly: the payment status
// endpoint stays the source of truth.
type CheckoutHandler struct {
	secret   string
	payments *PaymentStore
	log      *zap.Logger
	maxAge   time.Duration
	now      func() time.Time
	timeout  time.Duration
}

type CheckoutOption func(*CheckoutHandler)

func WithCheckoutLogger(log *zap.Logger) CheckoutOption {
	return func(h *CheckoutHandler) { h.log = log }
}

// WithCheckoutMaxAge rejects returns whose timestamp is older than d. Zero
// disables the check.
func WithCheckoutMaxAge(d time.Duration) CheckoutOption {
	return func(h *CheckoutHandler) { h.maxAge = d }
}

func NewCheckoutHandler(secret string, payments *PaymentStore, opts ...CheckoutOption) (*CheckoutHandler, error) {
	if secret == "" {
		return nil, errors.New("checkout secret is required")
	}
	if payments == nil {
		return nil, errors.New("payment store is required")
	}
	h := &CheckoutHandler{
		secret:   secret,
		payments: payments,
		log:      zap.NewNop(),
		maxAge:   10 * time.Minute,
		now:      time.Now,
		timeout:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle verifies, parses and applies one checkout return. It returns the
// status code and body for the caller to write.
func (h *CheckoutHandler) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifyCheckoutSignature(body, signature, h.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	ret, err := ParseCheckoutReturn(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if h.maxAge > 0 && h.now().Sub(time.UnixMilli(ret.Timestamp)) > h.maxAge {
		return http.StatusBadRequest, map[string]string{"error": "checkout return expired"}
	}

	// A return may arrive before Initiate's result was stored.
	if _, ok := h.payments.Get(ret.BookingID); !ok && ret.PaymentID != "" {
		h.payments.Reconcile(PaymentEntry{BookingID: ret.BookingID, Status: PaymentPending, PaymentID: ret.PaymentID})
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	entry, err := h.payments.CheckStatus(ctx, ret.BookingID)
	if err != nil {
		h.log.Warn("checkout return status check failed", zap.String("booking_id", ret.BookingID), zap.Error(err))
		if errors.Is(err, ErrUnknownEntity) {
			return http.StatusNotFound, map[string]string{"error": err.Error()}
		}
		return http.StatusBadGateway, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, entry
}

// ServeHTTP accepts POSTed checkout returns.
//
// Example:
//
//	h, _ := staylink.NewCheckoutHandler(secret, session.Payments)
//	http.Handle("/checkout/return", h)
func (h *CheckoutHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	status, data := h.Handle(r.Context(), body, r.Header.Get(CheckoutSignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
