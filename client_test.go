package staylink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]ClientOption{WithBaseURL(srv.URL)}, opts...)
	return NewClient(StaticToken("tok-123"), opts...)
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("bearer token and query", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			assert.Equal(t, "/api/messages/p1", r.URL.Path)
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(MessagePage{
				Messages:   []Message{{ID: "m1", ConversationID: "p1", Content: "hi"}},
				Pagination: Pagination{Page: 2, TotalPages: 3},
			})
		})

		page, err := c.Messages.History(ctx, "p1", 2, 50)
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		assert.Equal(t, "hi", page.Messages[0].Content)
		assert.Equal(t, 3, page.Pagination.TotalPages)
	})

	t.Run("booking status patch", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPatch, r.Method)
			assert.Equal(t, "/api/bookings/B1", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"status":"confirmed"}`, string(body))
			json.NewEncoder(w).Encode(Booking{ID: "B1", Status: BookingConfirmed})
		})

		b, err := c.Bookings.UpdateStatus(ctx, "B1", BookingConfirmed)
		require.NoError(t, err)
		assert.Equal(t, BookingConfirmed, b.Status)
	})

	t.Run("booking list by role", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/bookings/landlord", r.URL.Path)
			json.NewEncoder(w).Encode(BookingPage{Bookings: []Booking{{ID: "B1"}}, Pagination: BookingPagination{Page: 1, TotalBookings: 1}})
		})
		page, err := c.Bookings.List(ctx, RoleLandlord, 1, 20)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Pagination.TotalBookings)
	})

	t.Run("landlord views", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			switch {
			case r.Method == http.MethodGet && r.URL.Path == "/api/bookings/property/p1":
				json.NewEncoder(w).Encode([]Booking{{ID: "B1", Status: BookingPending}, {ID: "B2", Status: BookingConfirmed}})
			case r.Method == http.MethodGet && r.URL.Path == "/api/properties/landlord":
				json.NewEncoder(w).Encode([]Listing{{ID: "p1", City: "Lyon"}})
			case r.Method == http.MethodDelete && r.URL.Path == "/api/bookings/B1":
				w.WriteHeader(http.StatusNoContent)
			default:
				http.NotFound(w, r)
			}
		})

		bookings, err := c.Bookings.ForProperty(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, bookings, 2)
		assert.Equal(t, BookingConfirmed, bookings[1].Status)

		mine, err := c.Listings.Mine(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Listing{{ID: "p1", City: "Lyon"}}, mine)

		require.NoError(t, c.Bookings.Delete(ctx, "B1"))
		var apiErr *APIError
		require.ErrorAs(t, c.Bookings.Delete(ctx, "B9"), &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	})

	t.Run("payments", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/payments/initiate":
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "B1", body["bookingId"])
				json.NewEncoder(w).Encode(InitiatePaymentResult{PaymentID: "pay-1", CheckoutURL: "https://checkout"})
			case "/api/payments/pay-1/status":
				json.NewEncoder(w).Encode(PaymentStatusResult{Status: PaymentSuccess})
			default:
				http.NotFound(w, r)
			}
		})

		res, err := c.Payments.Initiate(ctx, "B1")
		require.NoError(t, err)
		assert.Equal(t, "pay-1", res.PaymentID)
		st, err := c.Payments.Status(ctx, res.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, PaymentSuccess, st.Status)
	})

	t.Run("listings are public", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			assert.Equal(t, "Paris", r.URL.Query().Get("city"))
			assert.Equal(t, "approved", r.URL.Query().Get("status"))
			json.NewEncoder(w).Encode(ListingPage{Data: []Listing{{ID: "l1", City: "Paris"}}, Total: 1})
		}, func(c *Client) { c.credentials = nil })

		page, err := c.Listings.List(ctx, ListingQuery{City: "Paris", Status: ListingApproved})
		require.NoError(t, err)
		assert.Equal(t, "l1", page.Data[0].ID)
	})

	t.Run("health", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health/status", r.URL.Path)
			w.Write([]byte(`{"status":"ok"}`))
		})
		h, err := c.Health(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ok", h.Status)
	})
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("error body decoded into APIError", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"Not your booking","code":"FORBIDDEN"}`))
		})
		_, err := c.Bookings.UpdateStatus(ctx, "B1", BookingCancelled)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
		assert.Equal(t, "FORBIDDEN", apiErr.Code)
		assert.Equal(t, "Not your booking", apiErr.Message)
		assert.Equal(t, "api error FORBIDDEN: Not your booking", apiErr.Error())
	})

	t.Run("message field and plain bodies", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/reviews/p1" {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"message":"Property not found"}`))
				return
			}
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>bad gateway</html>"))
		})

		_, err := c.Reviews.List(ctx, "p1", 1, 10)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Property not found", apiErr.Message)

		_, err = c.Listings.Get(ctx, "l1")
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Equal(t, "Bad Gateway", apiErr.Message)
	})

	t.Run("missing credentials are not sent", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) },
			func(c *Client) { c.credentials = StaticToken("") })

		_, err := c.Bookings.List(ctx, RoleTenant, 1, 10)
		require.ErrorIs(t, err, ErrNoCredentials)
		assert.Zero(t, hits.Load())
	})

	t.Run("credential store failure", func(t *testing.T) {
		c := NewClient(credentialFunc(func(context.Context) (string, error) { return "", errors.New("disk") }))
		_, err := c.Payments.Status(ctx, "pay-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk")
	})

	t.Run("circuit breaker opens after consecutive failures", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}, WithCircuitBreaker(2, time.Minute))

		for i := 0; i < 2; i++ {
			_, err := c.Health(ctx)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
		}
		_, err := c.Health(ctx)
		require.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("client errors do not trip the breaker", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}, WithCircuitBreaker(1, time.Minute))

		for i := 0; i < 3; i++ {
			_, err := c.Health(ctx)
			require.NotErrorIs(t, err, ErrCircuitOpen)
		}
	})

	t.Run("rate limiter honours context", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"ok"}`))
		}, WithRateLimit(0.001, 1))

		_, err := c.Health(ctx)
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = c.Health(short)
		require.Error(t, err)
	})
}

type credentialFunc func(context.Context) (string, error)

func (f credentialFunc) Token(ctx context.Context) (string, error) { return f(ctx) }
