// Package staylink is the Go SDK for the StayLink rental marketplace.
//
// It keeps locally held chat, presence, booking and payment state in sync
// with the REST backend and the real-time event channel.
//
// Example:
//
//	client := staylink.NewClient(staylink.StaticToken(token), staylink.WithBaseURL(url))
//	session := staylink.NewSession(client)
//	defer session.Close()
//
//	session.Channel.Connect(ctx, token)
//	view, _ := session.OpenConversation(ctx, propertyID)
//	defer view.Close()
//	view.Send(ctx, "Is the flat still available?")
package staylink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.staylink.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. Resource endpoints hang off its sub-clients.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialStore
	log         *zap.Logger
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker

	Bookings *BookingsAPI
	Payments *PaymentsAPI
	Messages *MessagesAPI
	Reviews  *ReviewsAPI
	Listings *ListingsAPI
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithRateLimit caps outgoing requests at rps per second with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithCircuitBreaker stops calling the backend after maxFailures consecutive
// transport or 5xx failures, probing again after cooldown.
func WithCircuitBreaker(maxFailures uint32, cooldown time.Duration) ClientOption {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "staylink-api",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}
}

// NewClient creates a REST client that authenticates with tokens from
// credentials. credentials may be nil for unauthenticated calls only.
func NewClient(credentials CredentialStore, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		credentials: credentials,
		log:         zap.NewNop(),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Bookings = &BookingsAPI{c: c}
	c.Payments = &PaymentsAPI{c: c}
	c.Messages = &MessagesAPI{c: c}
	c.Reviews = &ReviewsAPI{c: c}
	c.Listings = &ListingsAPI{c: c}
	return c
}

// BaseURL is the server root shared by REST and the event channel.
func (c *Client) BaseURL() string { return c.baseURL }

// Credentials returns the store the client authenticates with.
func (c *Client) Credentials() CredentialStore { return c.credentials }

// Health reports backend availability. It needs no credentials.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/health/status", nil, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthStatus](data)
}

// ============================================================================
// Internal request helper
// ============================================================================

type httpResult struct {
	status int
	body   []byte
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.credentials == nil {
		return "", ErrNoCredentials
	}
	tok, err := c.credentials.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	if tok == "" {
		return "", ErrNoCredentials
	}
	return tok, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values, auth bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
	}

	var bearer string
	if auth {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, err
		}
		bearer = tok
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	send := func() (*httpResult, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, decodeAPIError(resp.StatusCode, data)
		}
		return &httpResult{status: resp.StatusCode, body: data}, nil
	}

	var res *httpResult
	var err error
	if c.breaker != nil {
		var out any
		out, err = c.breaker.Execute(func() (any, error) { return send() })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrCircuitOpen)
		}
		if err == nil {
			res = out.(*httpResult)
		}
	} else {
		res, err = send()
	}
	if err != nil {
		c.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, err
	}
	if res.status < 200 || res.status >= 300 {
		return nil, decodeAPIError(res.status, res.body)
	}
	return res.body, nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		var alt struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &alt) == nil && alt.Message != "" {
			apiErr.Message = alt.Message
		} else {
			apiErr.Message = http.StatusText(status)
		}
	}
	apiErr.StatusCode = status
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// ============================================================================
// Bookings
// ============================================================================

type BookingsAPI struct{ c *Client }

func (b *BookingsAPI) Create(ctx context.Context, req CreateBookingRequest) (*Booking, error) {
	data, err := b.c.doRequest(ctx, http.MethodPost, "/api/bookings", req, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Booking](data)
}

// List returns one page of the caller's bookings as tenant or landlord.
func (b *BookingsAPI) List(ctx context.Context, role BookingRole, page, limit int) (*BookingPage, error) {
	data, err := b.c.doRequest(ctx, http.MethodGet, "/api/bookings/"+url.PathEscape(string(role)), nil, pageQuery(page, limit), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[BookingPage](data)
}

// ForProperty lists the bookings of one listing, for its landlord.
func (b *BookingsAPI) ForProperty(ctx context.Context, propertyID string) ([]Booking, error) {
	data, err := b.c.doRequest(ctx, http.MethodGet, "/api/bookings/property/"+url.PathEscape(propertyID), nil, nil, true)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Booking](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (b *BookingsAPI) UpdateStatus(ctx context.Context, bookingID string, status BookingStatus) (*Booking, error) {
	body := map[string]BookingStatus{"status": status}
	data, err := b.c.doRequest(ctx, http.MethodPatch, "/api/bookings/"+url.PathEscape(bookingID), body, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Booking](data)
}

func (b *BookingsAPI) Delete(ctx context.Context, bookingID string) error {
	_, err := b.c.doRequest(ctx, http.MethodDelete, "/api/bookings/"+url.PathEscape(bookingID), nil, nil, true)
	return err
}

// ============================================================================
// Payments
// ============================================================================

type PaymentsAPI struct{ c *Client }

// Initiate starts checkout for a booking and returns the provider URL.
func (p *PaymentsAPI) Initiate(ctx context.Context, bookingID string) (*InitiatePaymentResult, error) {
	body := map[string]string{"bookingId": bookingID}
	data, err := p.c.doRequest(ctx, http.MethodPost, "/api/payments/initiate", body, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[InitiatePaymentResult](data)
}

func (p *PaymentsAPI) Status(ctx context.Context, paymentID string) (*PaymentStatusResult, error) {
	data, err := p.c.doRequest(ctx, http.MethodGet, "/api/payments/"+url.PathEscape(paymentID)+"/status", nil, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[PaymentStatusResult](data)
}

// ============================================================================
// Messages
// ============================================================================

type MessagesAPI struct{ c *Client }

// History returns a page of a conversation, oldest first within the page.
func (m *MessagesAPI) History(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	data, err := m.c.doRequest(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(conversationID), nil, pageQuery(page, limit), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// ============================================================================
// Reviews
// ============================================================================

type ReviewsAPI struct{ c *Client }

func (r *ReviewsAPI) List(ctx context.Context, propertyID string, page, limit int) (*ReviewPage, error) {
	data, err := r.c.doRequest(ctx, http.MethodGet, "/api/reviews/"+url.PathEscape(propertyID), nil, pageQuery(page, limit), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ReviewPage](data)
}

// ============================================================================
// Listings
// ============================================================================

type ListingsAPI struct{ c *Client }

func (l *ListingsAPI) List(ctx context.Context, q ListingQuery) (*ListingPage, error) {
	query := pageQuery(q.Page, q.Limit)
	if q.City != "" {
		query.Set("city", q.City)
	}
	if q.Status != "" {
		query.Set("status", string(q.Status))
	}
	if q.LandlordID != "" {
		query.Set("landlordId", q.LandlordID)
	}
	data, err := l.c.doRequest(ctx, http.MethodGet, "/api/properties", nil, query, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ListingPage](data)
}

// Mine lists the signed-in landlord's own listings.
func (l *ListingsAPI) Mine(ctx context.Context) ([]Listing, error) {
	data, err := l.c.doRequest(ctx, http.MethodGet, "/api/properties/landlord", nil, nil, true)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Listing](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (l *ListingsAPI) Get(ctx context.Context, listingID string) (*Listing, error) {
	data, err := l.c.doRequest(ctx, http.MethodGet, "/api/properties/"+url.PathEscape(listingID), nil, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Listing](data)
}
