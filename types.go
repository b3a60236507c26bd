package staylink

import (
	"time"
)

// ============================================================================
// Chat Types
// ============================================================================

// Message is a chat message within a conversation. Conversations are keyed
// by listing, so the wire field carrying the conversation id is propertyId.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"propertyId"`
	SenderID       string     `json:"senderId"`
	SenderName     string     `json:"senderName,omitempty"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
}

// PresenceStatus is a user's connectivity as seen by the server.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Pagination describes a page of a REST collection.
type Pagination struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
	Total      int `json:"total,omitempty"`
}

// MessagePage is a page of conversation history.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// ============================================================================
// Booking Types
// ============================================================================

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingRejected  BookingStatus = "rejected"
)

// BookingPaymentStatus is the payment summary carried on a booking.
type BookingPaymentStatus string

const (
	BookingPaymentPending BookingPaymentStatus = "pending"
	BookingPaymentPaid    BookingPaymentStatus = "paid"
	BookingPaymentFailed  BookingPaymentStatus = "failed"
)

// PropertySummary is the listing snapshot nested in a booking.
type PropertySummary struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Image    string  `json:"image,omitempty"`
	Location string  `json:"location,omitempty"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

type Booking struct {
	ID            string               `json:"id"`
	PropertyID    string               `json:"propertyId"`
	TenantID      string               `json:"tenantId"`
	StartDate     string               `json:"startDate"`
	EndDate       string               `json:"endDate"`
	TotalPrice    float64              `json:"totalPrice"`
	Currency      string               `json:"currency"`
	Status        BookingStatus        `json:"status"`
	PaymentStatus BookingPaymentStatus `json:"paymentStatus,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	Property      *PropertySummary     `json:"property,omitempty"`
}

type BookingPagination struct {
	Page          int `json:"page"`
	TotalPages    int `json:"totalPages"`
	TotalBookings int `json:"totalBookings"`
}

type BookingPage struct {
	Bookings   []Booking         `json:"bookings"`
	Pagination BookingPagination `json:"pagination"`
}

type CreateBookingRequest struct {
	PropertyID string `json:"propertyId"`
	StartDate  string `json:"startDate"`
	EndDate    string `json:"endDate"`
}

// BookingRole selects which side of the marketplace a booking list is for.
type BookingRole string

const (
	RoleTenant   BookingRole = "tenant"
	RoleLandlord BookingRole = "landlord"
)

// ============================================================================
// Payment Types
// ============================================================================

// PaymentStatus is the checkout state of a booking's payment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// PaymentEntry is the locally tracked payment state for one booking.
type PaymentEntry struct {
	BookingID   string        `json:"bookingId"`
	Status      PaymentStatus `json:"status"`
	PaymentID   string        `json:"paymentId,omitempty"`
	CheckoutURL string        `json:"checkoutUrl,omitempty"`
}

type InitiatePaymentResult struct {
	CheckoutURL string `json:"checkoutUrl"`
	PaymentID   string `json:"paymentId"`
}

type PaymentStatusResult struct {
	Status PaymentStatus `json:"status"`
}

// ============================================================================
// Review Types
// ============================================================================

type ReviewAuthor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Review struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenantId"`
	PropertyID string       `json:"propertyId"`
	Rating     int          `json:"rating"`
	Title      string       `json:"title"`
	Comment    string       `json:"comment"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	Tenant     ReviewAuthor `json:"tenant"`
}

type ReviewPage struct {
	Reviews       []Review `json:"reviews"`
	AverageRating float64  `json:"averageRating"`
	Count         int      `json:"count"`
	Page          int      `json:"page"`
	Limit         int      `json:"limit"`
}

// ============================================================================
// Listing Types
// ============================================================================

// ListingStatus is the moderation state of a listing.
type ListingStatus string

const (
	ListingPending  ListingStatus = "pending"
	ListingApproved ListingStatus = "approved"
)

type ListingImage struct {
	URL string `json:"url"`
}

type ListingOwner struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Listing struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	City         string         `json:"city"`
	RentPerMonth float64        `json:"rentPerMonth"`
	NumBedrooms  int            `json:"numBedrooms"`
	NumBathrooms int            `json:"numBathrooms"`
	PropertyType string         `json:"propertyType"`
	Amenities    []string       `json:"amenities,omitempty"`
	Status       ListingStatus  `json:"status"`
	Images       []ListingImage `json:"images,omitempty"`
	Landlord     ListingOwner   `json:"landlord"`
	LikesCount   int            `json:"likesCount,omitempty"`
}

type ListingPage struct {
	Data  []Listing `json:"data"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}

// ListingQuery filters a listing search. Zero fields are omitted.
type ListingQuery struct {
	City       string
	Status     ListingStatus
	LandlordID string
	Page       int
	Limit      int
}

// HealthStatus is the response of the service health endpoint.
type HealthStatus struct {
	Status string `json:"status"`
}
