package staylink

import (
	"encoding/json"
)

// Server-to-client event names.
const (
	EventAuthenticated        = "authenticated"
	EventNewMessage           = "newMessage"
	EventMessageEdited        = "messageEdited"
	EventMessageDeleted       = "messageDeleted"
	EventTypingStatus         = "typingStatus"
	EventPresence             = "presence"
	EventNewBooking           = "newBooking"
	EventBookingStatusUpdate  = "bookingStatusUpdate"
	EventPaymentStatusUpdated = "paymentStatusUpdated"
	EventListingApproved      = "listing:approved"
	EventListingPending       = "listing:pending"
	EventReviewCreated        = "admin:newReview"
	EventReviewUpdated        = "admin:updateReview"
	EventReviewDeleted        = "admin:deleteReview"
	EventAck                  = "ack"
	EventPong                 = "pong"
	EventError                = "error"
)

// Client-to-server command names.
const (
	CommandSendMessage   = "sendMessage"
	CommandEditMessage   = "editMessage"
	CommandDeleteMessage = "deleteMessage"
	CommandTyping        = "typing"
	CommandJoinRoom      = "joinRoom"
	CommandLeaveRoom     = "leaveRoom"
	CommandPing          = "ping"
)

// ============================================================================
// Wire Envelopes
// ============================================================================

// Envelope is the wire format for every server-to-client frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server frame. RequestID is set only on commands
// that expect an acknowledgment.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ============================================================================
// Command Payloads
// ============================================================================

type SendMessageRequest struct {
	ConversationID string `json:"propertyId"`
	Content        string `json:"content"`
}

type EditMessageRequest struct {
	ConversationID string `json:"propertyId"`
	MessageID      string `json:"messageId"`
	NewContent     string `json:"newContent"`
}

type DeleteMessageRequest struct {
	ConversationID string `json:"propertyId"`
	MessageID      string `json:"messageId"`
}

type TypingRequest struct {
	ConversationID string `json:"propertyId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// CommandResult is the acknowledgment body for edit and delete.
type CommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ============================================================================
// Event Payloads
// ============================================================================

// AuthenticatedPayload is the first frame of every connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// MessageDeletedPayload may omit the conversation id, in which case the
// receiving view attributes it to its own conversation.
type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"propertyId,omitempty"`
}

// TypingStatusPayload may omit the conversation id, as above.
type TypingStatusPayload struct {
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"propertyId,omitempty"`
}

type PresencePayload struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type PaymentStatusUpdatedPayload struct {
	BookingID     string        `json:"bookingId"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
