//go:build integration

package staylink_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	staylink "github.com/staylink/staylink/sdk/golang"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s environment variable is required", name)
	}
	return v
}

func newClient(t *testing.T, tokenVar string) *staylink.Client {
	t.Helper()
	var opts []staylink.ClientOption
	if base := os.Getenv("STAYLINK_BASE_URL_TEST"); base != "" {
		opts = append(opts, staylink.WithBaseURL(base))
	}
	return staylink.NewClient(staylink.StaticToken(env(t, tokenVar)), opts...)
}

func connectSession(t *testing.T, ctx context.Context, client *staylink.Client) *staylink.Session {
	t.Helper()
	s := staylink.NewSession(client)
	t.Cleanup(s.Close)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if s.Channel.State() != staylink.StateConnected {
		t.Fatalf("expected connected, got %s", s.Channel.State())
	}
	return s
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Group 1: REST
// =======================================================================

func TestIntegration_REST(t *testing.T) {
	client := newClient(t, "STAYLINK_TOKEN_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("Health", func(t *testing.T) {
		h, err := client.Health(ctx)
		if err != nil {
			t.Fatalf("Health error: %v", err)
		}
		t.Logf("Health — status=%s", h.Status)
	})

	t.Run("Listings", func(t *testing.T) {
		page, err := client.Listings.List(ctx, staylink.ListingQuery{Status: staylink.ListingApproved, Page: 1, Limit: 5})
		if err != nil {
			t.Fatalf("Listings error: %v", err)
		}
		t.Logf("Listings — total=%d returned=%d", page.Total, len(page.Data))
	})

	t.Run("Bookings", func(t *testing.T) {
		store := staylink.NewBookingStore(client.Bookings, staylink.RoleTenant)
		pg, err := store.LoadPage(ctx, 1)
		if err != nil {
			t.Fatalf("LoadPage error: %v", err)
		}
		if store.Len() > pg.TotalBookings {
			t.Errorf("store holds %d bookings, server reports %d", store.Len(), pg.TotalBookings)
		}
		t.Logf("Bookings — page=%d/%d total=%d", pg.Page, pg.TotalPages, pg.TotalBookings)
	})

	t.Run("NoCredentials", func(t *testing.T) {
		anon := staylink.NewClient(staylink.StaticToken(""), staylink.WithBaseURL(client.BaseURL()))
		if _, err := anon.Bookings.List(ctx, staylink.RoleTenant, 1, 1); !errors.Is(err, staylink.ErrNoCredentials) {
			t.Fatalf("expected ErrNoCredentials, got %v", err)
		}
	})
}

// =======================================================================
// Group 2: Real-time conversation between two users
// =======================================================================

func TestIntegration_Conversation(t *testing.T) {
	conversationID := env(t, "STAYLINK_PROPERTY_TEST")
	clientA := newClient(t, "STAYLINK_TOKEN_TEST")
	clientB := newClient(t, "STAYLINK_TOKEN_B_TEST")

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	a := connectSession(t, ctx, clientA)
	b := connectSession(t, ctx, clientB)
	t.Logf("Connected — a=%s b=%s", a.Channel.UserID(), b.Channel.UserID())

	viewA, err := a.OpenConversation(ctx, conversationID)
	if err != nil {
		t.Fatalf("A OpenConversation error: %v", err)
	}
	defer viewA.Close()
	viewB, err := b.OpenConversation(ctx, conversationID)
	if err != nil {
		t.Fatalf("B OpenConversation error: %v", err)
	}
	defer viewB.Close()

	if _, err := viewB.Load(ctx, 1); err != nil {
		t.Fatalf("B Load error: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	var sent *staylink.Message
	t.Run("Send", func(t *testing.T) {
		sent, err = viewA.Send(ctx, fmt.Sprintf("integration test %d", time.Now().UnixNano()))
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		if _, ok := a.Conversations.Message(conversationID, sent.ID); !ok {
			t.Fatal("sent message not in sender's store")
		}
		waitFor(t, "message on B", 15*time.Second, func() bool {
			_, ok := b.Conversations.Message(conversationID, sent.ID)
			return ok
		})
		t.Logf("Send — id=%s", sent.ID)
	})
	if sent == nil {
		t.FailNow()
	}

	t.Run("Typing", func(t *testing.T) {
		viewA.SetTyping(true)
		waitFor(t, "typing on B", 10*time.Second, func() bool {
			return b.Presence.IsTyping(conversationID, a.Channel.UserID())
		})
		viewA.SetTyping(false)
		waitFor(t, "typing cleared on B", 10*time.Second, func() bool {
			return !b.Presence.IsTyping(conversationID, a.Channel.UserID())
		})
	})

	t.Run("EditNotAuthor", func(t *testing.T) {
		if err := viewB.Edit(ctx, sent.ID, "hijack"); !errors.Is(err, staylink.ErrNotAuthor) {
			t.Fatalf("expected ErrNotAuthor, got %v", err)
		}
	})

	t.Run("Edit", func(t *testing.T) {
		if err := viewA.Edit(ctx, sent.ID, "edited by integration test"); err != nil {
			t.Fatalf("Edit error: %v", err)
		}
		waitFor(t, "edit on B", 15*time.Second, func() bool {
			m, _ := b.Conversations.Message(conversationID, sent.ID)
			return m.Content == "edited by integration test"
		})
	})

	t.Run("Delete", func(t *testing.T) {
		if err := viewA.Delete(ctx, sent.ID); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		waitFor(t, "delete on B", 15*time.Second, func() bool {
			m, _ := b.Conversations.Message(conversationID, sent.ID)
			return m.Deleted
		})
	})

	t.Run("Disconnect", func(t *testing.T) {
		a.Channel.Disconnect()
		if a.Channel.State() != staylink.StateDisconnected {
			t.Errorf("expected disconnected, got %s", a.Channel.State())
		}
		if _, err := viewA.Send(ctx, "after disconnect"); !errors.Is(err, staylink.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}
