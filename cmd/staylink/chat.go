package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	staylink "github.com/staylink/staylink/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat history
	chatHistoryPage int
	chatHistoryJSON bool

	// chat watch
	chatWatchInterval time.Duration
)

func init() {
	chatHistoryCmd.Flags().IntVar(&chatHistoryPage, "page", 1, "History page to fetch")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")
	chatWatchCmd.Flags().DurationVar(&chatWatchInterval, "credential-poll", 5*time.Second, "How often to re-read the stored token")

	chatCmd.AddCommand(chatHistoryCmd, chatSendCmd, chatEditCmd, chatDeleteCmd, chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversation commands",
	Long:  "Read and write the conversation attached to a listing. Conversations are identified by the listing id.",
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print a page of message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()

		page, err := client.Messages.History(ctx, args[0], chatHistoryPage, 50)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatHistoryJSON {
			return printJSON(page)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page.Messages {
			fmt.Println(formatMessage(m, time.Now()))
		}
		fmt.Printf("\nPage %d of %d (%d messages)\n", page.Pagination.Page, page.Pagination.TotalPages, page.Pagination.Total)
		return nil
	},
}

// ============================================================================
// chat send / edit / delete
// ============================================================================

// withView connects a session, opens the conversation and runs fn.
func withView(conversationID string, fn func(ctx context.Context, v *staylink.ConversationView) error) error {
	s := newSession(getClient())
	defer s.Close()

	ctx, cancel := withTimeout(20 * time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	v, err := s.OpenConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("cannot open conversation: %w", err)
	}
	defer v.Close()
	if _, err := v.Load(ctx, 1); err != nil {
		logger.Sugar().Debugf("history load failed: %v", err)
	}
	return fn(ctx, v)
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args[1:], " ")
		return withView(args[0], func(ctx context.Context, v *staylink.ConversationView) error {
			m, err := v.Send(ctx, content)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Sent %s\n", m.ID)
			return nil
		})
	},
}

var chatEditCmd = &cobra.Command{
	Use:   "edit <conversation> <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args[2:], " ")
		return withView(args[0], func(ctx context.Context, v *staylink.ConversationView) error {
			if err := v.Edit(ctx, args[1], content); err != nil {
				return fmt.Errorf("edit failed: %w", err)
			}
			fmt.Printf("Edited %s\n", args[1])
			return nil
		})
	},
}

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <conversation> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(args[0], func(ctx context.Context, v *staylink.ConversationView) error {
			if err := v.Delete(ctx, args[1]); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			fmt.Printf("Deleted %s\n", args[1])
			return nil
		})
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation live",
	Long:  "Join the conversation and print messages, edits, deletions, typing and presence until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := newSession(getClient())
		defer s.Close()

		v, err := s.OpenConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("cannot open conversation: %w", err)
		}
		defer v.Close()

		if _, err := v.Load(ctx, 1); err != nil {
			fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		}
		for _, m := range v.Messages() {
			fmt.Println(formatMessage(m, time.Now()))
		}

		s.Conversations.OnChange(func(event string, payload any) {
			change, ok := payload.(staylink.ConversationChange)
			if !ok || change.ConversationID != id || change.MessageID == "" {
				return
			}
			m, ok := s.Conversations.Message(id, change.MessageID)
			if !ok {
				return
			}
			switch event {
			case staylink.MessageMerged:
				fmt.Println(formatMessage(m, time.Now()))
			case staylink.MessageEdited:
				fmt.Printf("  (edited) %s\n", formatMessage(m, time.Now()))
			case staylink.MessageDeleted:
				fmt.Printf("  (message %s deleted)\n", m.ID)
			}
		})
		s.Presence.On(staylink.TypingChanged, func(_ string, payload any) {
			if p, ok := payload.(staylink.TypingStatusPayload); ok && p.ConversationID == id {
				fmt.Printf("  typing: %s\n", strings.Join(v.TypingUsers(), ", "))
			}
		})
		s.Presence.On(staylink.PresenceChanged, func(_ string, payload any) {
			if p, ok := payload.(staylink.PresencePayload); ok {
				fmt.Printf("  %s is %s\n", p.UserID, p.Status)
			}
		})
		s.Channel.OnStateChange(func(st staylink.ConnState) {
			fmt.Fprintf(os.Stderr, "[%s]\n", st)
		})

		err = s.Watch(ctx, chatWatchInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func formatMessage(m staylink.Message, now time.Time) string {
	sender := valueOrDefault(m.SenderName, m.SenderID)
	when := humanize.RelTime(m.CreatedAt, now, "ago", "from now")
	if m.Deleted {
		return fmt.Sprintf("[%s] %s %s: (deleted)", m.ID, when, sender)
	}
	edited := ""
	if m.EditedAt != nil {
		edited = " (edited)"
	}
	return fmt.Sprintf("[%s] %s %s: %s%s", m.ID, when, sender, m.Content, edited)
}
