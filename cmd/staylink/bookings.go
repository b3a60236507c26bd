package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	staylink "github.com/staylink/staylink/sdk/golang"
)

var (
	bookingsListPage     int
	bookingsListLandlord bool
	bookingsListJSON     bool
	bookingsListProperty string
)

func init() {
	bookingsListCmd.Flags().IntVar(&bookingsListPage, "page", 1, "Page to list")
	bookingsListCmd.Flags().BoolVar(&bookingsListLandlord, "landlord", false, "List bookings on your listings instead of your own")
	bookingsListCmd.Flags().BoolVar(&bookingsListJSON, "json", false, "Output raw JSON")
	bookingsListCmd.Flags().StringVar(&bookingsListProperty, "property", "", "List all bookings on one of your listings")

	bookingsCmd.AddCommand(bookingsListCmd,
		bookingStatusCmd("confirm", "Confirm a pending booking (landlord)", (*staylink.BookingStore).Confirm),
		bookingStatusCmd("reject", "Reject a booking (landlord)", (*staylink.BookingStore).Reject),
		bookingStatusCmd("cancel", "Cancel a booking", (*staylink.BookingStore).Cancel),
	)
	rootCmd.AddCommand(bookingsCmd)
}

var bookingsCmd = &cobra.Command{
	Use:   "bookings",
	Short: "Booking commands",
}

var bookingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bookings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		if bookingsListProperty != "" {
			return listPropertyBookings(client, bookingsListProperty)
		}
		cfg, _ := loadConfig()
		role := configuredRole(cfg)
		if bookingsListLandlord {
			role = staylink.RoleLandlord
		}
		store := staylink.NewBookingStore(client.Bookings, role, staylink.WithStoreLogger(logger))

		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()
		pg, err := store.LoadPage(ctx, bookingsListPage)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		bookings := store.List()
		if bookingsListJSON {
			return printJSON(bookings)
		}
		if len(bookings) == 0 {
			fmt.Println("No bookings.")
			return nil
		}
		now := time.Now()
		for _, b := range bookings {
			fmt.Println(formatBooking(b, now))
		}
		fmt.Printf("\nPage %d of %d (%d bookings)\n", pg.Page, pg.TotalPages, pg.TotalBookings)
		return nil
	},
}

func listPropertyBookings(client *staylink.Client, propertyID string) error {
	ctx, cancel := withTimeout(15 * time.Second)
	defer cancel()
	bookings, err := client.Bookings.ForProperty(ctx, propertyID)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if bookingsListJSON {
		return printJSON(bookings)
	}
	if len(bookings) == 0 {
		fmt.Println("No bookings.")
		return nil
	}
	now := time.Now()
	for _, b := range bookings {
		fmt.Println(formatBooking(b, now))
	}
	return nil
}

type statusFunc func(s *staylink.BookingStore, ctx context.Context, bookingID string) (staylink.Booking, error)

func bookingStatusCmd(use, short string, apply statusFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <booking-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := getClient()
			cfg, _ := loadConfig()
			store := staylink.NewBookingStore(client.Bookings, configuredRole(cfg), staylink.WithStoreLogger(logger))

			ctx, cancel := withTimeout(20 * time.Second)
			defer cancel()
			if err := findBooking(ctx, store, args[0]); err != nil {
				return err
			}
			b, err := apply(store, ctx, args[0])
			if err != nil {
				var conflict *staylink.ConflictError
				if errors.As(err, &conflict) {
					cur, _ := store.Get(args[0])
					return fmt.Errorf("%s failed, booking is still %s: %w", use, cur.Status, conflict.Err)
				}
				return fmt.Errorf("%s failed: %w", use, err)
			}
			fmt.Println(formatBooking(b, time.Now()))
			return nil
		},
	}
}

// findBooking pages through the booking list until id is held by store.
func findBooking(ctx context.Context, store *staylink.BookingStore, id string) error {
	for page := 1; ; page++ {
		pg, err := store.LoadPage(ctx, page)
		if err != nil {
			return fmt.Errorf("cannot load bookings: %w", err)
		}
		if _, ok := store.Get(id); ok {
			return nil
		}
		if page >= pg.TotalPages {
			return fmt.Errorf("booking %s not found among your %s bookings", id, store.Role())
		}
	}
}

func formatBooking(b staylink.Booking, now time.Time) string {
	title := b.PropertyID
	if b.Property != nil && b.Property.Title != "" {
		title = b.Property.Title
	}
	line := fmt.Sprintf("%s  %-10s %s  %s → %s  %s %s",
		b.ID, b.Status, title,
		shortDate(b.StartDate), shortDate(b.EndDate),
		humanize.CommafWithDigits(b.TotalPrice, 2), b.Currency)
	if b.PaymentStatus != "" {
		line += fmt.Sprintf("  payment:%s", b.PaymentStatus)
	}
	if !b.CreatedAt.IsZero() {
		line += "  requested " + humanize.RelTime(b.CreatedAt, now, "ago", "from now")
	}
	return line
}

// shortDate trims an ISO timestamp to its date.
func shortDate(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}
