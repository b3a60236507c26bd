package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	staylink "github.com/staylink/staylink/sdk/golang"
)

var payStatusPaymentID string

func init() {
	payStatusCmd.Flags().StringVar(&payStatusPaymentID, "payment", "", "Payment id returned by 'pay start'")
	_ = payStatusCmd.MarkFlagRequired("payment")

	payCmd.AddCommand(payStartCmd, payStatusCmd)
	rootCmd.AddCommand(payCmd)
}

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Payment commands",
}

var payStartCmd = &cobra.Command{
	Use:   "start <booking-id>",
	Short: "Start checkout for a confirmed booking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		bookings := staylink.NewBookingStore(client.Bookings, staylink.RoleTenant, staylink.WithStoreLogger(logger))
		payments := staylink.NewPaymentStore(client.Payments, bookings, staylink.WithStoreLogger(logger))

		ctx, cancel := withTimeout(30 * time.Second)
		defer cancel()
		if err := findBooking(ctx, bookings, args[0]); err != nil {
			return err
		}
		entry, err := payments.Initiate(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cannot start payment: %w", err)
		}
		fmt.Printf("Payment ID:   %s\n", entry.PaymentID)
		fmt.Printf("Checkout URL: %s\n", entry.CheckoutURL)
		fmt.Printf("\nCheck the result with: staylink pay status %s --payment %s\n", args[0], entry.PaymentID)
		return nil
	},
}

var payStatusCmd = &cobra.Command{
	Use:   "status <booking-id>",
	Short: "Ask the backend for a payment's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		payments := staylink.NewPaymentStore(client.Payments, nil, staylink.WithStoreLogger(logger))
		payments.Reconcile(staylink.PaymentEntry{BookingID: args[0], Status: staylink.PaymentPending, PaymentID: payStatusPaymentID})

		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()
		entry, err := payments.CheckStatus(ctx, args[0])
		if err != nil {
			return fmt.Errorf("status check failed: %w", err)
		}
		fmt.Printf("Booking %s: %s\n", entry.BookingID, entry.Status)
		return nil
	},
}
