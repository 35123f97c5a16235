package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmerrifield20/scantotrust/pkg/client"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(authorizeCmd)
	rootCmd.AddCommand(handoffCmd)
}

// ── authorize ────────────────────────────────────────────────────────────────

var (
	authOwnerID   string
	authCode      string
	authNextRole  string
	authNextOwner string
	authNextName  string
	authNotBefore string
	authDays      int
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize <batch-id>",
	Short: "Issue a single-use transfer code as the current holder",
	Long: `authorize issues the code the next holder needs to take custody.

Any earlier unused code for the batch stops working. A holder who received
the batch through a handoff sets their own owner code with the first
authorize they run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.AuthorizeRequest{
			NextRole:      authNextRole,
			NextOwnerID:   authNextOwner,
			NextOwnerName: optional(authNextName),
			ValidDays:     authDays,
		}
		if authNotBefore != "" {
			t, err := time.Parse(time.RFC3339, authNotBefore)
			if err != nil {
				return fmt.Errorf("--not-before must be RFC 3339: %w", err)
			}
			req.NotBefore = &t
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		tok, err := c.Authorize(context.Background(), args[0], authOwnerID, authCode, req)
		if err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		if jsonOutput() {
			return printJSON(tok)
		}
		fmt.Printf("✓ Transfer authorized\n\n")
		fmt.Printf("  Code:       %s\n", tok.Code)
		fmt.Printf("  Next:       %s (%s)\n", tok.NextOwnerID, tok.NextRole)
		fmt.Printf("  Expires at: %s\n\n", tok.ExpiresAt.Local().Format(time.RFC1123))
		fmt.Println("Give the code to the next holder. It is not shown again.")
		return nil
	},
}

func init() {
	authorizeCmd.Flags().StringVar(&authOwnerID, "owner", "", "Current holder identifier")
	authorizeCmd.Flags().StringVar(&authCode, "code", "", "Current holder owner code")
	authorizeCmd.Flags().StringVar(&authNextRole, "next-role", "", "Role of the next holder (manufacturer, distributor, retailer)")
	authorizeCmd.Flags().StringVar(&authNextOwner, "next-owner", "", "Identifier of the next holder")
	authorizeCmd.Flags().StringVar(&authNextName, "next-name", "", "Expected name of the next holder (optional)")
	authorizeCmd.Flags().StringVar(&authNotBefore, "not-before", "", "Earliest redemption time, RFC 3339 (optional)")
	authorizeCmd.Flags().IntVar(&authDays, "days", 0, "Validity in days (default 14)")

	_ = authorizeCmd.MarkFlagRequired("owner")
	_ = authorizeCmd.MarkFlagRequired("code")
	_ = authorizeCmd.MarkFlagRequired("next-role")
	_ = authorizeCmd.MarkFlagRequired("next-owner")
}

// ── handoff ──────────────────────────────────────────────────────────────────

var (
	handoffRole     string
	handoffCode     string
	handoffActor    string
	handoffName     string
	handoffCompany  string
	handoffPhone    string
	handoffPrice    string
	handoffLocation string
	handoffDocFile  string
	handoffDocText  string
)

var handoffCmd = &cobra.Command{
	Use:   "handoff <batch-id>",
	Short: "Redeem a transfer code and record the custody event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.HandoffRequest{
			Role: handoffRole,
			Code: handoffCode,
			Actor: client.Actor{
				ID:      handoffActor,
				Name:    handoffName,
				Company: handoffCompany,
				Phone:   handoffPhone,
			},
			Location: handoffLocation,
			DocText:  optional(handoffDocText),
		}
		if handoffPrice != "" {
			p, err := decimal.NewFromString(handoffPrice)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			req.Actor.Price = decimal.NewNullDecimal(p)
		}
		if handoffDocFile != "" {
			h, err := hashFile(handoffDocFile)
			if err != nil {
				return err
			}
			req.DocHash = h.Hex()
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ev, err := c.Handoff(context.Background(), args[0], req)
		if err != nil {
			if client.IsCode(err, "expired") {
				return fmt.Errorf("handoff: the code has expired; ask the current holder to authorize again")
			}
			return fmt.Errorf("handoff: %w", err)
		}
		if jsonOutput() {
			return printJSON(ev)
		}
		fmt.Printf("✓ Custody recorded\n\n")
		fmt.Printf("  Role:  %s\n", ev.Role)
		fmt.Printf("  Actor: %s\n", ev.Actor.ID)
		fmt.Printf("  Hash:  %s\n", ev.Hash)
		return nil
	},
}

func init() {
	handoffCmd.Flags().StringVar(&handoffRole, "role", "", "Role being taken (must match the code)")
	handoffCmd.Flags().StringVar(&handoffCode, "code", "", "Transfer code from the current holder")
	handoffCmd.Flags().StringVar(&handoffActor, "actor", "", "Your identifier")
	handoffCmd.Flags().StringVar(&handoffName, "name", "", "Your name")
	handoffCmd.Flags().StringVar(&handoffCompany, "company", "", "Your company")
	handoffCmd.Flags().StringVar(&handoffPhone, "phone", "", "Your phone")
	handoffCmd.Flags().StringVar(&handoffPrice, "price", "", "Price you paid (decimal)")
	handoffCmd.Flags().StringVar(&handoffLocation, "location", "", "Where custody changed")
	handoffCmd.Flags().StringVar(&handoffDocFile, "doc", "", "Attach a document by hashing this file locally")
	handoffCmd.Flags().StringVar(&handoffDocText, "doc-text", "", "Attach a short text document (hashed by the tracker)")
	handoffCmd.MarkFlagsMutuallyExclusive("doc", "doc-text")

	_ = handoffCmd.MarkFlagRequired("role")
	_ = handoffCmd.MarkFlagRequired("code")
	_ = handoffCmd.MarkFlagRequired("actor")
}
