package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/scantotrust/pkg/client"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(deleteCmd)
}

// ── create ───────────────────────────────────────────────────────────────────

var (
	createProduct  string
	createPrice    string
	createLocation string
	createOwnerID  string
	createCode     string
	createName     string
	createCompany  string
	createPhone    string
	createDocFile  string
	createDocText  string
)

var createCmd = &cobra.Command{
	Use:   "create <batch-id>",
	Short: "Register a new batch as its producer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.CreateBatchRequest{
			BatchID:     args[0],
			ProductName: createProduct,
			Location:    createLocation,
			Owner: client.Owner{
				ID:      createOwnerID,
				Code:    createCode,
				Name:    createName,
				Company: createCompany,
				Phone:   createPhone,
			},
			DocText: optional(createDocText),
		}
		if createPrice != "" {
			p, err := decimal.NewFromString(createPrice)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			req.Price = decimal.NewNullDecimal(p)
		}
		if createDocFile != "" {
			h, err := hashFile(createDocFile)
			if err != nil {
				return err
			}
			req.DocHash = h.Hex()
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.CreateBatch(context.Background(), req)
		if err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		if jsonOutput() {
			return printJSON(res)
		}
		fmt.Printf("✓ Batch registered\n\n")
		fmt.Printf("  ID:          %s\n", res.BatchID)
		fmt.Printf("  First event: %s\n", res.FirstEventHash)
		fmt.Printf("  QR label:    %s%s\n", trackerURL, res.QRURL)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createProduct, "product", "", "Product name")
	createCmd.Flags().StringVar(&createPrice, "price", "", "Product price (decimal)")
	createCmd.Flags().StringVar(&createLocation, "location", "", "Where the batch was produced")
	createCmd.Flags().StringVar(&createOwnerID, "owner", "", "Producer identifier")
	createCmd.Flags().StringVar(&createCode, "code", "", "Owner secret code used to authorize the first transfer")
	createCmd.Flags().StringVar(&createName, "name", "", "Producer name")
	createCmd.Flags().StringVar(&createCompany, "company", "", "Producer company")
	createCmd.Flags().StringVar(&createPhone, "phone", "", "Producer phone")
	createCmd.Flags().StringVar(&createDocFile, "doc", "", "Attach a document by hashing this file locally")
	createCmd.Flags().StringVar(&createDocText, "doc-text", "", "Attach a short text document (hashed by the tracker)")
	createCmd.MarkFlagsMutuallyExclusive("doc", "doc-text")

	_ = createCmd.MarkFlagRequired("owner")
	_ = createCmd.MarkFlagRequired("code")
}

// ── timeline ─────────────────────────────────────────────────────────────────

var timelineCmd = &cobra.Command{
	Use:   "timeline <batch-id>",
	Short: "Show a batch and its custody events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		tl, err := c.Timeline(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("timeline: %w", err)
		}
		if jsonOutput() {
			return printJSON(tl)
		}

		fmt.Printf("Batch:    %s\n", tl.Batch.ID)
		fmt.Printf("Product:  %s (%s)\n", tl.Batch.ProductName, tl.Batch.Price.StringFixed(2))
		fmt.Printf("Holder:   %s [%s]\n", tl.Batch.Owner.ID, tl.Batch.Owner.Role)
		if tl.Anchor != nil {
			ref := "-"
			if tl.Anchor.TxRef != nil {
				ref = *tl.Anchor.TxRef
			}
			fmt.Printf("Anchored: %s root %s tx %s\n", tl.AnchoredDay, tl.Anchor.Root, ref)
		} else {
			fmt.Printf("Anchored: %s not yet\n", tl.AnchoredDay)
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tROLE\tACTOR\tLOCATION\tOCCURRED\tHASH")
		for _, ev := range tl.Events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				ev.Seq, ev.Role, ev.Actor.ID, ev.Location,
				ev.OccurredAt.Local().Format(time.DateTime), ev.Hash)
		}
		return w.Flush()
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <batch-id>",
	Short: "Recompute every stored event hash of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.VerifyTimeline(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if jsonOutput() {
			return printJSON(v)
		}
		if v.Valid {
			fmt.Printf("✓ %d event hash(es) match their contents\n", v.Events)
			return nil
		}
		return fmt.Errorf("event %d: stored hash %s, recomputed %s", v.Mismatch.Seq, v.Mismatch.Stored, v.Mismatch.Computed)
	},
}

// ── qr ───────────────────────────────────────────────────────────────────────

var (
	qrOut  string
	qrSize int
)

var qrCmd = &cobra.Command{
	Use:   "qr <batch-id>",
	Short: "Download the QR label for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		png, err := c.QRCode(context.Background(), args[0], qrSize)
		if err != nil {
			return fmt.Errorf("qr: %w", err)
		}
		out := qrOut
		if out == "" {
			out = args[0] + ".png"
		}
		if err := os.WriteFile(out, png, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Printf("✓ QR label written to %s\n", out)
		return nil
	},
}

func init() {
	qrCmd.Flags().StringVarP(&qrOut, "output", "o", "", "Output file (default <batch-id>.png)")
	qrCmd.Flags().IntVar(&qrSize, "size", 0, "Edge length in pixels (128-1024)")
}

// ── delete ───────────────────────────────────────────────────────────────────

var deleteYes bool

var deleteCmd = &cobra.Command{
	Use:   "delete <batch-id>",
	Short: "Delete a batch with its events and tokens (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !deleteYes {
			return fmt.Errorf("refusing to delete %s without --yes", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteBatch(context.Background(), args[0]); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		fmt.Printf("✓ Batch %s deleted\n", args[0])
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteYes, "yes", false, "Confirm the deletion")
}
