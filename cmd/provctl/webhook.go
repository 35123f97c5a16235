package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	webhookAddCmd.Flags().StringSliceVar(&webhookEvents, "events", []string{"custody.transferred"},
		"Notification types: batch.created, custody.transferred, batch.purged, day.anchored")
	webhookDeliveriesCmd.Flags().IntVar(&webhookLimit, "limit", 20, "Number of attempts to show")

	webhookCmd.AddCommand(webhookAddCmd)
	webhookCmd.AddCommand(webhookListCmd)
	webhookCmd.AddCommand(webhookRemoveCmd)
	webhookCmd.AddCommand(webhookDeliveriesCmd)
	rootCmd.AddCommand(webhookCmd)
}

var (
	webhookEvents []string
	webhookLimit  int
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage custody notification webhooks (admin)",
}

var webhookAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe an endpoint to notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.CreateWebhook(context.Background(), args[0], webhookEvents)
		if err != nil {
			return fmt.Errorf("create webhook: %w", err)
		}
		if jsonOutput() {
			return printJSON(res)
		}
		fmt.Printf("✓ Subscribed %s\n", res.Subscription.URL)
		fmt.Printf("  ID:     %s\n", res.Subscription.ID)
		fmt.Printf("  Events: %s\n", strings.Join(res.Subscription.Events, ", "))
		fmt.Printf("  Secret: %s\n\n", res.Secret)
		fmt.Println("Verify deliveries with HMAC-SHA256 of the body under this secret")
		fmt.Println("(X-Scantotrust-Signature header). The secret is not shown again.")
		return nil
	},
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		hooks, err := c.Webhooks(context.Background())
		if err != nil {
			return fmt.Errorf("list webhooks: %w", err)
		}
		if jsonOutput() {
			return printJSON(hooks)
		}
		if len(hooks) == 0 {
			fmt.Println("No webhooks.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tEVENTS\tACTIVE")
		for _, h := range hooks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", h.ID, h.URL, strings.Join(h.Events, ","), h.Active)
		}
		return w.Flush()
	},
}

var webhookRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteWebhook(context.Background(), args[0]); err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
		fmt.Printf("✓ Deleted %s\n", args[0])
		return nil
	},
}

var webhookDeliveriesCmd = &cobra.Command{
	Use:   "deliveries <id>",
	Short: "Show recent delivery attempts for a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ds, err := c.WebhookDeliveries(context.Background(), args[0], webhookLimit)
		if err != nil {
			return fmt.Errorf("deliveries: %w", err)
		}
		if jsonOutput() {
			return printJSON(ds)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tTYPE\tATTEMPT\tSTATUS\tRESULT")
		for _, d := range ds {
			result := "ok"
			if !d.Success {
				result = d.ErrorMessage
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				d.DeliveredAt.Local().Format("2006-01-02 15:04:05"), d.EventType, d.Attempt, d.StatusCode, result)
		}
		return w.Flush()
	},
}
