package main

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/merkle"
	"github.com/jmerrifield20/scantotrust/pkg/client"
	"github.com/spf13/cobra"
)

func init() {
	anchorCmd.AddCommand(anchorRunCmd)
	anchorCmd.AddCommand(anchorShowCmd)
	anchorCmd.AddCommand(anchorProofCmd)
	rootCmd.AddCommand(anchorCmd)
}

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Inspect and trigger daily Merkle anchoring",
}

func printDayRoot(r *client.DayRoot) error {
	if jsonOutput() {
		return printJSON(r)
	}
	ref := "(none)"
	if r.TxRef != nil {
		ref = *r.TxRef
	}
	fmt.Printf("Day:      %s\n", r.Day)
	fmt.Printf("Root:     %s\n", r.Root)
	fmt.Printf("Leaves:   %d\n", r.Leaves)
	fmt.Printf("Tx:       %s\n", ref)
	fmt.Printf("Anchored: %s\n", r.AnchoredAt.Local().Format("2006-01-02 15:04:05 MST"))
	return nil
}

// ── anchor run ───────────────────────────────────────────────────────────────

var anchorRunCmd = &cobra.Command{
	Use:   "run [YYYY-MM-DD]",
	Short: "Anchor a day now (admin); defaults to today",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		day := ""
		if len(args) == 1 {
			day = args[0]
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.AnchorDaily(context.Background(), day)
		if err != nil {
			return fmt.Errorf("anchor: %w", err)
		}
		return printDayRoot(r)
	},
}

// ── anchor show ──────────────────────────────────────────────────────────────

var anchorShowCmd = &cobra.Command{
	Use:   "show <YYYY-MM-DD>",
	Short: "Show the stored root for a day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.DayRoot(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("day root: %w", err)
		}
		return printDayRoot(r)
	},
}

// ── anchor proof ─────────────────────────────────────────────────────────────

var anchorProofCmd = &cobra.Command{
	Use:   "proof <YYYY-MM-DD> <event-hash>",
	Short: "Fetch an inclusion proof and check it locally",
	Long: `proof fetches the Merkle path for an event hash and recomputes the root
on this machine, so the result does not depend on trusting the tracker.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.Proof(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("proof: %w", err)
		}
		if jsonOutput() {
			return printJSON(p)
		}

		ok, err := checkProof(p)
		if err != nil {
			return err
		}
		fmt.Printf("Event:   %s\n", p.EventHash)
		fmt.Printf("Leaf:    %d of %d\n", p.Proof.Index, p.Leaves)
		fmt.Printf("Root:    %s\n", p.Root)
		if p.Stored == nil {
			fmt.Println("Stored:  day not anchored yet")
		} else if !p.Current {
			fmt.Printf("Stored:  %s (stale, events arrived after anchoring)\n", p.Stored.Root)
		} else {
			fmt.Printf("Stored:  %s\n", p.Stored.Root)
		}
		if !ok {
			return fmt.Errorf("proof does not reproduce the root")
		}
		fmt.Println("✓ proof verified locally")
		return nil
	},
}

// checkProof recomputes the root from the event hash and proof path.
func checkProof(p *client.InclusionProof) (bool, error) {
	leaf, err := digest.ParseHex(p.EventHash)
	if err != nil {
		return false, fmt.Errorf("event hash: %w", err)
	}
	root, err := digest.ParseHex(p.Root)
	if err != nil {
		return false, fmt.Errorf("root: %w", err)
	}
	proof := merkle.Proof{Index: p.Proof.Index}
	for i, s := range p.Proof.Steps {
		sib, err := digest.ParseHex(s.Sibling)
		if err != nil {
			return false, fmt.Errorf("step %d: %w", i, err)
		}
		proof.Steps = append(proof.Steps, merkle.Step{Sibling: sib, Side: merkle.Side(s.Side)})
	}
	return merkle.Verify(leaf, proof, root), nil
}
