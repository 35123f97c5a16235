package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/anchor"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(hashDocCmd)
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(checkAnchorCmd)
	rootCmd.AddCommand(adminTokenCmd)
	rootCmd.AddCommand(healthCmd)
}

// hashFile returns the SHA-256 digest of a file's bytes.
func hashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Zero, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return digest.Zero, fmt.Errorf("read %s: %w", path, err)
	}
	return digest.Sum(data), nil
}

// ── hash-doc ─────────────────────────────────────────────────────────────────

var hashDocCmd = &cobra.Command{
	Use:   "hash-doc <file>",
	Short: "Print the document hash the tracker would record for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := hashFile(args[0])
		if err != nil {
			return err
		}
		fmt.Println(h.Hex())
		return nil
	},
}

// ── wallet ───────────────────────────────────────────────────────────────────

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Generate a new key for the anchoring account",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := anchor.GenerateWallet()
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(w)
		}
		fmt.Printf("Address:     %s\n", w.Address)
		fmt.Printf("Private key: %s\n\n", w.PrivateKey)
		fmt.Println("Fund the address, then set anchor.private_key in the tracker config.")
		return nil
	},
}

// ── check-anchor ─────────────────────────────────────────────────────────────

var checkAnchorCmd = &cobra.Command{
	Use:   "check-anchor",
	Short: "Check the anchoring node, account balance and contract",
	Long: `check-anchor connects with the same settings the tracker uses
(anchor.rpc_url, anchor.contract_address, anchor.private_key, anchor.chain_id;
also ANCHOR_RPC_URL etc.) and reports what the node sees.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		v.SetConfigName("tracker")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
		v.AutomaticEnv()
		v.SetEnvKeyReplacer(envReplacer)
		_ = v.ReadInConfig()

		cfg := anchor.Config{
			RPCURL:          v.GetString("anchor.rpc_url"),
			ContractAddress: v.GetString("anchor.contract_address"),
			PrivateKey:      v.GetString("anchor.private_key"),
		}
		if id := v.GetInt64("anchor.chain_id"); id > 0 {
			cfg.ChainID = big.NewInt(id)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		eth, err := anchor.NewEthereum(ctx, cfg, zap.NewNop())
		if err != nil {
			return err
		}
		defer eth.Close()

		st, err := eth.Status(ctx)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(st)
		}
		fmt.Printf("Chain ID:  %s\n", st.ChainID)
		fmt.Printf("Block:     %d\n", st.BlockNumber)
		fmt.Printf("Account:   %s\n", st.Account.Hex())
		fmt.Printf("Balance:   %s ETH\n", decimal.NewFromBigInt(st.BalanceWei, -18).String())
		fmt.Printf("Contract:  %s\n", st.Contract.Hex())
		if !st.HasCode {
			return fmt.Errorf("no contract deployed at %s", st.Contract.Hex())
		}
		if st.BalanceWei.Sign() == 0 {
			fmt.Println("warning: account has no funds; anchoring transactions will fail")
		}
		fmt.Println("✓ anchoring ready")
		return nil
	},
}

// ── admin-token ──────────────────────────────────────────────────────────────

var (
	adminSecret  string
	adminIssuer  string
	adminSubject string
	adminTTL     time.Duration
)

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an admin Bearer token from the tracker's signing secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := adminSecret
		if secret == "" {
			secret = os.Getenv("ADMIN_JWT_SECRET")
		}
		tokens, err := identity.NewAdminTokens([]byte(secret), adminIssuer, adminTTL)
		if err != nil {
			return err
		}
		tok, err := tokens.Issue(adminSubject)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().StringVar(&adminSecret, "secret", "", "Signing secret (default $ADMIN_JWT_SECRET)")
	adminTokenCmd.Flags().StringVar(&adminIssuer, "issuer", "scantotrust", "Issuer; must match admin.issuer on the tracker")
	adminTokenCmd.Flags().StringVar(&adminSubject, "subject", "provctl", "Subject recorded in the tracker's logs")
	adminTokenCmd.Flags().DurationVar(&adminTTL, "ttl", 12*time.Hour, "Token lifetime")
}

// ── health ───────────────────────────────────────────────────────────────────

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the tracker's dependency health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Health(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(h)
		}
		fmt.Printf("Status: %s\n", h.Status)
		for name, res := range h.Checks {
			fmt.Printf("  %-12s %s\n", name, res)
		}
		return nil
	},
}
