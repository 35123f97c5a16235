package anchor_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmerrifield20/scantotrust/internal/anchor"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"go.uber.org/zap"
)

func TestPackAnchorRoot(t *testing.T) {
	root := digest.Sum([]byte("day root"))
	data, err := anchor.PackAnchorRoot(root, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}

	selector := crypto.Keccak256([]byte("anchorRoot(bytes32,string)"))[:4]
	if !bytes.Equal(data[:4], selector) {
		t.Errorf("selector = %x, want %x", data[:4], selector)
	}
	if !bytes.Equal(data[4:36], root[:]) {
		t.Error("first argument should be the raw root")
	}
	if !bytes.Contains(data, []byte("2025-03-04")) {
		t.Error("day string missing from call data")
	}
}

func TestParseABI_hasAnchorRoot(t *testing.T) {
	parsed, err := anchor.ParseABI()
	if err != nil {
		t.Fatal(err)
	}
	m, ok := parsed.Methods["anchorRoot"]
	if !ok {
		t.Fatal("anchorRoot missing from ABI")
	}
	if len(m.Inputs) != 2 {
		t.Errorf("inputs = %d, want 2", len(m.Inputs))
	}
}

func TestNewEthereum_requiresConfig(t *testing.T) {
	_, err := anchor.NewEthereum(context.Background(), anchor.Config{RPCURL: "http://localhost:8545"}, zap.NewNop())
	if !errors.Is(err, anchor.ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}

	_, err = anchor.NewEthereum(context.Background(), anchor.Config{
		RPCURL:          "http://localhost:8545",
		ContractAddress: "not-an-address",
		PrivateKey:      "0x01",
	}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "invalid contract address") {
		t.Errorf("got %v, want invalid contract address", err)
	}
}

func TestGenerateWallet(t *testing.T) {
	w, err := anchor.GenerateWallet()
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(w.PrivateKey, "0x"))
	if err != nil {
		t.Fatalf("private key does not parse: %v", err)
	}
	if got := crypto.PubkeyToAddress(key.PublicKey).Hex(); got != w.Address {
		t.Errorf("address %s does not match key (%s)", w.Address, got)
	}
}
