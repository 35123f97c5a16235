// Package anchor submits daily Merkle roots to an EVM contract exposing
// anchorRoot(bytes32 root, string day), and helps operators provision and
// check the account that pays for those submissions.
package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"go.uber.org/zap"
)

// ContractABI is the interface of the anchoring contract.
const ContractABI = `[
	{
		"type": "function",
		"name": "anchorRoot",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "root", "type": "bytes32"},
			{"name": "day", "type": "string"}
		],
		"outputs": []
	},
	{
		"type": "event",
		"name": "Anchored",
		"anonymous": false,
		"inputs": [
			{"name": "root", "type": "bytes32", "indexed": true},
			{"name": "day", "type": "string", "indexed": false},
			{"name": "sender", "type": "address", "indexed": true}
		]
	}
]`

const methodAnchorRoot = "anchorRoot"

// ErrNotConfigured is returned when required connection settings are missing.
var ErrNotConfigured = errors.New("anchor: rpc url, contract address and private key are required")

// Config holds the connection settings for the anchoring chain.
type Config struct {
	RPCURL          string
	ContractAddress string
	// PrivateKey is the hex-encoded secp256k1 key of the paying account,
	// with or without a 0x prefix.
	PrivateKey string
	// ChainID is queried from the node when nil.
	ChainID *big.Int
}

func (c Config) validate() error {
	if c.RPCURL == "" || c.ContractAddress == "" || c.PrivateKey == "" {
		return ErrNotConfigured
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("anchor: invalid contract address %q", c.ContractAddress)
	}
	return nil
}

// ParseABI returns the parsed contract interface.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(ContractABI))
}

// PackAnchorRoot encodes the anchorRoot call data for root and day.
func PackAnchorRoot(root digest.Digest, day string) ([]byte, error) {
	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack(methodAnchorRoot, [32]byte(root), day)
}

// Ethereum anchors roots by sending an anchorRoot transaction and waiting for
// it to be mined. The returned reference is the transaction hash.
type Ethereum struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	logger   *zap.Logger
}

// NewEthereum dials the node and binds the contract.
func NewEthereum(ctx context.Context, cfg Config, logger *zap.Logger) (*Ethereum, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("anchor: parse private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("anchor: dial %s: %w", cfg.RPCURL, err)
	}

	chainID := cfg.ChainID
	if chainID == nil {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("anchor: query chain id: %w", err)
		}
	}

	parsed, err := ParseABI()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("anchor: parse abi: %w", err)
	}
	address := common.HexToAddress(cfg.ContractAddress)

	e := &Ethereum{
		client:   client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		address:  address,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		logger:   logger,
	}
	logger.Info("anchor contract bound",
		zap.String("contract", address.Hex()),
		zap.String("from", e.from.Hex()),
		zap.String("chain_id", chainID.String()),
	)
	return e, nil
}

// Anchor submits root for day and waits until the transaction is mined.
func (e *Ethereum) Anchor(ctx context.Context, root digest.Digest, day string) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := e.contract.Transact(opts, methodAnchorRoot, [32]byte(root), day)
	if err != nil {
		return "", fmt.Errorf("send anchorRoot: %w", err)
	}
	e.logger.Info("anchor transaction sent",
		zap.String("day", day),
		zap.String("tx", tx.Hash().Hex()),
	)

	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return "", fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("anchor transaction %s reverted", tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// Status describes the anchoring account and contract as seen by the node.
type Status struct {
	ChainID     *big.Int       `json:"chain_id"`
	BlockNumber uint64         `json:"block_number"`
	Account     common.Address `json:"account"`
	BalanceWei  *big.Int       `json:"balance_wei"`
	Contract    common.Address `json:"contract"`
	HasCode     bool           `json:"contract_deployed"`
}

// Status reports network, balance and contract deployment.
func (e *Ethereum) Status(ctx context.Context) (*Status, error) {
	block, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	bal, err := e.client.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", e.from.Hex(), err)
	}
	code, err := e.client.CodeAt(ctx, e.address, nil)
	if err != nil {
		return nil, fmt.Errorf("code at %s: %w", e.address.Hex(), err)
	}
	return &Status{
		ChainID:     e.chainID,
		BlockNumber: block,
		Account:     e.from,
		BalanceWei:  bal,
		Contract:    e.address,
		HasCode:     len(code) > 0,
	}, nil
}

// Close releases the RPC connection.
func (e *Ethereum) Close() { e.client.Close() }

// Wallet is a freshly generated anchoring account.
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// GenerateWallet creates a new secp256k1 key for the anchoring account.
func GenerateWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Wallet{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: "0x" + common.Bytes2Hex(crypto.FromECDSA(key)),
	}, nil
}
