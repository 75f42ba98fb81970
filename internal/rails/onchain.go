package rails

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrivateKey = errors.New("rails: invalid private key")
	ErrRPCConnection     = errors.New("rails: RPC connection failed")
	ErrConfirmTimeout    = errors.New("rails: confirmation timed out")
)

// Minimal ERC20 ABI: transfer and balanceOf are all the rail needs.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	defaultGasLimit          = uint64(100000)
	confirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// OnchainConfig configures the stablecoin rail.
type OnchainConfig struct {
	RPCURL        string
	PrivateKey    string // hex, with or without 0x prefix
	ChainID       int64
	TokenContract string
	TokenDecimals int32 // 6 for USDC
}

// OnchainOption configures the rail.
type OnchainOption func(*OnchainRail)

// WithEthClient sets a custom client (useful for testing).
func WithEthClient(client EthClient) OnchainOption {
	return func(r *OnchainRail) { r.client = client }
}

// OnchainRail sends ERC20 stablecoin transfers from a custodial
// gateway wallet. Agent funds are pooled: every agent's account ref is
// the gateway address and the ledger is the source of truth for who
// owns what.
type OnchainRail struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI
	decimals   int32
	logger     *slog.Logger
}

var _ Rail = (*OnchainRail)(nil)

// NewOnchainRail creates the stablecoin rail.
func NewOnchainRail(cfg OnchainConfig, logger *slog.Logger, opts ...OnchainOption) (*OnchainRail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}
	decimals := cfg.TokenDecimals
	if decimals == 0 {
		decimals = 6
	}

	r := &OnchainRail{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenContract),
		tokenABI:   parsedABI,
		decimals:   decimals,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		r.client = client
	}
	return r, nil
}

func (r *OnchainRail) Name() string { return "onchain" }

// CreateAccount returns the custodial gateway address; balances per
// agent live in the ledger, not on chain.
func (r *OnchainRail) CreateAccount(_ context.Context, _ string) (string, error) {
	return r.address.Hex(), nil
}

// Send transfers tokens to the destination address.
func (r *OnchainRail) Send(ctx context.Context, req SendRequest) (res *SendResult, err error) {
	defer func() { observeSend(r.Name(), res, err) }()

	to := common.HexToAddress(req.Destination)
	amount := r.toBaseUnits(req.Amount)

	data, err := r.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	nonce, err := r.client.PendingNonceAt(ctx, r.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  r.address,
		To:    &r.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, r.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(r.chainID), r.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signedTx); err != nil {
		return &SendResult{RailTxID: signedTx.Hash().Hex(), Success: false, Reason: err.Error()}, nil
	}

	r.logger.Info("onchain transfer sent",
		"tx", signedTx.Hash().Hex(), "to", to.Hex(), "reference", req.Reference)
	return &SendResult{RailTxID: signedTx.Hash().Hex(), Success: true}, nil
}

// Balance reads the gateway wallet's token balance.
func (r *OnchainRail) Balance(ctx context.Context, _ string) (decimal.Decimal, error) {
	data, err := r.tokenABI.Pack("balanceOf", r.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.token,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("call balanceOf: %w", err)
	}
	raw := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(raw, -r.decimals), nil
}

// WaitForConfirmation polls for the transaction receipt until mined or
// the timeout passes.
func (r *OnchainRail) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txHash)
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := r.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("%w: tx %s reverted", ErrSendFailed, txHash)
			}
			return nil
		}
	}
}

// Close releases the RPC connection.
func (r *OnchainRail) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

func (r *OnchainRail) toBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(r.decimals).BigInt()
}
