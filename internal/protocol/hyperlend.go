package protocol

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	fpmath "AutoVault/internal/math"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Minimal ABIs of the Aave v3 contracts HyperLend deploys.
const (
	ERC20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

	PoolABI = `[
	{"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"borrow","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
	{"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

	DataProviderABI = `[
	{"type":"function","name":"getReserveData","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
		{"name":"unbacked","type":"uint256"},
		{"name":"accruedToTreasuryScaled","type":"uint256"},
		{"name":"totalAToken","type":"uint256"},
		{"name":"totalStableDebt","type":"uint256"},
		{"name":"totalVariableDebt","type":"uint256"},
		{"name":"liquidityRate","type":"uint256"},
		{"name":"variableBorrowRate","type":"uint256"},
		{"name":"stableBorrowRate","type":"uint256"},
		{"name":"averageStableBorrowRate","type":"uint256"},
		{"name":"liquidityIndex","type":"uint256"},
		{"name":"variableBorrowIndex","type":"uint256"},
		{"name":"lastUpdateTimestamp","type":"uint40"}]},
	{"type":"function","name":"getReserveConfigurationData","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
		{"name":"decimals","type":"uint256"},
		{"name":"ltv","type":"uint256"},
		{"name":"liquidationThreshold","type":"uint256"},
		{"name":"liquidationBonus","type":"uint256"},
		{"name":"reserveFactor","type":"uint256"},
		{"name":"usageAsCollateralEnabled","type":"bool"},
		{"name":"borrowingEnabled","type":"bool"},
		{"name":"stableBorrowRateEnabled","type":"bool"},
		{"name":"isActive","type":"bool"},
		{"name":"isFrozen","type":"bool"}]}
]`
)

// Output positions in the data provider tuples.
const (
	reserveTotalAToken   = 2
	reserveLiquidityRate = 5
	configLTV            = 1
	configIsActive       = 8
	configIsFrozen       = 9
)

const variableRateMode = 2

var (
	ErrNoSigner = errors.New("hyperlend: no operator key configured")
	// ErrUnwindFailed means a multi-step write failed midway and the
	// compensating transaction failed too; the operator must reconcile.
	ErrUnwindFailed = errors.New("hyperlend: unwind failed")
)

// EVMClient is the subset of the JSON-RPC API used by the adapter.
// *ethclient.Client satisfies it.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

type HyperLendConfig struct {
	Pool           common.Address
	DataProvider   common.Address
	ChainID        *big.Int
	Key            *ecdsa.PrivateKey // nil = read-only
	GasLimit       uint64            // 0 = estimate with 20% headroom
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// HyperLend implements LendingProtocol against an Aave v3 compatible pool.
type HyperLend struct {
	client EVMClient
	cfg    HyperLendConfig
	from   common.Address

	erc20    abi.ABI
	pool     abi.ABI
	provider abi.ABI

	// serializes nonce assignment across writes
	sendMu sync.Mutex
	logger zerolog.Logger
}

func NewHyperLend(client EVMClient, cfg HyperLendConfig, logger zerolog.Logger) (*HyperLend, error) {
	if client == nil {
		return nil, fmt.Errorf("hyperlend: client required")
	}
	if cfg.Pool == (common.Address{}) || cfg.DataProvider == (common.Address{}) {
		return nil, fmt.Errorf("hyperlend: pool and data provider addresses required")
	}
	if cfg.Key != nil && (cfg.ChainID == nil || cfg.ChainID.Sign() <= 0) {
		return nil, fmt.Errorf("hyperlend: chain id required for signing")
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}

	h := &HyperLend{client: client, cfg: cfg, logger: logger}
	var err error
	if h.erc20, err = abi.JSON(strings.NewReader(ERC20ABI)); err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if h.pool, err = abi.JSON(strings.NewReader(PoolABI)); err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	if h.provider, err = abi.JSON(strings.NewReader(DataProviderABI)); err != nil {
		return nil, fmt.Errorf("parse data provider abi: %w", err)
	}
	if cfg.Key != nil {
		h.from = gethcrypto.PubkeyToAddress(cfg.Key.PublicKey)
	}
	return h, nil
}

// Operator returns the signing account, or the zero address in read-only mode.
func (h *HyperLend) Operator() common.Address {
	return h.from
}

// --- Reads ---

func (h *HyperLend) GetSupplyAPY(ctx context.Context, asset common.Address) (uint64, error) {
	out, err := h.call(ctx, h.cfg.DataProvider, h.provider, "getReserveData", asset)
	if err != nil {
		return 0, err
	}
	liquidity, err := bigAt(out, reserveTotalAToken)
	if err != nil {
		return 0, err
	}
	if liquidity.Sign() == 0 {
		return 0, nil
	}
	rate, err := bigAt(out, reserveLiquidityRate)
	if err != nil {
		return 0, err
	}
	ray, overflow := uint256.FromBig(rate)
	if overflow {
		return 0, fmt.Errorf("getReserveData: liquidityRate overflows 256 bits")
	}
	return fpmath.RayToPercent(ray), nil
}

func (h *HyperLend) GetLTV(ctx context.Context, asset common.Address) (uint64, error) {
	out, err := h.call(ctx, h.cfg.DataProvider, h.provider, "getReserveConfigurationData", asset)
	if err != nil {
		return 0, err
	}
	ltv, err := bigAt(out, configLTV)
	if err != nil {
		return 0, err
	}
	if !ltv.IsUint64() {
		return 0, fmt.Errorf("getReserveConfigurationData: ltv out of range: %s", ltv)
	}
	return fpmath.BpsToPercent(ltv.Uint64()), nil
}

func (h *HyperLend) IsMarketActive(ctx context.Context, asset common.Address) (bool, error) {
	out, err := h.call(ctx, h.cfg.DataProvider, h.provider, "getReserveConfigurationData", asset)
	if err != nil {
		return false, err
	}
	active, err := boolAt(out, configIsActive)
	if err != nil {
		return false, err
	}
	frozen, err := boolAt(out, configIsFrozen)
	if err != nil {
		return false, err
	}
	return active && !frozen, nil
}

// --- Writes ---
//
// The operator account is the custodian. Supplied assets sit in the pool
// under the operator, and the vault's share ledger apportions them among
// depositors. Depositors approve the operator on the token beforehand.

// Supply pulls amount from the depositor, approves the pool and supplies on
// behalf of the operator. If the supply fails after the pull, the tokens are
// sent back. The returned hash is the supply transaction.
func (h *HyperLend) Supply(ctx context.Context, asset common.Address, amount *uint256.Int, from common.Address) (common.Hash, error) {
	if h.cfg.Key == nil {
		return common.Hash{}, ErrNoSigner
	}
	if _, err := h.send(ctx, asset, h.erc20, "transferFrom", from, h.from, amount.ToBig()); err != nil {
		return common.Hash{}, fmt.Errorf("pull from %s: %w", from.Hex(), err)
	}

	hash, err := h.approveAndSupply(ctx, asset, amount)
	if err == nil {
		return hash, nil
	}
	if _, refundErr := h.send(ctx, asset, h.erc20, "transfer", from, amount.ToBig()); refundErr != nil {
		h.logger.Error().
			Err(refundErr).
			Str("asset", asset.Hex()).
			Str("depositor", from.Hex()).
			Str("amount", amount.Dec()).
			Msg("refund after failed supply did not go through")
		return common.Hash{}, fmt.Errorf("%w: supply: %v; refund: %v", ErrUnwindFailed, err, refundErr)
	}
	return common.Hash{}, err
}

func (h *HyperLend) approveAndSupply(ctx context.Context, asset common.Address, amount *uint256.Int) (common.Hash, error) {
	if _, err := h.send(ctx, asset, h.erc20, "approve", h.cfg.Pool, amount.ToBig()); err != nil {
		return common.Hash{}, fmt.Errorf("approve: %w", err)
	}
	hash, err := h.send(ctx, h.cfg.Pool, h.pool, "supply", asset, amount.ToBig(), h.from, uint16(0))
	if err != nil {
		return common.Hash{}, fmt.Errorf("supply: %w", err)
	}
	return hash, nil
}

// Withdraw redeems the operator's aTokens and has the pool pay to directly.
func (h *HyperLend) Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error) {
	hash, err := h.send(ctx, h.cfg.Pool, h.pool, "withdraw", asset, amount.ToBig(), to)
	if err != nil {
		return common.Hash{}, fmt.Errorf("withdraw: %w", err)
	}
	return hash, nil
}

// Borrow opens variable-rate debt against the operator's collateral and
// forwards the proceeds to the depositor. If the forward fails the debt is
// repaid. The returned hash is the forwarding transfer.
func (h *HyperLend) Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error) {
	if h.cfg.Key == nil {
		return common.Hash{}, ErrNoSigner
	}
	if _, err := h.send(ctx, h.cfg.Pool, h.pool, "borrow",
		asset, amount.ToBig(), big.NewInt(variableRateMode), uint16(0), h.from); err != nil {
		return common.Hash{}, fmt.Errorf("borrow: %w", err)
	}

	hash, err := h.send(ctx, asset, h.erc20, "transfer", to, amount.ToBig())
	if err == nil {
		return hash, nil
	}
	err = fmt.Errorf("forward to %s: %w", to.Hex(), err)
	if repayErr := h.repay(ctx, asset, amount); repayErr != nil {
		h.logger.Error().
			Err(repayErr).
			Str("asset", asset.Hex()).
			Str("amount", amount.Dec()).
			Msg("repay after failed forward did not go through")
		return common.Hash{}, fmt.Errorf("%w: %v; repay: %v", ErrUnwindFailed, err, repayErr)
	}
	return common.Hash{}, err
}

func (h *HyperLend) repay(ctx context.Context, asset common.Address, amount *uint256.Int) error {
	if _, err := h.send(ctx, asset, h.erc20, "approve", h.cfg.Pool, amount.ToBig()); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if _, err := h.send(ctx, h.cfg.Pool, h.pool, "repay",
		asset, amount.ToBig(), big.NewInt(variableRateMode), h.from); err != nil {
		return fmt.Errorf("repay: %w", err)
	}
	return nil
}

// --- Plumbing ---

func (h *HyperLend) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := h.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (h *HyperLend) send(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) (common.Hash, error) {
	if h.cfg.Key == nil {
		return common.Hash{}, ErrNoSigner
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	h.sendMu.Lock()
	signed, err := h.signTx(ctx, to, data)
	if err == nil {
		err = h.client.SendTransaction(ctx, signed)
	}
	h.sendMu.Unlock()
	if err != nil {
		return common.Hash{}, err
	}

	h.logger.Debug().
		Str("method", method).
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", signed.Nonce()).
		Msg("transaction sent")

	if err := h.waitReceipt(ctx, signed.Hash()); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func (h *HyperLend) signTx(ctx context.Context, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	nonce, err := h.client.PendingNonceAt(ctx, h.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := h.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas := h.cfg.GasLimit
	if gas == 0 {
		estimated, err := h.client.EstimateGas(ctx, ethereum.CallMsg{From: h.from, To: &to, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimated * 12 / 10
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(h.cfg.ChainID), h.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

func (h *HyperLend) waitReceipt(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(h.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := h.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
			}
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func bigAt(out []interface{}, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("output %d missing", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("output %d: unexpected type %T", i, out[i])
	}
	return v, nil
}

func boolAt(out []interface{}, i int) (bool, error) {
	if i >= len(out) {
		return false, fmt.Errorf("output %d missing", i)
	}
	v, ok := out[i].(bool)
	if !ok {
		return false, fmt.Errorf("output %d: unexpected type %T", i, out[i])
	}
	return v, nil
}
