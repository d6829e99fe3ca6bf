package onchain

// market.go: absorb / isLiquidatable against a Compound III style market.
//
// Reads go through eth_call (free). Absorb is a signed legacy transaction whose
// gas price is the engine's fee bid. Every RPC call waits on one shared rate
// limiter so checks, submissions and receipt polls compete for the same budget.
//
// A transaction whose receipt wait timed out stays in the node's pool and
// holds its nonce. The next absorb replaces it at the same nonce with a
// bumped gas price instead of queueing behind it.

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

const (
	defaultRatePerSec  = 20
	defaultBurst       = 10
	defaultGasCeiling  = uint64(3_000_000)
	defaultReceiptPoll = 2 * time.Second

	// nodes drop same-nonce replacements that bid less than 10% more
	replacementBumpPct = 10
)

var marketABI abi.ABI

// Custom errors the market uses instead of revert strings.
var customErrors = map[string]string{
	selector("NotLiquidatable()"): "NotLiquidatable()",
	selector("Paused()"):          "Paused()",
	selector("BadPrice()"):        "BadPrice()",
}

func init() {
	var err error
	marketABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "isLiquidatable",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "absorb",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "absorber", "type": "address"},
				{"name": "accounts", "type": "address[]"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}
}

// backend is the subset of *ethclient.Client the market client uses.
type backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// MarketConfig configures the market client.
type MarketConfig struct {
	RPCURL        string
	MarketAddress string
	PrivateKey    string // hex, with or without 0x
	ChainID       int64
	RatePerSec    float64
	Burst         int
	GasCeiling    uint64
	ReceiptPoll   time.Duration
}

// MarketClient implements ports.Market.
type MarketClient struct {
	client     backend
	market     common.Address
	privateKey []byte
	address    common.Address
	chainID    *big.Int
	limiter    *rate.Limiter
	gasCeiling uint64
	poll       time.Duration

	sendMu   sync.Mutex          // nonce fetch + send must not interleave
	stranded map[uint64]*big.Int // nonce -> gas price of timed-out txs; guarded by sendMu
}

// NewMarketClient dials the RPC and returns a market client.
func NewMarketClient(cfg MarketConfig) (*MarketClient, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewMarketClient: dial rpc %s: %w", cfg.RPCURL, err)
	}
	mc, err := newMarketClient(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return mc, nil
}

func newMarketClient(client backend, cfg MarketConfig) (*MarketClient, error) {
	if !common.IsHexAddress(cfg.MarketAddress) {
		return nil, domain.NewError(domain.KindFatalConfig, "onchain.NewMarketClient",
			fmt.Errorf("invalid market address %q", cfg.MarketAddress))
	}

	pkBytes, err := hex.DecodeString(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, domain.NewError(domain.KindFatalConfig, "onchain.NewMarketClient",
			fmt.Errorf("decode private key: %w", err))
	}
	privKey, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, domain.NewError(domain.KindFatalConfig, "onchain.NewMarketClient",
			fmt.Errorf("invalid private key: %w", err))
	}

	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.GasCeiling == 0 {
		cfg.GasCeiling = defaultGasCeiling
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}

	return &MarketClient{
		client:     client,
		market:     common.HexToAddress(cfg.MarketAddress),
		privateKey: pkBytes,
		address:    crypto.PubkeyToAddress(privKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		gasCeiling: cfg.GasCeiling,
		poll:       cfg.ReceiptPoll,
		stranded:   make(map[uint64]*big.Int),
	}, nil
}

// Address returns the liquidator's own address (the absorber).
func (mc *MarketClient) Address() domain.Account {
	return domain.Account(mc.address)
}

// Close closes the RPC connection.
func (mc *MarketClient) Close() {
	mc.client.Close()
}

// IsLiquidatable simulates isLiquidatable(account) with eth_call.
func (mc *MarketClient) IsLiquidatable(ctx context.Context, account domain.Account) (bool, error) {
	callData, err := marketABI.Pack("isLiquidatable", common.Address(account))
	if err != nil {
		return false, fmt.Errorf("onchain.IsLiquidatable: pack: %w", err)
	}

	if err := mc.wait(ctx); err != nil {
		return false, fmt.Errorf("onchain.IsLiquidatable: %w", err)
	}
	out, err := mc.client.CallContract(ctx, ethereum.CallMsg{
		From: mc.address,
		To:   &mc.market,
		Data: callData,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("onchain.IsLiquidatable: call: %w", err)
	}

	vals, err := marketABI.Unpack("isLiquidatable", out)
	if err != nil || len(vals) == 0 {
		return false, fmt.Errorf("onchain.IsLiquidatable: unpack %d bytes: %w", len(out), err)
	}
	ok, isBool := vals[0].(bool)
	if !isBool {
		return false, fmt.Errorf("onchain.IsLiquidatable: unexpected result type %T", vals[0])
	}
	return ok, nil
}

// Absorb sends absorb(self, accounts) at feeBid wei/gas and waits for the
// receipt until ctx ends.
func (mc *MarketClient) Absorb(ctx context.Context, accounts []domain.Account, feeBid uint64) (domain.Receipt, error) {
	var receipt domain.Receipt
	if len(accounts) == 0 {
		return receipt, errors.New("onchain.Absorb: no accounts")
	}

	addrs := make([]common.Address, len(accounts))
	for i, a := range accounts {
		addrs[i] = common.Address(a)
	}
	callData, err := marketABI.Pack("absorb", mc.address, addrs)
	if err != nil {
		return receipt, fmt.Errorf("onchain.Absorb: pack: %w", err)
	}

	gasPrice := new(big.Int).SetUint64(feeBid)
	msg := ethereum.CallMsg{
		From:     mc.address,
		To:       &mc.market,
		GasPrice: gasPrice,
		Data:     callData,
	}

	if err := mc.wait(ctx); err != nil {
		return receipt, fmt.Errorf("onchain.Absorb: %w", err)
	}
	gasLimit, err := mc.client.EstimateGas(ctx, msg)
	if err != nil {
		if revert, ok := revertFromError(err); ok {
			return receipt, revert
		}
		slog.Warn("onchain: gas estimate failed, using ceiling", "err", err, "ceiling", mc.gasCeiling)
		gasLimit = mc.gasCeiling
	}
	// 20% buffer, capped by the configured ceiling
	gasLimit = min(gasLimit*12/10, mc.gasCeiling)

	signed, err := mc.send(ctx, gasLimit, gasPrice, callData)
	if err != nil {
		return receipt, err
	}
	receipt.TxHash = signed.Hash().Hex()
	slog.Info("onchain: absorb sent",
		"tx", receipt.TxHash,
		"accounts", len(accounts),
		"nonce", signed.Nonce(),
		"gas_limit", gasLimit,
		"gas_price", signed.GasPrice(),
	)

	r, err := mc.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		mc.strand(signed)
		return receipt, fmt.Errorf("onchain.Absorb: wait receipt %s: %w", receipt.TxHash, err)
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	receipt.GasUsed = r.GasUsed

	if r.Status != types.ReceiptStatusSuccessful {
		return receipt, mc.revertReason(ctx, msg, r.BlockNumber)
	}
	return receipt, nil
}

// send signs and broadcasts under sendMu so concurrent batches get distinct
// nonces. A stranded nonce that is still unconfirmed is reused first.
func (mc *MarketClient) send(ctx context.Context, gasLimit uint64, gasPrice *big.Int, callData []byte) (*types.Transaction, error) {
	privKey, err := crypto.ToECDSA(mc.privateKey)
	if err != nil {
		return nil, fmt.Errorf("onchain.Absorb: private key: %w", err)
	}

	mc.sendMu.Lock()
	defer mc.sendMu.Unlock()

	nonce, prev, err := mc.nextNonce(ctx)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		gasPrice = replacementPrice(gasPrice, prev)
		slog.Info("onchain: replacing stranded absorb",
			"nonce", nonce, "previous_gas_price", prev, "gas_price", gasPrice)
	}

	tx := types.NewTransaction(nonce, mc.market, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(mc.chainID), privKey)
	if err != nil {
		return nil, fmt.Errorf("onchain.Absorb: sign tx: %w", err)
	}

	if err := mc.wait(ctx); err != nil {
		return nil, fmt.Errorf("onchain.Absorb: %w", err)
	}
	if err := mc.client.SendTransaction(ctx, signed); err != nil {
		return nil, mc.rejected(ctx, "send tx", err)
	}
	// the replacement now owns the nonce; it is stranded again only if it times out too
	delete(mc.stranded, nonce)
	return signed, nil
}

// nextNonce returns the lowest stranded nonce that is not yet confirmed,
// with the gas price it was last sent at, or the pending nonce when there is
// none. Callers hold sendMu.
func (mc *MarketClient) nextNonce(ctx context.Context) (uint64, *big.Int, error) {
	if len(mc.stranded) > 0 {
		if err := mc.wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("onchain.Absorb: %w", err)
		}
		confirmed, err := mc.client.NonceAt(ctx, mc.address, nil)
		if err != nil {
			return 0, nil, mc.rejected(ctx, "confirmed nonce", err)
		}
		for n := range mc.stranded {
			if n < confirmed {
				delete(mc.stranded, n)
			}
		}
		if len(mc.stranded) > 0 {
			lowest := slices.Min(slices.Collect(maps.Keys(mc.stranded)))
			return lowest, mc.stranded[lowest], nil
		}
	}

	if err := mc.wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("onchain.Absorb: %w", err)
	}
	nonce, err := mc.client.PendingNonceAt(ctx, mc.address)
	if err != nil {
		return 0, nil, mc.rejected(ctx, "nonce", err)
	}
	return nonce, nil, nil
}

// strand records a sent transaction whose receipt never arrived.
func (mc *MarketClient) strand(tx *types.Transaction) {
	mc.sendMu.Lock()
	defer mc.sendMu.Unlock()
	mc.stranded[tx.Nonce()] = tx.GasPrice()
	slog.Warn("onchain: absorb still pending after deadline",
		"tx", tx.Hash().Hex(), "nonce", tx.Nonce(), "gas_price", tx.GasPrice())
}

// replacementPrice is the larger of the bid and the previous price plus the
// minimum replacement bump, rounded up.
func replacementPrice(bid, prev *big.Int) *big.Int {
	bump := new(big.Int).Mul(prev, big.NewInt(replacementBumpPct))
	bump.Add(bump, big.NewInt(99))
	bump.Div(bump, big.NewInt(100))
	floor := new(big.Int).Add(prev, bump)
	if bid.Cmp(floor) >= 0 {
		return bid
	}
	return floor
}

// wait takes a token from the shared limiter. When the token cannot arrive
// before ctx's deadline the error wraps context.DeadlineExceeded, so callers
// see a timeout rather than an opaque limiter error.
func (mc *MarketClient) wait(ctx context.Context) error {
	err := mc.limiter.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rate limiter: %w", ctxErr)
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("rate limiter: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("rate limiter: %w", err)
}

// rejected wraps a node-side failure. A failure caused by ctx ending is
// reported as such so the caller can tell a timeout from a rejection.
func (mc *MarketClient) rejected(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("onchain.Absorb: %s: %w", step, ctxErr)
	}
	return fmt.Errorf("onchain.Absorb: %s: %w: %v", step, domain.ErrRejected, err)
}

// revertReason replays the call at the block that reverted it to recover
// the revert data.
func (mc *MarketClient) revertReason(ctx context.Context, msg ethereum.CallMsg, block *big.Int) error {
	if err := mc.wait(ctx); err != nil {
		return &domain.RevertError{}
	}
	_, err := mc.client.CallContract(ctx, msg, block)
	if err == nil {
		return &domain.RevertError{}
	}
	if revert, ok := revertFromError(err); ok {
		return revert
	}
	slog.Debug("onchain: could not replay reverted absorb", "err", err)
	return &domain.RevertError{}
}

// waitForReceipt polls for a transaction receipt until mined or ctx ends.
func (mc *MarketClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(mc.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if err := mc.wait(ctx); err != nil {
				// Wait only fails once ctx is done or its deadline is too close.
				<-ctx.Done()
				return nil, ctx.Err()
			}
			receipt, err := mc.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// revertFromError extracts a revert from a JSON-RPC error, if it is one.
func revertFromError(err error) (*domain.RevertError, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil && len(data) > 0 {
				return &domain.RevertError{Reason: decodeRevert(data)}, true
			}
		}
	}

	msg := err.Error()
	const marker = "execution reverted"
	if i := strings.Index(msg, marker); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len(marker):], ":"))
		return &domain.RevertError{Reason: reason}, true
	}
	return nil, false
}

// decodeRevert turns revert data into a readable reason: Error(string),
// a known custom error, or the raw selector.
func decodeRevert(data []byte) string {
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) < 4 {
		return ""
	}
	if name, ok := customErrors[string(data[:4])]; ok {
		return name
	}
	return "custom error " + hexutil.Encode(data[:4])
}

func selector(sig string) string {
	return string(crypto.Keccak256([]byte(sig))[:4])
}
