package onchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

const (
	testKey    = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testMarket = "0xc3d688B66703497DAA19211EEdff47f25384cdc3"
)

// rpcDataError mimics a JSON-RPC error carrying revert data.
type rpcDataError struct {
	data string
}

func (e rpcDataError) Error() string          { return "execution reverted" }
func (e rpcDataError) ErrorCode() int         { return 3 }
func (e rpcDataError) ErrorData() interface{} { return e.data }

type fakeBackend struct {
	mu sync.Mutex

	liquidatable bool
	callErr      error
	replayErr    error
	estimate     uint64
	estimateErr  error
	sendErr      error
	status       uint64
	noReceipt    bool
	confirmed    uint64 // latest mined nonce count

	calls []ethereum.CallMsg
	sent  []*types.Transaction
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, msg)
	if block != nil {
		return nil, b.replayErr
	}
	if b.callErr != nil {
		return nil, b.callErr
	}
	return marketABI.Methods["isLiquidatable"].Outputs.Pack(b.liquidatable)
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *fakeBackend) NonceAt(_ context.Context, _ common.Address, _ *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confirmed, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.noReceipt {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      b.status,
		TxHash:      hash,
		BlockNumber: big.NewInt(42),
		GasUsed:     88_000,
	}, nil
}

func (b *fakeBackend) Close() {}

func newTestClient(t *testing.T, b *fakeBackend) *MarketClient {
	t.Helper()
	return newLimitedClient(t, b, 10_000, 100)
}

func newLimitedClient(t *testing.T, b *fakeBackend, perSec float64, burst int) *MarketClient {
	t.Helper()
	mc, err := newMarketClient(b, MarketConfig{
		MarketAddress: testMarket,
		PrivateKey:    testKey,
		ChainID:       1337,
		RatePerSec:    perSec,
		Burst:         burst,
		GasCeiling:    500_000,
		ReceiptPoll:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	return mc
}

func errorStringData(reason string) string {
	strType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: strType}}.Pack(reason)
	return hexutil.Encode(append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...))
}

func customErrorData(sig string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(sig))[:4])
}

func TestNewMarketClient_FatalConfig(t *testing.T) {
	_, err := newMarketClient(&fakeBackend{}, MarketConfig{MarketAddress: "nope", PrivateKey: testKey})
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))

	_, err = newMarketClient(&fakeBackend{}, MarketConfig{MarketAddress: testMarket, PrivateKey: "0xzz"})
	assert.True(t, domain.IsFatal(err))

	_, err = newMarketClient(&fakeBackend{}, MarketConfig{MarketAddress: testMarket, PrivateKey: "0x01"})
	assert.True(t, domain.IsFatal(err))
}

func TestMarketClient_Address(t *testing.T) {
	mc := newTestClient(t, &fakeBackend{})
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", mc.Address().Hex())
}

func TestMarketClient_IsLiquidatable(t *testing.T) {
	b := &fakeBackend{liquidatable: true}
	mc := newTestClient(t, b)
	acc := domain.MustParseAccount("0x00000000000000000000000000000000000000aa")

	ok, err := mc.IsLiquidatable(context.Background(), acc)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, b.calls, 1)
	assert.Equal(t, common.HexToAddress(testMarket), *b.calls[0].To)
	assert.Equal(t, marketABI.Methods["isLiquidatable"].ID, b.calls[0].Data[:4])

	b.liquidatable = false
	ok, err = mc.IsLiquidatable(context.Background(), acc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarketClient_IsLiquidatable_CallError(t *testing.T) {
	b := &fakeBackend{callErr: errors.New("connection refused")}
	mc := newTestClient(t, b)

	_, err := mc.IsLiquidatable(context.Background(), domain.Account{1})
	assert.ErrorContains(t, err, "connection refused")
}

func TestMarketClient_Absorb(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, status: types.ReceiptStatusSuccessful}
	mc := newTestClient(t, b)
	accounts := []domain.Account{{1}, {2}}

	receipt, err := mc.Absorb(context.Background(), accounts, 3_000_000_000)
	require.NoError(t, err)

	require.Len(t, b.sent, 1)
	tx := b.sent[0]
	assert.Equal(t, tx.Hash().Hex(), receipt.TxHash)
	assert.Equal(t, uint64(42), receipt.BlockNumber)
	assert.Equal(t, uint64(88_000), receipt.GasUsed)
	assert.Equal(t, uint64(120_000), tx.Gas(), "estimate plus 20%")
	assert.Equal(t, big.NewInt(3_000_000_000), tx.GasPrice())
	assert.Equal(t, common.HexToAddress(testMarket), *tx.To())
	assert.Equal(t, big.NewInt(1337), tx.ChainId())

	method := marketABI.Methods["absorb"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.Address(mc.Address()), args[0])
	assert.Equal(t, []common.Address{common.Address(accounts[0]), common.Address(accounts[1])}, args[1])

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, common.Address(mc.Address()), sender)
}

func TestMarketClient_Absorb_GasCeiling(t *testing.T) {
	b := &fakeBackend{estimate: 10_000_000, status: types.ReceiptStatusSuccessful}
	mc := newTestClient(t, b)

	_, err := mc.Absorb(context.Background(), []domain.Account{{1}}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), b.sent[0].Gas())

	b.estimateErr = errors.New("estimate unavailable")
	_, err = mc.Absorb(context.Background(), []domain.Account{{1}}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), b.sent[1].Gas(), "falls back to the ceiling")
}

func TestMarketClient_Absorb_NoAccounts(t *testing.T) {
	mc := newTestClient(t, &fakeBackend{})
	_, err := mc.Absorb(context.Background(), nil, 1)
	assert.Error(t, err)
}

func TestMarketClient_Absorb_RevertAtEstimate(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"revert string", errorStringData("not liquidatable"), "not liquidatable"},
		{"custom error", customErrorData("NotLiquidatable()"), "NotLiquidatable()"},
		{"unknown selector", "0xdeadbeef", "custom error 0xdeadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{estimateErr: rpcDataError{data: tt.data}}
			mc := newTestClient(t, b)

			_, err := mc.Absorb(context.Background(), []domain.Account{{1}}, 1)

			var revert *domain.RevertError
			require.ErrorAs(t, err, &revert)
			assert.Equal(t, tt.want, revert.Reason)
			assert.Empty(t, b.sent, "nothing sent when the estimate reverts")
		})
	}
}

func TestMarketClient_Absorb_RevertedOnChain(t *testing.T) {
	b := &fakeBackend{
		estimate:  100_000,
		status:    types.ReceiptStatusFailed,
		replayErr: rpcDataError{data: customErrorData("Paused()")},
	}
	mc := newTestClient(t, b)

	receipt, err := mc.Absorb(context.Background(), []domain.Account{{1}}, 1)

	var revert *domain.RevertError
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, "Paused()", revert.Reason)
	assert.NotEmpty(t, receipt.TxHash)
	assert.Equal(t, uint64(42), receipt.BlockNumber)
}

func TestMarketClient_Absorb_Rejected(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, sendErr: errors.New("replacement transaction underpriced")}
	mc := newTestClient(t, b)

	_, err := mc.Absorb(context.Background(), []domain.Account{{1}}, 1)
	require.ErrorIs(t, err, domain.ErrRejected)
	assert.Contains(t, err.Error(), "underpriced")
}

func TestMarketClient_Absorb_ReceiptTimeout(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, noReceipt: true}
	mc := newTestClient(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	receipt, err := mc.Absorb(ctx, []domain.Account{{1}}, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, receipt.TxHash, "hash known even without a receipt")
}

func TestMarketClient_Absorb_RateLimitedPastDeadlineIsTimeout(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, status: types.ReceiptStatusSuccessful}
	mc := newLimitedClient(t, b, 0.5, 1)

	// drain the single token; the next one is two seconds away
	_, err := mc.IsLiquidatable(context.Background(), domain.Account{1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = mc.Absorb(ctx, []domain.Account{{1}}, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrRejected)
	assert.Empty(t, b.sent)
}

func TestMarketClient_Absorb_ReplacesStrandedNonce(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, noReceipt: true}
	mc := newTestClient(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := mc.Absorb(ctx, []domain.Account{{1}}, 1_000)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b.mu.Lock()
	b.noReceipt = false
	b.status = types.ReceiptStatusSuccessful
	b.mu.Unlock()

	_, err = mc.Absorb(context.Background(), []domain.Account{{1}}, 1_000)
	require.NoError(t, err)

	require.Len(t, b.sent, 2)
	assert.Equal(t, b.sent[0].Nonce(), b.sent[1].Nonce(), "retry replaces the pending tx")
	assert.Equal(t, big.NewInt(1_100), b.sent[1].GasPrice(), "at least 10% above the stuck price")
	assert.Empty(t, mc.stranded)

	// nothing stranded anymore: back to the pending nonce
	_, err = mc.Absorb(context.Background(), []domain.Account{{2}}, 1_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.sent[2].Nonce())
}

func TestMarketClient_Absorb_MinedStrandedNonceIsNotReused(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, noReceipt: true}
	mc := newTestClient(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := mc.Absorb(ctx, []domain.Account{{1}}, 1_000)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b.mu.Lock()
	b.noReceipt = false
	b.status = types.ReceiptStatusSuccessful
	b.confirmed = 1 // the stuck tx got mined after all
	b.mu.Unlock()

	_, err = mc.Absorb(context.Background(), []domain.Account{{1}}, 1_000)
	require.NoError(t, err)
	require.Len(t, b.sent, 2)
	assert.Equal(t, uint64(1), b.sent[1].Nonce())
	assert.Equal(t, big.NewInt(1_000), b.sent[1].GasPrice())
}

func TestReplacementPrice(t *testing.T) {
	assert.Equal(t, big.NewInt(1_100), replacementPrice(big.NewInt(1), big.NewInt(1_000)))
	assert.Equal(t, big.NewInt(2), replacementPrice(big.NewInt(1), big.NewInt(1)), "rounds the bump up")
	assert.Equal(t, big.NewInt(5_000), replacementPrice(big.NewInt(5_000), big.NewInt(1_000)), "higher bid wins")
}

func TestMarketClient_Absorb_DistinctNonces(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, status: types.ReceiptStatusSuccessful}
	mc := newTestClient(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mc.Absorb(context.Background(), []domain.Account{{byte(i + 1)}}, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range b.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 8)
}

func TestRevertFromError_PlainMessage(t *testing.T) {
	revert, ok := revertFromError(errors.New("execution reverted: Paused()"))
	require.True(t, ok)
	assert.Equal(t, "Paused()", revert.Reason)

	_, ok = revertFromError(errors.New("nonce too low"))
	assert.False(t, ok)
}
