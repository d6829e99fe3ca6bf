package onchain_test

import (
	"math/big"
	"strings"
	"testing"

	"github.com/alejandrodnm/liquidator/internal/adapters/onchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomSalt(t *testing.T) {
	a, err := onchain.RandomSalt()
	require.NoError(t, err)
	b, err := onchain.RandomSalt()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, [32]byte{}, a)
}

func TestPadASCII(t *testing.T) {
	s, err := onchain.PadASCII("USDC", onchain.TokenSymbolWidth)
	require.NoError(t, err)
	assert.Equal(t, "USDC    ", s)

	_, err = onchain.PadASCII(strings.Repeat("x", 9), onchain.TokenSymbolWidth)
	assert.Error(t, err)

	_, err = onchain.PadASCII("usdç", onchain.TokenSymbolWidth)
	assert.Error(t, err)
}

func TestParseUnits(t *testing.T) {
	assert.Equal(t, big.NewInt(1_000_000), onchain.ParseUnits(1, 6))
	assert.Equal(t, "5000000000000000000000", onchain.ParseUnits(5000, 18).String())
	assert.Equal(t, big.NewInt(7), onchain.ParseUnits(7, 0))
}

func TestNewTokenConfig(t *testing.T) {
	cfg, err := onchain.NewTokenConfig("Test Token", "TST", 18)
	require.NoError(t, err)
	assert.Len(t, cfg.Name, onchain.TokenNameWidth)
	assert.Len(t, cfg.Symbol, onchain.TokenSymbolWidth)
	assert.Equal(t, "Test Token", strings.TrimRight(cfg.Name, " "))
	assert.Equal(t, uint8(18), cfg.Decimals)

	_, err = onchain.NewTokenConfig("Test Token", "TOOLONGSYM", 18)
	assert.Error(t, err)
}
