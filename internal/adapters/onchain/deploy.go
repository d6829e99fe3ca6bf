package onchain

// deploy.go: helpers for deployment fixtures (local markets and test tokens).
// Nothing in the engine depends on these.

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Fixed widths of the token contract's name and symbol fields.
const (
	TokenNameWidth   = 32
	TokenSymbolWidth = 8
)

// RandomSalt returns a fresh 32-byte deployment salt so repeated deployments
// of the same bytecode get distinct addresses.
func RandomSalt() ([32]byte, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("onchain.RandomSalt: %w", err)
	}
	return salt, nil
}

// PadASCII right-pads s with spaces to width. Contracts with fixed-size ASCII
// fields reject anything else.
func PadASCII(s string, width int) (string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return "", fmt.Errorf("onchain.PadASCII: non-ASCII byte at %d in %q", i, s)
		}
	}
	if len(s) > width {
		return "", fmt.Errorf("onchain.PadASCII: %q longer than %d", s, width)
	}
	b := make([]byte, width)
	copy(b, s)
	for i := len(s); i < width; i++ {
		b[i] = ' '
	}
	return string(b), nil
}

// ParseUnits scales a whole-token amount to base units: amount * 10^decimals.
func ParseUnits(amount uint64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return scale.Mul(scale, new(big.Int).SetUint64(amount))
}

// TokenConfig is the initialize() argument of the test token.
type TokenConfig struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// NewTokenConfig validates and pads name and symbol to their field widths.
func NewTokenConfig(name, symbol string, decimals uint8) (TokenConfig, error) {
	n, err := PadASCII(name, TokenNameWidth)
	if err != nil {
		return TokenConfig{}, fmt.Errorf("onchain.NewTokenConfig: name: %w", err)
	}
	s, err := PadASCII(symbol, TokenSymbolWidth)
	if err != nil {
		return TokenConfig{}, fmt.Errorf("onchain.NewTokenConfig: symbol: %w", err)
	}
	return TokenConfig{Name: n, Symbol: s, Decimals: decimals}, nil
}
