// internal/types/amount.go
package types

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	LamportsPerSOL = 1_000_000_000
	SOLDecimals    = 9
)

// LamportsToSOL converts lamports to a SOL decimal.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-SOLDecimals)
}

// SOLToLamports converts a SOL amount to lamports, rounding down.
func SOLToLamports(sol decimal.Decimal) uint64 {
	return ToRaw(sol, SOLDecimals)
}

// ToRaw converts a UI amount into base units for a mint with the given
// decimals, rounding down. Negative or oversize amounts clamp.
func ToRaw(amount decimal.Decimal, decimals uint8) uint64 {
	raw := amount.Shift(int32(decimals)).Floor()
	if raw.Sign() <= 0 {
		return 0
	}
	if raw.GreaterThanOrEqual(decimal.NewFromUint64(math.MaxUint64)) {
		return math.MaxUint64
	}
	return raw.BigInt().Uint64()
}

// FromRaw converts base units into a UI amount.
func FromRaw(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromUint64(raw).Shift(-int32(decimals))
}

// SOLPerToken returns the price of one token UI unit in SOL given a pair of
// raw amounts exchanged against each other. Zero token amount yields zero.
func SOLPerToken(lamports, tokenRaw uint64, decimals uint8) decimal.Decimal {
	tokens := FromRaw(tokenRaw, decimals)
	if tokens.IsZero() {
		return decimal.Zero
	}
	return LamportsToSOL(lamports).Div(tokens)
}
