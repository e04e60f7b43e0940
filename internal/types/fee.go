// internal/types/fee.go
package types

import "github.com/shopspring/decimal"

var bpsDenominator = decimal.NewFromInt(10_000)

// FeePolicy задаёт комиссию сервиса в базисных пунктах для каждой стороны сделки.
type FeePolicy struct {
	BuyBps  int
	SellBps int
}

// Bps возвращает ставку для стороны; вывод средств бесплатный.
func (p FeePolicy) Bps(side Side) int {
	switch side {
	case SideBuy:
		return p.BuyBps
	case SideSell:
		return p.SellBps
	default:
		return 0
	}
}

// Fee вычисляет комиссию от номинала в SOL, округляя вниз до лампорта.
func (p FeePolicy) Fee(side Side, notionalSOL decimal.Decimal) decimal.Decimal {
	return ApplyBps(notionalSOL, p.Bps(side)).RoundFloor(9)
}

// ApplyBps returns amount * bps / 10000.
func ApplyBps(amount decimal.Decimal, bps int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDenominator)
}

// MinAmountOut вычисляет минимальный выход с учётом проскальзывания.
// Например, при 100 bps минимум будет 99% от ожидаемого.
func MinAmountOut(expected uint64, slippageBps int) uint64 {
	d := decimal.NewFromInt(int64(expected))
	return uint64(d.Sub(ApplyBps(d, slippageBps)).Floor().IntPart())
}
