// internal/types/types.go
package types

import "errors"

// Side is the direction of an order or ledger record.
type Side string

const (
	SideBuy      Side = "buy"
	SideSell     Side = "sell"
	SideWithdraw Side = "withdraw"
)

func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideWithdraw:
		return true
	}
	return false
}

// Ошибки, которые видит командный слой. Компоненты оборачивают свои
// ошибки в одну из них, так что вызывающий код проверяет через errors.Is.
var (
	ErrNoWallet            = errors.New("no wallet")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDecryption          = errors.New("decryption error")
	ErrGatewayUnavailable  = errors.New("gateway unavailable")
	ErrOracleUnavailable   = errors.New("oracle unavailable")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrNotPermitted        = errors.New("not permitted")
)

// Reason maps an error onto the short user-facing reason carried by
// OrderFailed notifications.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoWallet):
		return "no wallet: send /start to create one"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient balance"
	case errors.Is(err, ErrDecryption):
		return "wallet key cannot be decrypted, contact support"
	case errors.Is(err, ErrGatewayUnavailable):
		return "network unavailable, try again later"
	case errors.Is(err, ErrOracleUnavailable):
		return "price unavailable, try again later"
	case errors.Is(err, ErrRateLimited):
		return "too many requests, slow down"
	case errors.Is(err, ErrNotPermitted):
		return "operator-only command"
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrExecutionFailed):
		return err.Error()
	default:
		return err.Error()
	}
}
