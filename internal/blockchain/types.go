// internal/blockchain/types.go
package blockchain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/rovshanmuradov/custody-bot/internal/types"
)

// Ошибки шлюза. Все, кроме ошибок классификации, оборачивают ошибки из
// internal/types, чтобы командный слой мог проверить их через errors.Is.
var (
	ErrUnavailable         = fmt.Errorf("solana rpc: %w", types.ErrGatewayUnavailable)
	ErrBlockhashExpired    = fmt.Errorf("blockhash expired before confirmation: %w", types.ErrExecutionFailed)
	ErrConfirmationTimeout = fmt.Errorf("transaction confirmation timeout, outcome unknown: %w", types.ErrExecutionFailed)
	ErrTxFailed            = fmt.Errorf("transaction failed on chain: %w", types.ErrExecutionFailed)
)

// TokenBalance is a raw SPL balance plus the mint decimals needed to
// render it.
type TokenBalance struct {
	Raw      uint64
	Decimals uint8
}

// ConfirmStatus is the terminal state of a submitted transaction.
type ConfirmStatus struct {
	Confirmed bool
	Reason    string
}

// BuildFunc собирает и подписывает транзакцию. Вызывается заново на
// каждой попытке, поэтому должна брать свежий blockhash.
type BuildFunc func(ctx context.Context) (*solana.Transaction, error)

// Gateway is the only path the bot uses to talk to the chain.
type Gateway interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	// TokenBalance returns zero when the owner has no token account.
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (TokenBalance, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature) (ConfirmStatus, error)
	// SendAndConfirm rebuilds and resubmits when the blockhash expires.
	SendAndConfirm(ctx context.Context, build BuildFunc) (solana.Signature, error)
}

// NativeBalanceReader is the slice of Gateway used for balance reporting.
type NativeBalanceReader interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
}

// NativeBalanceOrZero returns 0 when the balance cannot be read. It is
// meant for informational views only, never for spend decisions.
func NativeBalanceOrZero(ctx context.Context, g NativeBalanceReader, owner solana.PublicKey, onErr func(error)) uint64 {
	bal, err := g.NativeBalance(ctx, owner)
	if err != nil {
		if onErr != nil {
			onErr(err)
		}
		return 0
	}
	return bal
}
