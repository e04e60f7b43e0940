package blockchain

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/rovshanmuradov/custody-bot/internal/types"
)

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsAccountNotFoundError(errors.New("Invalid param: could not find account")))
	assert.True(t, IsAccountNotFoundError(errors.New("account Not Found")))
	assert.False(t, IsAccountNotFoundError(nil))
	assert.False(t, IsAccountNotFoundError(errors.New("timeout")))

	assert.True(t, IsBlockhashError(errors.New("Transaction simulation failed: Blockhash not found")))
	assert.True(t, IsBlockhashError(errors.New("TransactionError: BlockhashNotFound")))
	assert.True(t, IsBlockhashError(errors.New("block height exceeded")))
	assert.False(t, IsBlockhashError(errors.New("insufficient funds for rent")))
}

func TestSentinelsWrapDomainErrors(t *testing.T) {
	assert.ErrorIs(t, ErrUnavailable, types.ErrGatewayUnavailable)
	assert.ErrorIs(t, ErrTxFailed, types.ErrExecutionFailed)
}

type balanceStub struct {
	bal uint64
	err error
}

func (b balanceStub) NativeBalance(context.Context, solana.PublicKey) (uint64, error) {
	return b.bal, b.err
}

func TestNativeBalanceOrZero(t *testing.T) {
	owner := solana.NewWallet().PublicKey()

	assert.Equal(t, uint64(42), NativeBalanceOrZero(context.Background(), balanceStub{bal: 42}, owner, nil))

	var seen error
	got := NativeBalanceOrZero(context.Background(), balanceStub{err: ErrUnavailable}, owner, func(err error) { seen = err })
	assert.Zero(t, got)
	assert.ErrorIs(t, seen, types.ErrGatewayUnavailable)
}
