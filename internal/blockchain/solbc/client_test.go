package solbc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/rpc"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/transaction"
	"github.com/rovshanmuradov/custody-bot/internal/types"
)

type fakeNode struct {
	rpc.Node

	mu           sync.Mutex
	balanceErr   error
	tokenErr     error
	tokenAmount  string
	supplyCalls  int
	sent         map[solana.Signature]bool
	sendErr      error
	blockhashSeq byte
}

func (f *fakeNode) GetBalance(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return &solanarpc.GetBalanceResult{Value: 5_000_000_000}, nil
}

func (f *fakeNode) GetTokenAccountBalance(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &solanarpc.GetTokenAccountBalanceResult{
		Value: &solanarpc.UiTokenAmount{Amount: f.tokenAmount, Decimals: 6},
	}, nil
}

func (f *fakeNode) GetTokenSupply(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetTokenSupplyResult, error) {
	f.mu.Lock()
	f.supplyCalls++
	f.mu.Unlock()
	return &solanarpc.GetTokenSupplyResult{Value: &solanarpc.UiTokenAmount{Amount: "1000", Decimals: 6}}, nil
}

func (f *fakeNode) GetLatestBlockhash(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhashSeq++
	var h solana.Hash
	h[0] = f.blockhashSeq
	return &solanarpc.GetLatestBlockhashResult{Value: &solanarpc.LatestBlockhashResult{Blockhash: h}}, nil
}

func (f *fakeNode) IsBlockhashValid(context.Context, solana.Hash, solanarpc.CommitmentType) (*solanarpc.IsValidBlockhashResult, error) {
	return &solanarpc.IsValidBlockhashResult{Value: true}, nil
}

func (f *fakeNode) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ solanarpc.TransactionOpts) (solana.Signature, error) {
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[solana.Signature]bool{}
	}
	f.sent[tx.Signatures[0]] = true
	return tx.Signatures[0], nil
}

func (f *fakeNode) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &solanarpc.GetSignatureStatusesResult{Value: make([]*solanarpc.SignatureStatusesResult, len(sigs))}
	for i, s := range sigs {
		if f.sent[s] {
			out.Value[i] = &solanarpc.SignatureStatusesResult{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed}
		}
	}
	return out, nil
}

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	pool := rpc.NewWithNodes([]rpc.Node{node}, []string{"fake"}, rpc.Options{Attempts: 2}, zaptest.NewLogger(t))
	return NewClient(pool, transaction.Config{
		RetryDelay:       time.Millisecond,
		ConfirmationTime: 200 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	}, nil, zaptest.NewLogger(t))
}

func TestNativeBalance(t *testing.T) {
	c := newTestClient(t, &fakeNode{})
	bal, err := c.NativeBalance(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_000), bal)
}

func TestNativeBalance_UnavailableAfterRetries(t *testing.T) {
	c := newTestClient(t, &fakeNode{balanceErr: errors.New("dial tcp: connection refused")})
	_, err := c.NativeBalance(context.Background(), solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, blockchain.ErrUnavailable)
	assert.ErrorIs(t, err, types.ErrGatewayUnavailable)
}

func TestTokenBalance(t *testing.T) {
	c := newTestClient(t, &fakeNode{tokenAmount: "1500000"})
	bal, err := c.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.Equal(t, blockchain.TokenBalance{Raw: 1_500_000, Decimals: 6}, bal)
}

func TestTokenBalance_MissingAccountIsZero(t *testing.T) {
	node := &fakeNode{tokenErr: errors.New("Invalid param: could not find account")}
	c := newTestClient(t, node)
	mint := solana.NewWallet().PublicKey()

	bal, err := c.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), mint)
	require.NoError(t, err)
	assert.Zero(t, bal.Raw)
	assert.Equal(t, uint8(6), bal.Decimals)

	// decimals are cached per mint
	_, err = c.MintDecimals(context.Background(), mint)
	require.NoError(t, err)
	assert.Equal(t, 1, node.supplyCalls)
}

func TestMintDecimals_KnownMint(t *testing.T) {
	node := &fakeNode{}
	c := newTestClient(t, node)
	d, err := c.MintDecimals(context.Background(), solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"))
	require.NoError(t, err)
	assert.Equal(t, uint8(9), d)
	assert.Zero(t, node.supplyCalls)
}

func TestSendAndConfirm_Transfer(t *testing.T) {
	node := &fakeNode{}
	c := newTestClient(t, node)
	payer := solana.NewWallet()

	sig, err := c.SendAndConfirm(context.Background(), func(ctx context.Context) (*solana.Transaction, error) {
		hash, err := c.LatestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
		tx, err := solana.NewTransaction([]solana.Instruction{
			system.NewTransferInstruction(1, payer.PublicKey(), solana.NewWallet().PublicKey()).Build(),
		}, hash, solana.TransactionPayer(payer.PublicKey()))
		if err != nil {
			return nil, err
		}
		_, err = tx.Sign(func(solana.PublicKey) *solana.PrivateKey { return &payer.PrivateKey })
		return tx, err
	})
	require.NoError(t, err)

	status, err := c.Confirm(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, status.Confirmed)
}

func TestSubmit_NodeRejectionNotRetried(t *testing.T) {
	rejection := &jsonrpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed: Error processing Instruction 2: custom program error: 0x1771",
		Data: map[string]interface{}{
			"logs": []interface{}{
				"Program log: AnchorError occurred. Error Code: SlippageToleranceExceeded. Error Number: 6001. Error Message: Slippage tolerance exceeded.",
			},
		},
	}
	c := newTestClient(t, &fakeNode{sendErr: rejection})
	payer := solana.NewWallet()
	tx, err := solana.NewTransaction([]solana.Instruction{
		system.NewTransferInstruction(1, payer.PublicKey(), solana.NewWallet().PublicKey()).Build(),
	}, solana.Hash{1}, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), tx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, blockchain.ErrUnavailable)
}

func TestAnalyzeRejection(t *testing.T) {
	assert.Nil(t, analyzeRejection(errors.New("EOF")))

	rej := analyzeRejection(&jsonrpc.RPCError{
		Code: -32002,
		Data: map[string]interface{}{"logs": []interface{}{
			"Program log: AnchorError occurred. Error Code: SlippageToleranceExceeded. Error Number: 6001. Error Message: Slippage tolerance exceeded.",
		}},
	})
	require.NotNil(t, rej)
	require.NotNil(t, rej.Anchor)
	assert.Equal(t, 6001, rej.Anchor.Code)
	assert.Equal(t, "SlippageToleranceExceeded", rej.Anchor.Name)
	assert.Equal(t, "Slippage tolerance exceeded", rej.Anchor.Msg)
}
