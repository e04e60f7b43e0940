package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/computebudget"
	"github.com/rovshanmuradov/custody-bot/internal/jupiter"
	"github.com/rovshanmuradov/custody-bot/internal/storage"
	"github.com/rovshanmuradov/custody-bot/internal/storage/sqlstore"
	"github.com/rovshanmuradov/custody-bot/internal/types"
	"github.com/rovshanmuradov/custody-bot/internal/vault"
)

const testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeGateway struct {
	mu       sync.Mutex
	lamports uint64
	tokenRaw uint64
	sendErr  error
	sends    int
	ctxErr   error
	lastTx   *solana.Transaction
	// delay holds the confirmation back, ignoring ctx
	delay time.Duration
}

func (g *fakeGateway) NativeBalance(context.Context, solana.PublicKey) (uint64, error) {
	return g.lamports, nil
}

func (g *fakeGateway) TokenBalance(context.Context, solana.PublicKey, solana.PublicKey) (blockchain.TokenBalance, error) {
	return blockchain.TokenBalance{Raw: g.tokenRaw, Decimals: 6}, nil
}

func (g *fakeGateway) MintDecimals(context.Context, solana.PublicKey) (uint8, error) { return 6, nil }

func (g *fakeGateway) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{7}, nil
}

func (g *fakeGateway) SendAndConfirm(ctx context.Context, build blockchain.BuildFunc) (solana.Signature, error) {
	g.mu.Lock()
	g.sends++
	g.ctxErr = ctx.Err()
	g.mu.Unlock()

	tx, err := build(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, err
	}
	time.Sleep(g.delay)
	g.mu.Lock()
	g.lastTx = tx
	g.mu.Unlock()
	if g.sendErr != nil {
		return tx.Signatures[0], g.sendErr
	}
	return tx.Signatures[0], nil
}

type fakeSwapper struct {
	in, out   uint64
	threshold string
	last      jupiter.SwapRequest
}

func (s *fakeSwapper) BuildSwap(_ context.Context, req jupiter.SwapRequest) (*jupiter.Swap, error) {
	s.last = req
	tx, err := solana.NewTransaction([]solana.Instruction{
		system.NewTransferInstruction(1, req.User, solana.NewWallet().PublicKey()).Build(),
	}, solana.Hash{3}, solana.TransactionPayer(req.User))
	if err != nil {
		return nil, err
	}
	in := req.Amount
	if s.in != 0 {
		in = s.in
	}
	return &jupiter.Swap{Tx: tx, Quote: &jupiter.Quote{
		InAmount:  strconv.FormatUint(in, 10),
		OutAmount:            strconv.FormatUint(s.out, 10),
		OtherAmountThreshold: s.threshold,
	}}, nil
}

type harness struct {
	exec    *Executor
	gw      *fakeGateway
	swapper *fakeSwapper
	vault   *vault.Vault
	ledger  storage.Ledger
}

func newHarness(t *testing.T, feeWallet string) *harness {
	t.Helper()
	secret := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", vault.KeySize)))
	keys, err := vault.NewKeyring(1, secret)
	require.NoError(t, err)
	v, err := vault.Open(filepath.Join(t.TempDir(), "wallets.enc"), keys, zaptest.NewLogger(t))
	require.NoError(t, err)

	ledger, err := sqlstore.NewLedger(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	h := &harness{gw: &fakeGateway{}, swapper: &fakeSwapper{}, vault: v, ledger: ledger}
	h.exec, err = New(v, h.gw, h.swapper, ledger, Config{
		TokenMint:   testMint,
		SlippageBps: 100,
		Fees:        types.FeePolicy{BuyBps: 50, SellBps: 300},
		FeeWallet:   feeWallet,
		SolReserve:  2_100_000,
	}, NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))
	require.NoError(t, err)
	return h
}

func (h *harness) history(t *testing.T, user string) int {
	recs, err := h.ledger.History(context.Background(), user, 0)
	require.NoError(t, err)
	return len(recs)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestExecute_Buy(t *testing.T) {
	h := newHarness(t, solana.NewWallet().PublicKey().String())
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 50_000_000 // 50 tokens

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TxID)
	assert.True(t, d("50").Equal(res.Amount), res.Amount.String())
	assert.True(t, d("0.002").Equal(res.Price), res.Price.String())
	assert.True(t, d("0.0005").Equal(res.Fee), res.Fee.String())

	assert.Equal(t, uint64(100_000_000), h.swapper.last.Amount)
	assert.Equal(t, 50, h.swapper.last.PlatformFeeBps)
	assert.False(t, h.swapper.last.FeeAccount.IsZero())
	assert.Equal(t, 1, h.history(t, "u1"))

	w, err := h.vault.Get("u1")
	require.NoError(t, err)
	require.Len(t, w.History, 1)
	assert.Equal(t, res.TxID, w.History[0].TxID)

	fees, err := h.ledger.TotalFees(context.Background())
	require.NoError(t, err)
	assert.True(t, d("0.0005").Equal(fees))
}

func TestExecute_BuyInsufficientBalance(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 100_000_000 // exactly the amount, nothing for the reserve

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, types.ErrInsufficientBalance)
	assert.Zero(t, h.gw.sends)
	assert.Zero(t, h.history(t, "u1"))
}

func TestExecute_SellWholeBalance(t *testing.T) {
	h := newHarness(t, solana.NewWallet().PublicKey().String())
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.tokenRaw = 10_000_000 // 10 tokens
	h.swapper.out = 25_000_000 // 0.025 SOL

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideSell})
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(10_000_000), h.swapper.last.Amount)
	assert.True(t, d("10").Equal(res.Amount))
	assert.True(t, d("0.0025").Equal(res.Price), res.Price.String())
	assert.True(t, d("0.00075").Equal(res.Fee), res.Fee.String())
}

func TestExecute_SellNeverExceedsBalance(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.tokenRaw = 4_000_000
	h.swapper.out = 1_000_000

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideSell, Amount: d("5")})
	assert.ErrorIs(t, res.Err, types.ErrInsufficientBalance)
	assert.Zero(t, h.gw.sends)

	res = h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideSell, Amount: d("5"), CapToBalance: true})
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(4_000_000), h.swapper.last.Amount)
}

func TestExecute_EmptyTokenBalance(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideSell, CapToBalance: true})
	assert.ErrorIs(t, res.Err, types.ErrInsufficientBalance)
}

func TestExecute_NoLedgerRecordWithoutConfirmation(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 1
	h.gw.sendErr = blockchain.ErrConfirmationTimeout

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, types.ErrExecutionFailed)
	assert.NotEmpty(t, res.Reason())
	assert.Zero(t, h.history(t, "u1"))

	w, err := h.vault.Get("u1")
	require.NoError(t, err)
	assert.Empty(t, w.History)
}

func TestExecute_UnknownErrorsAreExecutionFailures(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 1
	h.gw.sendErr = errors.New("custom program error: 0x1771")

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	assert.ErrorIs(t, res.Err, types.ErrExecutionFailed)
}

func TestExecute_NoWallet(t *testing.T) {
	h := newHarness(t, "")
	res := h.exec.Execute(context.Background(), Order{UserID: "ghost", Side: types.SideBuy, Amount: d("0.1")})
	assert.ErrorIs(t, res.Err, types.ErrNoWallet)
}

func TestExecute_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 10

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.exec.Execute(ctx, Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	require.NoError(t, res.Err)
	assert.NoError(t, h.gw.ctxErr)
}

func TestExecute_NoFeeWalletNoFee(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 10

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	require.NoError(t, res.Err)
	assert.True(t, res.Fee.IsZero())
	assert.True(t, h.swapper.last.FeeAccount.IsZero())
}

func TestWithdraw(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	to := solana.NewWallet().PublicKey().String()

	res := h.exec.Withdraw(context.Background(), "u1", d("0.5"), to)
	require.NoError(t, res.Err)
	assert.Equal(t, types.SideWithdraw, res.Side)
	assert.True(t, d("0.5").Equal(res.Amount))
	assert.True(t, res.Fee.IsZero())

	recs, err := h.ledger.History(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "withdraw", recs[0].Side)
}

func TestWithdraw_PriorityFee(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.exec.cfg.PriorityFee = 50_000
	// 0.5 SOL + signature fee, but not the 50 lamport priority fee
	h.gw.lamports = 500_005_000

	res := h.exec.Withdraw(context.Background(), "u1", d("0.5"), solana.NewWallet().PublicKey().String())
	assert.ErrorIs(t, res.Err, types.ErrInsufficientBalance)

	h.gw.lamports = 1_000_000_000
	res = h.exec.Withdraw(context.Background(), "u1", d("0.5"), solana.NewWallet().PublicKey().String())
	require.NoError(t, res.Err)
	require.NotNil(t, h.gw.lastTx)
	require.Len(t, h.gw.lastTx.Message.Instructions, 3)
	program, err := h.gw.lastTx.Message.Program(h.gw.lastTx.Message.Instructions[0].ProgramIDIndex)
	require.NoError(t, err)
	assert.True(t, program.Equals(computebudget.ProgramID))
}

func TestWithdraw_Validation(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000

	res := h.exec.Withdraw(context.Background(), "u1", d("0.5"), "not-an-address")
	assert.ErrorIs(t, res.Err, types.ErrInvalidCommand)

	res = h.exec.Withdraw(context.Background(), "u1", d("2"), solana.NewWallet().PublicKey().String())
	assert.ErrorIs(t, res.Err, types.ErrInsufficientBalance)
	assert.Zero(t, h.gw.sends)
}

func TestExecute_OversizeAmountsAreInsufficient(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 1

	// 2e10 SOL clamps to MaxUint64 lamports; the reserve must not wrap it
	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("2e10")})
	assert.ErrorIs(t, res.Err, types.ErrInsufficientBalance)

	res = h.exec.Withdraw(context.Background(), "u1", d("2e10"), solana.NewWallet().PublicKey().String())
	assert.ErrorIs(t, res.Err, types.ErrInsufficientBalance)

	assert.Zero(t, h.gw.sends)
	assert.Zero(t, h.history(t, "u1"))
}

func TestCoversSOL(t *testing.T) {
	assert.NoError(t, coversSOL(10, 4, 3, 3))
	assert.ErrorIs(t, coversSOL(10, 4, 3, 4), types.ErrInsufficientBalance)
	assert.ErrorIs(t, coversSOL(10, 11), types.ErrInsufficientBalance)
	assert.ErrorIs(t, coversSOL(1_000_000_000, math.MaxUint64, 2_100_000), types.ErrInsufficientBalance)
	assert.ErrorIs(t, coversSOL(math.MaxUint64, 1, math.MaxUint64), types.ErrInsufficientBalance)
}

func TestExecute_RejectsQuoteWiderThanSlippage(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 1_000
	h.swapper.threshold = "900" // 10%, configured 1%

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, types.ErrExecutionFailed)
	assert.Contains(t, res.Err.Error(), "slippage floor")
	assert.Nil(t, h.gw.lastTx)
	assert.Zero(t, h.history(t, "u1"))

	h.swapper.threshold = "990"
	res = h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, h.history(t, "u1"))
}

func TestExecute_RecordsAfterDeadlineSpentOnConfirmation(t *testing.T) {
	h := newHarness(t, "")
	_, _, err := h.vault.CreateIfAbsent("u1")
	require.NoError(t, err)
	h.gw.lamports = 1_000_000_000
	h.swapper.out = 10
	h.exec.cfg.Timeout = 20 * time.Millisecond
	h.gw.delay = 60 * time.Millisecond

	res := h.exec.Execute(context.Background(), Order{UserID: "u1", Side: types.SideBuy, Amount: d("0.1")})
	require.NoError(t, res.Err)

	recs, err := h.ledger.History(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.TxID, recs[0].TxID)
}
