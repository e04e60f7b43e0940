// Package executor turns a fired or manual order into a confirmed on-chain
// transaction and records it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/computebudget"
	"github.com/rovshanmuradov/custody-bot/internal/jupiter"
	"github.com/rovshanmuradov/custody-bot/internal/storage/models"
	"github.com/rovshanmuradov/custody-bot/internal/types"
	"github.com/rovshanmuradov/custody-bot/internal/userlock"
	"github.com/rovshanmuradov/custody-bot/internal/vault"
	"github.com/rovshanmuradov/custody-bot/internal/wallet"
)

// withdrawFeeLamports covers the signature fee of a plain transfer.
const (
	withdrawFeeLamports = 5000
	recordTimeout       = 15 * time.Second
)

var wsolMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

type Vault interface {
	Get(userID string) (*vault.Wallet, error)
	DecryptKey(w *vault.Wallet) (*wallet.Wallet, error)
	UpdateBalances(userID string, lamports, tokenRaw uint64) error
	AppendHistory(userID string, tx vault.TxSummary) error
}

type Gateway interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (blockchain.TokenBalance, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendAndConfirm(ctx context.Context, build blockchain.BuildFunc) (solana.Signature, error)
}

type Swapper interface {
	BuildSwap(ctx context.Context, req jupiter.SwapRequest) (*jupiter.Swap, error)
}

type Ledger interface {
	Append(ctx context.Context, rec *models.TxRecord) (bool, error)
}

type Config struct {
	TokenMint   string
	SlippageBps int
	Fees        types.FeePolicy
	// FeeWallet receives the platform fee as wrapped SOL. Empty disables
	// fee collection.
	FeeWallet string
	// SolReserve stays in the wallet after a buy to pay for rent and fees.
	SolReserve uint64
	// PriorityFee is the compute unit price of withdrawals, in
	// micro-lamports. Swaps take Jupiter's own priority fee.
	PriorityFee uint64
	Timeout     time.Duration
}

// Order is a buy (Amount in SOL) or a sell (Amount in tokens).
type Order struct {
	UserID    string
	Side      types.Side
	Amount    decimal.Decimal
	TokenMint string
	// CapToBalance sells min(Amount, balance) instead of failing. Zero
	// Amount sells the whole balance either way.
	CapToBalance bool
}

// Result is the outcome of one execution. Amount is in tokens for swaps
// and in SOL for withdrawals; Price is SOL per token.
type Result struct {
	Success bool
	TxID    string
	Side    types.Side
	Amount  decimal.Decimal
	Price   decimal.Decimal
	Fee     decimal.Decimal
	Err     error
}

// Reason is the user-facing failure text.
func (r Result) Reason() string { return types.Reason(r.Err) }

type Executor struct {
	vault   Vault
	gateway Gateway
	swapper Swapper
	ledger  Ledger
	cfg     Config
	feeATA  solana.PublicKey
	locks   *userlock.Locks
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(v Vault, g Gateway, s Swapper, l Ledger, cfg Config, metrics *Metrics, logger *zap.Logger) (*Executor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	e := &Executor{
		vault:   v,
		gateway: g,
		swapper: s,
		ledger:  l,
		cfg:     cfg,
		locks:   userlock.New(),
		metrics: metrics,
		logger:  logger.Named("executor"),
		now:     time.Now,
	}
	if cfg.FeeWallet != "" {
		owner, err := solana.PublicKeyFromBase58(cfg.FeeWallet)
		if err != nil {
			return nil, fmt.Errorf("invalid fee wallet: %w", err)
		}
		e.feeATA, _, err = solana.FindAssociatedTokenAddress(owner, wsolMint)
		if err != nil {
			return nil, fmt.Errorf("derive fee account: %w", err)
		}
	}
	return e, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidCommand, fmt.Sprintf(format, args...))
}

// asExecutionFailure keeps taxonomy errors and files everything else
// under ErrExecutionFailed.
func asExecutionFailure(err error) error {
	for _, known := range []error{
		types.ErrNoWallet, types.ErrInsufficientBalance, types.ErrDecryption,
		types.ErrGatewayUnavailable, types.ErrExecutionFailed, types.ErrInvalidCommand,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", types.ErrExecutionFailed, err)
}

// prepared is what an execution needs once the wallet and mint are known.
type prepared struct {
	log  *zap.Logger
	w    *wallet.Wallet
	mint solana.PublicKey
}

func (e *Executor) prepare(userID, side, mintStr string) (*prepared, func(), error) {
	log := e.logger.With(
		zap.String("exec_id", uuid.NewString()),
		zap.String("user_id", userID),
		zap.String("side", side))

	unlock := e.locks.Lock(userID)

	rec, err := e.vault.Get(userID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	w, err := e.vault.DecryptKey(rec)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	var mint solana.PublicKey
	if mintStr != "" {
		mint, err = solana.PublicKeyFromBase58(mintStr)
		if err != nil {
			w.Wipe()
			unlock()
			return nil, nil, invalid("bad token mint %q", mintStr)
		}
	}
	release := func() {
		w.Wipe()
		unlock()
	}
	return &prepared{log: log, w: w, mint: mint}, release, nil
}

// Execute runs a swap. It ignores cancellation of ctx once started; the
// execution has its own deadline.
func (e *Executor) Execute(ctx context.Context, o Order) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res := e.execute(ctx, o)
	e.metrics.track(string(o.Side), start, res.Success)
	return res
}

func (e *Executor) execute(ctx context.Context, o Order) Result {
	fail := func(err error) Result {
		return Result{Side: o.Side, Err: asExecutionFailure(err)}
	}
	if o.Side != types.SideBuy && o.Side != types.SideSell {
		return fail(invalid("unsupported side %q", o.Side))
	}
	if o.Amount.IsNegative() || (o.Side == types.SideBuy && !o.Amount.IsPositive()) {
		return fail(invalid("amount must be positive"))
	}
	mintStr := o.TokenMint
	if mintStr == "" {
		mintStr = e.cfg.TokenMint
	}

	p, unlock, err := e.prepare(o.UserID, string(o.Side), mintStr)
	if err != nil {
		e.logger.Warn("Execution rejected", zap.String("user_id", o.UserID), zap.Error(err))
		return fail(err)
	}
	defer unlock()

	req := jupiter.SwapRequest{
		QuoteRequest: jupiter.QuoteRequest{SlippageBps: e.cfg.SlippageBps, PlatformFeeBps: e.cfg.Fees.Bps(o.Side)},
		User:         p.w.PublicKey,
		FeeAccount:   e.feeATA,
	}
	var decimals uint8

	switch o.Side {
	case types.SideBuy:
		lamports := types.SOLToLamports(o.Amount)
		if lamports == 0 {
			return fail(invalid("amount below one lamport"))
		}
		balance, err := e.gateway.NativeBalance(ctx, p.w.PublicKey)
		if err != nil {
			return fail(err)
		}
		if err := coversSOL(balance, lamports, e.cfg.SolReserve); err != nil {
			return fail(err)
		}
		if decimals, err = e.gateway.MintDecimals(ctx, p.mint); err != nil {
			return fail(err)
		}
		req.InputMint, req.OutputMint, req.Amount = wsolMint, p.mint, lamports

	case types.SideSell:
		tb, err := e.gateway.TokenBalance(ctx, p.w.PublicKey, p.mint)
		if err != nil {
			return fail(err)
		}
		decimals = tb.Decimals
		raw := types.ToRaw(o.Amount, decimals)
		if o.Amount.IsZero() || (o.CapToBalance && raw > tb.Raw) {
			raw = tb.Raw
		}
		if raw == 0 || raw > tb.Raw {
			return fail(fmt.Errorf("%w: have %s tokens, need %s",
				types.ErrInsufficientBalance, types.FromRaw(tb.Raw, decimals), o.Amount))
		}
		req.InputMint, req.OutputMint, req.Amount = p.mint, wsolMint, raw
	}

	var quote *jupiter.Quote
	sig, err := e.gateway.SendAndConfirm(ctx, func(ctx context.Context) (*solana.Transaction, error) {
		swap, err := e.swapper.BuildSwap(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := checkQuote(swap.Quote, e.cfg.SlippageBps); err != nil {
			return nil, err
		}
		if err := p.w.SignTransaction(swap.Tx); err != nil {
			return nil, fmt.Errorf("sign swap: %w", err)
		}
		quote = swap.Quote
		return swap.Tx, nil
	})
	if err != nil {
		p.log.Error("❌ Swap failed", zap.Error(err))
		return fail(err)
	}

	// quote belongs to the attempt that confirmed
	var lamports, tokenRaw uint64
	if o.Side == types.SideBuy {
		lamports, tokenRaw = quote.In(), quote.Out()
	} else {
		tokenRaw, lamports = quote.In(), quote.Out()
	}
	notional := types.LamportsToSOL(lamports)
	res := Result{
		Success: true,
		TxID:    sig.String(),
		Side:    o.Side,
		Amount:  types.FromRaw(tokenRaw, decimals),
		Price:   types.SOLPerToken(lamports, tokenRaw, decimals),
		Fee:     e.feeFor(o.Side, notional),
	}
	p.log.Info("✅ Swap confirmed",
		zap.String("tx_id", res.TxID),
		zap.String("amount", res.Amount.String()),
		zap.String("price_sol", res.Price.String()),
		zap.String("fee_sol", res.Fee.String()))

	e.record(ctx, p, o.UserID, mintStr, res)
	return res
}

// coversSOL checks balance >= amount + sum(extra) by subtraction, so an
// amount clamped to MaxUint64 cannot wrap around.
func coversSOL(balance, amount uint64, extra ...uint64) error {
	need := types.LamportsToSOL(amount)
	left, short := balance, balance < amount
	if !short {
		left -= amount
	}
	for _, x := range extra {
		need = need.Add(types.LamportsToSOL(x))
		if left < x {
			short = true
		}
		if !short {
			left -= x
		}
	}
	if short {
		return fmt.Errorf("%w: have %s SOL, need %s SOL",
			types.ErrInsufficientBalance, types.LamportsToSOL(balance), need)
	}
	return nil
}

// checkQuote rejects a swap whose output is empty or whose minimum output
// allows more slippage than configured.
func checkQuote(q *jupiter.Quote, slippageBps int) error {
	out := q.Out()
	if out == 0 {
		return errors.New("quote has no output")
	}
	threshold, ok := q.Threshold()
	if !ok {
		return nil
	}
	if floor := types.MinAmountOut(out, slippageBps); threshold < floor {
		return fmt.Errorf("quote min out %d below slippage floor %d", threshold, floor)
	}
	return nil
}

func (e *Executor) feeFor(side types.Side, notional decimal.Decimal) decimal.Decimal {
	if e.feeATA.IsZero() {
		return decimal.Zero
	}
	return e.cfg.Fees.Fee(side, notional)
}

// Withdraw sends amount SOL to recipient.
func (e *Executor) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, recipient string) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res := e.withdraw(ctx, userID, amount, recipient)
	e.metrics.track(string(types.SideWithdraw), start, res.Success)
	return res
}

func (e *Executor) withdraw(ctx context.Context, userID string, amount decimal.Decimal, recipient string) Result {
	fail := func(err error) Result {
		return Result{Side: types.SideWithdraw, Err: asExecutionFailure(err)}
	}
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return fail(invalid("bad recipient address %q", recipient))
	}
	lamports := types.SOLToLamports(amount)
	if lamports == 0 {
		return fail(invalid("amount must be positive"))
	}

	// the configured mint is only used to refresh the cached token balance
	p, unlock, err := e.prepare(userID, string(types.SideWithdraw), e.cfg.TokenMint)
	if err != nil {
		return fail(err)
	}
	defer unlock()

	if to.Equals(p.w.PublicKey) {
		return fail(invalid("recipient is the wallet itself"))
	}
	balance, err := e.gateway.NativeBalance(ctx, p.w.PublicKey)
	if err != nil {
		return fail(err)
	}
	budget := computebudget.Budget{Units: computebudget.TransferUnits, MicroLamports: e.cfg.PriorityFee}
	budgetIxs, err := budget.Instructions()
	if err != nil {
		return fail(err)
	}
	if err := coversSOL(balance, lamports, withdrawFeeLamports, budget.FeeLamports()); err != nil {
		return fail(err)
	}

	sig, err := e.gateway.SendAndConfirm(ctx, func(ctx context.Context) (*solana.Transaction, error) {
		hash, err := e.gateway.LatestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
		ixs := make([]solana.Instruction, 0, len(budgetIxs)+1)
		ixs = append(ixs, budgetIxs...)
		ixs = append(ixs, system.NewTransferInstruction(lamports, p.w.PublicKey, to).Build())
		tx, err := solana.NewTransaction(ixs, hash, solana.TransactionPayer(p.w.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("create transaction: %w", err)
		}
		if err := p.w.SignTransaction(tx); err != nil {
			return nil, fmt.Errorf("sign transfer: %w", err)
		}
		return tx, nil
	})
	if err != nil {
		p.log.Error("❌ Withdrawal failed", zap.Error(err))
		return fail(err)
	}

	res := Result{
		Success: true,
		TxID:    sig.String(),
		Side:    types.SideWithdraw,
		Amount:  types.LamportsToSOL(lamports),
		Price:   decimal.Zero,
		Fee:     decimal.Zero,
	}
	p.log.Info("✅ Withdrawal confirmed",
		zap.String("tx_id", res.TxID),
		zap.String("recipient", recipient),
		zap.String("amount_sol", res.Amount.String()))

	e.record(ctx, p, userID, "", res)
	return res
}

// record writes the ledger entry and vault history for a confirmed
// transaction. The transaction already landed, so failures here are
// logged and do not turn the result into a failure. It runs on its own
// deadline: the execution one may already be spent on confirmation.
func (e *Executor) record(ctx context.Context, p *prepared, userID, mint string, res Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	rec := &models.TxRecord{
		TxID:      res.TxID,
		UserID:    userID,
		Side:      string(res.Side),
		TokenMint: mint,
		Amount:    res.Amount,
		Price:     res.Price,
		Fee:       res.Fee,
		Status:    models.StatusSuccess,
		Timestamp: e.now().UTC(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (bool, error) {
		return e.ledger.Append(ctx, rec)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		p.log.Error("💥 Confirmed transaction missing from ledger",
			zap.String("tx_id", res.TxID),
			zap.Error(err))
	}

	if err := e.vault.AppendHistory(userID, vault.TxSummary{
		TxID:      res.TxID,
		Side:      string(res.Side),
		Amount:    res.Amount.String(),
		Price:     res.Price.String(),
		Fee:       res.Fee.String(),
		Timestamp: rec.Timestamp,
	}); err != nil {
		p.log.Warn("Failed to append wallet history", zap.Error(err))
	}

	sol := blockchain.NativeBalanceOrZero(ctx, e.gateway, p.w.PublicKey, func(err error) {
		p.log.Warn("Balance refresh failed", zap.Error(err))
	})
	var tokenRaw uint64
	if !p.mint.IsZero() {
		if tb, err := e.gateway.TokenBalance(ctx, p.w.PublicKey, p.mint); err == nil {
			tokenRaw = tb.Raw
		}
	}
	if err := e.vault.UpdateBalances(userID, sol, tokenRaw); err != nil {
		p.log.Warn("Failed to cache balances", zap.Error(err))
	}
}
