// internal/blockchain/solbc/transaction/manager.go
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
)

type Manager struct {
	chain   Chain
	logger  *zap.Logger
	config  Config
	monitor *Monitor
	metrics *Metrics
}

func NewManager(chain Chain, logger *zap.Logger, config Config, metrics *Metrics) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	config = config.withDefaults()
	return &Manager{
		chain:   chain,
		logger:  logger.Named("tx-manager"),
		config:  config,
		monitor: NewMonitor(chain, logger, config),
		metrics: metrics,
	}
}

// Monitor exposes the confirmation poller.
func (tm *Manager) Monitor() *Monitor { return tm.monitor }

// SendAndConfirm builds, submits and waits for a transaction. When the
// blockhash expires before confirmation the transaction is rebuilt from
// scratch, up to MaxAttempts times. Any other failure is final.
func (tm *Manager) SendAndConfirm(ctx context.Context, build blockchain.BuildFunc) (solana.Signature, error) {
	start := time.Now()
	attempt := 0
	var lastSig solana.Signature
	operation := func() (solana.Signature, error) {
		attempt++
		tx, err := build(ctx)
		if err != nil {
			return solana.Signature{}, backoff.Permanent(fmt.Errorf("build transaction: %w", err))
		}
		if err := ValidateTransaction(tx); err != nil {
			tm.logger.Error("Transaction validation failed", zap.Error(err))
			return solana.Signature{}, backoff.Permanent(err)
		}

		signature, err := tm.chain.Submit(ctx, tx)
		lastSig = signature
		if err != nil {
			if blockchain.IsBlockhashError(err) {
				tm.metrics.rebuilt()
				tm.logger.Warn("Blockhash rejected, rebuilding transaction",
					zap.Int("attempt", attempt), zap.Error(err))
				return solana.Signature{}, fmt.Errorf("%w: %v", blockchain.ErrBlockhashExpired, err)
			}
			return solana.Signature{}, backoff.Permanent(err)
		}

		status, err := tm.monitor.AwaitConfirmation(ctx, signature)
		switch {
		case errors.Is(err, blockchain.ErrConfirmationTimeout):
			if tm.expired(ctx, tx.Message.RecentBlockhash, signature) {
				tm.metrics.rebuilt()
				tm.logger.Warn("Blockhash expired before confirmation, rebuilding",
					zap.String("signature", signature.String()),
					zap.Int("attempt", attempt))
				return signature, blockchain.ErrBlockhashExpired
			}
			return signature, backoff.Permanent(fmt.Errorf("%w: %s", blockchain.ErrConfirmationTimeout, signature))
		case err != nil:
			return signature, backoff.Permanent(err)
		case !status.Confirmed():
			return signature, backoff.Permanent(fmt.Errorf("%w: %s", blockchain.ErrTxFailed, status.Error))
		}
		return signature, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = tm.config.RetryDelay

	signature, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tm.config.MaxAttempts)))
	if err != nil {
		signature = lastSig
		tm.metrics.observe(start, err)
		tm.logger.Error("Transaction not confirmed",
			zap.String("signature", signature.String()),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return signature, err
	}

	tm.metrics.observe(start, nil)
	tm.logger.Info("Transaction confirmed",
		zap.String("signature", signature.String()),
		zap.Int("attempts", attempt))
	return signature, nil
}

// expired is true only when the node never saw the signature and the
// blockhash can no longer land. Anything else leaves the outcome unknown.
func (tm *Manager) expired(ctx context.Context, hash solana.Hash, sig solana.Signature) bool {
	status, err := tm.chain.SignatureStatus(ctx, sig)
	if err != nil || status != nil {
		return false
	}
	valid, err := tm.chain.IsBlockhashValid(ctx, hash)
	return err == nil && !valid
}
