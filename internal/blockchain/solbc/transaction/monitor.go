// internal/blockchain/solbc/transaction/monitor.go
package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
)

// Monitor polls signature statuses until a transaction settles.
type Monitor struct {
	chain  Chain
	logger *zap.Logger
	config Config
}

func NewMonitor(chain Chain, logger *zap.Logger, config Config) *Monitor {
	return &Monitor{
		chain:  chain,
		logger: logger.Named("tx-monitor"),
		config: config.withDefaults(),
	}
}

// Check fetches the current status once. A signature unknown to the node
// is StatePending.
func (m *Monitor) Check(ctx context.Context, signature solana.Signature) (*Status, error) {
	res, err := m.chain.SignatureStatus(ctx, signature)
	if err != nil {
		return nil, fmt.Errorf("signature status: %w", err)
	}
	return toStatus(signature, res), nil
}

func toStatus(signature solana.Signature, res *rpc.SignatureStatusesResult) *Status {
	st := &Status{Signature: signature}
	if res == nil {
		return st
	}
	st.Slot = res.Slot
	switch {
	case res.Err != nil:
		st.State = StateFailed
		st.Error = fmt.Sprintf("%v", res.Err)
	case res.ConfirmationStatus == rpc.ConfirmationStatusFinalized:
		st.State = StateFinalized
	case res.ConfirmationStatus == rpc.ConfirmationStatusConfirmed:
		st.State = StateConfirmed
	}
	return st
}

// AwaitConfirmation polls every PollInterval until the transaction leaves
// StatePending. After ConfirmationTime it gives up with
// blockchain.ErrConfirmationTimeout; RPC errors in between are only logged.
func (m *Monitor) AwaitConfirmation(ctx context.Context, signature solana.Signature) (*Status, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, m.config.ConfirmationTime, blockchain.ErrConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause == blockchain.ErrConfirmationTimeout {
				m.logger.Debug("Confirmation window elapsed",
					zap.String("signature", signature.String()),
					zap.Int("polls", polls))
				return nil, cause
			}
			return nil, ctx.Err()
		case <-ticker.C:
			polls++
			status, err := m.Check(ctx, signature)
			if err != nil {
				m.logger.Warn("Confirmation check failed",
					zap.String("signature", signature.String()),
					zap.Error(err))
				continue
			}
			if status.State != StatePending {
				return status, nil
			}
		}
	}
}
