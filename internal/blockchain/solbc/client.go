// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/rpc"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/transaction"
)

// Client – адаптер Gateway поверх пула RPC узлов.
type Client struct {
	rpc      *rpc.RPCClient
	tx       *transaction.Manager
	decimals decimalsCache
	logger   *zap.Logger
}

var _ blockchain.Gateway = (*Client)(nil)

// NewClient создаёт клиент. reg может быть nil.
func NewClient(rpcClient *rpc.RPCClient, txConfig transaction.Config, reg prometheus.Registerer, logger *zap.Logger) *Client {
	c := &Client{
		rpc:    rpcClient,
		logger: logger.Named("solbc-client"),
	}
	c.tx = transaction.NewManager(c, logger, txConfig, transaction.NewMetrics(reg))
	return c
}

func (c *Client) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	var balance uint64
	err := c.rpc.ExecuteWithRetry(ctx, "getBalance", func(ctx context.Context, n rpc.Node) error {
		res, err := n.GetBalance(ctx, owner, solanarpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		balance = res.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("native balance of %s: %w", owner, err)
	}
	return balance, nil
}

// TokenBalance reads the owner's associated token account. A missing
// account is a zero balance, not an error.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (blockchain.TokenBalance, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return blockchain.TokenBalance{}, fmt.Errorf("derive ATA: %w", err)
	}

	var out blockchain.TokenBalance
	missing := false
	err = c.rpc.ExecuteWithRetry(ctx, "getTokenAccountBalance", func(ctx context.Context, n rpc.Node) error {
		res, err := n.GetTokenAccountBalance(ctx, ata, solanarpc.CommitmentConfirmed)
		if err != nil {
			if blockchain.IsAccountNotFoundError(err) {
				return rpc.Permanent(err)
			}
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("empty token balance response")
		}
		raw, err := strconv.ParseUint(res.Value.Amount, 10, 64)
		if err != nil {
			return rpc.Permanent(fmt.Errorf("parse token amount %q: %w", res.Value.Amount, err))
		}
		out = blockchain.TokenBalance{Raw: raw, Decimals: res.Value.Decimals}
		return nil
	})
	if err != nil && blockchain.IsAccountNotFoundError(err) {
		missing = true
		err = nil
	}
	if err != nil {
		return blockchain.TokenBalance{}, fmt.Errorf("token balance of %s: %w", owner, err)
	}

	if missing {
		decimals, err := c.MintDecimals(ctx, mint)
		if err != nil {
			return blockchain.TokenBalance{}, err
		}
		return blockchain.TokenBalance{Decimals: decimals}, nil
	}
	c.decimals.put(mint, out.Decimals)
	return out, nil
}

func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if d, ok := c.decimals.get(mint); ok {
		return d, nil
	}
	var decimals uint8
	err := c.rpc.ExecuteWithRetry(ctx, "getTokenSupply", func(ctx context.Context, n rpc.Node) error {
		res, err := n.GetTokenSupply(ctx, mint, solanarpc.CommitmentConfirmed)
		if err != nil {
			if blockchain.IsAccountNotFoundError(err) {
				return rpc.Permanent(err)
			}
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("empty token supply response")
		}
		decimals = res.Value.Decimals
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("decimals of mint %s: %w", mint, err)
	}
	c.decimals.put(mint, decimals)
	return decimals, nil
}

func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := c.rpc.ExecuteWithRetry(ctx, "getLatestBlockhash", func(ctx context.Context, n rpc.Node) error {
		res, err := n.GetLatestBlockhash(ctx, solanarpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("empty blockhash response")
		}
		hash = res.Value.Blockhash
		return nil
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("latest blockhash: %w", err)
	}
	return hash, nil
}

// Submit sends a signed transaction. Resending the same signed bytes to
// another node cannot double-spend, so transport errors rotate nodes.
// Node rejections are returned as is.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := c.rpc.ExecuteWithRetry(ctx, "sendTransaction", func(ctx context.Context, n rpc.Node) error {
		s, err := n.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: solanarpc.CommitmentConfirmed,
		})
		if err != nil {
			if rej := analyzeRejection(err); rej != nil || blockchain.IsBlockhashError(err) {
				if rej != nil {
					c.logger.Warn("Transaction rejected by node", rej.fields()...)
				}
				return rpc.Permanent(err)
			}
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		return solana.Signature{}, err
	}
	c.logger.Debug("Transaction submitted", zap.String("signature", sig.String()))
	return sig, nil
}

// SignatureStatus returns nil when no node has seen the signature.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*solanarpc.SignatureStatusesResult, error) {
	var status *solanarpc.SignatureStatusesResult
	err := c.rpc.ExecuteWithRetry(ctx, "getSignatureStatuses", func(ctx context.Context, n rpc.Node) error {
		res, err := n.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return err
		}
		status = nil
		if res != nil && len(res.Value) > 0 {
			status = res.Value[0]
		}
		return nil
	})
	return status, err
}

func (c *Client) IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	var valid bool
	err := c.rpc.ExecuteWithRetry(ctx, "isBlockhashValid", func(ctx context.Context, n rpc.Node) error {
		res, err := n.IsBlockhashValid(ctx, hash, solanarpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		valid = res.Value
		return nil
	})
	return valid, err
}

// Confirm waits for a terminal status. A confirmation timeout is an
// error; an on-chain failure is a non-confirmed status with a reason.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature) (blockchain.ConfirmStatus, error) {
	status, err := c.tx.Monitor().AwaitConfirmation(ctx, sig)
	if err != nil {
		return blockchain.ConfirmStatus{}, err
	}
	if !status.Confirmed() {
		return blockchain.ConfirmStatus{Reason: status.Error}, nil
	}
	return blockchain.ConfirmStatus{Confirmed: true}, nil
}

func (c *Client) SendAndConfirm(ctx context.Context, build blockchain.BuildFunc) (solana.Signature, error) {
	return c.tx.SendAndConfirm(ctx, build)
}
