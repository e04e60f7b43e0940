// internal/blockchain/solbc/rpc/rpc.go
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
)

// Основные константы
const (
	defaultAttempts = 3
	defaultTimeout  = 10 * time.Second
	retryDelay      = 250 * time.Millisecond
)

// Node is the subset of *solanarpc.Client the gateway relies on.
type Node interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
	GetTokenSupply(ctx context.Context, mint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenSupplyResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	IsBlockhashValid(ctx context.Context, hash solana.Hash, commitment solanarpc.CommitmentType) (*solanarpc.IsValidBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

var _ Node = (*solanarpc.Client)(nil)

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	// Interval is the minimum spacing between outgoing requests.
	Interval time.Duration
	Timeout  time.Duration
	Attempts int
}

// RPCClient распределяет запросы по пулу узлов и переключается на
// следующий узел при ошибке.
type RPCClient struct {
	nodes    []Node
	urls     []string
	current  int
	mu       sync.Mutex
	limiter  *rate.Limiter
	timeout  time.Duration
	attempts int
	logger   *zap.Logger
}

// NewClient создает новый RPC клиент
func NewClient(urls []string, opts Options, logger *zap.Logger) (*RPCClient, error) {
	if len(urls) == 0 {
		return nil, ErrNoRPCNodes
	}
	nodes := make([]Node, len(urls))
	for i, url := range urls {
		nodes[i] = solanarpc.New(url)
	}
	return NewWithNodes(nodes, urls, opts, logger), nil
}

// NewWithNodes builds a client over already constructed nodes.
func NewWithNodes(nodes []Node, urls []string, opts Options, logger *zap.Logger) *RPCClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	if len(urls) < len(nodes) {
		padded := make([]string, len(nodes))
		copy(padded, urls)
		for i := len(urls); i < len(nodes); i++ {
			padded[i] = fmt.Sprintf("node-%d", i)
		}
		urls = padded
	}
	return &RPCClient{
		nodes:    nodes,
		urls:     urls,
		limiter:  rate.NewLimiter(limit, 1),
		timeout:  opts.Timeout,
		attempts: opts.Attempts,
		logger:   logger.Named("rpc-client"),
	}
}

func (c *RPCClient) next() (Node, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, url := c.nodes[c.current], c.urls[c.current]
	c.current = (c.current + 1) % len(c.nodes)
	return node, url
}

// ExecuteWithRetry выполняет RPC-запрос с автоматическим переключением
// узлов при ошибке. Ошибки, помеченные Permanent, возвращаются сразу.
// Когда попытки исчерпаны, результат оборачивает blockchain.ErrUnavailable.
func (c *RPCClient) ExecuteWithRetry(ctx context.Context, method string, operation func(context.Context, Node) error) error {
	var fatal error
	attempt := 0

	op := func() (struct{}, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		node, url := c.next()

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := operation(callCtx, node)
		cancel()
		if err == nil {
			return struct{}{}, nil
		}

		if inner, ok := unwrapPermanent(err); ok {
			fatal = inner
			return struct{}{}, backoff.Permanent(inner)
		}

		c.logger.Debug("RPC request failed, trying next node",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return struct{}{}, &NodeError{Method: method, NodeURL: url, Attempt: attempt, Err: err}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryDelay

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.attempts)))
	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return fatal
	case ctx.Err() != nil:
		return ctx.Err()
	}

	c.logger.Warn("All RPC attempts failed",
		zap.String("method", method),
		zap.Int("attempts", attempt),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %w", blockchain.ErrUnavailable, method, err)
}

// Close закрывает клиент
func (c *RPCClient) Close() {}
