// Package oracle prices a token in SOL from aggregator quotes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rovshanmuradov/custody-bot/internal/jupiter"
	"github.com/rovshanmuradov/custody-bot/internal/types"
)

// ErrUnavailable is returned for any failure; a zero price is never a
// successful answer.
var ErrUnavailable = fmt.Errorf("price oracle: %w", types.ErrOracleUnavailable)

var solMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

type Quoter interface {
	Quote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error)
}

type DecimalsSource interface {
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
}

type Config struct {
	// QuoteLamports is the SOL size of the indicative quote.
	QuoteLamports uint64
	SlippageBps   int
	CacheTTL      time.Duration
	Attempts      int
	RetryDelay    time.Duration
	Timeout       time.Duration
}

type cached struct {
	price decimal.Decimal
	at    time.Time
}

type Oracle struct {
	quoter   Quoter
	decimals DecimalsSource
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[solana.PublicKey]cached
	group singleflight.Group
	now   func() time.Time
}

func New(quoter Quoter, decimals DecimalsSource, cfg Config, logger *zap.Logger) *Oracle {
	if cfg.QuoteLamports == 0 {
		cfg.QuoteLamports = types.LamportsPerSOL / 10
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 300 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 100
	}
	return &Oracle{
		quoter:   quoter,
		decimals: decimals,
		cfg:      cfg,
		logger:   logger.Named("oracle"),
		cache:    make(map[solana.PublicKey]cached),
		now:      time.Now,
	}
}

// Quote returns the price of one token unit in SOL.
func (o *Oracle) Quote(ctx context.Context, mint solana.PublicKey) (decimal.Decimal, error) {
	if p, ok := o.fromCache(mint); ok {
		return p, nil
	}

	v, err, _ := o.group.Do(mint.String(), func() (interface{}, error) {
		return o.fetch(ctx, mint)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (o *Oracle) fromCache(mint solana.PublicKey) (decimal.Decimal, bool) {
	if o.cfg.CacheTTL <= 0 {
		return decimal.Zero, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.cache[mint]
	if !ok || o.now().Sub(c.at) >= o.cfg.CacheTTL {
		return decimal.Zero, false
	}
	return c.price, true
}

func (o *Oracle) fetch(ctx context.Context, mint solana.PublicKey) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	attempt := 0
	operation := func() (decimal.Decimal, error) {
		attempt++
		decimals, err := o.decimals.MintDecimals(ctx, mint)
		if err != nil {
			return decimal.Zero, err
		}
		q, err := o.quoter.Quote(ctx, jupiter.QuoteRequest{
			InputMint:   solMint,
			OutputMint:  mint,
			Amount:      o.cfg.QuoteLamports,
			SlippageBps: o.cfg.SlippageBps,
		})
		if err != nil {
			if errors.Is(err, jupiter.ErrNoRoute) {
				return decimal.Zero, backoff.Permanent(err)
			}
			return decimal.Zero, err
		}
		price := types.SOLPerToken(q.In(), q.Out(), decimals)
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("non-positive price from quote in=%s out=%s", q.InAmount, q.OutAmount)
		}
		return price, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryDelay

	price, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.Attempts)))
	if err != nil {
		o.logger.Warn("Price unavailable",
			zap.String("mint", mint.String()),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, mint, err)
	}

	o.mu.Lock()
	o.cache[mint] = cached{price: price, at: o.now()}
	o.mu.Unlock()

	o.logger.Debug("Price updated",
		zap.String("mint", mint.String()),
		zap.String("price_sol", price.String()))
	return price, nil
}
