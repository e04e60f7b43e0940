// Package monitor periodically scans pending positions, prices them and
// fires the ones whose trigger has been crossed.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/custody-bot/internal/events"
	"github.com/rovshanmuradov/custody-bot/internal/executor"
	"github.com/rovshanmuradov/custody-bot/internal/position"
	"github.com/rovshanmuradov/custody-bot/internal/types"
	"github.com/rovshanmuradov/custody-bot/internal/userlock"
)

// State is the phase of the current scan cycle.
type State int32

const (
	StateIdle State = iota
	StateFetchPrice
	StateEvaluate
	StateFire
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchPrice:
		return "fetch_price"
	case StateEvaluate:
		return "evaluate_positions"
	case StateFire:
		return "fire_triggers"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const eventSource = "monitor"

type PriceSource interface {
	Quote(ctx context.Context, mint solana.PublicKey) (decimal.Decimal, error)
}

type Positions interface {
	Snapshot() ([]position.Position, error)
	Take(userID string, side position.Side, expect time.Time) (position.Position, bool, error)
}

type Executor interface {
	Execute(ctx context.Context, o executor.Order) executor.Result
}

type Config struct {
	Period time.Duration
	// BackoffMultiplier stretches the wait after an abandoned cycle.
	BackoffMultiplier int
	// Workers bounds concurrent price lookups within a cycle.
	Workers int
	// PositionTimeout bounds a single price lookup.
	PositionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 5
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PositionTimeout <= 0 {
		c.PositionTimeout = 10 * time.Second
	}
	return c
}

// CycleResult summarizes one scan.
type CycleResult struct {
	Positions int
	Mints     int
	Priced    int
	Fired     int
	// Abandoned is set when no price could be obtained (or the store
	// could not be read); the next cycle is delayed by the backoff.
	Abandoned bool
}

type Monitor struct {
	positions Positions
	oracle    PriceSource
	exec      Executor
	locks     *userlock.Locks
	publisher events.Publisher
	cfg       Config
	metrics   *Metrics
	logger    *zap.Logger

	state atomic.Int32

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// New wires the loop. locks must be the same instance the command layer
// uses for position mutations.
func New(positions Positions, oracle PriceSource, exec Executor, locks *userlock.Locks, publisher events.Publisher, cfg Config, metrics *Metrics, logger *zap.Logger) *Monitor {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if locks == nil {
		locks = userlock.New()
	}
	return &Monitor{
		positions: positions,
		oracle:    oracle,
		exec:      exec,
		locks:     locks,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		logger:    logger.Named("monitor"),
		inFlight:  make(map[string]struct{}),
	}
}

func (m *Monitor) State() State { return State(m.state.Load()) }

func (m *Monitor) setState(s State) { m.state.Store(int32(s)) }

// Run scans immediately and then once per period until ctx is done. After
// an abandoned cycle it waits Period*BackoffMultiplier. On return all
// executions started by the loop have finished.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("🚀 Monitor loop started",
		zap.Duration("period", m.cfg.Period),
		zap.Int("backoff_multiplier", m.cfg.BackoffMultiplier))
	defer m.wg.Wait()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("⏹️ Monitor loop stopped")
			return nil
		case <-timer.C:
		}

		res := m.RunCycle(ctx)
		wait := m.cfg.Period
		if res.Abandoned {
			wait = m.cfg.Period * time.Duration(m.cfg.BackoffMultiplier)
			m.logger.Warn("⚠️ Cycle abandoned, backing off",
				zap.Duration("next_in", wait),
				zap.Int("positions", res.Positions))
		}
		timer.Reset(wait)
	}
}

// Wait blocks until executions fired so far have completed.
func (m *Monitor) Wait() { m.wg.Wait() }

func flightKey(userID string, side position.Side) string {
	return userID + ":" + string(side)
}

func (m *Monitor) isInFlight(p position.Position) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[flightKey(p.UserID, p.Side)]
	return ok
}

// RunCycle performs one idle → fetch_price → evaluate → fire → idle pass.
func (m *Monitor) RunCycle(ctx context.Context) CycleResult {
	defer m.setState(StateIdle)
	var res CycleResult

	m.setState(StateFetchPrice)
	snapshot, err := m.positions.Snapshot()
	if err != nil {
		m.logger.Error("Failed to read positions", zap.Error(err))
		m.metrics.cycles.WithLabelValues("abandoned").Inc()
		res.Abandoned = true
		return res
	}
	pending := lo.Filter(snapshot, func(p position.Position, _ int) bool { return !m.isInFlight(p) })
	res.Positions = len(pending)
	m.metrics.pending.Set(float64(len(snapshot)))
	if len(pending) == 0 {
		m.metrics.cycles.WithLabelValues("idle").Inc()
		return res
	}

	byMint := lo.GroupBy(pending, func(p position.Position) string { return p.TokenMint })
	res.Mints = len(byMint)
	prices := m.fetchPrices(ctx, lo.Keys(byMint))
	res.Priced = len(prices)
	if res.Priced == 0 {
		m.metrics.cycles.WithLabelValues("abandoned").Inc()
		res.Abandoned = true
		return res
	}

	m.setState(StateEvaluate)
	var triggered []position.Position
	for mint, group := range byMint {
		price, ok := prices[mint]
		if !ok {
			// no price, no decision; the positions wait for the next cycle
			continue
		}
		for _, p := range group {
			if p.Triggered(price) {
				m.logger.Info("🎯 Trigger crossed",
					zap.String("user_id", p.UserID),
					zap.String("side", string(p.Side)),
					zap.String("price", price.String()),
					zap.String("trigger", p.TriggerPrice().String()))
				triggered = append(triggered, p)
			}
		}
	}

	if len(triggered) > 0 {
		m.setState(StateFire)
		for _, p := range triggered {
			if m.fire(ctx, p) {
				res.Fired++
			}
		}
	}

	m.metrics.cycles.WithLabelValues("ok").Inc()
	return res
}

// fetchPrices quotes every mint concurrently. Mints that fail are absent
// from the result.
func (m *Monitor) fetchPrices(ctx context.Context, mints []string) map[string]decimal.Decimal {
	var (
		mu     sync.Mutex
		prices = make(map[string]decimal.Decimal, len(mints))
	)
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)

	for _, mintStr := range mints {
		g.Go(func() error {
			mint, err := solana.PublicKeyFromBase58(mintStr)
			if err != nil {
				m.logger.Warn("Skipping positions with invalid mint", zap.String("mint", mintStr))
				return nil
			}
			qctx, cancel := context.WithTimeout(ctx, m.cfg.PositionTimeout)
			defer cancel()

			price, err := m.oracle.Quote(qctx, mint)
			if err != nil {
				m.logger.Warn("Price unavailable, skipping mint this cycle",
					zap.String("mint", mintStr), zap.Error(err))
				return nil
			}
			if !price.IsPositive() {
				m.logger.Warn("Ignoring non-positive price", zap.String("mint", mintStr))
				return nil
			}
			mu.Lock()
			prices[mintStr] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return prices
}

// fire consumes the position under the user's lock and hands it to the
// executor. It reports whether the position was consumed.
func (m *Monitor) fire(ctx context.Context, p position.Position) bool {
	unlock := m.locks.Lock(p.UserID)
	taken, ok, err := m.positions.Take(p.UserID, p.Side, p.CreatedAt)
	if ok {
		m.mu.Lock()
		m.inFlight[flightKey(p.UserID, p.Side)] = struct{}{}
		m.mu.Unlock()
	}
	unlock()

	if err != nil {
		m.logger.Error("Failed to consume position",
			zap.String("user_id", p.UserID), zap.String("side", string(p.Side)), zap.Error(err))
		return false
	}
	if !ok {
		// cancelled or replaced since the snapshot
		m.logger.Debug("Position changed before firing",
			zap.String("user_id", p.UserID), zap.String("side", string(p.Side)))
		return false
	}

	m.metrics.fired.WithLabelValues(string(taken.Side)).Inc()
	m.metrics.inFlight.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, flightKey(taken.UserID, taken.Side))
			m.mu.Unlock()
			m.metrics.inFlight.Dec()
		}()
		m.execute(context.WithoutCancel(ctx), taken)
	}()
	return true
}

func orderFor(p position.Position) executor.Order {
	if p.Side == position.SideBuyPending {
		return executor.Order{
			UserID:    p.UserID,
			Side:      types.SideBuy,
			Amount:    p.Amount,
			TokenMint: p.TokenMint,
		}
	}
	return executor.Order{
		UserID:       p.UserID,
		Side:         types.SideSell,
		Amount:       p.Amount,
		TokenMint:    p.TokenMint,
		CapToBalance: true,
	}
}

func (m *Monitor) execute(ctx context.Context, p position.Position) {
	order := orderFor(p)
	res := m.exec.Execute(ctx, order)

	var ev events.Event
	if res.Success {
		m.logger.Info("✅ Position filled",
			zap.String("user_id", p.UserID),
			zap.String("side", string(order.Side)),
			zap.String("tx_id", res.TxID),
			zap.String("price", res.Price.String()))
		ev = events.NewOrderFilled(p.UserID, res.Side, res.Amount, res.Price, res.Fee, res.TxID, eventSource)
	} else {
		// not re-armed: the user sets a new target after reading the reason
		m.logger.Warn("❌ Position execution failed",
			zap.String("user_id", p.UserID),
			zap.String("side", string(order.Side)),
			zap.Error(res.Err))
		ev = events.NewOrderFailed(p.UserID, order.Side, res.Err, eventSource)
	}
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ev); err != nil {
		m.logger.Warn("Failed to publish notification", zap.String("user_id", p.UserID), zap.Error(err))
	}
}
