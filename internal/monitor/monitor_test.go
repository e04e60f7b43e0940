package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/custody-bot/internal/events"
	"github.com/rovshanmuradov/custody-bot/internal/executor"
	"github.com/rovshanmuradov/custody-bot/internal/oracle"
	"github.com/rovshanmuradov/custody-bot/internal/position"
	"github.com/rovshanmuradov/custody-bot/internal/types"
	"github.com/rovshanmuradov/custody-bot/internal/userlock"
)

const (
	usdc = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeOracle отдает заданные цены; отсутствующий mint = недоступен
type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  atomic.Int32
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: make(map[string]decimal.Decimal)}
}

func (o *fakeOracle) set(mint, price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[mint] = d(price)
}

func (o *fakeOracle) Quote(_ context.Context, mint solana.PublicKey) (decimal.Decimal, error) {
	o.calls.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.prices[mint.String()]
	if !ok {
		return decimal.Zero, oracle.ErrUnavailable
	}
	return p, nil
}

type fakeExecutor struct {
	mu     sync.Mutex
	orders []executor.Order
	result func(executor.Order) executor.Result
	block  chan struct{}
}

func (e *fakeExecutor) Execute(_ context.Context, o executor.Order) executor.Result {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	e.orders = append(e.orders, o)
	e.mu.Unlock()
	if e.result != nil {
		return e.result(o)
	}
	return executor.Result{
		Success: true,
		TxID:    "sig-" + o.UserID,
		Side:    o.Side,
		Amount:  d("100"),
		Price:   d("2.1"),
		Fee:     d("6.3"),
	}
}

func (e *fakeExecutor) executed() []executor.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]executor.Order(nil), e.orders...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type harness struct {
	store  *position.Store
	oracle *fakeOracle
	exec   *fakeExecutor
	pub    *fakePublisher
	mon    *Monitor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := position.Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:  store,
		oracle: newFakeOracle(),
		exec:   &fakeExecutor{},
		pub:    &fakePublisher{},
	}
	h.mon = New(store, h.oracle, h.exec, userlock.New(), h.pub, cfg, nil, zaptest.NewLogger(t))
	return h
}

func (h *harness) pending(t *testing.T, userID string) []position.Position {
	t.Helper()
	list, err := h.store.List(userID)
	require.NoError(t, err)
	return list
}

func TestRunCycle_SellFiresAtMultiplier(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)

	h.oracle.set(usdc, "1.9")
	res := h.mon.RunCycle(context.Background())
	assert.Equal(t, 0, res.Fired)
	assert.Len(t, h.pending(t, "u1"), 1)

	h.oracle.set(usdc, "2.1")
	res = h.mon.RunCycle(context.Background())
	assert.Equal(t, 1, res.Fired)
	assert.Empty(t, h.pending(t, "u1"), "position consumed before execution completes")

	h.mon.Wait()
	orders := h.exec.executed()
	require.Len(t, orders, 1)
	assert.Equal(t, types.SideSell, orders[0].Side)
	assert.True(t, orders[0].CapToBalance)
	assert.True(t, orders[0].Amount.IsZero(), "whole balance")

	evs := h.pub.published()
	require.Len(t, evs, 1)
	filled, ok := evs[0].(events.OrderFilled)
	require.True(t, ok)
	assert.Equal(t, "sig-u1", filled.TxID)
	assert.True(t, d("2.1").Equal(filled.Price))
	assert.Equal(t, "monitor", filled.Source)
	assert.Equal(t, StateIdle, h.mon.State())
}

func TestRunCycle_BuyFiresOnDip(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.store.SetBuyTarget("u1", usdc, d("0.5"), d("0.25"))
	require.NoError(t, err)

	h.oracle.set(usdc, "0.51")
	assert.Equal(t, 0, h.mon.RunCycle(context.Background()).Fired)

	h.oracle.set(usdc, "0.5")
	assert.Equal(t, 1, h.mon.RunCycle(context.Background()).Fired)
	h.mon.Wait()

	orders := h.exec.executed()
	require.Len(t, orders, 1)
	assert.Equal(t, types.SideBuy, orders[0].Side)
	assert.True(t, d("0.25").Equal(orders[0].Amount))
	assert.Equal(t, usdc, orders[0].TokenMint)
}

func TestRunCycle_OracleOutageKeepsPositions(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res := h.mon.RunCycle(context.Background())
		assert.True(t, res.Abandoned, "cycle %d", i)
		assert.Equal(t, 0, res.Fired)
	}
	assert.Empty(t, h.exec.executed())
	assert.Len(t, h.pending(t, "u1"), 1, "no position lost")

	h.oracle.set(usdc, "1.5")
	res := h.mon.RunCycle(context.Background())
	assert.False(t, res.Abandoned)
	assert.Equal(t, 1, res.Priced)
	assert.Len(t, h.pending(t, "u1"), 1)
}

func TestRunCycle_ZeroPriceNeverFires(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)
	_, err = h.store.SetBuyTarget("u2", usdc, d("0.5"), d("1"))
	require.NoError(t, err)

	h.oracle.set(usdc, "0")
	res := h.mon.RunCycle(context.Background())
	assert.True(t, res.Abandoned)
	assert.Equal(t, 0, res.Fired)
	assert.Empty(t, h.exec.executed())
}

func TestRunCycle_OneMintDownDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)
	_, err = h.store.SetSellTarget("u2", bonk, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)

	h.oracle.set(usdc, "3")
	res := h.mon.RunCycle(context.Background())
	h.mon.Wait()

	assert.False(t, res.Abandoned)
	assert.Equal(t, 2, res.Mints)
	assert.Equal(t, 1, res.Priced)
	assert.Equal(t, 1, res.Fired)
	assert.Empty(t, h.pending(t, "u1"))
	assert.Len(t, h.pending(t, "u2"), 1)
}

func TestRunCycle_ConcurrentCyclesFireOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.block = make(chan struct{})
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)
	h.oracle.set(usdc, "2.5")

	var (
		wg    sync.WaitGroup
		fired atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fired.Add(int32(h.mon.RunCycle(context.Background()).Fired))
		}()
	}
	wg.Wait()

	// execution still in flight; later cycles see nothing to fire
	assert.Equal(t, 0, h.mon.RunCycle(context.Background()).Fired)
	close(h.exec.block)
	h.mon.Wait()

	assert.Equal(t, int32(1), fired.Load())
	assert.Len(t, h.exec.executed(), 1)
}

func TestRunCycle_FailedExecutionNotRearmed(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.result = func(o executor.Order) executor.Result {
		return executor.Result{Side: o.Side, Err: types.ErrInsufficientBalance}
	}
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)
	h.oracle.set(usdc, "2.1")

	require.Equal(t, 1, h.mon.RunCycle(context.Background()).Fired)
	h.mon.Wait()
	assert.Empty(t, h.pending(t, "u1"))

	evs := h.pub.published()
	require.Len(t, evs, 1)
	failed, ok := evs[0].(events.OrderFailed)
	require.True(t, ok)
	assert.True(t, errors.Is(failed.Err, types.ErrInsufficientBalance))
	assert.Equal(t, types.Reason(types.ErrInsufficientBalance), failed.Reason)

	assert.Equal(t, 0, h.mon.RunCycle(context.Background()).Fired)
	assert.Len(t, h.exec.executed(), 1)
}

func TestRunCycle_LastTargetWins(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.store.SetSellTarget("u1", usdc, d("3.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)
	_, err = h.store.SetSellTarget("u1", usdc, d("1.5"), d("1.0"), decimal.Zero)
	require.NoError(t, err)

	h.oracle.set(usdc, "1.6")
	assert.Equal(t, 1, h.mon.RunCycle(context.Background()).Fired, "1.5x is active, 3.0x is gone")
	h.mon.Wait()
}

func TestRun_BacksOffWhileOracleIsDown(t *testing.T) {
	h := newHarness(t, Config{Period: 20 * time.Millisecond, BackoffMultiplier: 5})
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, h.mon.Run(ctx))

	// without backoff this would be ~8 lookups
	calls := h.oracle.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.LessOrEqual(t, calls, int32(2))
	assert.Len(t, h.pending(t, "u1"), 1)
}

func TestRun_FiresAndStops(t *testing.T) {
	h := newHarness(t, Config{Period: 10 * time.Millisecond})
	_, err := h.store.SetSellTarget("u1", usdc, d("2.0"), d("1.0"), decimal.Zero)
	require.NoError(t, err)
	h.oracle.set(usdc, "2.0")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, h.mon.Run(ctx))

	assert.Len(t, h.exec.executed(), 1)
	assert.Empty(t, h.pending(t, "u1"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "fetch_price", StateFetchPrice.String())
	assert.Equal(t, "evaluate_positions", StateEvaluate.String())
	assert.Equal(t, "fire_triggers", StateFire.String())
}
