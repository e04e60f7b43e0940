package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/custody-bot/internal/types"
)

// recorder собирает события для проверок
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestBus_DeliversByType(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 8)
	filled := &recorder{}
	everything := &recorder{}
	bus.Subscribe(OrderFilledType, filled)
	bus.Subscribe(AnyType, everything)

	require.NoError(t, bus.Publish(NewOrderFilled("u1", types.SideSell, decimal.NewFromInt(10), decimal.RequireFromString("2.1"), decimal.Zero, "sig", "monitor")))
	require.NoError(t, bus.Publish(NewWalletCreated("u2", "addr")))

	require.NoError(t, bus.Shutdown(context.Background()))

	got := filled.all()
	require.Len(t, got, 1)
	ev, ok := got[0].(OrderFilled)
	require.True(t, ok)
	assert.Equal(t, "u1", ev.User())
	assert.Equal(t, "sig", ev.TxID)
	assert.Len(t, everything.all(), 2)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 8)
	bus.SubscribeFunc(OrderFailedType, func(context.Context, Event) error {
		panic("sink exploded")
	})

	err := bus.PublishSync(context.Background(), NewOrderFailed("u1", types.SideBuy, types.ErrInsufficientBalance, "manual"))
	assert.Error(t, err)
	require.NoError(t, bus.Shutdown(context.Background()))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 8)
	rec := &recorder{}
	sub := bus.Subscribe(TargetSetType, rec)
	sub.Unsubscribe()

	require.NoError(t, bus.PublishSync(context.Background(), NewTargetSet("u1", "sell_pending", decimal.NewFromInt(2), decimal.Zero)))
	assert.Empty(t, rec.all())
	require.NoError(t, bus.Shutdown(context.Background()))
}

func TestBus_PublishAfterShutdown(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 1)
	require.NoError(t, bus.Shutdown(context.Background()))
	err := bus.Publish(NewTargetCancelled("u1", "buy_pending"))
	assert.True(t, errors.Is(err, ErrBusClosed))
}

func TestOrderFailed_CarriesReason(t *testing.T) {
	ev := NewOrderFailed("u1", types.SideSell, types.ErrNoWallet, "manual")
	assert.Equal(t, types.Reason(types.ErrNoWallet), ev.Reason)
	assert.ErrorIs(t, ev.Err, types.ErrNoWallet)
	assert.WithinDuration(t, time.Now(), ev.Timestamp(), time.Minute)
}

func TestBus_PerUserOrder(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 1024)
	rec := &recorder{}
	bus.Subscribe(AnyType, rec)

	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(NewTargetSet("u1", "sell_pending", decimal.NewFromInt(int64(i)), decimal.Zero)))
		require.NoError(t, bus.Publish(NewTargetSet("u2", "buy_pending", decimal.NewFromInt(int64(i)), decimal.Zero)))
	}
	require.NoError(t, bus.Shutdown(context.Background()))

	next := map[string]int64{}
	for _, e := range rec.all() {
		ev := e.(TargetSet)
		assert.Equal(t, next[ev.User()], ev.TriggerPrice.IntPart(), ev.User())
		next[ev.User()]++
	}
	assert.Equal(t, int64(50), next["u1"])
	assert.Equal(t, int64(50), next["u2"])
}

func TestBus_FullLaneDrops(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 1)
	release := make(chan struct{})
	bus.SubscribeFunc(AnyType, func(context.Context, Event) error {
		<-release
		return nil
	})

	var full error
	for i := 0; i < 10 && full == nil; i++ {
		full = bus.Publish(NewWalletCreated("u1", "addr"))
	}
	assert.ErrorIs(t, full, ErrBusFull)
	assert.Positive(t, bus.Dropped())

	close(release)
	require.NoError(t, bus.Shutdown(context.Background()))
}
