// internal/events/types.go
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/custody-bot/internal/types"
)

// EventType represents the type of event.
type EventType string

const (
	// Order events
	OrderFilledType EventType = "order.filled"
	OrderFailedType EventType = "order.failed"

	// Wallet events
	WalletCreatedType EventType = "wallet.created"
	BalanceReportType EventType = "wallet.balance"

	// Target events
	TargetSetType       EventType = "target.set"
	TargetCancelledType EventType = "target.cancelled"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	User() string
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
	UserID    string
}

func newBase(t EventType, userID string) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now().UTC(), UserID: userID}
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

func (e BaseEvent) User() string {
	return e.UserID
}

// OrderFilled is emitted after a confirmed buy, sell or withdrawal.
// Source is "manual" or "monitor".
type OrderFilled struct {
	BaseEvent
	Side   types.Side
	Amount decimal.Decimal
	Price  decimal.Decimal
	Fee    decimal.Decimal
	TxID   string
	Source string
}

// OrderFailed carries the user-facing reason; Err keeps the typed cause.
type OrderFailed struct {
	BaseEvent
	Side   types.Side
	Reason string
	Source string
	Err    error
}

type WalletCreated struct {
	BaseEvent
	Address string
}

// BalanceReport balances are UI units. A zero may mean "unknown".
type BalanceReport struct {
	BaseEvent
	Address string
	SOL     decimal.Decimal
	Token   decimal.Decimal
}

type TargetSet struct {
	BaseEvent
	Side         string
	TriggerPrice decimal.Decimal
	Amount       decimal.Decimal
}

type TargetCancelled struct {
	BaseEvent
	Side string
}

func NewOrderFilled(userID string, side types.Side, amount, price, fee decimal.Decimal, txID, source string) OrderFilled {
	return OrderFilled{
		BaseEvent: newBase(OrderFilledType, userID),
		Side:      side,
		Amount:    amount,
		Price:     price,
		Fee:       fee,
		TxID:      txID,
		Source:    source,
	}
}

func NewOrderFailed(userID string, side types.Side, err error, source string) OrderFailed {
	return OrderFailed{
		BaseEvent: newBase(OrderFailedType, userID),
		Side:      side,
		Reason:    types.Reason(err),
		Source:    source,
		Err:       err,
	}
}

func NewWalletCreated(userID, address string) WalletCreated {
	return WalletCreated{BaseEvent: newBase(WalletCreatedType, userID), Address: address}
}

func NewBalanceReport(userID, address string, sol, token decimal.Decimal) BalanceReport {
	return BalanceReport{BaseEvent: newBase(BalanceReportType, userID), Address: address, SOL: sol, Token: token}
}

func NewTargetSet(userID, side string, trigger, amount decimal.Decimal) TargetSet {
	return TargetSet{BaseEvent: newBase(TargetSetType, userID), Side: side, TriggerPrice: trigger, Amount: amount}
}

func NewTargetCancelled(userID, side string) TargetCancelled {
	return TargetCancelled{BaseEvent: newBase(TargetCancelledType, userID), Side: side}
}
