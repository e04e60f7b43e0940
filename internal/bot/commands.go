// internal/bot/commands.go
package bot

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/export"
	"github.com/rovshanmuradov/custody-bot/internal/types"
)

// Command представляет входящую команду пользователя
type Command interface {
	GetType() string
	GetUserID() string
	Validate() error
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidCommand, fmt.Sprintf(format, args...))
}

func requireUser(userID string) error {
	if userID == "" {
		return invalid("user_id cannot be empty")
	}
	return nil
}

func requireMint(mint string) error {
	if mint == "" {
		return nil
	}
	if _, err := solana.PublicKeyFromBase58(mint); err != nil {
		return invalid("token_mint is not a valid address: %s", mint)
	}
	return nil
}

// CreateWalletCommand создает кошелек при первом обращении (/start)
type CreateWalletCommand struct {
	UserID string `json:"user_id"`
}

func (c CreateWalletCommand) GetType() string   { return "create_wallet" }
func (c CreateWalletCommand) GetUserID() string { return c.UserID }
func (c CreateWalletCommand) Validate() error   { return requireUser(c.UserID) }

// SetSellTargetCommand arms a sell at Multiplier times the current price.
// Zero Amount sells the whole balance; empty TokenMint is the default token.
type SetSellTargetCommand struct {
	UserID     string          `json:"user_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Amount     decimal.Decimal `json:"amount"`
	TokenMint  string          `json:"token_mint"`
}

func (c SetSellTargetCommand) GetType() string   { return "set_sell_target" }
func (c SetSellTargetCommand) GetUserID() string { return c.UserID }
func (c SetSellTargetCommand) Validate() error {
	if err := requireUser(c.UserID); err != nil {
		return err
	}
	if !c.Multiplier.IsPositive() {
		return invalid("multiplier must be positive, got: %s", c.Multiplier)
	}
	if c.Amount.IsNegative() {
		return invalid("amount cannot be negative, got: %s", c.Amount)
	}
	return requireMint(c.TokenMint)
}

// SetBuyTargetCommand arms a buy of Amount SOL once the price drops to Price.
type SetBuyTargetCommand struct {
	UserID    string          `json:"user_id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	TokenMint string          `json:"token_mint"`
}

func (c SetBuyTargetCommand) GetType() string   { return "set_buy_target" }
func (c SetBuyTargetCommand) GetUserID() string { return c.UserID }
func (c SetBuyTargetCommand) Validate() error {
	if err := requireUser(c.UserID); err != nil {
		return err
	}
	if !c.Price.IsPositive() {
		return invalid("price must be positive, got: %s", c.Price)
	}
	if !c.Amount.IsPositive() {
		return invalid("amount must be positive, got: %s", c.Amount)
	}
	return requireMint(c.TokenMint)
}

type CancelSellCommand struct {
	UserID string `json:"user_id"`
}

func (c CancelSellCommand) GetType() string   { return "cancel_sell" }
func (c CancelSellCommand) GetUserID() string { return c.UserID }
func (c CancelSellCommand) Validate() error   { return requireUser(c.UserID) }

type CancelBuyCommand struct {
	UserID string `json:"user_id"`
}

func (c CancelBuyCommand) GetType() string   { return "cancel_buy" }
func (c CancelBuyCommand) GetUserID() string { return c.UserID }
func (c CancelBuyCommand) Validate() error   { return requireUser(c.UserID) }

// ManualBuyCommand: Amount in SOL
type ManualBuyCommand struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	TokenMint string          `json:"token_mint"`
}

func (c ManualBuyCommand) GetType() string   { return "manual_buy" }
func (c ManualBuyCommand) GetUserID() string { return c.UserID }
func (c ManualBuyCommand) Validate() error {
	if err := requireUser(c.UserID); err != nil {
		return err
	}
	if !c.Amount.IsPositive() {
		return invalid("amount must be positive, got: %s", c.Amount)
	}
	return requireMint(c.TokenMint)
}

// ManualSellCommand: Amount in tokens, zero sells everything
type ManualSellCommand struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	TokenMint string          `json:"token_mint"`
}

func (c ManualSellCommand) GetType() string   { return "manual_sell" }
func (c ManualSellCommand) GetUserID() string { return c.UserID }
func (c ManualSellCommand) Validate() error {
	if err := requireUser(c.UserID); err != nil {
		return err
	}
	if c.Amount.IsNegative() {
		return invalid("amount cannot be negative, got: %s", c.Amount)
	}
	return requireMint(c.TokenMint)
}

// WithdrawCommand переводит SOL на внешний адрес
type WithdrawCommand struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
}

func (c WithdrawCommand) GetType() string   { return "withdraw" }
func (c WithdrawCommand) GetUserID() string { return c.UserID }
func (c WithdrawCommand) Validate() error {
	if err := requireUser(c.UserID); err != nil {
		return err
	}
	if !c.Amount.IsPositive() {
		return invalid("amount must be positive, got: %s", c.Amount)
	}
	if _, err := solana.PublicKeyFromBase58(c.Recipient); err != nil {
		return invalid("recipient is not a valid address: %q", c.Recipient)
	}
	return nil
}

type GetWalletInfoCommand struct {
	UserID string `json:"user_id"`
}

func (c GetWalletInfoCommand) GetType() string   { return "get_wallet_info" }
func (c GetWalletInfoCommand) GetUserID() string { return c.UserID }
func (c GetWalletInfoCommand) Validate() error   { return requireUser(c.UserID) }

// GetHistoryCommand: Limit 0 uses the service default
type GetHistoryCommand struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

func (c GetHistoryCommand) GetType() string   { return "get_history" }
func (c GetHistoryCommand) GetUserID() string { return c.UserID }
func (c GetHistoryCommand) Validate() error {
	if err := requireUser(c.UserID); err != nil {
		return err
	}
	if c.Limit < 0 {
		return invalid("limit cannot be negative, got: %d", c.Limit)
	}
	return nil
}

type ActiveTradesCommand struct {
	UserID string `json:"user_id"`
}

func (c ActiveTradesCommand) GetType() string   { return "active_trades" }
func (c ActiveTradesCommand) GetUserID() string { return c.UserID }
func (c ActiveTradesCommand) Validate() error   { return requireUser(c.UserID) }

type ExportHistoryCommand struct {
	UserID string              `json:"user_id"`
	Format export.ExportFormat `json:"format"`
	Side   string              `json:"side"`
}

func (c ExportHistoryCommand) GetType() string   { return "export_history" }
func (c ExportHistoryCommand) GetUserID() string { return c.UserID }
func (c ExportHistoryCommand) Validate() error {
	if err := requireUser(c.UserID); err != nil {
		return err
	}
	switch c.Format {
	case "", export.FormatCSV, export.FormatJSON:
	default:
		return invalid("unsupported export format: %s", c.Format)
	}
	if c.Side != "" && !types.Side(c.Side).Valid() {
		return invalid("unknown side: %s", c.Side)
	}
	return nil
}

// TotalFeesCommand is an operator query over the whole ledger.
type TotalFeesCommand struct {
	UserID string `json:"user_id"`
}

func (c TotalFeesCommand) GetType() string   { return "total_fees" }
func (c TotalFeesCommand) GetUserID() string { return c.UserID }
func (c TotalFeesCommand) Validate() error   { return requireUser(c.UserID) }

// CommandHandler обрабатывает команду и возвращает ответ (может быть nil)
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) (interface{}, error)
}

// HandlerFunc adapts a function to CommandHandler.
type HandlerFunc func(ctx context.Context, cmd Command) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (interface{}, error) {
	return f(ctx, cmd)
}

// CommandBus шина для обработки команд
type CommandBus struct {
	handlers map[reflect.Type]CommandHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewCommandBus создает новую шину команд
func NewCommandBus(logger *zap.Logger) *CommandBus {
	return &CommandBus{
		handlers: make(map[reflect.Type]CommandHandler),
		logger:   logger.Named("command_bus"),
	}
}

// RegisterHandler регистрирует обработчик для типа команды
func (bus *CommandBus) RegisterHandler(cmdType Command, handler CommandHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers[reflect.TypeOf(cmdType)] = handler

	bus.logger.Debug("Command handler registered",
		zap.String("command_type", cmdType.GetType()))
}

// Send validates and dispatches cmd. Failures are typed: errors.Is against
// the types.Err* taxonomy works on the returned error.
func (bus *CommandBus) Send(ctx context.Context, cmd Command) (interface{}, error) {
	if err := cmd.Validate(); err != nil {
		bus.logger.Warn("Command validation failed",
			zap.String("command_type", cmd.GetType()),
			zap.String("user_id", cmd.GetUserID()),
			zap.Error(err))
		return nil, err
	}

	bus.mu.RLock()
	handler, exists := bus.handlers[reflect.TypeOf(cmd)]
	bus.mu.RUnlock()

	if !exists {
		bus.logger.Error("No handler for command",
			zap.String("command_type", cmd.GetType()),
			zap.String("user_id", cmd.GetUserID()))
		return nil, invalid("no handler registered for command type: %s", cmd.GetType())
	}

	bus.logger.Debug("Executing command",
		zap.String("command_type", cmd.GetType()),
		zap.String("user_id", cmd.GetUserID()))

	reply, err := handler.Handle(ctx, cmd)
	if err != nil {
		bus.logger.Warn("Command failed",
			zap.String("command_type", cmd.GetType()),
			zap.String("user_id", cmd.GetUserID()),
			zap.Error(err))
		return reply, err
	}
	return reply, nil
}

// RegisteredCommands возвращает список зарегистрированных типов команд
func (bus *CommandBus) RegisteredCommands() []string {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	names := make([]string, 0, len(bus.handlers))
	for cmdType := range bus.handlers {
		cmd := reflect.New(cmdType).Elem().Interface().(Command)
		names = append(names, cmd.GetType())
	}
	sort.Strings(names)
	return names
}
