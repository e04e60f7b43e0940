// internal/bot/service.go
package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain"
	"github.com/rovshanmuradov/custody-bot/internal/events"
	"github.com/rovshanmuradov/custody-bot/internal/executor"
	"github.com/rovshanmuradov/custody-bot/internal/export"
	"github.com/rovshanmuradov/custody-bot/internal/position"
	"github.com/rovshanmuradov/custody-bot/internal/storage"
	"github.com/rovshanmuradov/custody-bot/internal/storage/models"
	"github.com/rovshanmuradov/custody-bot/internal/types"
	"github.com/rovshanmuradov/custody-bot/internal/userlock"
	"github.com/rovshanmuradov/custody-bot/internal/vault"
)

const eventSource = "manual"

type Vault interface {
	CreateIfAbsent(userID string) (*vault.Wallet, bool, error)
	Get(userID string) (*vault.Wallet, error)
	UpdateBalances(userID string, lamports, tokenRaw uint64) error
}

type BalanceGateway interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (blockchain.TokenBalance, error)
}

type PriceSource interface {
	Quote(ctx context.Context, mint solana.PublicKey) (decimal.Decimal, error)
}

type Positions interface {
	SetSellTarget(userID, mint string, multiplier, entryPrice, amount decimal.Decimal) (position.Position, error)
	SetBuyTarget(userID, mint string, price, amount decimal.Decimal) (position.Position, error)
	CancelSell(userID string) (bool, error)
	CancelBuy(userID string) (bool, error)
	List(userID string) ([]position.Position, error)
}

type Executor interface {
	Execute(ctx context.Context, o executor.Order) executor.Result
	Withdraw(ctx context.Context, userID string, amount decimal.Decimal, recipient string) executor.Result
}

type RateLimiter interface {
	Allow(userID string) bool
}

// WalletInfo is the reply to CreateWallet and GetWalletInfo.
type WalletInfo struct {
	UserID  string
	Address string
	Created bool
	SOL     decimal.Decimal
	Token   decimal.Decimal
	Pending []position.Position
}

type ServiceConfig struct {
	TokenMint    string
	ExportDir    string
	HistoryLimit int
	// OperatorIDs may run TotalFeesCommand; empty means nobody.
	OperatorIDs []string
}

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Vault     Vault
	Gateway   BalanceGateway
	Oracle    PriceSource
	Positions Positions
	Executor  Executor
	Ledger    storage.Ledger
	Exporter  *export.HistoryExporter
	Limiter   RateLimiter
	// Locks is shared with the monitor.
	Locks     *userlock.Locks
	Publisher events.Publisher
}

// Service handles user commands. Every reply that changes state is also
// published as a notification.
type Service struct {
	deps   Dependencies
	cfg    ServiceConfig
	bus    *CommandBus
	logger *zap.Logger
}

func NewService(deps Dependencies, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = "exports"
	}
	if deps.Locks == nil {
		deps.Locks = userlock.New()
	}
	if deps.Exporter == nil {
		deps.Exporter = export.NewHistoryExporter(logger)
	}

	s := &Service{
		deps:   deps,
		cfg:    cfg,
		bus:    NewCommandBus(logger),
		logger: logger.Named("service"),
	}

	s.bus.RegisterHandler(CreateWalletCommand{}, HandlerFunc(s.createWallet))
	s.bus.RegisterHandler(SetSellTargetCommand{}, HandlerFunc(s.setSellTarget))
	s.bus.RegisterHandler(SetBuyTargetCommand{}, HandlerFunc(s.setBuyTarget))
	s.bus.RegisterHandler(CancelSellCommand{}, HandlerFunc(s.cancelSell))
	s.bus.RegisterHandler(CancelBuyCommand{}, HandlerFunc(s.cancelBuy))
	s.bus.RegisterHandler(ManualBuyCommand{}, HandlerFunc(s.manualBuy))
	s.bus.RegisterHandler(ManualSellCommand{}, HandlerFunc(s.manualSell))
	s.bus.RegisterHandler(WithdrawCommand{}, HandlerFunc(s.withdraw))
	s.bus.RegisterHandler(GetWalletInfoCommand{}, HandlerFunc(s.walletInfo))
	s.bus.RegisterHandler(GetHistoryCommand{}, HandlerFunc(s.history))
	s.bus.RegisterHandler(ActiveTradesCommand{}, HandlerFunc(s.activeTrades))
	s.bus.RegisterHandler(ExportHistoryCommand{}, HandlerFunc(s.exportHistory))
	s.bus.RegisterHandler(TotalFeesCommand{}, HandlerFunc(s.totalFees))

	s.logger.Info("Command service initialized",
		zap.Strings("commands", s.bus.RegisteredCommands()))
	return s
}

// Send dispatches a command through the bus.
func (s *Service) Send(ctx context.Context, cmd Command) (interface{}, error) {
	return s.bus.Send(ctx, cmd)
}

func (s *Service) publish(ev events.Event) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(ev); err != nil {
		s.logger.Warn("Failed to publish notification",
			zap.String("event_type", string(ev.Type())),
			zap.String("user_id", ev.User()),
			zap.Error(err))
	}
}

func (s *Service) mint(cmdMint string) string {
	if cmdMint != "" {
		return cmdMint
	}
	return s.cfg.TokenMint
}

// requireWallet maps a missing wallet to types.ErrNoWallet; any other
// vault error passes through unchanged.
func (s *Service) requireWallet(userID string) (*vault.Wallet, error) {
	w, err := s.deps.Vault.Get(userID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, types.ErrNoWallet
		}
		return nil, err
	}
	return w, nil
}

func (s *Service) createWallet(ctx context.Context, cmd Command) (interface{}, error) {
	c := cmd.(CreateWalletCommand)
	w, created, err := s.deps.Vault.CreateIfAbsent(c.UserID)
	if err != nil {
		return nil, err
	}
	if created {
		s.publish(events.NewWalletCreated(c.UserID, w.Address))
	}
	info := s.balances(ctx, w)
	info.Created = created
	return info, nil
}

func (s *Service) setSellTarget(ctx context.Context, cmd Command) (interface{}, error) {
	c := cmd.(SetSellTargetCommand)
	if _, err := s.requireWallet(c.UserID); err != nil {
		return nil, err
	}
	mintStr := s.mint(c.TokenMint)
	mint, err := solana.PublicKeyFromBase58(mintStr)
	if err != nil {
		return nil, invalid("token mint is not configured")
	}

	// entry = цена на момент установки цели
	entry, err := s.deps.Oracle.Quote(ctx, mint)
	if err != nil {
		return nil, err
	}

	unlock := s.deps.Locks.Lock(c.UserID)
	p, err := s.deps.Positions.SetSellTarget(c.UserID, mintStr, c.Multiplier, entry, c.Amount)
	unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("🎯 Sell target set",
		zap.String("user_id", c.UserID),
		zap.String("entry", entry.String()),
		zap.String("multiplier", c.Multiplier.String()),
		zap.String("trigger", p.TriggerPrice().String()))
	s.publish(events.NewTargetSet(c.UserID, string(p.Side), p.TriggerPrice(), p.Amount))
	return p, nil
}

func (s *Service) setBuyTarget(_ context.Context, cmd Command) (interface{}, error) {
	c := cmd.(SetBuyTargetCommand)
	if _, err := s.requireWallet(c.UserID); err != nil {
		return nil, err
	}
	mintStr := s.mint(c.TokenMint)
	if mintStr == "" {
		return nil, invalid("token mint is not configured")
	}

	unlock := s.deps.Locks.Lock(c.UserID)
	p, err := s.deps.Positions.SetBuyTarget(c.UserID, mintStr, c.Price, c.Amount)
	unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("🎯 Buy target set",
		zap.String("user_id", c.UserID),
		zap.String("price", c.Price.String()),
		zap.String("amount_sol", c.Amount.String()))
	s.publish(events.NewTargetSet(c.UserID, string(p.Side), p.TriggerPrice(), p.Amount))
	return p, nil
}

func (s *Service) cancel(userID string, side position.Side, fn func(string) (bool, error)) (interface{}, error) {
	if _, err := s.requireWallet(userID); err != nil {
		return nil, err
	}
	unlock := s.deps.Locks.Lock(userID)
	removed, err := fn(userID)
	unlock()
	if err != nil {
		return nil, err
	}
	if removed {
		s.publish(events.NewTargetCancelled(userID, string(side)))
	}
	return removed, nil
}

func (s *Service) cancelSell(_ context.Context, cmd Command) (interface{}, error) {
	return s.cancel(cmd.GetUserID(), position.SideSellPending, s.deps.Positions.CancelSell)
}

func (s *Service) cancelBuy(_ context.Context, cmd Command) (interface{}, error) {
	return s.cancel(cmd.GetUserID(), position.SideBuyPending, s.deps.Positions.CancelBuy)
}

func (s *Service) allow(userID string) error {
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(userID) {
		s.logger.Warn("⛔ Rate limited", zap.String("user_id", userID))
		return types.ErrRateLimited
	}
	return nil
}

// report turns an execution result into a notification and a reply.
func (s *Service) report(userID string, side types.Side, res executor.Result) (interface{}, error) {
	if !res.Success {
		s.publish(events.NewOrderFailed(userID, side, res.Err, eventSource))
		return res, res.Err
	}
	s.publish(events.NewOrderFilled(userID, res.Side, res.Amount, res.Price, res.Fee, res.TxID, eventSource))
	return res, nil
}

func (s *Service) manualBuy(ctx context.Context, cmd Command) (interface{}, error) {
	c := cmd.(ManualBuyCommand)
	if err := s.allow(c.UserID); err != nil {
		return nil, err
	}
	if _, err := s.requireWallet(c.UserID); err != nil {
		return nil, err
	}
	res := s.deps.Executor.Execute(ctx, executor.Order{
		UserID:    c.UserID,
		Side:      types.SideBuy,
		Amount:    c.Amount,
		TokenMint: s.mint(c.TokenMint),
	})
	return s.report(c.UserID, types.SideBuy, res)
}

func (s *Service) manualSell(ctx context.Context, cmd Command) (interface{}, error) {
	c := cmd.(ManualSellCommand)
	if err := s.allow(c.UserID); err != nil {
		return nil, err
	}
	if _, err := s.requireWallet(c.UserID); err != nil {
		return nil, err
	}
	res := s.deps.Executor.Execute(ctx, executor.Order{
		UserID:    c.UserID,
		Side:      types.SideSell,
		Amount:    c.Amount,
		TokenMint: s.mint(c.TokenMint),
	})
	return s.report(c.UserID, types.SideSell, res)
}

func (s *Service) withdraw(ctx context.Context, cmd Command) (interface{}, error) {
	c := cmd.(WithdrawCommand)
	if err := s.allow(c.UserID); err != nil {
		return nil, err
	}
	if _, err := s.requireWallet(c.UserID); err != nil {
		return nil, err
	}
	res := s.deps.Executor.Withdraw(ctx, c.UserID, c.Amount, c.Recipient)
	return s.report(c.UserID, types.SideWithdraw, res)
}

// balances reads fresh balances; a failed read shows as zero and leaves
// the cached values alone.
func (s *Service) balances(ctx context.Context, w *vault.Wallet) WalletInfo {
	info := WalletInfo{UserID: w.UserID, Address: w.Address, SOL: decimal.Zero, Token: decimal.Zero}
	owner, err := solana.PublicKeyFromBase58(w.Address)
	if err != nil || s.deps.Gateway == nil {
		return info
	}

	ok := true
	lamports := blockchain.NativeBalanceOrZero(ctx, s.deps.Gateway, owner, func(err error) {
		ok = false
		s.logger.Warn("SOL balance unavailable", zap.String("user_id", w.UserID), zap.Error(err))
	})
	info.SOL = types.LamportsToSOL(lamports)

	var raw uint64
	if mint, err := solana.PublicKeyFromBase58(s.cfg.TokenMint); err == nil {
		tb, err := s.deps.Gateway.TokenBalance(ctx, owner, mint)
		if err != nil {
			ok = false
			s.logger.Warn("Token balance unavailable", zap.String("user_id", w.UserID), zap.Error(err))
		} else {
			raw = tb.Raw
			info.Token = types.FromRaw(tb.Raw, tb.Decimals)
		}
	}

	if ok {
		if err := s.deps.Vault.UpdateBalances(w.UserID, lamports, raw); err != nil {
			s.logger.Warn("Failed to cache balances", zap.String("user_id", w.UserID), zap.Error(err))
		}
	}
	return info
}

func (s *Service) walletInfo(ctx context.Context, cmd Command) (interface{}, error) {
	w, err := s.requireWallet(cmd.GetUserID())
	if err != nil {
		return nil, err
	}
	info := s.balances(ctx, w)
	info.Pending, err = s.deps.Positions.List(w.UserID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	s.publish(events.NewBalanceReport(w.UserID, w.Address, info.SOL, info.Token))
	return info, nil
}

func (s *Service) history(ctx context.Context, cmd Command) (interface{}, error) {
	c := cmd.(GetHistoryCommand)
	limit := c.Limit
	if limit == 0 {
		limit = s.cfg.HistoryLimit
	}
	return s.deps.Ledger.History(ctx, c.UserID, limit)
}

func (s *Service) activeTrades(_ context.Context, cmd Command) (interface{}, error) {
	if _, err := s.requireWallet(cmd.GetUserID()); err != nil {
		return nil, err
	}
	return s.deps.Positions.List(cmd.GetUserID())
}

func (s *Service) exportHistory(ctx context.Context, cmd Command) (interface{}, error) {
	c := cmd.(ExportHistoryCommand)
	records, err := s.deps.Ledger.History(ctx, c.UserID, 0)
	if err != nil {
		return nil, err
	}
	format := c.Format
	if format == "" {
		format = export.FormatCSV
	}
	return s.deps.Exporter.ExportHistory(c.UserID, records, export.ExportOptions{
		Format:     format,
		SideFilter: c.Side,
		OutputDir:  s.cfg.ExportDir,
	})
}

func (s *Service) totalFees(ctx context.Context, cmd Command) (interface{}, error) {
	if !lo.Contains(s.cfg.OperatorIDs, cmd.GetUserID()) {
		s.logger.Warn("Fee total requested by non-operator", zap.String("user_id", cmd.GetUserID()))
		return nil, fmt.Errorf("%w: /fees is limited to operators", types.ErrNotPermitted)
	}
	return s.deps.Ledger.TotalFees(ctx)
}

// History is a typed shortcut for GetHistoryCommand.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.TxRecord, error) {
	reply, err := s.Send(ctx, GetHistoryCommand{UserID: userID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return reply.([]models.TxRecord), nil
}
