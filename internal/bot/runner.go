// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/rpc"
	"github.com/rovshanmuradov/custody-bot/internal/blockchain/solbc/transaction"
	"github.com/rovshanmuradov/custody-bot/internal/config"
	"github.com/rovshanmuradov/custody-bot/internal/events"
	"github.com/rovshanmuradov/custody-bot/internal/executor"
	"github.com/rovshanmuradov/custody-bot/internal/export"
	"github.com/rovshanmuradov/custody-bot/internal/jupiter"
	"github.com/rovshanmuradov/custody-bot/internal/license"
	"github.com/rovshanmuradov/custody-bot/internal/monitor"
	"github.com/rovshanmuradov/custody-bot/internal/oracle"
	"github.com/rovshanmuradov/custody-bot/internal/position"
	"github.com/rovshanmuradov/custody-bot/internal/ratelimit"
	"github.com/rovshanmuradov/custody-bot/internal/storage/sqlstore"
	"github.com/rovshanmuradov/custody-bot/internal/types"
	"github.com/rovshanmuradov/custody-bot/internal/userlock"
	"github.com/rovshanmuradov/custody-bot/internal/vault"
)

// Runner wires every component from config and owns their lifetime.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	shutdown *ShutdownHandler

	bus     *events.Bus
	monitor *monitor.Monitor
	service *Service
}

func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		shutdown: NewShutdownHandler(logger, 30*time.Second),
	}
}

// openKeyring builds the vault keyring; ENCRYPTION_KEY_PREVIOUS is kept as
// a decrypt-only key one version below the current one.
func openKeyring(cfg *config.Config) (*vault.Keyring, error) {
	keys, err := vault.NewKeyring(cfg.EncryptionKeyVersion, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if cfg.PreviousEncryptionKey != "" && cfg.EncryptionKeyVersion > 1 {
		if err := keys.Add(cfg.EncryptionKeyVersion-1, cfg.PreviousEncryptionKey); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// ensureDir creates the parent directory of a file-backed store.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" || strings.Contains(path, "://") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0700)
}

// OpenVault opens only the wallet table, for maintenance commands.
func OpenVault(cfg *config.Config, logger *zap.Logger) (*vault.Vault, error) {
	keys, err := openKeyring(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault keyring: %w", err)
	}
	return vault.Open(cfg.WalletFile, keys, logger)
}

// Initialize validates the license and builds the component graph.
func (r *Runner) Initialize(ctx context.Context) error {
	cfg := r.cfg

	if err := license.Validate(ctx, cfg.License, license.Settings{
		AccountID:    cfg.KeygenAccountID,
		ProductToken: cfg.KeygenProductToken,
		ProductID:    cfg.KeygenProductID,
	}, r.logger); err != nil {
		return fmt.Errorf("license validation failed: %w", err)
	}

	v, err := OpenVault(cfg, r.logger)
	if err != nil {
		return err
	}
	r.logger.Info("🔐 Vault opened", zap.Int("wallets", v.Count()))

	rpcClient, err := rpc.NewClient(cfg.RPCList, rpc.Options{
		Interval: cfg.RPCInterval(),
		Timeout:  cfg.RequestTimeout(),
		Attempts: cfg.Retries,
	}, r.logger)
	if err != nil {
		return err
	}
	r.shutdown.AddFunc("rpc", func(context.Context) error { rpcClient.Close(); return nil })

	txConfig := transaction.DefaultConfig()
	txConfig.MaxAttempts = cfg.Retries
	txConfig.ConfirmationTime = cfg.ConfirmTimeout()
	chain := solbc.NewClient(rpcClient, txConfig, r.registry, r.logger)

	jup := jupiter.NewClient(cfg.JupiterURL, cfg.JupiterAPIKey, cfg.RequestTimeout(), r.logger)

	prices := oracle.New(jup, chain, oracle.Config{
		QuoteLamports: cfg.QuoteLamports,
		SlippageBps:   cfg.SlippageBps,
		CacheTTL:      cfg.MonitorPeriod() / 2,
		Attempts:      cfg.Retries,
		Timeout:       cfg.PositionDeadline(),
	}, r.logger)

	for _, path := range []string{cfg.PositionsFile, cfg.LedgerDSN} {
		if err := ensureDir(path); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	positions, err := position.Open(cfg.PositionsFile, r.logger)
	if err != nil {
		return err
	}
	r.shutdown.Add("positions", positions)

	ledger, err := sqlstore.NewLedger(cfg.LedgerDSN, r.logger)
	if err != nil {
		return err
	}
	r.shutdown.Add("ledger", ledger)

	exec, err := executor.New(v, chain, jup, ledger, executor.Config{
		TokenMint:   cfg.TokenMint,
		SlippageBps: cfg.SlippageBps,
		Fees:        types.FeePolicy{BuyBps: cfg.BuyFeeBps, SellBps: cfg.SellFeeBps},
		FeeWallet:   cfg.FeeWallet,
		SolReserve:  cfg.SolReserve,
		PriorityFee: cfg.PriorityFee,
		Timeout:     cfg.ConfirmTimeout() * time.Duration(max(cfg.Retries, 1)) * 2,
	}, executor.NewMetrics(r.registry), r.logger)
	if err != nil {
		return err
	}

	r.bus = events.NewBus(r.logger, 1024)
	r.shutdown.AddFunc("event_bus", r.bus.Shutdown)

	locks := userlock.New()

	r.monitor = monitor.New(positions, prices, exec, locks, r.bus, monitor.Config{
		Period:            cfg.MonitorPeriod(),
		BackoffMultiplier: cfg.BackoffMultiplier,
		Workers:           cfg.Workers,
		PositionTimeout:   cfg.PositionDeadline(),
	}, monitor.NewMetrics(r.registry), r.logger)

	r.service = NewService(Dependencies{
		Vault:     v,
		Gateway:   chain,
		Oracle:    prices,
		Positions: positions,
		Executor:  exec,
		Ledger:    ledger,
		Exporter:  export.NewHistoryExporter(r.logger),
		Limiter:   ratelimit.New(cfg.RateLimitCalls, cfg.RateLimitWindow()),
		Locks:     locks,
		Publisher: r.bus,
	}, ServiceConfig{
		TokenMint:   cfg.TokenMint,
		ExportDir:   cfg.ExportDir,
		OperatorIDs: cfg.OperatorIDs,
	}, r.logger)

	r.logger.Info("✅ Bot initialized",
		zap.Int("rpc_nodes", len(cfg.RPCList)),
		zap.String("token_mint", cfg.TokenMint),
		zap.Duration("monitor_period", cfg.MonitorPeriod()))
	return nil
}

// Service exposes the command service, e.g. for another intake.
func (r *Runner) Service() *Service { return r.service }

// Run starts the monitor, the metrics endpoint and the console intake
// reading from in. It returns when ctx is cancelled or a part fails.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if r.service == nil {
		return errors.New("runner is not initialized")
	}

	console := NewConsole(r.service, out, r.logger)
	r.bus.Subscribe(events.AnyType, events.HandlerFunc(console.Notify))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.monitor.Run(ctx)
	})

	if r.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              r.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			r.logger.Info("📈 Metrics endpoint listening", zap.String("addr", r.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if in != nil {
		g.Go(func() error {
			return console.Run(ctx, in)
		})
	}

	r.logger.Info("🚀 Bot running")
	return g.Wait()
}

// Shutdown closes stores and flushes the logger.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.logger.Info("👋 Bot shutting down gracefully")
	return r.shutdown.Shutdown(ctx)
}
