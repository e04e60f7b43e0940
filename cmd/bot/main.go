// ====================================
// File: cmd/bot/main.go
// ====================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/bot"
	"github.com/rovshanmuradov/custody-bot/internal/config"
	"github.com/rovshanmuradov/custody-bot/internal/logger"
)

// envNewEncryptionKey holds the next vault key for -rotate-key.
const envNewEncryptionKey = "ENCRYPTION_KEY_NEW"

func main() {
	configPath := flag.String("config", "configs/config.json", "path to the JSON config")
	envFile := flag.String("env", ".env", "dotenv file with the vault keys")
	rotate := flag.Bool("rotate-key", false, "re-encrypt the wallet table under "+envNewEncryptionKey+" and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Debug = cfg.DebugLogging
	log, logCloser, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.SafeSync(log)
		_ = logCloser.Close()
	}()

	if *rotate {
		code := rotateKey(cfg, log)
		_ = logger.SafeSync(log)
		_ = logCloser.Close()
		os.Exit(code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting custody bot")
	runner := bot.NewRunner(cfg, log)
	if err := runner.Initialize(ctx); err != nil {
		log.Error("💥 Failed to initialize bot", zap.Error(err))
		shutdown(runner)
		return
	}

	if err := runner.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Error("Bot execution error", zap.Error(err))
	}
	shutdown(runner)
}

func shutdown(runner *bot.Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = runner.Shutdown(ctx)
}

func rotateKey(cfg *config.Config, log *zap.Logger) int {
	secret := os.Getenv(envNewEncryptionKey)
	if secret == "" {
		log.Error(envNewEncryptionKey + " is not set")
		return 1
	}
	v, err := bot.OpenVault(cfg, log)
	if err != nil {
		log.Error("Failed to open vault", zap.Error(err))
		return 1
	}
	next := cfg.EncryptionKeyVersion + 1
	n, err := v.Rotate(next, secret)
	if err != nil {
		log.Error("Key rotation failed", zap.Error(err))
		return 1
	}
	log.Info("Key rotated; set ENCRYPTION_KEY to the new key and ENCRYPTION_KEY_VERSION accordingly",
		zap.Int("version", next),
		zap.Int("wallets", n))
	return 0
}
