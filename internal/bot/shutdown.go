package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// stage is one step of the shutdown sequence. It gets the remaining
// shutdown budget as its context.
type stage struct {
	name string
	stop func(ctx context.Context) error
}

// ShutdownHandler stops registered services last-in first-out: whatever
// was started on top of a dependency is stopped before it.
type ShutdownHandler struct {
	mu      sync.Mutex
	stages  []stage
	timeout time.Duration
	logger  *zap.Logger
}

func NewShutdownHandler(logger *zap.Logger, timeout time.Duration) *ShutdownHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownHandler{timeout: timeout, logger: logger.Named("shutdown")}
}

// Add registers an io.Closer. Close gets no deadline of its own; a closer
// that hangs is abandoned when the budget runs out.
func (sh *ShutdownHandler) Add(name string, closer io.Closer) {
	sh.AddFunc(name, func(context.Context) error { return closer.Close() })
}

// AddFunc registers a stop function that honours ctx.
func (sh *ShutdownHandler) AddFunc(name string, stop func(ctx context.Context) error) {
	sh.mu.Lock()
	sh.stages = append(sh.stages, stage{name: name, stop: stop})
	sh.mu.Unlock()
	sh.logger.Debug("Registered for shutdown", zap.String("service", name))
}

// Shutdown runs every stage once. When the budget is exhausted the stuck
// stage is reported and the ones registered before it are skipped.
func (sh *ShutdownHandler) Shutdown(ctx context.Context) error {
	sh.mu.Lock()
	stages := sh.stages
	sh.stages = nil
	sh.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()

	sh.logger.Info("Shutting down", zap.Int("services", len(stages)))

	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		started := time.Now()

		done := make(chan error, 1)
		go func() { done <- st.stop(ctx) }()

		select {
		case err := <-done:
			if err != nil {
				sh.logger.Error("Service stopped with error", zap.String("service", st.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
				continue
			}
			sh.logger.Debug("Service stopped",
				zap.String("service", st.name),
				zap.Duration("took", time.Since(started)))
		case <-ctx.Done():
			skipped := make([]string, 0, i)
			for j := i - 1; j >= 0; j-- {
				skipped = append(skipped, stages[j].name)
			}
			sh.logger.Error("Shutdown budget exhausted",
				zap.String("service", st.name),
				zap.Strings("skipped", skipped))
			errs = append(errs, fmt.Errorf("%s: shutdown timeout", st.name))
			return errors.Join(errs...)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sh.logger.Info("Shutdown complete")
	return nil
}
