package server

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Step is one stage of the drain sequence. Each step gets its own bound;
// exceeding it logs a warning and the sequence proceeds rather than hanging
// the process.
type Step struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Coordinator serializes process termination: signals and fatal top-level
// errors both land here, and the re-entrancy guard ensures the drain
// sequence runs exactly once. A watchdog forces exit if the sequence never
// completes.
type Coordinator struct {
	logger   *slog.Logger
	watchdog time.Duration

	once sync.Once
	done chan struct{}

	// exit is replaceable in tests.
	exit func(code int)
}

func NewCoordinator(logger *slog.Logger, watchdog time.Duration) *Coordinator {
	return &Coordinator{
		logger:   logger.With(slog.String("component", "shutdown")),
		watchdog: watchdog,
		done:     make(chan struct{}),
		exit:     os.Exit,
	}
}

// Shutdown runs the drain sequence. Concurrent and repeated calls share a
// single run; every caller blocks until the sequence completes.
func (c *Coordinator) Shutdown(steps []Step) {
	c.once.Do(func() {
		go c.drain(steps)
	})
	<-c.done
}

func (c *Coordinator) drain(steps []Step) {
	defer close(c.done)

	if c.watchdog > 0 {
		watchdog := time.AfterFunc(c.watchdog, func() {
			c.logger.Error("Shutdown watchdog fired; forcing exit",
				slog.Duration("after", c.watchdog),
			)
			c.exit(1)
		})
		defer watchdog.Stop()
	}

	for _, step := range steps {
		c.runStep(step)
	}
	c.logger.Info("Drain sequence complete")
}

func (c *Coordinator) runStep(step Step) {
	ctx := context.Background()
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	c.logger.Info("Drain step starting", slog.String("step", step.Name))
	errCh := make(chan error, 1)
	go func() {
		errCh <- step.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Warn("Drain step failed; proceeding",
				slog.String("step", step.Name),
				slog.Any("error", err),
			)
		}
	case <-ctx.Done():
		c.logger.Warn("Drain step timed out; proceeding",
			slog.String("step", step.Name),
			slog.Duration("timeout", step.Timeout),
		)
	}
}
