package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quailyquaily/wamux/internal/retryutil"
)

const (
	destroyAttempts = 3
	destroyDelay    = 1500 * time.Millisecond
)

// Adapter is the thin façade the orchestrator and pipeline use to drive
// one Connection. It owns the teardown retry policy so callers never see
// a raw busy failure.
type Adapter struct {
	conn   Connection
	logger *slog.Logger
	delay  time.Duration
}

func NewAdapter(conn Connection, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{conn: conn, logger: logger, delay: destroyDelay}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	return a.conn.Initialize(ctx)
}

func (a *Adapter) SendText(ctx context.Context, target, text string) error {
	return a.conn.SendText(ctx, target, text)
}

func (a *Adapter) SendMedia(ctx context.Context, target string, media Media, opts SendMediaOptions) error {
	return a.conn.SendMedia(ctx, target, media, opts)
}

func (a *Adapter) State(ctx context.Context) (State, error) {
	return a.conn.State(ctx)
}

// Destroy tears the connection down, retrying busy failures. It returns
// ErrDestroyFailed after the final attempt instead of the raw transport
// error; callers decide whether that is fatal (for disconnect flows it
// is not).
func (a *Adapter) Destroy(ctx context.Context) error {
	err := retryutil.Do(ctx, retryutil.Options{
		Name:      "connection_destroy",
		Attempts:  destroyAttempts,
		Delay:     a.delay,
		Retryable: func(err error) bool { return errors.Is(err, ErrBusy) },
		Logger:    a.logger,
	}, func(ctx context.Context) error {
		return a.conn.Destroy(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestroyFailed, err)
	}
	return nil
}
