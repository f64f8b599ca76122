package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"marketScope/internal/alert"
	"marketScope/internal/metrics"
)

// ErrWatcherDisabled is returned once a watcher has used up its reconnects.
var ErrWatcherDisabled = errors.New("watcher disabled")

var errSessionEnded = errors.New("session ended")

// ReconnectPolicy bounds how a live watcher reconnects.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

// Supervisor keeps a live session running and reconnects it on failure.
type Supervisor struct {
	Name    string
	Policy  ReconnectPolicy
	Logger  *zap.Logger
	Alerts  alert.Sink
	Metrics *metrics.Metrics
}

// Session runs one connection until it fails. It calls healthy once the
// connection is established, which resets the attempt counter.
type Session func(ctx context.Context, healthy func()) error

// Run drives session until ctx is done. After Policy.MaxAttempts consecutive
// failures the watcher is disabled: a fatal alert is sent and an error
// wrapping ErrWatcherDisabled is returned.
func (s Supervisor) Run(ctx context.Context, session Session) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alerts := s.Alerts
	if alerts == nil {
		alerts = alert.Nop{}
	}

	var attempts atomic.Int64
	healthy := func() { attempts.Store(0) }

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := session(ctx, healthy)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errSessionEnded
		}

		attempt := int(attempts.Add(1))
		if attempt > s.Policy.MaxAttempts {
			logger.Error("watcher disabled after reconnect attempts",
				zap.String("watcher", s.Name),
				zap.Int("attempts", s.Policy.MaxAttempts),
				zap.Error(err),
			)
			s.Metrics.WatcherDisabled(s.Name)
			alerts.Send(ctx, alert.New(alert.SeverityFatal, s.Name, "watcher disabled after max reconnect attempts", map[string]string{
				"attempts": strconv.Itoa(s.Policy.MaxAttempts),
				"error":    err.Error(),
			}))
			return fmt.Errorf("%s: %w: %v", s.Name, ErrWatcherDisabled, err)
		}

		delay := Backoff(s.Policy.BaseDelay, attempt, s.Policy.Exponential, s.Policy.MaxDelay)
		logger.Warn("watcher error, reconnecting",
			zap.String("watcher", s.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.Policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		s.Metrics.Reconnect(s.Name)
		if err := Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}
