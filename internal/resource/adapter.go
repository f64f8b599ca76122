// Package resource ingests priced resource metrics from external sources.
// Every source implements Adapter; all of them store prices through the same
// per-unit loop.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"marketScope/internal/alert"
	"marketScope/internal/indexer"
	"marketScope/internal/metrics"
	"marketScope/internal/model"
)

var (
	// ErrNotFound marks a unit the source has no data for.
	ErrNotFound = errors.New("unit not found")
	// ErrSkip marks a unit that has nothing worth storing.
	ErrSkip = errors.New("unit skipped")
	// ErrMalformed marks a response missing required fields.
	ErrMalformed = errors.New("malformed response")

	errNoUnits = errors.New("no units in range")
)

const unitChunkSize = 1000

// Adapter is implemented by every resource source.
type Adapter interface {
	// BackfillRange stores every unit between start and end (unix seconds).
	// An end of zero means now. It reports false when the range resolved
	// to no units.
	BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error)
	// BackfillList stores the given units, overwriting existing rows.
	BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error)
	// WatchLive stores new units until ctx is done. A second concurrent call
	// returns nil immediately.
	WatchLive(ctx context.Context, res model.Resource) error
}

// UnitResolver is implemented by adapters whose units are blocks or slots.
type UnitResolver interface {
	UnitRange(ctx context.Context, start, end int64) (from, to uint64, err error)
}

// PriceStore persists resource prices.
type PriceStore interface {
	UpsertPrice(ctx context.Context, price model.ResourcePrice, overwrite bool) (bool, error)
	ExistingBlocks(ctx context.Context, resourceID int64, from, to uint64) (map[uint64]struct{}, error)
	LatestPrice(ctx context.Context, resourceID int64) (model.ResourcePrice, bool, error)
}

// Options carries the collaborators shared by all adapters.
type Options struct {
	Store   PriceStore
	Logger  *zap.Logger
	Alerts  alert.Sink
	Metrics *metrics.Metrics
	// Reconnect overrides the live watch reconnect policy.
	Reconnect *indexer.ReconnectPolicy
}

type fetchFunc func(ctx context.Context, unit uint64) (model.ResourcePrice, error)

// base holds the unit loop and watch guard shared by adapters.
type base struct {
	kind      model.ResourceKind
	store     PriceStore
	logger    *zap.Logger
	alerts    alert.Sink
	metrics   *metrics.Metrics
	reconnect indexer.ReconnectPolicy
	guard     indexer.WatchGuard
}

func newBase(kind model.ResourceKind, opts Options, reconnect indexer.ReconnectPolicy) base {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = alert.Nop{}
	}
	if opts.Reconnect != nil {
		reconnect = *opts.Reconnect
	}
	return base{
		kind:      kind,
		store:     opts.Store,
		logger:    logger.With(zap.String("adapter", string(kind))),
		alerts:    alerts,
		metrics:   opts.Metrics,
		reconnect: reconnect,
	}
}

// StopWatching cancels a running live watch.
func (b *base) StopWatching() {
	b.guard.Stop()
}

// watch runs session under the guard and the reconnect supervisor.
func (b *base) watch(ctx context.Context, res model.Resource, session indexer.Session) error {
	watchCtx, ok := b.guard.Begin(ctx)
	if !ok {
		b.logger.Info("already watching", zap.String("resource", res.Slug))
		return nil
	}
	defer b.guard.End()

	b.logger.Info("watch start", zap.String("resource", res.Slug))
	sup := indexer.Supervisor{
		Name:    "resource:" + res.Slug,
		Policy:  b.reconnect,
		Logger:  b.logger,
		Alerts:  b.alerts,
		Metrics: b.metrics,
	}
	return sup.Run(watchCtx, session)
}

// processRange stores every unit in [from, to] in ascending order.
func (b *base) processRange(ctx context.Context, res model.Resource, from, to uint64, overwrite bool, fetch fetchFunc) (bool, error) {
	chunks, err := indexer.SplitRange(from, to, unitChunkSize)
	if err != nil {
		return false, err
	}
	for _, chunk := range chunks {
		units := make([]uint64, 0, chunk.Len())
		for n := chunk.From; ; n++ {
			units = append(units, n)
			if n == chunk.To {
				break
			}
		}
		if err := b.processUnits(ctx, res, units, overwrite, fetch); err != nil {
			return false, err
		}
	}
	return true, nil
}

// processUnits stores each unit of an ascending list. Existing units are
// skipped unless overwrite is set. Only context cancellation or a failing
// existence lookup stop the loop.
func (b *base) processUnits(ctx context.Context, res model.Resource, units []uint64, overwrite bool, fetch fetchFunc) error {
	if len(units) == 0 {
		return nil
	}

	var existing map[uint64]struct{}
	if !overwrite {
		var err error
		existing, err = b.store.ExistingBlocks(ctx, res.ID, units[0], units[len(units)-1])
		if err != nil {
			return fmt.Errorf("load existing units: %w", err)
		}
	}

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := existing[unit]; ok {
			continue
		}
		if err := b.storeUnit(ctx, res, unit, overwrite, fetch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.alertUnitFailure(ctx, res, strconv.FormatUint(unit, 10), err)
		}
	}
	return nil
}

// alertUnitFailure reports a unit that could not be ingested.
func (b *base) alertUnitFailure(ctx context.Context, res model.Resource, unit string, err error) {
	b.alerts.Send(ctx, alert.New(alert.SeverityError, "resource:"+res.Slug, "unit ingestion failed", map[string]string{
		"unit":  unit,
		"error": err.Error(),
	}))
}

// storeUnit fetches and upserts one unit. Missing and malformed units are
// logged and reported as success; other failures are logged and returned.
func (b *base) storeUnit(ctx context.Context, res model.Resource, unit uint64, overwrite bool, fetch fetchFunc) error {
	price, err := fetch(ctx, unit)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrSkip):
			b.logger.Debug("unit skipped", zap.String("resource", res.Slug), zap.Uint64("unit", unit), zap.Error(err))
			b.metrics.UnitSkipped(res.Slug, "empty")
			return nil
		case errors.Is(err, ErrMalformed):
			b.logger.Warn("malformed unit skipped", zap.String("resource", res.Slug), zap.Uint64("unit", unit), zap.Error(err))
			b.metrics.UnitSkipped(res.Slug, "malformed")
			return nil
		default:
			b.logger.Error("fetch unit failed", zap.String("resource", res.Slug), zap.Uint64("unit", unit), zap.Error(err))
			b.metrics.UnitFailed(res.Slug)
			return err
		}
	}
	return b.save(ctx, res, price, overwrite)
}

func (b *base) save(ctx context.Context, res model.Resource, price model.ResourcePrice, overwrite bool) error {
	price.ResourceID = res.ID
	written, err := b.store.UpsertPrice(ctx, price, overwrite)
	if err != nil {
		b.logger.Error("store price failed",
			zap.String("resource", res.Slug),
			zap.Int64("timestamp", price.Timestamp),
			zap.Error(err),
		)
		b.metrics.UnitFailed(res.Slug)
		return fmt.Errorf("store price: %w", err)
	}
	if written {
		b.metrics.UnitIngested(res.Slug)
	}
	b.logger.Debug("price stored",
		zap.String("resource", res.Slug),
		zap.Uint64("unit", price.BlockNumber),
		zap.Int64("timestamp", price.Timestamp),
		zap.String("value", price.Value),
		zap.Bool("written", written),
	)
	return nil
}

// resolveEnd returns end, or now when end is zero.
func resolveEnd(end int64) int64 {
	if end == 0 {
		return time.Now().Unix()
	}
	return end
}

// backfillResolved runs a range backfill for adapters implementing
// UnitResolver.
func (b *base) backfillResolved(ctx context.Context, r UnitResolver, res model.Resource, start, end int64, overwrite bool, fetch fetchFunc) (bool, error) {
	from, to, err := r.UnitRange(ctx, start, end)
	if err != nil {
		if errors.Is(err, errNoUnits) {
			b.logger.Info("no units in range", zap.String("resource", res.Slug), zap.Int64("start", start), zap.Int64("end", end))
			return false, nil
		}
		return false, fmt.Errorf("resolve unit range: %w", err)
	}
	b.logger.Info("backfill start",
		zap.String("resource", res.Slug),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Bool("overwrite", overwrite),
	)
	return b.processRange(ctx, res, from, to, overwrite, fetch)
}

// backfillList runs a list backfill. Units are always refetched.
func (b *base) backfillList(ctx context.Context, res model.Resource, units []uint64, fetch fetchFunc) (bool, error) {
	b.logger.Info("backfill list", zap.String("resource", res.Slug), zap.Int("units", len(units)))
	if err := b.processUnits(ctx, res, units, true, fetch); err != nil {
		return false, err
	}
	return true, nil
}
