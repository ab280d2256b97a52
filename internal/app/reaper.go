package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/labtasker/internal/events"
	"github.com/fairyhunter13/labtasker/internal/usecase"
)

// Reaper periodically expires stale leases and prunes idle event
// subscribers. One reaper per server process; concurrent reapers are
// safe but redundant.
type Reaper struct {
	dispatch *usecase.DispatchService
	bus      *events.Bus
	interval time.Duration
	subTTL   time.Duration
}

// NewReaper builds a Reaper sweeping every interval and dropping event
// subscribers idle longer than subTTL.
func NewReaper(dispatch *usecase.DispatchService, bus *events.Bus, interval, subTTL time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if subTTL <= 0 {
		subTTL = 10 * time.Minute
	}
	return &Reaper{dispatch: dispatch, bus: bus, interval: interval, subTTL: subTTL}
}

// Run blocks sweeping until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.sweepOnce")
	defer span.End()

	expired, err := r.dispatch.ReapExpired(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("reaper sweep failed", slog.Any("error", err))
		return
	}
	if len(expired) > 0 {
		slog.Info("reaper expired leases", slog.Int("count", len(expired)))
	}
	pruned := r.bus.PruneIdle(r.subTTL)
	if pruned > 0 {
		slog.Info("pruned idle event subscribers", slog.Int("count", pruned))
	}
	span.SetAttributes(
		attribute.Int("reaper.expired", len(expired)),
		attribute.Int("reaper.pruned_subscribers", pruned),
	)
}
