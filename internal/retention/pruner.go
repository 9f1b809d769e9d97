// Package retention trims the append-only comment log on a schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/bcpmarket/market-engine/internal/metrics"
	"github.com/bcpmarket/market-engine/internal/store"
)

// Pruner keeps the newest Keep comments of every market.
type Pruner struct {
	store   store.Store
	keep    int
	cron    *cron.Cron
	baseCtx context.Context
}

// New creates a pruner. keep == 0 disables it: Start becomes a no-op.
func New(baseCtx context.Context, st store.Store, keep int) *Pruner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Pruner{
		store:   st,
		keep:    keep,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		baseCtx: baseCtx,
	}
}

// Enabled reports whether a retention limit is configured.
func (p *Pruner) Enabled() bool { return p.keep > 0 }

// PruneOnce deletes comments beyond the limit and returns how many went.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	if !p.Enabled() {
		return 0, nil
	}
	n, err := p.store.PruneComments(ctx, p.keep)
	if err != nil {
		return 0, fmt.Errorf("prune comments: %w", err)
	}
	metrics.CommentsPruned.Add(float64(n))
	return n, nil
}

// Start schedules PruneOnce with a standard cron spec ("@hourly",
// "0 3 * * *").
func (p *Pruner) Start(spec string) error {
	if !p.Enabled() {
		slog.Info("comment retention disabled")
		return nil
	}
	_, err := p.cron.AddFunc(spec, func() {
		n, err := p.PruneOnce(p.baseCtx)
		if err != nil {
			slog.Error("comment retention failed", "err", err)
			return
		}
		if n > 0 {
			slog.Info("comments pruned", "deleted", n, "keep_per_market", p.keep)
		}
	})
	if err != nil {
		return fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	p.cron.Start()
	slog.Info("comment retention started", "schedule", spec, "keep_per_market", p.keep)
	return nil
}

// Stop waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}
