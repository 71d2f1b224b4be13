package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pariskq/backend/internal/service"
)

// Worker polls for pending emails and sweeps SLA deadlines on a fixed
// interval. One pass runs at a time; a slow pass simply delays the
// next tick.
type Worker struct {
	Ingestion *service.IngestionService
	Sla       *service.SlaTracker
	Interval  time.Duration
	BatchSize int
	Logger    zerolog.Logger
}

// Run blocks until ctx is cancelled. The first pass runs immediately
// so a restart does not wait a full interval to drain the backlog.
func (w *Worker) Run(ctx context.Context) {
	w.Logger.Info().
		Dur("interval", w.Interval).
		Int("batch_size", w.BatchSize).
		Msg("worker started")

	w.pass(ctx)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info().Msg("worker stopped")
			return
		case <-ticker.C:
			w.pass(ctx)
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	sum, err := w.Ingestion.ProcessBatch(ctx, w.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.Logger.Error().Err(err).Msg("ingestion pass failed")
	} else if sum.Fetched > 0 {
		w.Logger.Info().Int("fetched", sum.Fetched).Interface("counts", sum.Counts).Msg("ingestion pass")
	}

	breached, err := w.Sla.EvaluateBreaches(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.Logger.Error().Err(err).Msg("sla sweep failed")
	} else if breached > 0 {
		w.Logger.Warn().Int("breached", breached).Msg("sla sweep flagged deadlines")
	}
}
