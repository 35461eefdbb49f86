package execution

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/logger"
)

type ReconcileGenerationsArgs struct{}

func (ReconcileGenerationsArgs) Kind() string { return "reconcile_generations" }

func (ReconcileGenerationsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueGenerations, MaxAttempts: 1}
}

// ReconcileWorker refunds and fails generations whose deadline passed without
// a worker finishing them.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileGenerationsArgs]
	svc GenerationService
	log *zap.Logger
}

func NewReconcileWorker(svc GenerationService, log *zap.Logger) *ReconcileWorker {
	return &ReconcileWorker{svc: svc, log: logger.OrGlobal(log)}
}

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileGenerationsArgs]) error {
	n, err := w.svc.ReconcileExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("expired generations refunded", zap.Int("count", n))
	}
	return nil
}

// PeriodicJobs schedules the reconciliation sweep every interval.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReconcileGenerationsArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// Register adds both workers to workers.
func Register(workers *river.Workers, process *ProcessGenerationWorker, reconcile *ReconcileWorker) {
	river.AddWorker(workers, process)
	river.AddWorker(workers, reconcile)
}
