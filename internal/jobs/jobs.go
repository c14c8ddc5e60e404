package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-flow/internal/goroutine"
	"github.com/ignatzorin/escrow-flow/internal/logger"
)

// Сколько зависших операций реестра разбирается за один проход.
const reconcileBatch = 100

// Maintainer - фоновые операции движка.
type Maintainer interface {
	SweepExpiredLeases(ctx context.Context) (int, error)
	ReconcileLedger(ctx context.Context, limit int) (int, error)
	ReconcileTasks(ctx context.Context) (int, error)
}

type LeaseSweepArgs struct{}

func (LeaseSweepArgs) Kind() string { return "lease_sweep" }

type LedgerReconcileArgs struct {
	Limit int `json:"limit"`
}

func (LedgerReconcileArgs) Kind() string { return "ledger_reconcile" }

// LeaseSweepWorker возвращает в пул подзадачи с истёкшей арендой.
type LeaseSweepWorker struct {
	river.WorkerDefaults[LeaseSweepArgs]
	m Maintainer
}

func NewLeaseSweepWorker(m Maintainer) *LeaseSweepWorker {
	return &LeaseSweepWorker{m: m}
}

func (w *LeaseSweepWorker) Work(ctx context.Context, _ *river.Job[LeaseSweepArgs]) error {
	if _, err := w.m.SweepExpiredLeases(ctx); err != nil {
		return fmt.Errorf("lease sweep: %w", err)
	}
	return nil
}

// LedgerReconcileWorker дозапрашивает статус зависших операций реестра
// и пересчитывает статусы задач, чьё обновление не успело примениться.
type LedgerReconcileWorker struct {
	river.WorkerDefaults[LedgerReconcileArgs]
	m Maintainer
}

func NewLedgerReconcileWorker(m Maintainer) *LedgerReconcileWorker {
	return &LedgerReconcileWorker{m: m}
}

func (w *LedgerReconcileWorker) Work(ctx context.Context, job *river.Job[LedgerReconcileArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = reconcileBatch
	}
	if _, err := w.m.ReconcileLedger(ctx, limit); err != nil {
		return fmt.Errorf("ledger reconcile: %w", err)
	}
	if _, err := w.m.ReconcileTasks(ctx); err != nil {
		return fmt.Errorf("task reconcile: %w", err)
	}
	return nil
}

// Migrate применяет миграции таблиц river.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// PeriodicJobs - расписание фоновых задач.
func PeriodicJobs(sweepEvery, reconcileEvery time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepEvery),
			func() (river.JobArgs, *river.InsertOpts) { return LeaseSweepArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(reconcileEvery),
			func() (river.JobArgs, *river.InsertOpts) {
				return LedgerReconcileArgs{Limit: reconcileBatch}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// NewClient создаёт клиента river с воркерами обслуживания.
func NewClient(pool *pgxpool.Pool, m Maintainer, sweepEvery, reconcileEvery time.Duration) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewLeaseSweepWorker(m))
	river.AddWorker(workers, NewLedgerReconcileWorker(m))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers:      workers,
		PeriodicJobs: PeriodicJobs(sweepEvery, reconcileEvery),
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	return client, nil
}

// StartTicker запускает обслуживание на таймерах, когда river отключён.
func StartTicker(ctx context.Context, m Maintainer, sweepEvery, reconcileEvery time.Duration) {
	log := logger.WithComponent("jobs")
	goroutine.SafeGoWithContext(ctx, func(ctx context.Context) {
		runTicker(ctx, log, m, sweepEvery, reconcileEvery)
	})
}

func runTicker(ctx context.Context, log *logrus.Entry, m Maintainer, sweepEvery, reconcileEvery time.Duration) {
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := m.SweepExpiredLeases(ctx); err != nil {
				log.WithError(err).Warn("Проход по арендам завершился с ошибкой")
			}
		case <-reconcile.C:
			if _, err := m.ReconcileLedger(ctx, reconcileBatch); err != nil {
				log.WithError(err).Warn("Сверка с реестром завершилась с ошибкой")
			}
			if _, err := m.ReconcileTasks(ctx); err != nil {
				log.WithError(err).Warn("Пересчёт статусов задач завершился с ошибкой")
			}
		}
	}
}
