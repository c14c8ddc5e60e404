package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-flow/internal/decompose"
	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/logger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// Actor - проверенная внешним слоем личность вызывающего.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// LedgerBridge - вызовы контракта эскроу. Каждый блокирует до подтверждения.
type LedgerBridge interface {
	Fund(ctx context.Context, key ledger.Key, taskRef string, amount valueobject.Amount) (ledger.Receipt, error)
	Release(ctx context.Context, key ledger.Key, taskRef string, subunitIndex int, recipient uuid.UUID, amount valueobject.Amount) (ledger.Receipt, error)
	Complete(ctx context.Context, key ledger.Key, taskRef string) (ledger.Receipt, error)
	RaiseDispute(ctx context.Context, key ledger.Key, taskRef string) (ledger.Receipt, error)
	ResolveDispute(ctx context.Context, key ledger.Key, taskRef string, winner uuid.UUID, amount valueobject.Amount) (ledger.Receipt, error)
	ReconcilePending(ctx context.Context, limit int) (int, error)
	ReleaseState(ctx context.Context, key ledger.Key) (*ledger.Operation, error)
}

// LeaseIndex - индекс аренд по сроку истечения.
type LeaseIndex interface {
	Grant(subunitID, holderID uuid.UUID, expiresAt time.Time)
	Clear(subunitID uuid.UUID)
	SweepExpired(now time.Time) []uuid.UUID
}

type BlobStore interface {
	Put(ctx context.Context, filename string, data []byte) (*entity.Artifact, error)
}

type EventPublisher interface {
	Publish(recipients []uuid.UUID, event entity.Event)
}

// Policy - настраиваемые правила процесса.
type Policy struct {
	LeaseDuration           time.Duration
	AllowReclaimAfterReject bool
}

type Engine struct {
	store     repository.WorkflowStore
	ledger    LedgerBridge
	leases    LeaseIndex
	generator decompose.Generator
	blobs     BlobStore
	publisher EventPublisher
	policy    Policy
	locks     *keyedMutex
	now       func() time.Time
	log       *logrus.Entry
}

func NewEngine(store repository.WorkflowStore, bridge LedgerBridge, leases LeaseIndex, policy Policy) *Engine {
	if policy.LeaseDuration <= 0 {
		policy.LeaseDuration = 48 * time.Hour
	}
	return &Engine{
		store:  store,
		ledger: bridge,
		leases: leases,
		policy: policy,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.WithComponent("workflow"),
	}
}

func (e *Engine) SetGenerator(g decompose.Generator) { e.generator = g }

func (e *Engine) SetBlobStore(b BlobStore) { e.blobs = b }

func (e *Engine) SetPublisher(p EventPublisher) { e.publisher = p }

// SetClock подменяет часы, используется в тестах и CLI.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Policy() Policy { return e.policy }

// commit применяет изменения и рассылает события подписчикам задачи.
func (e *Engine) commit(ctx context.Context, m repository.Mutation, recipients ...uuid.UUID) error {
	if err := e.store.Commit(ctx, m); err != nil {
		return err
	}
	if e.publisher != nil {
		for _, ev := range m.Events {
			e.publisher.Publish(recipients, ev)
		}
	}
	return nil
}

func recipientsOf(task *entity.Task, subs ...*entity.Subunit) []uuid.UUID {
	out := []uuid.UUID{task.OwnerID}
	seen := map[uuid.UUID]bool{task.OwnerID: true}
	for _, s := range subs {
		if s == nil {
			continue
		}
		for _, sh := range s.Shares {
			if !seen[sh.UserID] {
				seen[sh.UserID] = true
				out = append(out, sh.UserID)
			}
		}
		if s.HolderID != nil && !seen[*s.HolderID] {
			seen[*s.HolderID] = true
			out = append(out, *s.HolderID)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// aggregateStatus вычисляет статус задачи по статусам подзадач. Результат не зависит от порядка их завершения.
func aggregateStatus(current valueobject.TaskStatus, subs []*entity.Subunit) valueobject.TaskStatus {
	switch current {
	case valueobject.TaskStatusDecomposed, valueobject.TaskStatusActive,
		valueobject.TaskStatusInReview, valueobject.TaskStatusDisputed:
	default:
		return current
	}
	if len(subs) == 0 {
		return current
	}

	var disputed, settled, submitted, touched int
	for _, s := range subs {
		switch {
		case s.Status == valueobject.SubunitStatusDisputed:
			disputed++
		case s.Status.IsSettled():
			settled++
		case s.Status == valueobject.SubunitStatusSubmitted:
			submitted++
		}
		if s.Epoch > 0 {
			touched++
		}
	}

	switch {
	case disputed > 0:
		return valueobject.TaskStatusDisputed
	case settled == len(subs):
		return valueobject.TaskStatusCompleted
	case submitted > 0 && settled+submitted == len(subs):
		return valueobject.TaskStatusInReview
	case current == valueobject.TaskStatusDecomposed && touched == 0:
		return valueobject.TaskStatusDecomposed
	default:
		return valueobject.TaskStatusActive
	}
}

const aggregateAttempts = 3

// aggregate пересчитывает статус задачи после изменения подзадачи.
// При завершении сначала подтверждается complete в реестре, затем меняется статус.
func (e *Engine) aggregate(ctx context.Context, taskID uuid.UUID, actor *uuid.UUID) error {
	unlock := e.locks.Lock(taskKey(taskID))
	defer unlock()

	var err error
	for i := 0; i < aggregateAttempts; i++ {
		err = e.aggregateOnce(ctx, taskID, actor)
		if !errors.Is(err, apperror.ErrStaleState) {
			return err
		}
	}
	return err
}

func (e *Engine) aggregateOnce(ctx context.Context, taskID uuid.UUID, actor *uuid.UUID) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	subs, err := e.store.ListSubunits(ctx, taskID)
	if err != nil {
		return err
	}

	next := aggregateStatus(task.Status, subs)
	if next == task.Status {
		return nil
	}

	prev := task.Status
	var completeRef string
	if next == valueobject.TaskStatusCompleted && task.IsEscrowed() {
		r, err := e.ledger.Complete(ctx, ledger.Key{TaskID: task.ID}, task.LedgerRef())
		if err != nil {
			return err
		}
		completeRef = r.TxRef
	}

	now := e.now()
	if err := task.TransitionTo(next, now); err != nil {
		return err
	}
	payload := map[string]any{"from": string(prev), "to": string(next)}
	if completeRef != "" {
		payload["ledger_ref"] = completeRef
	}
	ev := entity.NewEvent(task.ID, nil, actor, entity.EventTaskStatusChanged, payload, now)
	if err := e.commit(ctx, repository.Mutation{UpdateTask: task, Events: []entity.Event{ev}}, recipientsOf(task, subs...)...); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{"task_id": task.ID, "from": prev, "to": next}).Info("Статус задачи пересчитан")
	return nil
}

// settle пересчитывает задачу после изменения подзадачи.
// Изменение подзадачи уже сохранено, поэтому ошибка только логируется; задачу дотянет ReconcileTasks.
func (e *Engine) settle(ctx context.Context, taskID uuid.UUID, actor *uuid.UUID) {
	if err := e.aggregate(ctx, taskID, actor); err != nil {
		e.log.WithError(err).WithField("task_id", taskID).Error("Не удалось пересчитать статус задачи")
	}
}

// ReconcileTasks пересчитывает статусы незавершённых задач, например после неподтверждённого complete.
func (e *Engine) ReconcileTasks(ctx context.Context) (int, error) {
	changed := 0
	for _, st := range []valueobject.TaskStatus{
		valueobject.TaskStatusActive, valueobject.TaskStatusInReview, valueobject.TaskStatusDisputed,
	} {
		st := st
		tasks, _, err := e.store.ListTasks(ctx, repository.TaskFilter{Status: &st})
		if err != nil {
			return changed, err
		}
		for _, t := range tasks {
			before := t.Status
			if err := e.aggregate(ctx, t.ID, nil); err != nil {
				e.log.WithError(err).WithField("task_id", t.ID).Warn("Задача не пересчитана")
				continue
			}
			after, err := e.store.GetTask(ctx, t.ID)
			if err == nil && after.Status != before {
				changed++
			}
		}
	}
	return changed, nil
}

// ReconcileLedger дотягивает неподтверждённые операции реестра, затем пересчитывает задачи.
func (e *Engine) ReconcileLedger(ctx context.Context, limit int) (int, error) {
	n, err := e.ledger.ReconcilePending(ctx, limit)
	if err != nil {
		return n, err
	}
	if _, err := e.ReconcileTasks(ctx); err != nil {
		return n, err
	}
	return n, nil
}

func (e *Engine) ensureOwnerOrAdmin(task *entity.Task, actor Actor) error {
	if actor.Admin || task.IsOwnedBy(actor.ID) {
		return nil
	}
	return apperror.ErrNotAuthorized
}
