package workflow

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-flow/internal/decompose"
	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

type CreateTaskInput struct {
	Title       string
	Description string
	Budget      valueobject.Amount
}

type FundTaskInput struct {
	// LedgerTxRef - ссылка на уже проведённое пополнение. Если пусто, эскроу пополняется через реестр.
	LedgerTxRef string
}

// SubunitSpec - подзадача во входе разбиения. Budget имеет приоритет над BudgetPercent.
type SubunitSpec struct {
	Title              string
	Description        string
	Type               string
	BudgetPercent      int
	Budget             valueobject.Amount
	EstimatedHours     float64
	AcceptanceCriteria []string
}

type DecomposeTaskInput struct {
	Subunits []SubunitSpec
	// Context передаётся генератору, если Subunits пуст.
	Context string
}

func (e *Engine) CreateTask(ctx context.Context, actor Actor, input CreateTaskInput) (*entity.Task, error) {
	now := e.now()
	task, err := entity.NewTask(actor.ID, input.Title, input.Description, input.Budget, now)
	if err != nil {
		return nil, err
	}

	ev := entity.NewEvent(task.ID, nil, &actor.ID, entity.EventTaskCreated, map[string]any{"budget": task.Budget.String()}, now)
	if err := e.commit(ctx, repository.Mutation{CreateTask: task, Events: []entity.Event{ev}}, task.OwnerID); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask скрывает черновики от всех, кроме владельца и администратора.
func (e *Engine) GetTask(ctx context.Context, actor Actor, taskID uuid.UUID) (*entity.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == valueobject.TaskStatusDraft && !actor.Admin && !task.IsOwnedBy(actor.ID) {
		return nil, apperror.ErrTaskNotFound
	}
	return task, nil
}

// ListTasks показывает администратору все черновики, остальным только свои.
func (e *Engine) ListTasks(ctx context.Context, actor Actor, filter repository.TaskFilter) ([]*entity.Task, int, error) {
	filter.Viewer = nil
	filter.IncludeDrafts = actor.Admin
	if !actor.Admin {
		filter.Viewer = &actor.ID
	}
	return e.store.ListTasks(ctx, filter)
}

func (e *Engine) FundTask(ctx context.Context, actor Actor, taskID uuid.UUID, input FundTaskInput) (*entity.Task, error) {
	unlock := e.locks.Lock(taskKey(taskID))
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureOwnerOrAdmin(task, actor); err != nil {
		return nil, err
	}
	if task.Status != valueobject.TaskStatusDraft {
		return nil, apperror.ErrAlreadyFunded
	}

	ref := strings.TrimSpace(input.LedgerTxRef)
	if ref == "" {
		r, err := e.ledger.Fund(ctx, ledger.Key{TaskID: task.ID}, task.LedgerRef(), task.Budget)
		if err != nil {
			return nil, err
		}
		ref = r.TxRef
	}

	now := e.now()
	if err := task.Fund(ref, now); err != nil {
		return nil, err
	}
	ev := entity.NewEvent(task.ID, nil, &actor.ID, entity.EventTaskFunded, map[string]any{"ledger_ref": ref}, now)
	if err := e.commit(ctx, repository.Mutation{UpdateTask: task, Events: []entity.Event{ev}}, task.OwnerID); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"task_id": task.ID, "ledger_ref": ref}).Info("Задача профинансирована")
	return task, nil
}

// DecomposeTask создаёт подзадачи одной транзакцией. Сумма бюджетов не может превысить нераспределённый остаток.
func (e *Engine) DecomposeTask(ctx context.Context, actor Actor, taskID uuid.UUID, input DecomposeTaskInput) ([]*entity.Subunit, error) {
	specs := input.Subunits
	if len(specs) == 0 {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := e.ensureOwnerOrAdmin(task, actor); err != nil {
			return nil, err
		}
		if !task.CanDecompose() {
			return nil, apperror.ErrInvalidTransition.WithMessage("разбить можно только профинансированную задачу")
		}
		if specs, err = e.generate(ctx, task, input.Context); err != nil {
			return nil, err
		}
	}

	unlock := e.locks.Lock(taskKey(taskID))
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureOwnerOrAdmin(task, actor); err != nil {
		return nil, err
	}
	if !task.CanDecompose() {
		return nil, apperror.ErrInvalidTransition.WithMessage("разбить можно только профинансированную задачу")
	}

	existing, err := e.store.ListSubunits(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	subunits := make([]*entity.Subunit, 0, len(specs))
	var total valueobject.Amount
	for i, spec := range specs {
		budget := spec.Budget
		if budget == 0 {
			if spec.BudgetPercent <= 0 || spec.BudgetPercent > 100 {
				return nil, apperror.New(apperror.ErrCodeValidation, "процент бюджета подзадачи должен быть от 1 до 100")
			}
			budget = task.Budget.PercentOf(spec.BudgetPercent)
		}
		su, err := entity.NewSubunit(task.ID, len(existing)+i+1, entity.SubunitDraft{
			Title:              spec.Title,
			Description:        spec.Description,
			Type:               spec.Type,
			BudgetPercent:      spec.BudgetPercent,
			Budget:             budget,
			EstimatedHours:     spec.EstimatedHours,
			AcceptanceCriteria: spec.AcceptanceCriteria,
		}, now)
		if err != nil {
			return nil, err
		}
		total += budget
		if total > task.Remaining() {
			return nil, apperror.ErrBudgetOverflow
		}
		subunits = append(subunits, su)
	}

	if err := task.Allocate(total, now); err != nil {
		return nil, err
	}
	ev := entity.NewEvent(task.ID, nil, &actor.ID, entity.EventTaskDecomposed, map[string]any{
		"subunits":  len(subunits),
		"allocated": total.String(),
	}, now)
	m := repository.Mutation{UpdateTask: task, CreateSubunits: subunits, Events: []entity.Event{ev}}
	if err := e.commit(ctx, m, task.OwnerID); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"task_id": task.ID, "subunits": len(subunits), "allocated": total}).Info("Задача разбита на подзадачи")
	return subunits, nil
}

func (e *Engine) generate(ctx context.Context, task *entity.Task, extra string) ([]SubunitSpec, error) {
	if e.generator == nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "список подзадач пуст, генератор не настроен")
	}
	proposals, err := e.generator.Decompose(ctx, decompose.Request{Title: task.Title, Description: task.Description, Context: extra})
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось получить разбиение от генератора")
	}
	specs := make([]SubunitSpec, 0, len(proposals))
	for _, p := range proposals {
		specs = append(specs, SubunitSpec{
			Title:              p.Title,
			Description:        p.Description,
			Type:               p.Type,
			BudgetPercent:      p.BudgetPercent,
			EstimatedHours:     p.EstimatedHours,
			AcceptanceCriteria: p.AcceptanceCriteria,
		})
	}
	return specs, nil
}

func (e *Engine) ListSubunits(ctx context.Context, actor Actor, taskID uuid.UUID) ([]*entity.Subunit, error) {
	if _, err := e.GetTask(ctx, actor, taskID); err != nil {
		return nil, err
	}
	return e.store.ListSubunits(ctx, taskID)
}

func (e *Engine) ListEvents(ctx context.Context, actor Actor, taskID uuid.UUID, limit int) ([]entity.Event, error) {
	if _, err := e.GetTask(ctx, actor, taskID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, taskID, limit)
}

// CancelTask разрешена из черновика или пока ни одна подзадача не захвачена. Эскроу возвращается заказчику.
func (e *Engine) CancelTask(ctx context.Context, actor Actor, taskID uuid.UUID) (*entity.Task, error) {
	unlock := e.locks.Lock(taskKey(taskID))
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureOwnerOrAdmin(task, actor); err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(valueobject.TaskStatusCancelled) {
		return nil, apperror.ErrInvalidTransition.WithMessage("задачу нельзя отменить в текущем статусе")
	}

	subs, err := e.store.ListSubunits(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		if s.Status != valueobject.SubunitStatusOpen || s.Epoch > 0 {
			return nil, apperror.ErrInvalidTransition.WithMessage("по задаче уже есть захваченные подзадачи")
		}
	}

	payload := map[string]any{}
	if task.IsEscrowed() {
		r, err := e.ledger.Complete(ctx, ledger.Key{TaskID: task.ID}, task.LedgerRef())
		if err != nil {
			return nil, err
		}
		payload["refund_ref"] = r.TxRef
	}

	now := e.now()
	if err := task.Cancel(now); err != nil {
		return nil, err
	}
	ev := entity.NewEvent(task.ID, nil, &actor.ID, entity.EventTaskCancelled, payload, now)
	if err := e.commit(ctx, repository.Mutation{UpdateTask: task, Events: []entity.Event{ev}}, task.OwnerID); err != nil {
		return nil, err
	}

	e.log.WithField("task_id", task.ID).Info("Задача отменена")
	return task, nil
}
