package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

type RaiseDisputeInput struct {
	Reason string
}

type ResolveDisputeInput struct {
	WinnerID   uuid.UUID
	Amount     valueobject.Amount
	Resolution string
}

// RaiseDispute замораживает средства в реестре и переводит подзадачу в спор.
// Открыть спор может заказчик, участник подзадачи или администратор.
func (e *Engine) RaiseDispute(ctx context.Context, actor Actor, subunitID uuid.UUID, input RaiseDisputeInput) (*entity.Dispute, error) {
	unlock := e.locks.Lock(subunitKey(subunitID))
	defer unlock()

	su, err := e.store.GetSubunit(ctx, subunitID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, su.TaskID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !task.IsOwnedBy(actor.ID) && !su.IsParticipant(actor.ID) {
		return nil, apperror.ErrNotAuthorized
	}

	// Спор по подзадаче с несверенной выплатой мог бы разрешиться поверх уже проведённых средств.
	if _, err := e.releasedAmount(ctx, task, su); err != nil {
		return nil, err
	}

	now := e.now()
	if err := su.OpenDispute(now); err != nil {
		return nil, err
	}
	dispute, err := entity.NewDispute(su, actor.ID, input.Reason, "", now)
	if err != nil {
		return nil, err
	}

	r, err := e.ledger.RaiseDispute(ctx, ledger.Key{TaskID: task.ID, SubunitID: su.ID, Epoch: su.Epoch}, task.LedgerRef())
	if err != nil {
		return nil, err
	}
	dispute.LedgerRef = ptr(r.TxRef)

	ev := entity.NewEvent(su.TaskID, &su.ID, &actor.ID, entity.EventDisputeRaised, map[string]any{
		"dispute_id": dispute.ID,
		"reason":     dispute.Reason,
		"ledger_ref": r.TxRef,
	}, now)
	m := repository.Mutation{UpdateSubunit: su, SaveDispute: dispute, Events: []entity.Event{ev}}
	if err := e.commit(ctx, m, recipientsOf(task, su)...); err != nil {
		return nil, err
	}
	e.leases.Clear(su.ID)
	e.settle(ctx, su.TaskID, &actor.ID)

	e.log.WithFields(logrus.Fields{"subunit_id": su.ID, "dispute_id": dispute.ID}).Warn("Открыт спор")
	return dispute, nil
}

// ResolveDispute применяет решение администратора. Исход вычисляется по победителю:
// участник подзадачи - одобрено по спору, иначе отклонено по спору.
func (e *Engine) ResolveDispute(ctx context.Context, actor Actor, disputeID uuid.UUID, input ResolveDisputeInput) (*entity.Dispute, error) {
	if !actor.Admin {
		return nil, apperror.ErrNotAuthorized
	}

	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(subunitKey(d.SubunitID))
	defer unlock()

	// Перечитываем под блокировкой: спор мог быть закрыт параллельно.
	d, err = e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	su, err := e.store.GetSubunit(ctx, d.SubunitID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, su.TaskID)
	if err != nil {
		return nil, err
	}
	// Подтверждённые выплаты текущей эпохи уже ушли из эскроу, решение распределяет только остаток.
	released, err := e.releasedAmount(ctx, task, su)
	if err != nil {
		return nil, err
	}
	if err := d.EnsureResolvable(input.Amount, su.Budget-released); err != nil {
		return nil, err
	}

	outcome := valueobject.DisputeOutcomeFunder
	switch {
	case su.IsParticipant(input.WinnerID):
		outcome = valueobject.DisputeOutcomeWorker
	case task.IsOwnedBy(input.WinnerID):
	default:
		return nil, apperror.New(apperror.ErrCodeValidation, "победителем может быть только заказчик или участник подзадачи")
	}

	recipients := recipientsOf(task, su)
	r, err := e.ledger.ResolveDispute(ctx, ledger.Key{TaskID: task.ID, SubunitID: su.ID, Epoch: su.Epoch},
		task.LedgerRef(), input.WinnerID, input.Amount)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if err := d.Resolve(actor.ID, input.WinnerID, input.Amount, input.Resolution, now); err != nil {
		return nil, err
	}
	if err := su.Resolve(outcome, now); err != nil {
		return nil, err
	}
	ev := entity.NewEvent(su.TaskID, &su.ID, &actor.ID, entity.EventDisputeResolved, map[string]any{
		"dispute_id": d.ID,
		"winner_id":  input.WinnerID,
		"amount":     input.Amount.String(),
		"released":   released.String(),
		"outcome":    string(outcome),
		"ledger_ref": r.TxRef,
	}, now)
	m := repository.Mutation{UpdateSubunit: su, SaveDispute: d, Events: []entity.Event{ev}}
	if err := e.commit(ctx, m, recipients...); err != nil {
		return nil, err
	}
	e.settle(ctx, su.TaskID, &actor.ID)

	e.log.WithFields(logrus.Fields{"dispute_id": d.ID, "outcome": outcome}).Info("Спор разрешён")
	return d, nil
}

// GetDispute доступен администратору и участникам спора.
func (e *Engine) GetDispute(ctx context.Context, actor Actor, disputeID uuid.UUID) (*entity.Dispute, error) {
	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if actor.Admin || d.RaisedBy == actor.ID {
		return d, nil
	}
	su, err := e.store.GetSubunit(ctx, d.SubunitID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, d.TaskID)
	if err != nil {
		return nil, err
	}
	if task.IsOwnedBy(actor.ID) || su.IsParticipant(actor.ID) {
		return d, nil
	}
	return nil, apperror.ErrNotAuthorized
}

// GetSubunitDispute возвращает открытый спор по подзадаче заказчику, её участникам и администратору.
func (e *Engine) GetSubunitDispute(ctx context.Context, actor Actor, subunitID uuid.UUID) (*entity.Dispute, error) {
	su, err := e.store.GetSubunit(ctx, subunitID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, su.TaskID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !task.IsOwnedBy(actor.ID) && !su.IsParticipant(actor.ID) {
		return nil, apperror.ErrNotAuthorized
	}
	return e.store.GetOpenDisputeBySubunit(ctx, su.ID)
}

func (e *Engine) ListDisputes(ctx context.Context, actor Actor, filter repository.DisputeFilter) ([]*entity.Dispute, int, error) {
	if !actor.Admin {
		return nil, 0, apperror.ErrNotAuthorized
	}
	return e.store.ListDisputes(ctx, filter)
}
