package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
)

// ExpireLease возвращает подзадачу в пул, если аренда истекла. В остальных случаях ничего не делает.
// Сданная подзадача не истекает никогда.
func (e *Engine) ExpireLease(ctx context.Context, subunitID uuid.UUID) (bool, error) {
	unlock := e.locks.Lock(subunitKey(subunitID))
	defer unlock()

	su, err := e.store.GetSubunit(ctx, subunitID)
	if err != nil {
		return false, err
	}
	now := e.now()
	if su.Status != valueobject.SubunitStatusLeased {
		e.leases.Clear(su.ID)
		return false, nil
	}
	if su.LeaseExpiresAt == nil || !now.After(*su.LeaseExpiresAt) {
		return false, nil
	}

	task, err := e.store.GetTask(ctx, su.TaskID)
	if err != nil {
		return false, err
	}
	recipients := recipientsOf(task, su)
	holder := su.HolderID

	if err := su.ExpireLease(now); err != nil {
		return false, err
	}
	ev := entity.NewEvent(su.TaskID, &su.ID, nil, entity.EventLeaseExpired, map[string]any{
		"holder_id": holder,
		"epoch":     su.Epoch,
	}, now)
	if err := e.commit(ctx, repository.Mutation{UpdateSubunit: su, Events: []entity.Event{ev}}, recipients...); err != nil {
		return false, err
	}
	e.leases.Clear(su.ID)
	e.settle(ctx, su.TaskID, nil)
	return true, nil
}

// SweepExpiredLeases снимает истёкшие аренды. Кандидаты берутся из локального индекса и из хранилища:
// аренду мог выдать другой экземпляр сервиса. Ошибки по отдельным подзадачам только логируются,
// подзадача будет повторена в следующем цикле.
func (e *Engine) SweepExpiredLeases(ctx context.Context) (int, error) {
	now := e.now()
	candidates := e.leases.SweepExpired(now)

	stored, err := e.store.ListLeased(ctx, now)
	if err != nil {
		// Индекс уже отдал свои записи, поэтому обходим хотя бы их.
		e.log.WithError(err).Warn("Не удалось получить занятые подзадачи из хранилища")
	}
	seen := make(map[uuid.UUID]struct{}, len(candidates)+len(stored))
	for _, id := range candidates {
		seen[id] = struct{}{}
	}
	for _, su := range stored {
		if _, ok := seen[su.ID]; !ok {
			seen[su.ID] = struct{}{}
			candidates = append(candidates, su.ID)
		}
	}

	expired := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := e.ExpireLease(ctx, id)
		if err != nil {
			e.log.WithError(err).WithField("subunit_id", id).Warn("Не удалось снять истёкшую аренду")
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		e.log.WithField("expired", expired).Info("Истёкшие аренды сняты")
	}
	return expired, nil
}

// RehydrateLeases заполняет индекс аренд из хранилища, вызывается при старте.
func (e *Engine) RehydrateLeases(ctx context.Context) (int, error) {
	leased, err := e.store.ListLeased(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, su := range leased {
		if su.HolderID == nil || su.LeaseExpiresAt == nil {
			continue
		}
		e.leases.Grant(su.ID, *su.HolderID, *su.LeaseExpiresAt)
		n++
	}
	return n, nil
}
