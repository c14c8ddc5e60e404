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
	"github.com/ignatzorin/escrow-flow/internal/split"
)

// ClaimInput - соисполнители и проценты. Splits[0] - доля самого исполнителя, далее по порядку Collaborators.
type ClaimInput struct {
	Collaborators []uuid.UUID
	Splits        []int
}

type ArtifactUpload struct {
	Filename string
	Data     []byte
}

type SubmitInput struct {
	Summary  string
	Artifact *ArtifactUpload
}

type ReviewInput struct {
	Decision valueobject.ReviewDecision
	Notes    string
}

func (in ClaimInput) shares(holder uuid.UUID) ([]split.Share, error) {
	if len(in.Collaborators) == 0 && len(in.Splits) == 0 {
		return nil, nil
	}
	if len(in.Splits) != len(in.Collaborators)+1 {
		return nil, apperror.ErrSplitInvalid.WithMessage("число долей должно быть на одну больше числа соисполнителей")
	}
	shares := make([]split.Share, 0, len(in.Splits))
	shares = append(shares, split.Share{UserID: holder, Percent: in.Splits[0]})
	for i, c := range in.Collaborators {
		shares = append(shares, split.Share{UserID: c, Percent: in.Splits[i+1]})
	}
	return shares, nil
}

func claimable(status valueobject.TaskStatus) bool {
	switch status {
	case valueobject.TaskStatusDecomposed, valueobject.TaskStatusActive,
		valueobject.TaskStatusInReview, valueobject.TaskStatusDisputed:
		return true
	}
	return false
}

func (e *Engine) GetSubunit(ctx context.Context, subunitID uuid.UUID) (*entity.Subunit, error) {
	return e.store.GetSubunit(ctx, subunitID)
}

// SearchSubunits ищет подзадачи по всем задачам, например свободные для захвата.
func (e *Engine) SearchSubunits(ctx context.Context, filter repository.SubunitFilter) ([]*entity.Subunit, int, error) {
	return e.store.SearchSubunits(ctx, filter)
}

// Claim выдаёт аренду. Одновременные захваты одной подзадачи сериализуются, успешен ровно один.
func (e *Engine) Claim(ctx context.Context, actor Actor, subunitID uuid.UUID, input ClaimInput) (*entity.Subunit, error) {
	shares, err := input.shares(actor.ID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(subunitKey(subunitID))
	defer unlock()

	su, err := e.store.GetSubunit(ctx, subunitID)
	if err != nil {
		return nil, err
	}

	// Задача блокируется, чтобы захват не прошёл параллельно с отменой.
	unlockTask := e.locks.Lock(taskKey(su.TaskID))
	defer unlockTask()

	task, err := e.store.GetTask(ctx, su.TaskID)
	if err != nil {
		return nil, err
	}
	if !claimable(task.Status) {
		return nil, apperror.ErrInvalidTransition.WithMessage("задача недоступна для работы")
	}

	now := e.now()
	if err := su.Claim(actor.ID, shares, e.policy.LeaseDuration, e.policy.AllowReclaimAfterReject, now); err != nil {
		return nil, err
	}

	events := []entity.Event{entity.NewEvent(task.ID, &su.ID, &actor.ID, entity.EventSubunitClaimed, map[string]any{
		"epoch":            su.Epoch,
		"lease_expires_at": su.LeaseExpiresAt,
		"shares":           su.Shares,
	}, now)}
	m := repository.Mutation{UpdateSubunit: su}
	if task.Status == valueobject.TaskStatusDecomposed {
		if err := task.TransitionTo(valueobject.TaskStatusActive, now); err != nil {
			return nil, err
		}
		m.UpdateTask = task
		events = append(events, entity.NewEvent(task.ID, nil, &actor.ID, entity.EventTaskStatusChanged, map[string]any{
			"from": string(valueobject.TaskStatusDecomposed), "to": string(valueobject.TaskStatusActive),
		}, now))
	}
	m.Events = events
	if err := e.commit(ctx, m, recipientsOf(task, su)...); err != nil {
		return nil, err
	}
	e.leases.Grant(su.ID, actor.ID, *su.LeaseExpiresAt)

	e.log.WithFields(logrus.Fields{"subunit_id": su.ID, "holder": actor.ID, "epoch": su.Epoch}).Info("Подзадача захвачена")
	return su, nil
}

// Unclaim - добровольный отказ держателя.
func (e *Engine) Unclaim(ctx context.Context, actor Actor, subunitID uuid.UUID) (*entity.Subunit, error) {
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
	recipients := recipientsOf(task, su)

	now := e.now()
	if err := su.Release(actor.ID, now); err != nil {
		return nil, err
	}
	ev := entity.NewEvent(su.TaskID, &su.ID, &actor.ID, entity.EventSubunitReleased, nil, now)
	if err := e.commit(ctx, repository.Mutation{UpdateSubunit: su, Events: []entity.Event{ev}}, recipients...); err != nil {
		return nil, err
	}
	e.leases.Clear(su.ID)
	e.settle(ctx, su.TaskID, &actor.ID)
	return su, nil
}

// Submit создаёт сдачу на проверку. Артефакт сохраняется в хранилище, в сдаче остаётся только ссылка.
func (e *Engine) Submit(ctx context.Context, actor Actor, subunitID uuid.UUID, input SubmitInput) (*entity.Submission, error) {
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

	now := e.now()
	if err := su.Submit(actor.ID, now); err != nil {
		return nil, err
	}

	var artifact *entity.Artifact
	if input.Artifact != nil {
		if e.blobs == nil {
			return nil, apperror.New(apperror.ErrCodeValidation, "загрузка файлов не настроена")
		}
		artifact, err = e.blobs.Put(ctx, input.Artifact.Filename, input.Artifact.Data)
		if err != nil {
			return nil, err
		}
	}

	sub, err := entity.NewSubmission(su, actor.ID, input.Summary, artifact, now)
	if err != nil {
		return nil, err
	}
	ev := entity.NewEvent(su.TaskID, &su.ID, &actor.ID, entity.EventSubunitSubmitted, map[string]any{
		"submission_id": sub.ID,
		"content_ref":   sub.ContentRef,
	}, now)
	m := repository.Mutation{UpdateSubunit: su, SaveSubmission: sub, Events: []entity.Event{ev}}
	if err := e.commit(ctx, m, recipientsOf(task, su)...); err != nil {
		return nil, err
	}
	e.leases.Clear(su.ID)
	e.settle(ctx, su.TaskID, &actor.ID)

	e.log.WithFields(logrus.Fields{"subunit_id": su.ID, "submission_id": sub.ID}).Info("Работа сдана на проверку")
	return sub, nil
}

func (e *Engine) ListSubmissions(ctx context.Context, actor Actor, subunitID uuid.UUID) ([]*entity.Submission, error) {
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
	return e.store.ListSubmissions(ctx, subunitID)
}

// Review проверяет сдачу. Одобрение сохраняется только после подтверждения всех выплат реестром;
// при ошибке реестра состояние не меняется, а повтор использует те же ключи идемпотентности.
func (e *Engine) Review(ctx context.Context, actor Actor, subunitID uuid.UUID, input ReviewInput) (*entity.Submission, error) {
	if _, err := valueobject.NewReviewDecision(string(input.Decision)); err != nil {
		return nil, err
	}

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
	if err := e.ensureOwnerOrAdmin(task, actor); err != nil {
		return nil, err
	}
	if err := su.EnsureReviewable(); err != nil {
		return nil, err
	}
	pending, err := e.store.GetPendingSubmission(ctx, su.ID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, apperror.ErrNoPendingSubmission
	}

	recipients := recipientsOf(task, su)
	now := e.now()
	var ev entity.Event

	if input.Decision == valueobject.ReviewApprove {
		refs, err := e.releasePayouts(ctx, task, su)
		if err != nil {
			e.log.WithError(err).WithField("subunit_id", su.ID).Warn("Выплата не подтверждена, подзадача остаётся на проверке")
			return nil, err
		}
		if err := su.Approve(now); err != nil {
			return nil, err
		}
		if err := pending.Approve(actor.ID, input.Notes, refs, now); err != nil {
			return nil, err
		}
		ev = entity.NewEvent(su.TaskID, &su.ID, &actor.ID, entity.EventSubunitApproved, map[string]any{
			"submission_id": pending.ID,
			"payout_refs":   refs,
		}, now)
	} else {
		released, err := e.releasedAmount(ctx, task, su)
		if err != nil {
			return nil, err
		}
		if released > 0 {
			return nil, apperror.ErrLedgerUnconfirmed.WithMessage("часть выплат по подзадаче уже проведена реестром, повторите одобрение")
		}
		if err := su.Reject(now); err != nil {
			return nil, err
		}
		if err := pending.Reject(actor.ID, input.Notes, now); err != nil {
			return nil, err
		}
		ev = entity.NewEvent(su.TaskID, &su.ID, &actor.ID, entity.EventSubunitRejected, map[string]any{
			"submission_id": pending.ID,
		}, now)
	}

	m := repository.Mutation{UpdateSubunit: su, SaveSubmission: pending, Events: []entity.Event{ev}}
	if err := e.commit(ctx, m, recipients...); err != nil {
		return nil, err
	}
	e.leases.Clear(su.ID)
	e.settle(ctx, su.TaskID, &actor.ID)

	e.log.WithFields(logrus.Fields{"subunit_id": su.ID, "decision": input.Decision}).Info("Сдача проверена")
	return pending, nil
}

// releasePayouts выплачивает доли по очереди. Ключ каждой выплаты включает эпоху захвата и номер доли.
func (e *Engine) releasePayouts(ctx context.Context, task *entity.Task, su *entity.Subunit) ([]string, error) {
	payouts, err := payoutsOf(su)
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(payouts))
	for i, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		r, err := e.ledger.Release(ctx, releaseKey(task, su, i), task.LedgerRef(), su.Sequence, p.UserID, p.Amount)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r.TxRef)
	}
	return refs, nil
}

// releasedAmount суммирует выплаты текущей эпохи, подтверждённые реестром.
// Выплата, которую не удалось сверить, делает исход неизвестным: вернётся ErrLedgerUnconfirmed.
func (e *Engine) releasedAmount(ctx context.Context, task *entity.Task, su *entity.Subunit) (valueobject.Amount, error) {
	if len(su.Shares) == 0 && su.HolderID == nil {
		return 0, nil
	}
	payouts, err := payoutsOf(su)
	if err != nil {
		return 0, err
	}

	var released valueobject.Amount
	for i, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		op, err := e.ledger.ReleaseState(ctx, releaseKey(task, su, i))
		if err != nil {
			return 0, apperror.ErrLedgerUnconfirmed.WithCause(err)
		}
		if op == nil {
			continue
		}
		switch op.Status {
		case ledger.StatusConfirmed:
			released += op.Amount
		case ledger.StatusPending:
			e.log.WithFields(logrus.Fields{"subunit_id": su.ID, "idempotency_key": op.Key}).Warn("Выплата по подзадаче не сверена с реестром")
			return 0, apperror.ErrLedgerUnconfirmed.WithMessage("выплата по подзадаче ещё не сверена с реестром")
		}
	}
	return released, nil
}

func payoutsOf(su *entity.Subunit) ([]split.Payout, error) {
	shares := su.Shares
	if len(shares) == 0 && su.HolderID != nil {
		shares = split.Sole(*su.HolderID)
	}
	return split.Compute(su.Budget, shares)
}

func releaseKey(task *entity.Task, su *entity.Subunit, seq int) ledger.Key {
	return ledger.Key{TaskID: task.ID, SubunitID: su.ID, Epoch: su.Epoch, Seq: seq}
}
