package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/logger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// Operation - запись о вызове контракта, хранится локально по ключу идемпотентности.
type Operation struct {
	Key          string
	Method       Method
	TaskRef      string
	SubunitIndex int
	Recipient    string
	Amount       valueobject.Amount
	Status       Status
	TxRef        *string
	Attempts     int
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (o *Operation) call() Call {
	return Call{Key: o.Key, Method: o.Method, TaskRef: o.TaskRef, SubunitIndex: o.SubunitIndex, Recipient: o.Recipient, Amount: o.Amount}
}

// OperationStore хранит журнал операций реестра.
type OperationStore interface {
	GetOperation(ctx context.Context, key string) (*Operation, error)
	SaveOperation(ctx context.Context, op *Operation) error
	ListPendingOperations(ctx context.Context, limit int) ([]*Operation, error)
}

type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Bridge делает вызовы реестра блокирующими, идемпотентными и повторяемыми.
type Bridge struct {
	client Client
	store  OperationStore
	opts   Options
	group  singleflight.Group
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewBridge(client Client, store OperationStore, opts Options) *Bridge {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Bridge{
		client: client,
		store:  store,
		opts:   opts,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (b *Bridge) Fund(ctx context.Context, key Key, taskRef string, amount valueobject.Amount) (Receipt, error) {
	key.Method = MethodFund
	return b.Execute(ctx, Call{Key: key.String(), Method: MethodFund, TaskRef: taskRef, Amount: amount})
}

func (b *Bridge) Release(ctx context.Context, key Key, taskRef string, subunitIndex int, recipient uuid.UUID, amount valueobject.Amount) (Receipt, error) {
	key.Method = MethodRelease
	return b.Execute(ctx, Call{Key: key.String(), Method: MethodRelease, TaskRef: taskRef, SubunitIndex: subunitIndex, Recipient: recipient.String(), Amount: amount})
}

func (b *Bridge) Complete(ctx context.Context, key Key, taskRef string) (Receipt, error) {
	key.Method = MethodComplete
	return b.Execute(ctx, Call{Key: key.String(), Method: MethodComplete, TaskRef: taskRef})
}

func (b *Bridge) RaiseDispute(ctx context.Context, key Key, taskRef string) (Receipt, error) {
	key.Method = MethodRaiseDispute
	return b.Execute(ctx, Call{Key: key.String(), Method: MethodRaiseDispute, TaskRef: taskRef})
}

func (b *Bridge) ResolveDispute(ctx context.Context, key Key, taskRef string, winner uuid.UUID, amount valueobject.Amount) (Receipt, error) {
	key.Method = MethodResolveDispute
	return b.Execute(ctx, Call{Key: key.String(), Method: MethodResolveDispute, TaskRef: taskRef, Recipient: winner.String(), Amount: amount})
}

// Execute блокирует вызывающего до подтверждения. Любая ошибка, кроме nil,
// означает, что движение средств не подтверждено.
func (b *Bridge) Execute(ctx context.Context, call Call) (Receipt, error) {
	v, err, shared := b.group.Do(call.Key, func() (any, error) {
		return b.execute(ctx, call)
	})
	if shared {
		logger.Log.WithField("idempotency_key", call.Key).Debug("ledger: вызов объединён с уже выполняющимся")
	}
	if err != nil {
		return Receipt{}, err
	}
	return v.(Receipt), nil
}

func (b *Bridge) execute(ctx context.Context, call Call) (Receipt, error) {
	log := logger.Log.WithFields(logrus.Fields{
		"idempotency_key": call.Key,
		"method":          call.Method,
		"task_ref":        call.TaskRef,
	})

	op, err := b.store.GetOperation(ctx, call.Key)
	if err != nil {
		return Receipt{}, apperror.ErrLedgerUnconfirmed.WithCause(fmt.Errorf("ledger: журнал операций: %w", err))
	}
	if op != nil && op.Status == StatusConfirmed {
		return receiptOf(op), nil
	}

	now := b.now()
	if op == nil {
		op = &Operation{
			Key:          call.Key,
			Method:       call.Method,
			TaskRef:      call.TaskRef,
			SubunitIndex: call.SubunitIndex,
			Recipient:    call.Recipient,
			Amount:       call.Amount,
			CreatedAt:    now,
		}
	} else if r, lerr := b.lookup(ctx, call.Key); lerr == nil && r.Status == StatusConfirmed {
		// Прошлый вызов дошёл до реестра, но подтверждение не было записано.
		return b.confirm(ctx, op, r)
	}
	op.Status = StatusPending
	op.UpdatedAt = now
	if err := b.store.SaveOperation(ctx, op); err != nil {
		return Receipt{}, apperror.ErrLedgerUnconfirmed.WithCause(fmt.Errorf("ledger: журнал операций: %w", err))
	}

	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := b.sleep(ctx, b.backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
			// Перед повторной отправкой проверяем, не исполнилась ли предыдущая.
			if r, err := b.lookup(ctx, call.Key); err == nil {
				if r.Status == StatusConfirmed {
					return b.confirm(ctx, op, r)
				}
				if r.Status == StatusPending {
					lastErr = errors.New("ledger: операция ожидает подтверждения")
					op.Attempts++
					continue
				}
			}
		}

		op.Attempts++
		r, err := b.submit(ctx, call)
		switch {
		case err != nil:
			lastErr = err
			log.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Warn("ledger: попытка не удалась")
		case r.Status == StatusConfirmed:
			return b.confirm(ctx, op, r)
		case r.Status == StatusFailed:
			msg := r.Error
			op.Status = StatusFailed
			op.LastError = &msg
			op.UpdatedAt = b.now()
			if err := b.store.SaveOperation(ctx, op); err != nil {
				log.WithError(err).Error("ledger: не удалось записать отказ реестра")
			}
			log.WithField("ledger_error", msg).Error("ledger: реестр отклонил операцию")
			return Receipt{}, apperror.ErrLedgerUnconfirmed.WithCause(fmt.Errorf("ledger: отказ: %s", msg))
		default:
			lastErr = errors.New("ledger: операция ожидает подтверждения")
		}
	}

	// Операция могла уйти в реестр: оставляем её pending для сверки, не бросаем.
	msg := fmt.Sprint(lastErr)
	op.LastError = &msg
	op.UpdatedAt = b.now()
	if err := b.store.SaveOperation(context.WithoutCancel(ctx), op); err != nil {
		log.WithError(err).Error("ledger: не удалось записать состояние операции")
	}
	log.WithFields(logrus.Fields{"attempts": op.Attempts, "error": lastErr}).Error("ledger: операция не подтверждена")
	return Receipt{}, apperror.ErrLedgerUnconfirmed.WithCause(lastErr)
}

func (b *Bridge) submit(ctx context.Context, call Call) (Receipt, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	return b.client.Submit(attemptCtx, call)
}

func (b *Bridge) lookup(ctx context.Context, key string) (Receipt, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	return b.client.Lookup(attemptCtx, key)
}

func (b *Bridge) confirm(ctx context.Context, op *Operation, r Receipt) (Receipt, error) {
	ref := r.TxRef
	op.Status = StatusConfirmed
	op.TxRef = &ref
	op.LastError = nil
	op.UpdatedAt = b.now()
	// Средства уже двинулись: запись подтверждения не должна зависеть от отмены запроса.
	if err := b.store.SaveOperation(context.WithoutCancel(ctx), op); err != nil {
		logger.Log.WithFields(logrus.Fields{
			"idempotency_key": op.Key,
			"tx_ref":          ref,
			"error":           err,
		}).Error("ledger: подтверждение получено, но не записано")
		return Receipt{}, apperror.ErrLedgerUnconfirmed.WithCause(err)
	}
	return receiptOf(op), nil
}

func (b *Bridge) backoff(n int) time.Duration {
	return b.opts.Backoff * time.Duration(1<<uint(n-1))
}

// ReconcilePending сверяет операции, зависшие в pending, с реестром.
// Возвращает число подтверждённых.
func (b *Bridge) ReconcilePending(ctx context.Context, limit int) (int, error) {
	ops, err := b.store.ListPendingOperations(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("ledger: список операций: %w", err)
	}

	confirmed := 0
	for _, op := range ops {
		if err := b.reconcile(ctx, op); err != nil {
			return confirmed, err
		}
		if op.Status == StatusConfirmed {
			confirmed++
		}
	}
	return confirmed, nil
}

// ReleaseState возвращает журнальную запись выплаты по ключу. Зависшая запись
// предварительно сверяется с реестром; nil означает, что выплата не вызывалась.
func (b *Bridge) ReleaseState(ctx context.Context, key Key) (*Operation, error) {
	key.Method = MethodRelease
	op, err := b.store.GetOperation(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("ledger: журнал операций: %w", err)
	}
	if op == nil || op.Status != StatusPending {
		return op, nil
	}
	if err := b.reconcile(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// reconcile переводит pending-операцию в итоговый статус по ответу реестра.
// Если реестр недоступен или ответ не окончательный, операция остаётся pending.
func (b *Bridge) reconcile(ctx context.Context, op *Operation) error {
	r, err := b.lookup(ctx, op.Key)
	switch {
	case errors.Is(err, ErrUnknownOperation):
		// Реестр не видел операцию, повторный вызов с тем же ключом безопасен.
		msg := "операция не найдена в реестре"
		op.Status = StatusFailed
		op.LastError = &msg
	case err != nil:
		logger.Log.WithFields(logrus.Fields{"idempotency_key": op.Key, "error": err}).Warn("ledger: сверка не удалась")
		return nil
	case r.Status == StatusConfirmed:
		_, err := b.confirm(ctx, op, r)
		return err
	case r.Status == StatusFailed:
		msg := r.Error
		op.Status = StatusFailed
		op.LastError = &msg
	default:
		return nil
	}
	op.UpdatedAt = b.now()
	return b.store.SaveOperation(ctx, op)
}

func receiptOf(op *Operation) Receipt {
	r := Receipt{Key: op.Key, Status: op.Status}
	if op.TxRef != nil {
		r.TxRef = *op.TxRef
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
