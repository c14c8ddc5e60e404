package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-flow/internal/decompose"
	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	domainrepo "github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/lease"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-flow/internal/repository"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  *repository.MemoryStore
	ledger *ledger.MemoryLedger
	client *flakyClient
	leases *lease.Manager
	clock  *clock
	owner  Actor
	admin  Actor
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	memLedger := ledger.NewMemoryLedger()
	client := &flakyClient{Client: memLedger}
	bridge := ledger.NewBridge(client, store, ledger.Options{Timeout: time.Second, MaxAttempts: 3})
	leases := lease.NewManager()
	c := &clock{now: t0}

	e := NewEngine(store, bridge, leases, policy)
	e.SetClock(c.Now)

	return &fixture{
		engine: e,
		store:  store,
		ledger: memLedger,
		client: client,
		leases: leases,
		clock:  c,
		owner:  Actor{ID: uuid.New()},
		admin:  Actor{ID: uuid.New(), Admin: true},
	}
}

func worker() Actor { return Actor{ID: uuid.New()} }

// decomposedTask создаёт профинансированную через реестр задачу с подзадачами указанных бюджетов.
func (f *fixture) decomposedTask(t *testing.T, budget valueobject.Amount, parts ...valueobject.Amount) (*entity.Task, []*entity.Subunit) {
	t.Helper()
	ctx := context.Background()

	task, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Обзор литературы", Budget: budget})
	require.NoError(t, err)
	_, err = f.engine.FundTask(ctx, f.owner, task.ID, FundTaskInput{})
	require.NoError(t, err)

	specs := make([]SubunitSpec, 0, len(parts))
	for i, p := range parts {
		specs = append(specs, SubunitSpec{Title: "Часть " + string(rune('A'+i)), Budget: p})
	}
	subs, err := f.engine.DecomposeTask(ctx, f.owner, task.ID, DecomposeTaskInput{Subunits: specs})
	require.NoError(t, err)

	task, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return task, subs
}

func (f *fixture) taskStatus(t *testing.T, id uuid.UUID) valueobject.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func (f *fixture) subunit(t *testing.T, id uuid.UUID) *entity.Subunit {
	t.Helper()
	su, err := f.store.GetSubunit(context.Background(), id)
	require.NoError(t, err)
	return su
}

func TestEngine_FullLifecycle(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	task, subs := f.decomposedTask(t, 10000, 6000, 3000)
	assert.Equal(t, valueobject.TaskStatusDecomposed, task.Status)
	assert.Equal(t, valueobject.Amount(9000), task.Allocated)

	w1, w2 := worker(), worker()
	_, err := f.engine.Claim(ctx, w1, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	assert.Equal(t, valueobject.TaskStatusActive, f.taskStatus(t, task.ID))

	_, err = f.engine.Claim(ctx, w2, subs[1].ID, ClaimInput{})
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, w1, subs[0].ID, SubmitInput{Summary: "готово"})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w2, subs[1].ID, SubmitInput{Summary: "готово"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.TaskStatusInReview, f.taskStatus(t, task.ID))

	sub, err := f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.NoError(t, err)
	assert.Equal(t, valueobject.SubmissionStatusApproved, sub.Status)
	assert.Len(t, sub.PayoutRefs, 1)
	assert.Equal(t, valueobject.TaskStatusInReview, f.taskStatus(t, task.ID))

	_, err = f.engine.Review(ctx, f.owner, subs[1].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.NoError(t, err)

	done, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TaskStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	assert.Equal(t, valueobject.Amount(6000), f.ledger.PaidTo(w1.ID.String()))
	assert.Equal(t, valueobject.Amount(3000), f.ledger.PaidTo(w2.ID.String()))
	assert.Equal(t, valueobject.Amount(0), f.ledger.Balance(task.LedgerRef()))

	events, err := f.engine.ListEvents(ctx, f.owner, task.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.EventTaskCreated, events[0].Type)
	assert.Equal(t, entity.EventTaskStatusChanged, events[len(events)-1].Type)
}

func TestEngine_ConcurrentClaimIsExclusive(t *testing.T) {
	f := newFixture(t, Policy{})
	_, subs := f.decomposedTask(t, 1000, 1000)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Claim(context.Background(), worker(), subs[0].ID, ClaimInput{})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperror.ErrAlreadyLeased)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(1), f.subunit(t, subs[0].ID).Epoch)
}

func TestEngine_LeaseSweep(t *testing.T) {
	f := newFixture(t, Policy{LeaseDuration: 48 * time.Hour})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 500, 500)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	n, err := f.engine.SweepExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "ровно в момент истечения аренда ещё действует")

	f.clock.Advance(time.Minute)
	n, err = f.engine.SweepExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	su := f.subunit(t, subs[0].ID)
	assert.Equal(t, valueobject.SubunitStatusOpen, su.Status)
	assert.Nil(t, su.HolderID)
	assert.Nil(t, su.LeaseExpiresAt)
	assert.Equal(t, 0, f.leases.Len())

	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "поздно"})
	assert.ErrorIs(t, err, apperror.ErrNotHolder)
}

func TestEngine_LeaseSweepPicksUpLeasesFromOtherInstances(t *testing.T) {
	f := newFixture(t, Policy{LeaseDuration: time.Hour})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 500, 500)

	// Второй экземпляр движка над тем же хранилищем со своим индексом аренд.
	other := NewEngine(f.store, f.engine.ledger, lease.NewManager(), Policy{LeaseDuration: time.Hour})
	other.SetClock(f.clock.Now)

	w := worker()
	_, err := other.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, f.leases.Len())

	f.clock.Advance(time.Hour + time.Minute)
	n, err := f.engine.SweepExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, valueobject.SubunitStatusOpen, f.subunit(t, subs[0].ID).Status)

	n, err = f.engine.SweepExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_SubmittedIsNeverExpired(t *testing.T) {
	f := newFixture(t, Policy{LeaseDuration: time.Hour})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 1000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	n, err := f.engine.SweepExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	expired, err := f.engine.ExpireLease(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, valueobject.SubunitStatusSubmitted, f.subunit(t, subs[0].ID).Status)
}

func TestEngine_SubmitAfterDeadline(t *testing.T) {
	f := newFixture(t, Policy{LeaseDuration: time.Hour})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 1000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour + time.Second)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	assert.ErrorIs(t, err, apperror.ErrLeaseExpired)
}

func TestEngine_ReviewUnconfirmedKeepsStateAndRetryIsIdempotent(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	task, subs := f.decomposedTask(t, 1000, 1000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	f.ledger.FailNext(3)
	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.Error(t, err)
	assert.True(t, apperror.IsLedgerUnconfirmed(err))

	assert.Equal(t, valueobject.SubunitStatusSubmitted, f.subunit(t, subs[0].ID).Status)
	pending, err := f.store.GetPendingSubmission(ctx, subs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, valueobject.Amount(0), f.ledger.PaidTo(w.ID.String()))

	sub, err := f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.NoError(t, err)
	assert.Equal(t, pending.ID, sub.ID)
	assert.Equal(t, valueobject.SubunitStatusApproved, f.subunit(t, subs[0].ID).Status)

	key := ledger.Key{TaskID: task.ID, SubunitID: subs[0].ID, Epoch: 1, Method: ledger.MethodRelease}
	assert.Equal(t, 1, f.ledger.Executions(key.String()))
	assert.Equal(t, valueobject.Amount(1000), f.ledger.PaidTo(w.ID.String()))

	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	assert.ErrorIs(t, err, apperror.ErrNoPendingSubmission)
}

func TestEngine_RejectRefusedWhileReleaseUnconfirmed(t *testing.T) {
	f := newFixture(t, Policy{AllowReclaimAfterReject: true})
	ctx := context.Background()
	task, subs := f.decomposedTask(t, 10000, 10000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	// Реестр провёл выплату, но ответ потерян и сверка недоступна.
	f.client.setDropReply(isRelease)
	f.client.setLookupDown(true)
	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	assert.True(t, apperror.IsLedgerUnconfirmed(err))
	assert.Equal(t, valueobject.Amount(10000), f.ledger.PaidTo(w.ID.String()))

	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewReject})
	assert.True(t, apperror.IsLedgerUnconfirmed(err))
	_, err = f.engine.RaiseDispute(ctx, f.owner, subs[0].ID, RaiseDisputeInput{Reason: "не принято"})
	assert.True(t, apperror.IsLedgerUnconfirmed(err))
	assert.Equal(t, valueobject.SubunitStatusSubmitted, f.subunit(t, subs[0].ID).Status)

	// Сверка прошла: выплата подтверждена, отклонять уже поздно.
	f.client.setLookupDown(false)
	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewReject})
	assert.True(t, apperror.IsLedgerUnconfirmed(err))
	su := f.subunit(t, subs[0].ID)
	assert.Equal(t, valueobject.SubunitStatusSubmitted, su.Status)
	assert.Equal(t, int64(1), su.Epoch)

	f.client.setDropReply(nil)
	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.NoError(t, err)
	assert.Equal(t, valueobject.SubunitStatusApproved, f.subunit(t, subs[0].ID).Status)

	key := ledger.Key{TaskID: task.ID, SubunitID: subs[0].ID, Epoch: 1, Method: ledger.MethodRelease}
	assert.Equal(t, 1, f.ledger.Executions(key.String()))
	assert.Equal(t, valueobject.Amount(10000), f.ledger.PaidTo(w.ID.String()))
}

func TestEngine_RejectAllowedAfterFailedRelease(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 1000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	// Реестр не получил вызов: при сверке операция признаётся неисполненной.
	f.client.setRefuse(isRelease)
	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	assert.True(t, apperror.IsLedgerUnconfirmed(err))

	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewReject, Notes: "переделать"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.SubunitStatusOpen, f.subunit(t, subs[0].ID).Status)
	assert.Equal(t, valueobject.Amount(0), f.ledger.PaidTo(w.ID.String()))
}

func TestEngine_DisputeResolutionCappedByConfirmedReleases(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 20000, 10000)

	a, b := worker(), worker()
	_, err := f.engine.Claim(ctx, a, subs[0].ID, ClaimInput{Collaborators: []uuid.UUID{b.ID}, Splits: []int{70, 30}})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, a, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	// Первая доля проходит, вторая до реестра не доходит.
	f.client.setRefuse(func(call ledger.Call) bool { return isRelease(call) && call.Recipient == b.ID.String() })
	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	assert.True(t, apperror.IsLedgerUnconfirmed(err))
	assert.Equal(t, valueobject.Amount(7000), f.ledger.PaidTo(a.ID.String()))
	f.client.setRefuse(nil)

	d, err := f.engine.RaiseDispute(ctx, f.owner, subs[0].ID, RaiseDisputeInput{Reason: "вторая часть не принята"})
	require.NoError(t, err)

	_, err = f.engine.ResolveDispute(ctx, f.admin, d.ID, ResolveDisputeInput{WinnerID: a.ID, Amount: 10000})
	assert.True(t, apperror.IsValidation(err))

	resolved, err := f.engine.ResolveDispute(ctx, f.admin, d.ID, ResolveDisputeInput{WinnerID: a.ID, Amount: 3000, Resolution: "остаток исполнителю"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.DisputeStatusResolved, resolved.Status)
	assert.Equal(t, valueobject.Amount(10000), f.ledger.PaidTo(a.ID.String()))
	assert.Equal(t, valueobject.Amount(0), f.ledger.PaidTo(b.ID.String()))
	assert.Equal(t, valueobject.SubunitStatusResolved, f.subunit(t, subs[0].ID).Status)
}

func TestEngine_CollaboratorSplitRemainderToLast(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 20000, 10001)

	a, b := worker(), worker()
	_, err := f.engine.Claim(ctx, a, subs[0].ID, ClaimInput{Collaborators: []uuid.UUID{b.ID}, Splits: []int{70, 30}})
	require.NoError(t, err)

	// Соисполнитель тоже может сдать работу.
	_, err = f.engine.Submit(ctx, b, subs[0].ID, SubmitInput{Summary: "совместный результат"})
	require.NoError(t, err)

	sub, err := f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.NoError(t, err)
	assert.Len(t, sub.PayoutRefs, 2)
	assert.Equal(t, valueobject.Amount(7000), f.ledger.PaidTo(a.ID.String()))
	assert.Equal(t, valueobject.Amount(3001), f.ledger.PaidTo(b.ID.String()))
}

func TestEngine_ClaimRejectsBadSplits(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 1000)
	collaborator := uuid.New()

	_, err := f.engine.Claim(ctx, worker(), subs[0].ID, ClaimInput{Collaborators: []uuid.UUID{collaborator}, Splits: []int{70, 20}})
	assert.ErrorIs(t, err, apperror.ErrSplitInvalid)

	_, err = f.engine.Claim(ctx, worker(), subs[0].ID, ClaimInput{Collaborators: []uuid.UUID{collaborator}, Splits: []int{100}})
	assert.ErrorIs(t, err, apperror.ErrSplitInvalid)

	assert.Equal(t, valueobject.SubunitStatusOpen, f.subunit(t, subs[0].ID).Status)
}

func TestEngine_RejectAndReclaimPolicy(t *testing.T) {
	for _, allow := range []bool{false, true} {
		f := newFixture(t, Policy{AllowReclaimAfterReject: allow})
		ctx := context.Background()
		_, subs := f.decomposedTask(t, 1000, 1000)

		w := worker()
		_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
		require.NoError(t, err)
		_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "черновик"})
		require.NoError(t, err)

		sub, err := f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewReject, Notes: "не то"})
		require.NoError(t, err)
		assert.Equal(t, valueobject.SubmissionStatusRejected, sub.Status)

		su := f.subunit(t, subs[0].ID)
		assert.Equal(t, valueobject.SubunitStatusOpen, su.Status)
		assert.Nil(t, su.HolderID)

		_, err = f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
		if allow {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, apperror.ErrNotAuthorized)
			_, err = f.engine.Claim(ctx, worker(), subs[0].ID, ClaimInput{})
			assert.NoError(t, err)
		}
	}
}

func TestEngine_ReviewRequiresOwnerOrAdmin(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 1000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	_, err = f.engine.Review(ctx, w, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	_, err = f.engine.Review(ctx, f.admin, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	assert.NoError(t, err)
}

func TestEngine_DisputeOverridesReview(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	task, subs := f.decomposedTask(t, 1000, 800)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	d, err := f.engine.RaiseDispute(ctx, w, subs[0].ID, RaiseDisputeInput{Reason: "заказчик молчит"})
	require.NoError(t, err)
	assert.NotNil(t, d.LedgerRef)
	assert.Equal(t, valueobject.SubunitStatusDisputed, f.subunit(t, subs[0].ID).Status)
	assert.Equal(t, valueobject.TaskStatusDisputed, f.taskStatus(t, task.ID))

	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))

	_, err = f.engine.ResolveDispute(ctx, f.owner, d.ID, ResolveDisputeInput{WinnerID: w.ID, Amount: 800})
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	resolved, err := f.engine.ResolveDispute(ctx, f.admin, d.ID, ResolveDisputeInput{WinnerID: w.ID, Amount: 800, Resolution: "работа принята"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.DisputeStatusResolved, resolved.Status)

	su := f.subunit(t, subs[0].ID)
	assert.Equal(t, valueobject.SubunitStatusResolved, su.Status)
	assert.Equal(t, valueobject.DisputeOutcomeWorker, su.Outcome)
	assert.Equal(t, valueobject.TaskStatusCompleted, f.taskStatus(t, task.ID))
	assert.Equal(t, valueobject.Amount(800), f.ledger.PaidTo(w.ID.String()))

	_, err = f.engine.ResolveDispute(ctx, f.admin, d.ID, ResolveDisputeInput{WinnerID: w.ID, Amount: 800})
	assert.ErrorIs(t, err, apperror.ErrAlreadyResolved)
}

func TestEngine_DisputeResolvedForFunder(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 500)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)

	d, err := f.engine.RaiseDispute(ctx, f.owner, subs[0].ID, RaiseDisputeInput{Reason: "исполнитель пропал"})
	require.NoError(t, err)

	_, err = f.engine.ResolveDispute(ctx, f.admin, d.ID, ResolveDisputeInput{WinnerID: uuid.New(), Amount: 0})
	assert.True(t, apperror.IsValidation(err))

	_, err = f.engine.ResolveDispute(ctx, f.admin, d.ID, ResolveDisputeInput{WinnerID: f.owner.ID, Amount: 0})
	require.NoError(t, err)
	assert.Equal(t, valueobject.DisputeOutcomeFunder, f.subunit(t, subs[0].ID).Outcome)
}

func TestEngine_RaiseDisputeRequiresParticipant(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 500)

	_, err := f.engine.RaiseDispute(ctx, worker(), subs[0].ID, RaiseDisputeInput{Reason: "x"})
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	_, err = f.engine.RaiseDispute(ctx, f.owner, subs[0].ID, RaiseDisputeInput{Reason: "x"})
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err), "открытую подзадачу оспорить нельзя")
}

func TestEngine_FundTask(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()

	task, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Задача", Budget: 500})
	require.NoError(t, err)

	_, err = f.engine.FundTask(ctx, worker(), task.ID, FundTaskInput{LedgerTxRef: "0xabc"})
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	funded, err := f.engine.FundTask(ctx, f.owner, task.ID, FundTaskInput{LedgerTxRef: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", *funded.FundingRef)
	assert.Equal(t, valueobject.TaskStatusFunded, funded.Status)
	assert.Equal(t, 0, f.ledger.Calls(), "внешняя ссылка записывается как есть")

	_, err = f.engine.FundTask(ctx, f.owner, task.ID, FundTaskInput{LedgerTxRef: "0xdef"})
	assert.ErrorIs(t, err, apperror.ErrAlreadyFunded)
}

func TestEngine_FundViaLedgerFailureKeepsDraft(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()

	task, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Задача", Budget: 500})
	require.NoError(t, err)

	f.ledger.FailNext(3)
	_, err = f.engine.FundTask(ctx, f.owner, task.ID, FundTaskInput{})
	assert.True(t, apperror.IsLedgerUnconfirmed(err))
	assert.Equal(t, valueobject.TaskStatusDraft, f.taskStatus(t, task.ID))
}

func TestEngine_DecomposeBudgetOverflow(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	task, _ := f.decomposedTask(t, 1000, 600)

	_, err := f.engine.DecomposeTask(ctx, f.owner, task.ID, DecomposeTaskInput{Subunits: []SubunitSpec{
		{Title: "Ещё", Budget: 300},
		{Title: "И ещё", Budget: 200},
	}})
	assert.ErrorIs(t, err, apperror.ErrBudgetOverflow)

	subs, err := f.store.ListSubunits(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1, "подзадачи создаются атомарно")

	added, err := f.engine.DecomposeTask(ctx, f.owner, task.ID, DecomposeTaskInput{Subunits: []SubunitSpec{
		{Title: "Остаток", BudgetPercent: 40},
	}})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, valueobject.Amount(400), added[0].Budget)
	assert.Equal(t, 2, added[0].Sequence)
}

func TestEngine_DecomposeBeforeFunding(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	task, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Задача", Budget: 500})
	require.NoError(t, err)

	_, err = f.engine.DecomposeTask(ctx, f.owner, task.ID, DecomposeTaskInput{Subunits: []SubunitSpec{{Title: "a", Budget: 100}}})
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))
}

type stubGenerator struct {
	proposals []decompose.Proposal
	err       error
	got       decompose.Request
}

func (g *stubGenerator) Decompose(_ context.Context, req decompose.Request) ([]decompose.Proposal, error) {
	g.got = req
	return g.proposals, g.err
}

func TestEngine_DecomposeWithGenerator(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	gen := &stubGenerator{proposals: []decompose.Proposal{
		{Title: "Поиск", Type: decompose.TypeDiscovery, BudgetPercent: 30},
		{Title: "Извлечение", Type: decompose.TypeExtraction, BudgetPercent: 33},
		{Title: "Обзор", Type: decompose.TypeNarrative, BudgetPercent: 37},
	}}
	f.engine.SetGenerator(gen)

	task, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Влияние LLM на рынок труда", Budget: 1001})
	require.NoError(t, err)
	_, err = f.engine.FundTask(ctx, f.owner, task.ID, FundTaskInput{LedgerTxRef: "0x1"})
	require.NoError(t, err)

	subs, err := f.engine.DecomposeTask(ctx, f.owner, task.ID, DecomposeTaskInput{Context: "только 2025 год"})
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, "только 2025 год", gen.got.Context)
	assert.Equal(t, valueobject.Amount(300), subs[0].Budget)
	assert.Equal(t, valueobject.Amount(330), subs[1].Budget)
	assert.Equal(t, valueobject.Amount(370), subs[2].Budget)

	gen.err = errors.New("timeout")
	_, err = f.engine.DecomposeTask(ctx, f.owner, task.ID, DecomposeTaskInput{})
	assert.Error(t, err)
}

func TestEngine_CancelTask(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()

	task, subs := f.decomposedTask(t, 1000, 500)
	cancelled, err := f.engine.CancelTask(ctx, f.owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, valueobject.Amount(0), f.ledger.Balance(task.LedgerRef()))

	_, err = f.engine.Claim(ctx, worker(), subs[0].ID, ClaimInput{})
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))

	other, otherSubs := f.decomposedTask(t, 1000, 500)
	_, err = f.engine.Claim(ctx, worker(), otherSubs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.CancelTask(ctx, f.owner, other.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))

	draft, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Черновик", Budget: 10})
	require.NoError(t, err)
	_, err = f.engine.CancelTask(ctx, f.owner, draft.ID)
	require.NoError(t, err)
}

func TestEngine_DraftHiddenFromOthers(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	task, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Черновик", Budget: 10})
	require.NoError(t, err)

	_, err = f.engine.GetTask(ctx, worker(), task.ID)
	assert.True(t, apperror.IsNotFound(err))

	_, err = f.engine.GetTask(ctx, f.owner, task.ID)
	assert.NoError(t, err)

	list, total, err := f.engine.ListTasks(ctx, worker(), domainrepo.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, total)

	// Флаг из запроса обычного пользователя игнорируется.
	list, _, err = f.engine.ListTasks(ctx, worker(), domainrepo.TaskFilter{IncludeDrafts: true})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, _, err = f.engine.ListTasks(ctx, f.owner, domainrepo.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEngine_AdminSeesAllDrafts(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	other := worker()
	_, err := f.engine.CreateTask(ctx, f.owner, CreateTaskInput{Title: "Черновик A", Budget: 10})
	require.NoError(t, err)
	_, err = f.engine.CreateTask(ctx, other, CreateTaskInput{Title: "Черновик B", Budget: 20})
	require.NoError(t, err)

	list, total, err := f.engine.ListTasks(ctx, f.admin, domainrepo.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 2, total)

	draft := valueobject.TaskStatusDraft
	list, _, err = f.engine.ListTasks(ctx, f.admin, domainrepo.TaskFilter{Status: &draft, OwnerID: &other.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Черновик B", list[0].Title)
}

func TestEngine_SearchSubunitsAcrossTasks(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, first := f.decomposedTask(t, 1000, 500, 500)
	f.clock.Advance(time.Minute)
	_, second := f.decomposedTask(t, 300, 300)

	_, err := f.engine.Claim(ctx, worker(), first[0].ID, ClaimInput{})
	require.NoError(t, err)

	open := valueobject.SubunitStatusOpen
	subs, total, err := f.engine.SearchSubunits(ctx, domainrepo.SubunitFilter{Status: &open})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, subs, 2)
	// Свежие задачи первыми.
	assert.Equal(t, second[0].ID, subs[0].ID)
	assert.Equal(t, first[1].ID, subs[1].ID)

	subs, total, err = f.engine.SearchSubunits(ctx, domainrepo.SubunitFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, subs, 1)
	assert.Equal(t, first[0].ID, subs[0].ID)
}

func TestEngine_GetSubunitDispute(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, subs := f.decomposedTask(t, 1000, 1000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)

	_, err = f.engine.GetSubunitDispute(ctx, w, subs[0].ID)
	assert.ErrorIs(t, err, apperror.ErrDisputeNotFound)

	d, err := f.engine.RaiseDispute(ctx, w, subs[0].ID, RaiseDisputeInput{Reason: "заказчик молчит"})
	require.NoError(t, err)

	got, err := f.engine.GetSubunitDispute(ctx, f.owner, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = f.engine.GetSubunitDispute(ctx, worker(), subs[0].ID)
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	_, err = f.engine.ResolveDispute(ctx, f.admin, d.ID, ResolveDisputeInput{WinnerID: w.ID, Amount: 1000})
	require.NoError(t, err)
	_, err = f.engine.GetSubunitDispute(ctx, f.admin, subs[0].ID)
	assert.ErrorIs(t, err, apperror.ErrDisputeNotFound)
}

func TestEngine_ReconcileLedgerCompletesTask(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	task, subs := f.decomposedTask(t, 1000, 1000)

	w := worker()
	_, err := f.engine.Claim(ctx, w, subs[0].ID, ClaimInput{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, w, subs[0].ID, SubmitInput{Summary: "результат"})
	require.NoError(t, err)

	// Выплата проходит, complete недоступен: одобрение сохраняется, задача ждёт сверки.
	f.client.failMethod(ledger.MethodComplete)
	_, err = f.engine.Review(ctx, f.owner, subs[0].ID, ReviewInput{Decision: valueobject.ReviewApprove})
	require.NoError(t, err)

	assert.Equal(t, valueobject.SubunitStatusApproved, f.subunit(t, subs[0].ID).Status)
	assert.Equal(t, valueobject.TaskStatusInReview, f.taskStatus(t, task.ID))

	f.client.failMethod("")
	_, err = f.engine.ReconcileLedger(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TaskStatusCompleted, f.taskStatus(t, task.ID))
	assert.Equal(t, valueobject.Amount(0), f.ledger.Balance(task.LedgerRef()))
}

// flakyClient отказывает в вызовах выбранного метода, остальные передаёт реестру.
// dropReply исполняет вызов в реестре, но теряет ответ; refuse отказывает, не исполняя.
type flakyClient struct {
	ledger.Client
	mu         sync.Mutex
	failing    ledger.Method
	dropReply  func(ledger.Call) bool
	refuse     func(ledger.Call) bool
	lookupDown bool
}

func (c *flakyClient) failMethod(m ledger.Method) {
	c.mu.Lock()
	c.failing = m
	c.mu.Unlock()
}

func (c *flakyClient) setDropReply(fn func(ledger.Call) bool) {
	c.mu.Lock()
	c.dropReply = fn
	c.mu.Unlock()
}

func (c *flakyClient) setRefuse(fn func(ledger.Call) bool) {
	c.mu.Lock()
	c.refuse = fn
	c.mu.Unlock()
}

func (c *flakyClient) setLookupDown(down bool) {
	c.mu.Lock()
	c.lookupDown = down
	c.mu.Unlock()
}

func (c *flakyClient) Submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	c.mu.Lock()
	fail := c.failing != "" && c.failing == call.Method
	refuse := c.refuse != nil && c.refuse(call)
	drop := c.dropReply != nil && c.dropReply(call)
	c.mu.Unlock()
	if fail || refuse {
		return ledger.Receipt{}, ledger.ErrTransport
	}
	r, err := c.Client.Submit(ctx, call)
	if drop {
		return ledger.Receipt{}, ledger.ErrTransport
	}
	return r, err
}

func (c *flakyClient) Lookup(ctx context.Context, key string) (ledger.Receipt, error) {
	c.mu.Lock()
	down := c.lookupDown
	c.mu.Unlock()
	if down {
		return ledger.Receipt{}, ledger.ErrTransport
	}
	return c.Client.Lookup(ctx, key)
}

func isRelease(call ledger.Call) bool { return call.Method == ledger.MethodRelease }
