package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-flow/internal/logger"
)

type mockMaintainer struct {
	mock.Mock
}

func (m *mockMaintainer) SweepExpiredLeases(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockMaintainer) ReconcileLedger(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

func (m *mockMaintainer) ReconcileTasks(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestLeaseSweepWorker(t *testing.T) {
	m := new(mockMaintainer)
	m.On("SweepExpiredLeases", mock.Anything).Return(2, nil).Once()

	err := NewLeaseSweepWorker(m).Work(context.Background(), &river.Job[LeaseSweepArgs]{})
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestLeaseSweepWorkerPropagatesError(t *testing.T) {
	m := new(mockMaintainer)
	m.On("SweepExpiredLeases", mock.Anything).Return(0, errors.New("db down")).Once()

	err := NewLeaseSweepWorker(m).Work(context.Background(), &river.Job[LeaseSweepArgs]{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestLedgerReconcileWorkerDefaultsLimit(t *testing.T) {
	m := new(mockMaintainer)
	m.On("ReconcileLedger", mock.Anything, reconcileBatch).Return(1, nil).Once()
	m.On("ReconcileTasks", mock.Anything).Return(0, nil).Once()

	err := NewLedgerReconcileWorker(m).Work(context.Background(), &river.Job[LedgerReconcileArgs]{})
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestLedgerReconcileWorkerStopsOnLedgerError(t *testing.T) {
	m := new(mockMaintainer)
	m.On("ReconcileLedger", mock.Anything, 5).Return(0, errors.New("timeout")).Once()

	err := NewLedgerReconcileWorker(m).Work(context.Background(), &river.Job[LedgerReconcileArgs]{Args: LedgerReconcileArgs{Limit: 5}})
	require.Error(t, err)
	m.AssertNotCalled(t, "ReconcileTasks", mock.Anything)
}

func TestPeriodicJobs(t *testing.T) {
	assert.Len(t, PeriodicJobs(time.Minute, 5*time.Minute), 2)
	assert.Equal(t, "lease_sweep", LeaseSweepArgs{}.Kind())
	assert.Equal(t, "ledger_reconcile", LedgerReconcileArgs{}.Kind())
}

func TestRunTickerSweepsUntilCancelled(t *testing.T) {
	m := new(mockMaintainer)
	swept := make(chan struct{}, 1)
	m.On("SweepExpiredLeases", mock.Anything).Return(0, nil).Run(func(mock.Arguments) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runTicker(ctx, logger.WithComponent("jobs"), m, 5*time.Millisecond, time.Hour)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("sweep was not called")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}
