package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	domainrepo "github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// MemoryStore - хранилище в памяти для локального запуска и тестов.
// Наружу отдаются копии, поэтому вызывающий не может изменить состояние в обход Commit.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[uuid.UUID]entity.Task
	subunits    map[uuid.UUID]entity.Subunit
	submissions map[uuid.UUID]entity.Submission
	disputes    map[uuid.UUID]entity.Dispute
	events      []entity.Event
	operations  map[string]ledger.Operation
}

var (
	_ domainrepo.WorkflowStore = (*MemoryStore)(nil)
	_ ledger.OperationStore    = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[uuid.UUID]entity.Task),
		subunits:    make(map[uuid.UUID]entity.Subunit),
		submissions: make(map[uuid.UUID]entity.Submission),
		disputes:    make(map[uuid.UUID]entity.Dispute),
		operations:  make(map[string]ledger.Operation),
	}
}

func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*entity.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperror.ErrTaskNotFound
	}
	return &t, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, f domainrepo.TaskFilter) ([]*entity.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.Task
	for _, t := range s.tasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.OwnerID != nil && t.OwnerID != *f.OwnerID {
			continue
		}
		if t.Status == valueobject.TaskStatusDraft && !f.IncludeDrafts && (f.Viewer == nil || *f.Viewer != t.OwnerID) {
			continue
		}
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

func (s *MemoryStore) GetSubunit(_ context.Context, id uuid.UUID) (*entity.Subunit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	su, ok := s.subunits[id]
	if !ok {
		return nil, apperror.ErrSubunitNotFound
	}
	return cloneSubunit(su), nil
}

func (s *MemoryStore) ListSubunits(_ context.Context, taskID uuid.UUID) ([]*entity.Subunit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Subunit
	for _, su := range s.subunits {
		if su.TaskID == taskID {
			out = append(out, cloneSubunit(su))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) SearchSubunits(_ context.Context, f domainrepo.SubunitFilter) ([]*entity.Subunit, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Subunit
	for _, su := range s.subunits {
		if f.Status != nil && su.Status != *f.Status {
			continue
		}
		out = append(out, cloneSubunit(su))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

func (s *MemoryStore) ListLeased(_ context.Context, before time.Time) ([]*entity.Subunit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Subunit
	for _, su := range s.subunits {
		if su.Status != valueobject.SubunitStatusLeased || su.LeaseExpiresAt == nil {
			continue
		}
		if !before.IsZero() && su.LeaseExpiresAt.After(before) {
			continue
		}
		out = append(out, cloneSubunit(su))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt) })
	return out, nil
}

func (s *MemoryStore) GetPendingSubmission(_ context.Context, subunitID uuid.UUID) (*entity.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.submissions {
		if sub.SubunitID == subunitID && sub.IsPending() {
			return cloneSubmission(sub), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListSubmissions(_ context.Context, subunitID uuid.UUID) ([]*entity.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Submission
	for _, sub := range s.submissions {
		if sub.SubunitID == subunitID {
			out = append(out, cloneSubmission(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetDispute(_ context.Context, id uuid.UUID) (*entity.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, apperror.ErrDisputeNotFound
	}
	return &d, nil
}

func (s *MemoryStore) GetOpenDisputeBySubunit(_ context.Context, subunitID uuid.UUID) (*entity.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.SubunitID == subunitID && d.IsOpen() {
			return &d, nil
		}
	}
	return nil, apperror.ErrDisputeNotFound
}

func (s *MemoryStore) ListDisputes(_ context.Context, f domainrepo.DisputeFilter) ([]*entity.Dispute, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Dispute
	for _, d := range s.disputes {
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, taskID uuid.UUID, limit int) ([]entity.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entity.Event
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Commit(_ context.Context, m domainrepo.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Сначала все проверки версий, затем запись: изменения атомарны.
	if m.UpdateTask != nil {
		cur, ok := s.tasks[m.UpdateTask.ID]
		if !ok {
			return apperror.ErrTaskNotFound
		}
		if cur.Version != m.UpdateTask.Version {
			return apperror.ErrStaleState
		}
	}
	if m.UpdateSubunit != nil {
		cur, ok := s.subunits[m.UpdateSubunit.ID]
		if !ok {
			return apperror.ErrSubunitNotFound
		}
		if cur.Version != m.UpdateSubunit.Version {
			return apperror.ErrStaleState
		}
	}
	if m.SaveSubmission != nil && m.SaveSubmission.IsPending() {
		for id, sub := range s.submissions {
			if id != m.SaveSubmission.ID && sub.SubunitID == m.SaveSubmission.SubunitID && sub.IsPending() {
				return apperror.ErrStaleState.WithMessage("по подзадаче уже есть сдача на проверке")
			}
		}
	}

	if m.CreateTask != nil {
		s.tasks[m.CreateTask.ID] = *m.CreateTask
	}
	if m.UpdateTask != nil {
		m.UpdateTask.Version++
		s.tasks[m.UpdateTask.ID] = *m.UpdateTask
	}
	for _, su := range m.CreateSubunits {
		s.subunits[su.ID] = *cloneSubunit(*su)
	}
	if m.UpdateSubunit != nil {
		m.UpdateSubunit.Version++
		s.subunits[m.UpdateSubunit.ID] = *cloneSubunit(*m.UpdateSubunit)
	}
	if m.SaveSubmission != nil {
		s.submissions[m.SaveSubmission.ID] = *cloneSubmission(*m.SaveSubmission)
	}
	if m.SaveDispute != nil {
		s.disputes[m.SaveDispute.ID] = *m.SaveDispute
	}
	s.events = append(s.events, m.Events...)
	return nil
}

func (s *MemoryStore) GetOperation(_ context.Context, key string) (*ledger.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[key]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

func (s *MemoryStore) SaveOperation(_ context.Context, op *ledger.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.Key] = *op
	return nil
}

func (s *MemoryStore) ListPendingOperations(_ context.Context, limit int) ([]*ledger.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.Operation
	for _, op := range s.operations {
		if op.Status == ledger.StatusPending {
			op := op
			out = append(out, &op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func cloneSubunit(su entity.Subunit) *entity.Subunit {
	su.Shares = append(su.Shares[:0:0], su.Shares...)
	su.AcceptanceCriteria = append(su.AcceptanceCriteria[:0:0], su.AcceptanceCriteria...)
	return &su
}

func cloneSubmission(sub entity.Submission) *entity.Submission {
	sub.PayoutRefs = append(sub.PayoutRefs[:0:0], sub.PayoutRefs...)
	return &sub
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
