package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	domainrepo "github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-flow/internal/repository/common"
)

const uniqueViolation = "23505"

// WorkflowStore - хранилище процесса в PostgreSQL.
type WorkflowStore struct {
	db *sqlx.DB
}

var (
	_ domainrepo.WorkflowStore = (*WorkflowStore)(nil)
	_ ledger.OperationStore    = (*WorkflowStore)(nil)
)

func NewWorkflowStore(db *sqlx.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	row, err := common.GetByID[taskRow](ctx, s.db, "tasks", id, apperror.ErrTaskNotFound)
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

func (s *WorkflowStore) ListTasks(ctx context.Context, f domainrepo.TaskFilter) ([]*entity.Task, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(*f.Status))
		argIndex++
	}
	if f.OwnerID != nil {
		where += fmt.Sprintf(" AND owner_id = $%d", argIndex)
		args = append(args, *f.OwnerID)
		argIndex++
	}
	// Черновики видит только владелец.
	switch {
	case f.IncludeDrafts:
	case f.Viewer != nil:
		where += fmt.Sprintf(" AND (status <> $%d OR owner_id = $%d)", argIndex, argIndex+1)
		args = append(args, string(valueobject.TaskStatusDraft), *f.Viewer)
		argIndex += 2
	default:
		where += fmt.Sprintf(" AND status <> $%d", argIndex)
		args = append(args, string(valueobject.TaskStatusDraft))
		argIndex++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM tasks"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := "SELECT * FROM tasks" + where + " ORDER BY created_at DESC"
	query, args = withPage(query, args, argIndex, f.Limit, f.Offset)

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*entity.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toEntity())
	}
	return tasks, total, nil
}

func (s *WorkflowStore) GetSubunit(ctx context.Context, id uuid.UUID) (*entity.Subunit, error) {
	row, err := common.GetByID[subunitRow](ctx, s.db, "subunits", id, apperror.ErrSubunitNotFound)
	if err != nil {
		return nil, err
	}
	return row.toEntity()
}

func (s *WorkflowStore) ListSubunits(ctx context.Context, taskID uuid.UUID) ([]*entity.Subunit, error) {
	var rows []subunitRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM subunits WHERE task_id = $1 ORDER BY sequence`, taskID); err != nil {
		return nil, fmt.Errorf("list subunits: %w", err)
	}
	return subunitsFromRows(rows)
}

func (s *WorkflowStore) SearchSubunits(ctx context.Context, f domainrepo.SubunitFilter) ([]*entity.Subunit, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(*f.Status))
		argIndex++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM subunits"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count subunits: %w", err)
	}

	query := "SELECT * FROM subunits" + where + " ORDER BY created_at DESC, sequence"
	query, args = withPage(query, args, argIndex, f.Limit, f.Offset)

	var rows []subunitRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("search subunits: %w", err)
	}
	subs, err := subunitsFromRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (s *WorkflowStore) ListLeased(ctx context.Context, before time.Time) ([]*entity.Subunit, error) {
	query := `SELECT * FROM subunits WHERE status = 'leased' AND lease_expires_at IS NOT NULL`
	args := []interface{}{}
	if !before.IsZero() {
		query += ` AND lease_expires_at <= $1`
		args = append(args, before)
	}
	query += ` ORDER BY lease_expires_at`

	var rows []subunitRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list leased subunits: %w", err)
	}
	return subunitsFromRows(rows)
}

func subunitsFromRows(rows []subunitRow) ([]*entity.Subunit, error) {
	out := make([]*entity.Subunit, 0, len(rows))
	for _, r := range rows {
		su, err := r.toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, su)
	}
	return out, nil
}

func (s *WorkflowStore) GetPendingSubmission(ctx context.Context, subunitID uuid.UUID) (*entity.Submission, error) {
	var row submissionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM submissions WHERE subunit_id = $1 AND status = 'pending'`, subunitID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending submission: %w", err)
	}
	return row.toEntity(), nil
}

func (s *WorkflowStore) ListSubmissions(ctx context.Context, subunitID uuid.UUID) ([]*entity.Submission, error) {
	var rows []submissionRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM submissions WHERE subunit_id = $1 ORDER BY created_at`, subunitID); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	out := make([]*entity.Submission, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (s *WorkflowStore) GetDispute(ctx context.Context, id uuid.UUID) (*entity.Dispute, error) {
	row, err := common.GetByID[disputeRow](ctx, s.db, "disputes", id, apperror.ErrDisputeNotFound)
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

func (s *WorkflowStore) GetOpenDisputeBySubunit(ctx context.Context, subunitID uuid.UUID) (*entity.Dispute, error) {
	var row disputeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM disputes WHERE subunit_id = $1 AND status = 'open'`, subunitID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open dispute: %w", err)
	}
	return row.toEntity(), nil
}

func (s *WorkflowStore) ListDisputes(ctx context.Context, f domainrepo.DisputeFilter) ([]*entity.Dispute, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(*f.Status))
		argIndex++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM disputes"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count disputes: %w", err)
	}

	query := "SELECT * FROM disputes" + where + " ORDER BY created_at DESC"
	query, args = withPage(query, args, argIndex, f.Limit, f.Offset)

	var rows []disputeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list disputes: %w", err)
	}
	out := make([]*entity.Dispute, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, total, nil
}

// ListEvents возвращает последние limit событий задачи в порядке записи.
func (s *WorkflowStore) ListEvents(ctx context.Context, taskID uuid.UUID, limit int) ([]entity.Event, error) {
	query := `SELECT id, task_id, subunit_id, actor_id, type, payload, created_at FROM workflow_events
		WHERE task_id = $1 ORDER BY seq`
	args := []interface{}{taskID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT seq, id, task_id, subunit_id, actor_id, type, payload, created_at
			FROM workflow_events WHERE task_id = $1 ORDER BY seq DESC LIMIT $2) last
			ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []entity.Event
	for rows.Next() {
		var r eventRow
		if limit > 0 {
			var seq int64
			err = rows.Scan(&seq, &r.ID, &r.TaskID, &r.SubunitID, &r.ActorID, &r.Type, &r.Payload, &r.CreatedAt)
		} else {
			err = rows.StructScan(&r)
		}
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := r.toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Commit применяет мутацию одной транзакцией. Версии в переданных сущностях
// увеличиваются только после успешной фиксации.
func (s *WorkflowStore) Commit(ctx context.Context, m domainrepo.Mutation) error {
	err := common.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		if m.CreateTask != nil {
			if err := insertTask(ctx, tx, m.CreateTask); err != nil {
				return err
			}
		}
		if m.UpdateTask != nil {
			if err := updateTask(ctx, tx, m.UpdateTask); err != nil {
				return err
			}
		}
		if len(m.CreateSubunits) > 0 {
			if err := insertSubunits(ctx, tx, m.CreateSubunits); err != nil {
				return err
			}
		}
		if m.UpdateSubunit != nil {
			if err := updateSubunit(ctx, tx, m.UpdateSubunit); err != nil {
				return err
			}
		}
		if m.SaveSubmission != nil {
			if err := saveSubmission(ctx, tx, m.SaveSubmission); err != nil {
				return err
			}
		}
		if m.SaveDispute != nil {
			if err := saveDispute(ctx, tx, m.SaveDispute); err != nil {
				return err
			}
		}
		return insertEvents(ctx, tx, m.Events)
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return apperror.ErrStaleState.WithMessage("запись уже существует: " + pqErr.Constraint)
		}
		return err
	}

	if m.UpdateTask != nil {
		m.UpdateTask.Version++
	}
	if m.UpdateSubunit != nil {
		m.UpdateSubunit.Version++
	}
	return nil
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t *entity.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, title, description, budget, allocated, status, funding_ref,
			created_at, funded_at, completed_at, cancelled_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.OwnerID, t.Title, t.Description, t.Budget, t.Allocated, string(t.Status), t.FundingRef,
		t.CreatedAt, t.FundedAt, t.CompletedAt, t.CancelledAt, t.UpdatedAt, t.Version)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func updateTask(ctx context.Context, tx *sqlx.Tx, t *entity.Task) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET title = $3, description = $4, budget = $5, allocated = $6, status = $7,
			funding_ref = $8, funded_at = $9, completed_at = $10, cancelled_at = $11, updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		t.ID, t.Version, t.Title, t.Description, t.Budget, t.Allocated, string(t.Status),
		t.FundingRef, t.FundedAt, t.CompletedAt, t.CancelledAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectOneRow(res)
}

func insertSubunits(ctx context.Context, tx *sqlx.Tx, subs []*entity.Subunit) error {
	bi := common.NewBatchInserter(tx, `INSERT INTO subunits (id, task_id, sequence, title, description, type,
		budget_percent, budget, estimated_hours, acceptance_criteria, status, shares, epoch,
		created_at, updated_at, version)`, 16, 50)

	for _, su := range subs {
		shares, err := encodeShares(su.Shares)
		if err != nil {
			return err
		}
		if err := bi.Add(ctx, su.ID, su.TaskID, su.Sequence, su.Title, su.Description, su.Type,
			su.BudgetPercent, su.Budget, su.EstimatedHours, pq.Array(criteria(su.AcceptanceCriteria)),
			string(su.Status), shares, su.Epoch, su.CreatedAt, su.UpdatedAt, su.Version); err != nil {
			return err
		}
	}
	return bi.Flush(ctx)
}

func criteria(c []string) []string {
	if c == nil {
		return []string{}
	}
	return c
}

func updateSubunit(ctx context.Context, tx *sqlx.Tx, su *entity.Subunit) error {
	shares, err := encodeShares(su.Shares)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE subunits SET status = $3, holder_id = $4, lease_expires_at = $5, shares = $6, epoch = $7,
			rejected_holder_id = $8, outcome = $9, claimed_at = $10, submitted_at = $11, settled_at = $12,
			updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $2`,
		su.ID, su.Version, string(su.Status), su.HolderID, su.LeaseExpiresAt, shares, su.Epoch,
		su.RejectedHolderID, string(su.Outcome), su.ClaimedAt, su.SubmittedAt, su.SettledAt, su.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update subunit: %w", err)
	}
	return expectOneRow(res)
}

func saveSubmission(ctx context.Context, tx *sqlx.Tx, sub *entity.Submission) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO submissions (id, subunit_id, submitter_id, epoch, content_summary, content_ref,
			artifact_hash, artifact_type, status, reviewer_id, review_notes, payout_refs, reviewed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, reviewer_id = EXCLUDED.reviewer_id,
			review_notes = EXCLUDED.review_notes, payout_refs = EXCLUDED.payout_refs,
			reviewed_at = EXCLUDED.reviewed_at`,
		sub.ID, sub.SubunitID, sub.SubmitterID, sub.Epoch, sub.ContentSummary, sub.ContentRef,
		sub.ArtifactHash, sub.ArtifactType, string(sub.Status), sub.ReviewerID, sub.ReviewNotes,
		pq.Array(criteria(sub.PayoutRefs)), sub.ReviewedAt, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return nil
}

func saveDispute(ctx context.Context, tx *sqlx.Tx, d *entity.Dispute) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (id, task_id, subunit_id, raised_by, reason, status, winner_id, payout_amount,
			resolution, resolved_by, resolved_at, ledger_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, winner_id = EXCLUDED.winner_id,
			payout_amount = EXCLUDED.payout_amount, resolution = EXCLUDED.resolution,
			resolved_by = EXCLUDED.resolved_by, resolved_at = EXCLUDED.resolved_at,
			ledger_ref = COALESCE(EXCLUDED.ledger_ref, disputes.ledger_ref), updated_at = EXCLUDED.updated_at`,
		d.ID, d.TaskID, d.SubunitID, d.RaisedBy, d.Reason, string(d.Status), d.WinnerID, d.PayoutAmount,
		d.Resolution, d.ResolvedBy, d.ResolvedAt, d.LedgerRef, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save dispute: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, events []entity.Event) error {
	if len(events) == 0 {
		return nil
	}
	bi := common.NewBatchInserter(tx,
		`INSERT INTO workflow_events (id, task_id, subunit_id, actor_id, type, payload, created_at)`, 7, 50)
	for _, ev := range events {
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		if err := bi.Add(ctx, ev.ID, ev.TaskID, ev.SubunitID, ev.ActorID, string(ev.Type), raw, ev.CreatedAt); err != nil {
			return err
		}
	}
	return bi.Flush(ctx)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperror.ErrStaleState
	}
	return nil
}

// withPage дописывает LIMIT/OFFSET. Нулевой limit означает без ограничения.
func withPage(query string, args []interface{}, argIndex, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, limit)
		argIndex++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, offset)
	}
	return query, args
}

func (s *WorkflowStore) GetOperation(ctx context.Context, key string) (*ledger.Operation, error) {
	row, err := common.GetByField[operationRow](ctx, s.db, "ledger_operations", "key", key, nil)
	if err != nil || row == nil {
		return nil, err
	}
	return row.toOperation(), nil
}

func (s *WorkflowStore) SaveOperation(ctx context.Context, op *ledger.Operation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_operations (key, method, task_ref, subunit_index, recipient, amount, status,
			tx_ref, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (key) DO UPDATE SET status = EXCLUDED.status, tx_ref = EXCLUDED.tx_ref,
			attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
		op.Key, string(op.Method), op.TaskRef, op.SubunitIndex, op.Recipient, op.Amount, string(op.Status),
		op.TxRef, op.Attempts, op.LastError, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save ledger operation: %w", err)
	}
	return nil
}

func (s *WorkflowStore) ListPendingOperations(ctx context.Context, limit int) ([]*ledger.Operation, error) {
	query, args := withPage(`SELECT * FROM ledger_operations WHERE status = $1 ORDER BY created_at`,
		[]interface{}{string(ledger.StatusPending)}, 2, limit, 0)

	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	out := make([]*ledger.Operation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toOperation())
	}
	return out, nil
}
