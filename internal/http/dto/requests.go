package dto

import (
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-flow/internal/workflow"
)

// Суммы передаются строкой целых минимальных единиц, чтобы не терять точность в JSON.

type CreateTaskRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	Description string `json:"description" binding:"max=10000"`
	Budget      string `json:"budget" binding:"required"`
}

func (r CreateTaskRequest) ToInput() (workflow.CreateTaskInput, error) {
	budget, err := valueobject.ParseAmount(r.Budget)
	if err != nil {
		return workflow.CreateTaskInput{}, err
	}
	return workflow.CreateTaskInput{Title: r.Title, Description: r.Description, Budget: budget}, nil
}

type FundTaskRequest struct {
	LedgerTxRef string `json:"ledger_tx_ref"`
}

type SubunitSpecRequest struct {
	Title              string   `json:"title" binding:"required"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	BudgetPercent      int      `json:"budget_percent"`
	Budget             string   `json:"budget"`
	EstimatedHours     float64  `json:"estimated_hours"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

type DecomposeTaskRequest struct {
	Subunits []SubunitSpecRequest `json:"subunits" binding:"dive"`
	Context  string               `json:"context"`
}

func (r DecomposeTaskRequest) ToInput() (workflow.DecomposeTaskInput, error) {
	in := workflow.DecomposeTaskInput{Context: r.Context}
	for _, s := range r.Subunits {
		spec := workflow.SubunitSpec{
			Title:              s.Title,
			Description:        s.Description,
			Type:               s.Type,
			BudgetPercent:      s.BudgetPercent,
			EstimatedHours:     s.EstimatedHours,
			AcceptanceCriteria: s.AcceptanceCriteria,
		}
		if s.Budget != "" {
			amount, err := valueobject.ParseAmount(s.Budget)
			if err != nil {
				return workflow.DecomposeTaskInput{}, err
			}
			spec.Budget = amount
		}
		in.Subunits = append(in.Subunits, spec)
	}
	return in, nil
}

type ClaimRequest struct {
	Collaborators []string `json:"collaborators"`
	Splits        []int    `json:"splits"`
}

func (r ClaimRequest) ToInput() (workflow.ClaimInput, error) {
	ids, err := ParseUUIDs(r.Collaborators)
	if err != nil {
		return workflow.ClaimInput{}, err
	}
	return workflow.ClaimInput{Collaborators: ids, Splits: r.Splits}, nil
}

type SubmitRequest struct {
	Summary string `json:"summary" form:"summary"`
}

type ReviewRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

func (r ReviewRequest) ToInput() (workflow.ReviewInput, error) {
	d, err := valueobject.NewReviewDecision(r.Decision)
	if err != nil {
		return workflow.ReviewInput{}, err
	}
	return workflow.ReviewInput{Decision: d, Notes: r.Notes}, nil
}

type RaiseDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ResolveDisputeRequest struct {
	WinnerID   string `json:"winner_id" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	Resolution string `json:"resolution"`
}

func (r ResolveDisputeRequest) ToInput() (workflow.ResolveDisputeInput, error) {
	winner, err := uuid.Parse(r.WinnerID)
	if err != nil {
		return workflow.ResolveDisputeInput{}, apperror.New(apperror.ErrCodeValidation, "некорректный winner_id")
	}
	amount, err := valueobject.ParseAmount(r.Amount)
	if err != nil {
		return workflow.ResolveDisputeInput{}, err
	}
	return workflow.ResolveDisputeInput{WinnerID: winner, Amount: amount, Resolution: r.Resolution}, nil
}

func ParseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, apperror.New(apperror.ErrCodeValidation, "некорректный идентификатор: "+s)
		}
		out = append(out, id)
	}
	return out, nil
}
