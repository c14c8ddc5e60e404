// Package split делит бюджет подзадачи между соисполнителями.
package split

import (
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// Share - заявленная доля участника в процентах.
type Share struct {
	UserID  uuid.UUID `json:"user_id"`
	Percent int       `json:"percent"`
}

// Payout - сумма к выплате участнику.
type Payout struct {
	UserID uuid.UUID          `json:"user_id"`
	Amount valueobject.Amount `json:"amount"`
}

// Validate проверяет, что доли положительные, участники не повторяются и сумма равна 100.
func Validate(shares []Share) error {
	if len(shares) == 0 {
		return apperror.ErrSplitInvalid.WithMessage("список долей пуст")
	}
	seen := make(map[uuid.UUID]struct{}, len(shares))
	total := 0
	for _, s := range shares {
		if s.Percent <= 0 {
			return apperror.ErrSplitInvalid.WithMessage("доля должна быть положительной")
		}
		if _, dup := seen[s.UserID]; dup {
			return apperror.ErrSplitInvalid.WithMessage("участник указан дважды")
		}
		seen[s.UserID] = struct{}{}
		total += s.Percent
		if total > 100 {
			break
		}
	}
	if total != 100 {
		return apperror.ErrSplitInvalid
	}
	return nil
}

// Compute считает выплаты: floor(budget*pct/100) для всех, кроме последнего,
// последний получает остаток, поэтому сумма выплат всегда равна budget.
func Compute(budget valueobject.Amount, shares []Share) ([]Payout, error) {
	if err := Validate(shares); err != nil {
		return nil, err
	}
	if budget < 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "бюджет не может быть отрицательным")
	}

	payouts := make([]Payout, len(shares))
	var distributed valueobject.Amount
	last := len(shares) - 1
	for i, s := range shares[:last] {
		amount := budget.PercentOf(s.Percent)
		payouts[i] = Payout{UserID: s.UserID, Amount: amount}
		distributed += amount
	}
	payouts[last] = Payout{UserID: shares[last].UserID, Amount: budget - distributed}
	return payouts, nil
}

// Sole возвращает список из одной доли на 100%.
func Sole(userID uuid.UUID) []Share {
	return []Share{{UserID: userID, Percent: 100}}
}
