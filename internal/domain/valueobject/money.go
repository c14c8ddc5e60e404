package valueobject

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// Amount хранит сумму в минимальных единицах валюты.
type Amount int64

func NewAmount(v int64) (Amount, error) {
	if v < 0 {
		return 0, apperror.New(apperror.ErrCodeValidation, "сумма не может быть отрицательной")
	}
	return Amount(v), nil
}

// ParseAmount разбирает десятичную строку целых минимальных единиц.
func ParseAmount(s string) (Amount, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrCodeValidation, "некорректная сумма")
	}
	return NewAmount(v)
}

// PercentOf возвращает floor(a * pct / 100) без переполнения на промежуточном произведении.
func (a Amount) PercentOf(pct int) Amount {
	if int64(a) <= math.MaxInt64/100 {
		return Amount(int64(a) * int64(pct) / 100)
	}
	v := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(pct)))
	v.Quo(v, big.NewInt(100))
	return Amount(v.Int64())
}

func (a Amount) Int64() int64 {
	return int64(a)
}

func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// Budget описывает бюджет задачи и уже распределённую часть.
type Budget struct {
	Total     Amount
	Allocated Amount
}

func NewBudget(total, allocated Amount) (Budget, error) {
	if allocated > total {
		return Budget{}, apperror.ErrBudgetOverflow
	}
	return Budget{Total: total, Allocated: allocated}, nil
}

func (b Budget) Remaining() Amount {
	return b.Total - b.Allocated
}

func (b Budget) String() string {
	return fmt.Sprintf("%d/%d", b.Allocated, b.Total)
}
