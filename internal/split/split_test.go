package split

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

func TestCompute_EvenBudget(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	payouts, err := Compute(10000, []Share{{UserID: a, Percent: 70}, {UserID: b, Percent: 30}})

	require.NoError(t, err)
	assert.Equal(t, []Payout{{UserID: a, Amount: 7000}, {UserID: b, Amount: 3000}}, payouts)
}

func TestCompute_RemainderGoesToLast(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	payouts, err := Compute(10001, []Share{{UserID: a, Percent: 70}, {UserID: b, Percent: 30}})

	require.NoError(t, err)
	assert.Equal(t, valueobject.Amount(7000), payouts[0].Amount)
	assert.Equal(t, valueobject.Amount(3001), payouts[1].Amount)
}

func TestCompute_SingleShare(t *testing.T) {
	a := uuid.New()

	payouts, err := Compute(999, Sole(a))

	require.NoError(t, err)
	assert.Equal(t, []Payout{{UserID: a, Amount: 999}}, payouts)
}

func TestCompute_Invalid(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	cases := map[string][]Share{
		"empty":        nil,
		"under 100":    {{UserID: a, Percent: 50}, {UserID: b, Percent: 40}},
		"over 100":     {{UserID: a, Percent: 80}, {UserID: b, Percent: 30}},
		"zero percent": {{UserID: a, Percent: 100}, {UserID: b, Percent: 0}},
		"negative":     {{UserID: a, Percent: 110}, {UserID: b, Percent: -10}},
		"duplicate":    {{UserID: a, Percent: 50}, {UserID: a, Percent: 50}},
	}
	for name, shares := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compute(1000, shares)
			assert.True(t, errors.Is(err, apperror.ErrSplitInvalid), "got %v", err)
		})
	}
}

func TestCompute_SumAlwaysEqualsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		shares := randomPartition(rng)
		budget := valueobject.Amount(rng.Int63n(1_000_000_000_000) + 1)

		payouts, err := Compute(budget, shares)
		require.NoError(t, err)
		require.Len(t, payouts, len(shares))

		var sum valueobject.Amount
		for j, p := range payouts {
			assert.GreaterOrEqual(t, int64(p.Amount), int64(0))
			assert.Equal(t, shares[j].UserID, p.UserID)
			sum += p.Amount
		}
		assert.Equal(t, budget, sum, "budget=%d shares=%v", budget, shares)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	shares := []Share{{UserID: uuid.New(), Percent: 33}, {UserID: uuid.New(), Percent: 33}, {UserID: uuid.New(), Percent: 34}}

	first, err := Compute(100, shares)
	require.NoError(t, err)
	second, err := Compute(100, shares)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, valueobject.Amount(34), first[2].Amount)
}

func randomPartition(rng *rand.Rand) []Share {
	n := rng.Intn(6) + 1
	if n == 1 {
		return Sole(uuid.New())
	}
	// n-1 различных точек разреза на отрезке (0, 100)
	cuts := map[int]struct{}{}
	for len(cuts) < n-1 {
		cuts[rng.Intn(99)+1] = struct{}{}
	}
	points := make([]int, 0, n+1)
	points = append(points, 0)
	for c := 1; c < 100; c++ {
		if _, ok := cuts[c]; ok {
			points = append(points, c)
		}
	}
	points = append(points, 100)

	shares := make([]Share, 0, n)
	for i := 1; i < len(points); i++ {
		shares = append(shares, Share{UserID: uuid.New(), Percent: points[i] - points[i-1]})
	}
	return shares
}
