package offline

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"almlp/internal/model"
)

var ErrNotEnoughCandidates = errors.New("not enough candidates to query")

const (
	QueryRandom   = "random"
	QueryMinForce = "min_force"
)

// Selection lists the candidate indices to evaluate with the parent. Verify is
// one of Indices: the point whose parent forces decide termination.
type Selection struct {
	Indices []int
	Verify  int
}

// QueryStrategy picks k candidates from a relaxation trajectory. Candidate 0
// is the starting structure and is never queried.
type QueryStrategy interface {
	Name() string
	Select(candidates []model.Frame, k int, rng *rand.Rand) (Selection, error)
}

func StrategyByName(name string) (QueryStrategy, error) {
	switch name {
	case "", QueryRandom:
		return RandomQuery{}, nil
	case QueryMinForce:
		return MinForceQuery{}, nil
	default:
		return nil, fmt.Errorf("unsupported query method: %s", name)
	}
}

// RandomQuery samples k-1 interior points and always adds the final point,
// which is the verification point.
type RandomQuery struct{}

func (RandomQuery) Name() string {
	return QueryRandom
}

func (RandomQuery) Select(candidates []model.Frame, k int, rng *rand.Rand) (Selection, error) {
	n := len(candidates)
	if n == 0 || k <= 0 {
		return Selection{}, fmt.Errorf("%w: %d candidates, k=%d", ErrNotEnoughCandidates, n, k)
	}
	interior := make([]int, 0, max(n-2, 0))
	for i := 1; i < n-1; i++ {
		interior = append(interior, i)
	}
	picked, err := sample(interior, k-1, rng)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Indices: append(picked, n-1), Verify: n - 1}, nil
}

// MinForceQuery always queries the candidate with the smallest predicted
// max |f| among 1..n-1 and adds k-1 random others from the same range. The
// minimum-force point is the verification point.
type MinForceQuery struct{}

func (MinForceQuery) Name() string {
	return QueryMinForce
}

func (MinForceQuery) Select(candidates []model.Frame, k int, rng *rand.Rand) (Selection, error) {
	n := len(candidates)
	if n < 2 || k <= 0 {
		return Selection{}, fmt.Errorf("%w: %d candidates, k=%d", ErrNotEnoughCandidates, n, k)
	}
	best := 1
	for i := 2; i < n; i++ {
		if model.MaxAbsForce(candidates[i].Forces()) < model.MaxAbsForce(candidates[best].Forces()) {
			best = i
		}
	}
	others := make([]int, 0, n-2)
	for i := 1; i < n; i++ {
		if i != best {
			others = append(others, i)
		}
	}
	picked, err := sample(others, k-1, rng)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Indices: append(picked, best), Verify: best}, nil
}

// sample draws k distinct elements of pool in random order.
func sample(pool []int, k int, rng *rand.Rand) ([]int, error) {
	if k > len(pool) {
		return nil, fmt.Errorf("%w: need %d from a pool of %d", ErrNotEnoughCandidates, k, len(pool))
	}
	if k == 0 {
		return []int{}, nil
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	out := make([]int, 0, k)
	for _, idx := range rng.Perm(len(pool))[:k] {
		out = append(out, pool[idx])
	}
	return out, nil
}
