package patterns

import (
	"math"
	"sort"
)

// Strategy selects how competing out/in candidates are resolved.
type Strategy string

const (
	// StrategyGreedy walks outgoing events in chronological order and lets each
	// claim its best unclaimed counterpart. A claimed counterpart is never reconsidered.
	StrategyGreedy Strategy = "greedy"
	// StrategyOptimal maximises the total confidence over all pairs (Hungarian algorithm).
	StrategyOptimal Strategy = "optimal"
)

// pair is an assigned (outgoing, incoming) index pair.
type pair struct {
	out int
	in  int
}

// assign picks at most one incoming index per outgoing row and vice versa.
// scores[i][j] <= 0 means i and j are not candidates for each other.
func assign(strategy Strategy, scores [][]float64, nIn int) []pair {
	if strategy == StrategyOptimal {
		return assignOptimal(scores, nIn)
	}
	return assignGreedy(scores, nIn)
}

// assignGreedy expects rows sorted chronologically. Ties keep the earlier column.
func assignGreedy(scores [][]float64, nIn int) []pair {
	matched := make([]bool, nIn)
	var out []pair

	for i, row := range scores {
		best, bestScore := -1, 0.0
		for j := 0; j < nIn; j++ {
			if matched[j] {
				continue
			}
			if row[j] > bestScore {
				best, bestScore = j, row[j]
			}
		}
		if best >= 0 {
			matched[best] = true
			out = append(out, pair{out: i, in: best})
		}
	}

	return out
}

// assignOptimal solves the maximum-weight assignment on a square padded matrix.
// Padding and non-candidate cells weigh zero and are dropped from the result.
func assignOptimal(scores [][]float64, nIn int) []pair {
	nOut := len(scores)
	n := max(nOut, nIn)
	if n == 0 {
		return nil
	}

	// 1-based; minimise the negated score
	cost := func(i, j int) float64 {
		if i <= nOut && j <= nIn && scores[i-1][j-1] > 0 {
			return -scores[i-1][j-1]
		}
		return 0
	}

	inf := math.Inf(1)
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = inf
		}

		for {
			used[j0] = true
			i0, delta, j1 := p[j0], inf, 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost(i0, j) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j], way[j] = cur, j0
				}
				if minv[j] < delta {
					delta, j1 = minv[j], j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	var out []pair
	for j := 1; j <= n; j++ {
		i := p[j]
		if i >= 1 && i <= nOut && j <= nIn && scores[i-1][j-1] > 0 {
			out = append(out, pair{out: i - 1, in: j - 1})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].out < out[b].out })

	return out
}
