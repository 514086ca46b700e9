// Package model implements the trained policy, its frozen reference twin,
// the sharded parameter plumbing that spreads the vocabulary across lockstep
// workers, and the optimizers that update it.
package model

import (
	"math"
	"math/rand"
	"sort"

	"github.com/halotrain/halotrain/internal/data"
)

// ============================================================================
// Sequence Statistics
// ============================================================================

// SequenceStats summarizes a token sequence for the forward and backward
// passes: per-token occurrence counts and the total non-pad length. Padding
// never contributes to likelihoods or gradients.
type SequenceStats struct {
	Counts map[int]int
	Length int
}

// CollectStats builds occurrence statistics for one sequence
func CollectStats(tokens []int) SequenceStats {
	st := SequenceStats{Counts: make(map[int]int)}
	for _, tok := range tokens {
		if tok == data.PadID {
			continue
		}
		st.Counts[tok]++
		st.Length++
	}
	return st
}

// ============================================================================
// Log-Linear Policy Math
// ============================================================================

// LogSumExp computes log(sum(exp(v))) with the max-shift trick
func LogSumExp(v []float64) float64 {
	if len(v) == 0 {
		return math.Inf(-1)
	}
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	var sum float64
	for _, x := range v {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}

// Softmax writes the softmax of params into out and returns the
// normalization constant log Z
func Softmax(params []float64, out []float64) float64 {
	logZ := LogSumExp(params)
	for i, x := range params {
		out[i] = math.Exp(x - logZ)
	}
	return logZ
}

// SequenceLogProb scores a token sequence under a parameter vector: each
// non-pad token contributes its log-softmax weight, so the total is
// sum_v count_v*params[v] - n*logZ
func SequenceLogProb(params []float64, logZ float64, st SequenceStats) float64 {
	var lp float64
	for tok, count := range st.Counts {
		lp += float64(count) * params[tok]
	}
	return lp - float64(st.Length)*logZ
}

// AccumulateGrad adds dLdLogp * dlogp/dparams for one sequence into grad.
// The sparse token-count term is applied here; the dense -n*softmax term is
// deferred to the caller through the returned weight so a microbatch needs
// only one full-vocabulary pass.
func AccumulateGrad(grad []float64, st SequenceStats, dLdLogp float64) float64 {
	for tok, count := range st.Counts {
		grad[tok] += dLdLogp * float64(count)
	}
	return dLdLogp * float64(st.Length)
}

// ApplyDenseGrad folds the deferred softmax term into grad:
// grad[v] -= totalWeight * softmax[v]
func ApplyDenseGrad(grad []float64, softmax []float64, totalWeight float64) {
	if totalWeight == 0 {
		return
	}
	for v := range grad {
		grad[v] -= totalWeight * softmax[v]
	}
}

// ============================================================================
// Sampling
// ============================================================================

// SampleTopP draws one token from the nucleus of the distribution: the
// smallest probability-sorted prefix whose mass reaches topP
func SampleTopP(softmax []float64, topP float64, rng *rand.Rand) int {
	type cand struct {
		tok  int
		prob float64
	}
	cands := make([]cand, len(softmax))
	for v, p := range softmax {
		cands[v] = cand{tok: v, prob: p}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	var mass float64
	cut := len(cands)
	for i, c := range cands {
		mass += c.prob
		if mass >= topP {
			cut = i + 1
			break
		}
	}

	r := rng.Float64() * mass
	var acc float64
	for _, c := range cands[:cut] {
		acc += c.prob
		if r <= acc {
			return c.tok
		}
	}
	return cands[cut-1].tok
}

// IsFinite reports whether every element of v is a finite number
func IsFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

//Personal.AI order the ending
