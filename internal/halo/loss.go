// Package halo implements the pluggable alignment objectives: supervised
// fine-tuning, paired preference losses (dpo, slic), and the unpaired
// Kahneman-Tversky family (kto, kto-simple, kto-zero). Strategies are pure
// functions from log probabilities to a loss and its analytic gradients;
// the trainer owns the backward pass.
package halo

import (
	"context"
	"math"
	"sync"

	"github.com/halotrain/halotrain/internal/collective"
	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

// ============================================================================
// Data Model
// ============================================================================

// LogProbs carries per-item sequence log probabilities for one microbatch.
// Paired losses use the Chosen/Rejected pairs of slices; unpaired losses use
// PolicyChosen/ReferenceChosen as the per-item target logps together with the
// Desirable labels. Reference slices are nil when no reference model is
// configured. KL slices are populated only for the kto loss.
type LogProbs struct {
	BatchIndex int
	ExampleIDs []string

	PolicyChosen   []float64
	PolicyRejected []float64

	ReferenceChosen   []float64
	ReferenceRejected []float64

	PolicyKL    []float64
	ReferenceKL []float64

	Desirable []bool
}

// Rows returns the number of items in the microbatch
func (lp *LogProbs) Rows() int {
	return len(lp.PolicyChosen)
}

// HasReference reports whether reference logps are present
func (lp *LogProbs) HasReference() bool {
	return lp.ReferenceChosen != nil
}

// LossInputs bundles everything a strategy may consume
type LossInputs struct {
	// LogProbs for this rank's microbatch slice
	LogProbs *LogProbs

	// Member enables cross-rank estimates (kto's batch-wide KL term);
	// nil in single-worker runs means rank-local estimates
	Member *collective.Member
}

// LossResult carries the loss and the analytic per-item gradients the
// trainer feeds into the backward pass. Gradient slices align with the
// corresponding LogProbs slices and are derivatives of the mean loss.
type LossResult struct {
	// Loss is the mean loss over this microbatch slice
	Loss float64

	// Losses holds the per-item loss values
	Losses []float64

	// ChosenRewards / RejectedRewards are the implicit reward margins
	// (beta-scaled policy/reference log ratios) per class
	ChosenRewards   []float64
	RejectedRewards []float64

	// DPolicyChosen / DPolicyRejected are dLoss/dlogp per item
	DPolicyChosen   []float64
	DPolicyRejected []float64

	// KL is the reference-point estimate reported by kto variants
	KL float64
}

// ============================================================================
// Strategy Contract
// ============================================================================

// Strategy computes one alignment objective
type Strategy interface {
	// Name returns the loss tag
	Name() types.LossName

	// NeedsReference reports whether the objective consumes a frozen
	// reference model
	NeedsReference() bool

	// Compute evaluates the loss and its gradients; it never mutates
	// its inputs
	Compute(ctx context.Context, in LossInputs) (*LossResult, error)
}

// Params carries the loss-block hyperparameters shared by all strategies
type Params struct {
	Beta              float64
	Margin            float64
	SFTCoef           float64
	DesirableWeight   float64
	UndesirableWeight float64
	UseReference      bool
}

// ============================================================================
// Registry
// ============================================================================

// factory builds a strategy from loss parameters
type factory func(p Params) Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[types.LossName]factory)
)

// register adds a strategy factory; called from variant init functions
func register(name types.LossName, f factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Resolve returns the strategy for a loss tag. Unknown tags are fatal
// configuration errors; resolution happens once at startup.
func Resolve(name types.LossName, p Params) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.NewCoded(errors.ErrConfigUnknownLoss).
			WithDetails("loss", name.String())
	}

	s := f(p)
	if s.NeedsReference() && !p.UseReference {
		return nil, errors.NewCoded(errors.ErrConfigReferenceRequired).
			WithDetails("loss", name.String())
	}
	return s, nil
}

// Registered lists the known loss tags
func Registered() []types.LossName {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]types.LossName, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// ============================================================================
// Shared Math
// ============================================================================

// sigmoid is the logistic function
func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// logSigmoid computes log(sigmoid(x)) without overflow
func logSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// refAt returns ref[i], or 0 when no reference model is configured
func refAt(ref []float64, i int) float64 {
	if ref == nil {
		return 0
	}
	return ref[i]
}

// emptyClassError builds the DATA defect for a one-class microbatch
func emptyClassError(lp *LogProbs, desirable, undesirable int) error {
	return errors.NewCoded(errors.ErrDataEmptyClass).
		WithDetails("batch_index", lp.BatchIndex).
		WithDetails("example_ids", lp.ExampleIDs).
		WithDetails("desirable", desirable).
		WithDetails("undesirable", undesirable)
}

//Personal.AI order the ending
