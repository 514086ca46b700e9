package model

import (
	"math"

	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

// ============================================================================
// Optimizer Contract
// ============================================================================

// Optimizer applies one parameter update from an accumulated gradient.
// Implementations own whatever moment state they carry; the state is
// serialized into checkpoints so a restored run continues identically.
type Optimizer interface {
	// Name returns the optimizer family tag
	Name() types.OptimizerName

	// Step updates params in place from grads at the given learning rate
	Step(params, grads []float64, lr float64)

	// State snapshots the optimizer for checkpointing
	State() *OptimizerState

	// LoadState restores a snapshot taken by State
	LoadState(st *OptimizerState) error
}

// OptimizerState is the serializable optimizer snapshot
type OptimizerState struct {
	Name  string    `json:"name"`
	Steps int       `json:"steps"`
	M     []float64 `json:"m,omitempty"`
	V     []float64 `json:"v,omitempty"`
}

// NewOptimizer builds the configured optimizer over size parameters
func NewOptimizer(name types.OptimizerName, size int) (Optimizer, error) {
	switch name {
	case types.OptimizerSGD:
		return &sgd{}, nil
	case types.OptimizerAdamW:
		return newAdamW(size), nil
	default:
		return nil, errors.ConfigErrorf("unknown optimizer: %s", name)
	}
}

// ============================================================================
// SGD
// ============================================================================

// sgd is plain stateless gradient descent
type sgd struct {
	steps int
}

func (s *sgd) Name() types.OptimizerName { return types.OptimizerSGD }

func (s *sgd) Step(params, grads []float64, lr float64) {
	for i := range params {
		params[i] -= lr * grads[i]
	}
	s.steps++
}

func (s *sgd) State() *OptimizerState {
	return &OptimizerState{Name: s.Name().String(), Steps: s.steps}
}

func (s *sgd) LoadState(st *OptimizerState) error {
	if st.Name != s.Name().String() {
		return errors.NewCoded(errors.ErrCheckpointRestore).
			WithDetails("expected_optimizer", s.Name().String()).
			WithDetails("found_optimizer", st.Name)
	}
	s.steps = st.Steps
	return nil
}

// ============================================================================
// AdamW
// ============================================================================

// adamW is Adam with decoupled weight decay. Bias correction follows the
// step count, so restored moments must restore the count with them.
type adamW struct {
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	steps int
	m     []float64
	v     []float64
}

func newAdamW(size int) *adamW {
	return &adamW{
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: 0.0,
		m:           make([]float64, size),
		v:           make([]float64, size),
	}
}

func (a *adamW) Name() types.OptimizerName { return types.OptimizerAdamW }

func (a *adamW) Step(params, grads []float64, lr float64) {
	a.steps++
	bc1 := 1 - math.Pow(a.beta1, float64(a.steps))
	bc2 := 1 - math.Pow(a.beta2, float64(a.steps))

	for i := range params {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*grads[i]
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*grads[i]*grads[i]

		mHat := a.m[i] / bc1
		vHat := a.v[i] / bc2

		params[i] -= lr * (mHat/(math.Sqrt(vHat)+a.eps) + a.weightDecay*params[i])
	}
}

func (a *adamW) State() *OptimizerState {
	return &OptimizerState{
		Name:  a.Name().String(),
		Steps: a.steps,
		M:     append([]float64(nil), a.m...),
		V:     append([]float64(nil), a.v...),
	}
}

func (a *adamW) LoadState(st *OptimizerState) error {
	if st.Name != a.Name().String() {
		return errors.NewCoded(errors.ErrCheckpointRestore).
			WithDetails("expected_optimizer", a.Name().String()).
			WithDetails("found_optimizer", st.Name)
	}
	if len(st.M) != len(a.m) || len(st.V) != len(a.v) {
		return errors.NewCoded(errors.ErrCheckpointRestore).
			WithDetails("expected_size", len(a.m)).
			WithDetails("found_size", len(st.M))
	}
	a.steps = st.Steps
	copy(a.m, st.M)
	copy(a.v, st.V)
	return nil
}

// ============================================================================
// Learning Rate Schedule
// ============================================================================

// Scheduler ramps the learning rate linearly over the warmup steps and
// holds it flat afterwards
type Scheduler struct {
	baseLR      float64
	warmupSteps int
}

// NewScheduler builds a warmup-then-flat schedule
func NewScheduler(baseLR float64, warmupSteps int) *Scheduler {
	return &Scheduler{baseLR: baseLR, warmupSteps: warmupSteps}
}

// LR returns the learning rate for a zero-based optimizer step. The ramp
// fraction is (step+1)/(warmupSteps+1), reaching the base rate at the step
// right after the warmup window.
func (s *Scheduler) LR(step int) float64 {
	if s.warmupSteps <= 0 || step >= s.warmupSteps {
		return s.baseLR
	}
	return s.baseLR * float64(step+1) / float64(s.warmupSteps+1)
}

//Personal.AI order the ending
