// Package trainer implements the training control loop: a state machine
// driving batch assembly, loss computation, distributed gradient updates,
// evaluation cadence, and atomic checkpointing across the worker group.
package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halotrain/halotrain/pkg/errors"
)

// ============================================================================
// Phases
// ============================================================================

// Phase is the trainer's position in its state machine
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhaseWarmup     Phase = "WARMUP"
	PhaseTrainStep  Phase = "TRAIN_STEP"
	PhaseEval       Phase = "EVAL"
	PhaseCheckpoint Phase = "CHECKPOINT"
	PhaseDone       Phase = "DONE"
	PhaseFailed     Phase = "FAILED"
)

// StateFileName is the trainer position artifact inside a checkpoint
const StateFileName = "trainer_state.json"

// LatestDirName is the rolling checkpoint directory under the run dir
const LatestDirName = "LATEST"

// ============================================================================
// Persistent State
// ============================================================================

// State is the serializable trainer position. Together with the policy and
// optimizer artifacts it lets a restored run continue deterministically:
// re-opening the recorded epoch and replaying the recorded number of batches
// reproduces the exact next example.
type State struct {
	RunID    string `json:"run_id"`
	ExpName  string `json:"exp_name"`
	LossName string `json:"loss_name"`

	Epoch          int `json:"epoch"`
	BatchesInEpoch int `json:"batches_in_epoch"`
	ExampleCounter int `json:"example_counter"`
	OptimizerSteps int `json:"optimizer_steps"`

	NonFiniteSteps int `json:"nonfinite_steps"`
	DataErrors     int `json:"data_errors"`

	// LastEvalBucket tracks which eval_every bucket was last evaluated so a
	// restored run does not re-run the same evaluation
	LastEvalBucket int `json:"last_eval_bucket"`

	SavedAt time.Time `json:"saved_at"`
}

// Save writes the state into a checkpoint directory via temp and rename
func (s *State) Save(dir string) error {
	s.SavedAt = time.Now()

	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.WrapCoded(err, errors.ErrCheckpointWrite).WithDetails("path", dir)
	}

	path := filepath.Join(dir, StateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.WrapCoded(err, errors.ErrCheckpointWrite).WithDetails("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WrapCoded(err, errors.ErrCheckpointWrite).WithDetails("path", path)
	}
	return nil
}

// LoadState reads the trainer position from a checkpoint directory
func LoadState(dir string) (*State, error) {
	payload, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		return nil, errors.WrapCoded(err, errors.ErrCheckpointRestore).WithDetails("path", dir)
	}

	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, errors.WrapCoded(err, errors.ErrCheckpointRestore).WithDetails("path", dir)
	}
	return &st, nil
}

// HasCheckpoint reports whether dir holds a resumable trainer state
func HasCheckpoint(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, StateFileName))
	return err == nil
}

// ============================================================================
// Live Status
// ============================================================================

// Status is a point-in-time view of the run served by the status API
type Status struct {
	RunID    string `json:"run_id"`
	ExpName  string `json:"exp_name"`
	LossName string `json:"loss_name"`
	Phase    Phase  `json:"phase"`

	Epoch          int `json:"epoch"`
	ExampleCounter int `json:"example_counter"`
	OptimizerSteps int `json:"optimizer_steps"`

	TrainLoss    float64 `json:"train_loss"`
	EvalLoss     float64 `json:"eval_loss"`
	GradNorm     float64 `json:"grad_norm"`
	LearningRate float64 `json:"learning_rate"`

	NonFiniteSteps int `json:"nonfinite_steps"`
	DataErrors     int `json:"data_errors"`

	LastCheckpoint string    `json:"last_checkpoint,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StatusBoard is the mutex-guarded live status shared between the rank 0
// worker and the status API
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
}

// NewStatusBoard creates an empty status board in the INIT phase
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{status: Status{Phase: PhaseInit, UpdatedAt: time.Now()}}
}

// Update applies a mutation under the write lock
func (b *StatusBoard) Update(fn func(*Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.status)
	b.status.UpdatedAt = time.Now()
}

// Get returns a copy of the current status
func (b *StatusBoard) Get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

//Personal.AI order the ending
