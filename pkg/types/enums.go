// Package types provides enumeration type definitions for halotrain.
// Each enumeration carries helper methods for type-safe conversions and
// validation across the training platform.
package types

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// ============================================================================
// Run Mode
// ============================================================================

// Mode represents the top-level run mode
type Mode string

const (
	// ModeTrain runs the full optimization loop
	ModeTrain Mode = "train"

	// ModeEval runs a single gradient-free evaluation pass
	ModeEval Mode = "eval"

	// ModeSample generates a sample artifact from the policy
	ModeSample Mode = "sample"
)

// String returns the string representation
func (m Mode) String() string {
	return string(m)
}

// Valid checks if the mode is valid
func (m Mode) Valid() bool {
	switch m {
	case ModeTrain, ModeEval, ModeSample:
		return true
	default:
		return false
	}
}

// FromStringMode converts string to Mode
func FromStringMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(s))
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode: %s", s)
	}
	return m, nil
}

// ============================================================================
// Loss Name
// ============================================================================

// LossName represents the configured alignment objective
type LossName string

const (
	// LossSFT represents supervised fine-tuning
	LossSFT LossName = "sft"

	// LossDPO represents direct preference optimization
	LossDPO LossName = "dpo"

	// LossSLiC represents sequence-likelihood calibration
	LossSLiC LossName = "slic"

	// LossKTO represents the Kahneman-Tversky objective with a
	// batch-wide KL reference point
	LossKTO LossName = "kto"

	// LossKTOSimple represents the within-batch class-mean KTO variant
	LossKTOSimple LossName = "kto-simple"

	// LossKTOZero represents the KTO variant with reference point zero
	LossKTOZero LossName = "kto-zero"
)

// String returns the string representation
func (ln LossName) String() string {
	return string(ln)
}

// Valid checks if the loss name is known
func (ln LossName) Valid() bool {
	switch ln {
	case LossSFT, LossDPO, LossSLiC, LossKTO, LossKTOSimple, LossKTOZero:
		return true
	default:
		return false
	}
}

// Paired reports whether the loss consumes same-prompt chosen/rejected pairs
func (ln LossName) Paired() bool {
	switch ln {
	case LossDPO, LossSLiC:
		return true
	default:
		return false
	}
}

// NeedsKLSlots reports whether batches must carry shifted-pair KL slots
func (ln LossName) NeedsKLSlots() bool {
	return ln == LossKTO
}

// FromStringLossName converts string to LossName
func FromStringLossName(s string) (LossName, error) {
	ln := LossName(strings.ToLower(s))
	if !ln.Valid() {
		return "", fmt.Errorf("invalid loss name: %s", s)
	}
	return ln, nil
}

// Value implements driver.Valuer for database storage
func (ln LossName) Value() (driver.Value, error) {
	return string(ln), nil
}

// Scan implements sql.Scanner for database retrieval
func (ln *LossName) Scan(value interface{}) error {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan type %T into LossName", value)
	}

	parsed, err := FromStringLossName(str)
	if err != nil {
		return err
	}
	*ln = parsed
	return nil
}

// ============================================================================
// DataLoader Kind
// ============================================================================

// LoaderKind represents the example source variant feeding the trainer
type LoaderKind string

const (
	// LoaderPaired yields one chosen and one rejected response per example
	LoaderPaired LoaderKind = "paired"

	// LoaderUnpaired yields one response with a binary desirability label
	LoaderUnpaired LoaderKind = "unpaired"

	// LoaderSFT yields only a desirable response
	LoaderSFT LoaderKind = "sft"
)

// String returns the string representation
func (lk LoaderKind) String() string {
	return string(lk)
}

// Valid checks if the loader kind is known
func (lk LoaderKind) Valid() bool {
	switch lk {
	case LoaderPaired, LoaderUnpaired, LoaderSFT:
		return true
	default:
		return false
	}
}

// FromStringLoaderKind converts string to LoaderKind
func FromStringLoaderKind(s string) (LoaderKind, error) {
	lk := LoaderKind(strings.ToLower(s))
	if !lk.Valid() {
		return "", fmt.Errorf("invalid dataloader kind: %s", s)
	}
	return lk, nil
}

// ============================================================================
// Numeric Precision
// ============================================================================

// DType represents a numeric precision policy applied to model values
type DType string

const (
	// DTypeFloat64 keeps full double precision
	DTypeFloat64 DType = "float64"

	// DTypeFloat32 rounds values through single precision
	DTypeFloat32 DType = "float32"
)

// String returns the string representation
func (dt DType) String() string {
	return string(dt)
}

// Valid checks if the dtype is supported
func (dt DType) Valid() bool {
	switch dt {
	case DTypeFloat64, DTypeFloat32:
		return true
	default:
		return false
	}
}

// Round applies the precision policy to a value
func (dt DType) Round(v float64) float64 {
	if dt == DTypeFloat32 {
		return float64(float32(v))
	}
	return v
}

// FromStringDType converts string to DType
func FromStringDType(s string) (DType, error) {
	dt := DType(strings.ToLower(s))
	if !dt.Valid() {
		return "", fmt.Errorf("invalid dtype: %s", s)
	}
	return dt, nil
}

// ============================================================================
// Optimizer Name
// ============================================================================

// OptimizerName represents the optimizer family used for policy updates
type OptimizerName string

const (
	// OptimizerSGD represents plain stochastic gradient descent
	OptimizerSGD OptimizerName = "sgd"

	// OptimizerAdamW represents Adam with decoupled weight decay
	OptimizerAdamW OptimizerName = "adamw"
)

// String returns the string representation
func (on OptimizerName) String() string {
	return string(on)
}

// Valid checks if the optimizer name is known
func (on OptimizerName) Valid() bool {
	switch on {
	case OptimizerSGD, OptimizerAdamW:
		return true
	default:
		return false
	}
}

// FromStringOptimizerName converts string to OptimizerName
func FromStringOptimizerName(s string) (OptimizerName, error) {
	on := OptimizerName(strings.ToLower(s))
	if !on.Valid() {
		return "", fmt.Errorf("invalid optimizer: %s", s)
	}
	return on, nil
}

// ============================================================================
// Tracker Kind
// ============================================================================

// TrackerKind represents the experiment tracking sink
type TrackerKind string

const (
	// TrackerLog writes metric events to the structured log
	TrackerLog TrackerKind = "log"

	// TrackerKafka publishes metric events to a kafka topic
	TrackerKafka TrackerKind = "kafka"

	// TrackerPostgres persists metric points to a postgres run registry
	TrackerPostgres TrackerKind = "postgres"
)

// String returns the string representation
func (tk TrackerKind) String() string {
	return string(tk)
}

// Valid checks if the tracker kind is known
func (tk TrackerKind) Valid() bool {
	switch tk {
	case TrackerLog, TrackerKafka, TrackerPostgres:
		return true
	default:
		return false
	}
}

//Personal.AI order the ending
