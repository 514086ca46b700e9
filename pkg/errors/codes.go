// Package errors defines error code constants for halotrain.
// Each error code includes a unique identifier, error type, and message
// template for consistent error handling across the training platform.
package errors

// ErrorCode represents a structured error code definition
type ErrorCode struct {
	Code    string
	Type    ErrorType
	Message string
}

// Standard error codes organized by category

// ============================================================================
// Configuration Errors (CONFIG_xxx) — fatal at startup, never retried
// ============================================================================

var (
	// ErrConfigUnknownLoss indicates an unknown loss tag in the loss block
	ErrConfigUnknownLoss = ErrorCode{
		Code:    "CONFIG_001",
		Type:    ErrorTypeConfig,
		Message: "Unknown loss name",
	}

	// ErrConfigUnknownLoader indicates an unknown dataloader variant tag
	ErrConfigUnknownLoader = ErrorCode{
		Code:    "CONFIG_002",
		Type:    ErrorTypeConfig,
		Message: "Unknown dataloader kind",
	}

	// ErrConfigBadFraction indicates a batch composition fraction outside (0,1]
	ErrConfigBadFraction = ErrorCode{
		Code:    "CONFIG_003",
		Type:    ErrorTypeConfig,
		Message: "Batch composition fraction must be in (0,1]",
	}

	// ErrConfigReferenceRequired indicates the configured loss needs a
	// reference model that is missing or unloadable
	ErrConfigReferenceRequired = ErrorCode{
		Code:    "CONFIG_004",
		Type:    ErrorTypeConfig,
		Message: "Configured loss requires a reference model",
	}

	// ErrConfigBadBudget indicates neither an epoch nor an example budget
	ErrConfigBadBudget = ErrorCode{
		Code:    "CONFIG_005",
		Type:    ErrorTypeConfig,
		Message: "Run needs n_epochs or n_examples",
	}
)

// ============================================================================
// Data Errors (DATA_xxx) — fatal for the step, surfaced with batch context
// ============================================================================

var (
	// ErrDataMissingField indicates an example lacks a field the loss needs
	ErrDataMissingField = ErrorCode{
		Code:    "DATA_001",
		Type:    ErrorTypeData,
		Message: "Example missing required field for configured loss",
	}

	// ErrDataEmptyClass indicates a batch is missing a class the loss needs
	ErrDataEmptyClass = ErrorCode{
		Code:    "DATA_002",
		Type:    ErrorTypeData,
		Message: "Batch has an empty desirable/undesirable class",
	}

	// ErrDataSplitPair indicates a paired example would straddle two batches
	ErrDataSplitPair = ErrorCode{
		Code:    "DATA_003",
		Type:    ErrorTypeData,
		Message: "Paired example cannot be split across batches",
	}
)

// ============================================================================
// Training Errors (TRAIN_xxx)
// ============================================================================

var (
	// ErrTrainNonFinite indicates a non-finite loss or gradient
	ErrTrainNonFinite = ErrorCode{
		Code:    "TRAIN_001",
		Type:    ErrorTypeNumeric,
		Message: "Non-finite loss or gradient",
	}

	// ErrTrainNonFiniteBudget indicates too many non-finite steps
	ErrTrainNonFiniteBudget = ErrorCode{
		Code:    "TRAIN_002",
		Type:    ErrorTypeNumeric,
		Message: "Non-finite step budget exhausted",
	}

	// ErrTrainDataBudget indicates too many defective batches
	ErrTrainDataBudget = ErrorCode{
		Code:    "TRAIN_003",
		Type:    ErrorTypeData,
		Message: "Data error budget exhausted",
	}
)

// ============================================================================
// Checkpoint Errors (CKPT_xxx) — retried once with backoff, then fatal
// ============================================================================

var (
	// ErrCheckpointWrite indicates a checkpoint write failure
	ErrCheckpointWrite = ErrorCode{
		Code:    "CKPT_001",
		Type:    ErrorTypeCheckpoint,
		Message: "Failed to write checkpoint",
	}

	// ErrCheckpointRestore indicates a checkpoint could not be loaded
	ErrCheckpointRestore = ErrorCode{
		Code:    "CKPT_002",
		Type:    ErrorTypeCheckpoint,
		Message: "Failed to restore checkpoint",
	}
)

// ============================================================================
// Distributed Errors (DIST_xxx) — fatal for the whole run
// ============================================================================

var (
	// ErrDistBarrier indicates a worker failed to reach a barrier
	ErrDistBarrier = ErrorCode{
		Code:    "DIST_001",
		Type:    ErrorTypeDistributed,
		Message: "Worker failed to reach synchronization barrier",
	}

	// ErrDistShape indicates mismatched collective operand shapes
	ErrDistShape = ErrorCode{
		Code:    "DIST_002",
		Type:    ErrorTypeDistributed,
		Message: "Collective operand shape mismatch across ranks",
	}
)

// NewCoded creates an AppError from an ErrorCode definition
func NewCoded(ec ErrorCode) *AppError {
	return New(ec.Code, ec.Type, ec.Message)
}

// WrapCoded wraps an error with an ErrorCode definition
func WrapCoded(err error, ec ErrorCode) *AppError {
	wrapped := Wrap(err, ec.Code, ec.Message)
	if wrapped != nil {
		wrapped.Type = ec.Type
	}
	return wrapped
}

//Personal.AI order the ending
