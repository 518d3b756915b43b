package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrConfigRequired = sterrors.New("frameflow: configuration is required")
	ErrLoggerRequired = sterrors.New("frameflow: logger is required")

	// ErrInvalidGraph rejects a mutation that would leave a frame with a
	// duplicate object id, a dangling or cross-frame parent, or a cycle.
	ErrInvalidGraph = sterrors.New("frameflow: invalid object graph")
	ErrNotFound     = sterrors.New("frameflow: not found")
	// ErrStageConflict is returned when a stage touches a frame it does not own.
	ErrStageConflict = sterrors.New("frameflow: frame is owned by another stage")

	ErrCorruptEnvelope   = sterrors.New("frameflow: corrupt envelope")
	ErrUnsupportedSchema = sterrors.New("frameflow: unsupported schema version")

	ErrTimeout        = sterrors.New("frameflow: timeout")
	ErrBackpressure   = sterrors.New("frameflow: backpressure")
	ErrDeliveryFailed = sterrors.New("frameflow: delivery failed")
	ErrCacheFull      = sterrors.New("frameflow: cache full")
	ErrClosed         = sterrors.New("frameflow: closed")

	ErrAlreadyHeld = sterrors.New("frameflow: lease already held")
	ErrLeaseLost   = sterrors.New("frameflow: lease lost")

	ErrEval = sterrors.New("frameflow: expression evaluation failed")

	ErrUnsupportedPattern = sterrors.New("frameflow: operation not supported by socket pattern")
)

// GraphViolation names the structural rule an object insertion broke.
type GraphViolation string

const (
	ViolationInvalidID     GraphViolation = "object id must be positive"
	ViolationDuplicateID   GraphViolation = "duplicate object id"
	ViolationMissingParent GraphViolation = "parent does not resolve"
	ViolationCrossFrame    GraphViolation = "parent belongs to another frame"
	ViolationCycle         GraphViolation = "parent chain forms a cycle"
)

// GraphError describes a rejected object graph mutation.
type GraphError struct {
	FrameID   string
	ObjectID  int64
	Violation GraphViolation
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("frameflow: invalid object graph: frame %s object %d: %s", e.FrameID, e.ObjectID, e.Violation)
}

// Is implements errors.Is for GraphError.
func (e *GraphError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// SchemaError reports an envelope payload written with a schema version the
// decoder does not understand.
type SchemaError struct {
	Version uint32
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("frameflow: unsupported schema version %d", e.Version)
}

// Is implements errors.Is for SchemaError.
func (e *SchemaError) Is(target error) bool {
	return target == ErrUnsupportedSchema
}

// TimeoutError is returned when a bounded wait elapses. It unwraps to
// context.DeadlineExceeded so callers may test either.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("frameflow: %s timed out after %v", e.Op, e.After)
	}
	return fmt.Sprintf("frameflow: %s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Is implements errors.Is for TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// DeliveryError is surfaced once the retry ceiling for a destination is exhausted.
type DeliveryError struct {
	Destination string
	Attempts    int
	Cause       error
}

func (e *DeliveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("frameflow: delivery to %q failed after %d attempts: %v", e.Destination, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("frameflow: delivery to %q failed after %d attempts", e.Destination, e.Attempts)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// EvalError wraps a failure to compile or evaluate a predicate expression.
type EvalError struct {
	Expr  string
	Cause error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("frameflow: evaluating %q: %v", e.Expr, e.Cause)
}

func (e *EvalError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for EvalError.
func (e *EvalError) Is(target error) bool {
	return target == ErrEval
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "frameflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
