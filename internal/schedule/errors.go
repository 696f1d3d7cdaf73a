package schedule

// ============================================================================
// Exchange Protocol Error Definitions
// Purpose: Define all errors a decoder can surface for a solution frame
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrProcessorMismatch indicates the frame was written for a different k
	ErrProcessorMismatch = errors.New("schedule: processor count mismatch")

	// ErrQueueOverflow indicates a queue length larger than the tasks still unassigned
	ErrQueueOverflow = errors.New("schedule: queue length exceeds remaining tasks")

	// ErrTaskOutOfRange indicates a task index outside [0, n)
	ErrTaskOutOfRange = errors.New("schedule: task index out of range")

	// ErrDuplicateTask indicates the same task appears twice in the frame
	ErrDuplicateTask = errors.New("schedule: duplicate task")

	// ErrMissingTasks indicates the frame ends with tasks left unassigned
	ErrMissingTasks = errors.New("schedule: tasks missing from frame")

	// ErrTruncated indicates the frame ended in the middle of a value
	ErrTruncated = errors.New("schedule: truncated frame")

	// ErrTrailingBytes indicates extra bytes after the checksum
	ErrTrailingBytes = errors.New("schedule: trailing bytes after frame")

	// ErrChecksumMismatch indicates the CRC32 trailer does not match the body
	ErrChecksumMismatch = errors.New("schedule: checksum mismatch")
)

// ProtocolError reports where in a frame decoding failed.
// It is the only error class expected from a worker boundary at run time.
type ProtocolError struct {
	Offset int   // Byte offset in the frame
	Cause  error // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("decode solution at offset %d: %v", e.Offset, e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

func protocolErr(offset int, cause error, format string, args ...any) error {
	if format != "" {
		cause = fmt.Errorf("%w: "+format, append([]any{cause}, args...)...)
	}
	return &ProtocolError{Offset: offset, Cause: cause}
}
