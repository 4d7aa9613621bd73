package voice

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("voice connection not established")
	ErrAlreadyConnected = errors.New("voice connection already established")
	ErrConnectTimeout   = errors.New("timed out waiting for voice ready")
	ErrGenerateTimeout  = errors.New("reply generation timed out")
)

// InvalidStateTransitionError reports a call method invoked from a state
// that does not permit it. Disallowed calls always fail loudly; they never
// silently no-op.
type InvalidStateTransitionError struct {
	Op    string
	State CallState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s is not allowed while call is %s", e.Op, e.State)
}

// SynthesisError reports a failed TTS call for one response chunk. A single
// failed chunk aborts the whole response.
type SynthesisError struct {
	Chunk int
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize response chunk %d: %v", e.Chunk, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
