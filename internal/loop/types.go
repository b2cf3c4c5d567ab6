// Package loop contains the iteration state machine that drives the
// design → verify → repair cycle, plus the testbench selection policy.
package loop

import (
	"errors"

	"veriforge/internal/filestore"
	"veriforge/internal/toolchain"
)

// ============================================================================
// STATE MACHINE
// ============================================================================

// State is the controller's position in the iteration state machine.
type State string

const (
	StateInit               State = "INIT"
	StateDesigning          State = "DESIGNING"
	StateSelectingTestbench State = "SELECTING_TESTBENCH"
	StateVerifying          State = "VERIFYING"
	StatePassed             State = "PASSED"
	StateRetry              State = "RETRY"
	StateExhausted          State = "EXHAUSTED"
	StateDone               State = "DONE"
)

func (s State) String() string { return string(s) }

// ErrMaxIterations reports loop exhaustion without a passing design.
var ErrMaxIterations = errors.New("max_iterations_reached")

// FailureMaxIterations is the terminal failure reason on exhaustion.
const FailureMaxIterations = "max_iterations_reached"

// ============================================================================
// RECORDS
// ============================================================================

// IterationRecord captures one full design→verify→classify cycle. Records
// are append-only: once committed to history they are never mutated.
type IterationRecord struct {
	IterationNumber int                           `json:"iteration_number"`
	DesignFiles     []filestore.SourceFileRef     `json:"design_files"`
	TestbenchUsed   string                        `json:"testbench_used"`
	Category        toolchain.Category            `json:"category"`
	Diagnostics     []toolchain.CompileDiagnostic `json:"diagnostics"`
	Suggestions     []string                      `json:"suggestions"`
	Passed          bool                          `json:"passed"`
	DurationMs      int64                         `json:"duration_ms"`
}

// LoopResult is the terminal value of one loop invocation. On exhaustion it
// carries the full history so callers can diagnose why convergence failed.
type LoopResult struct {
	Success          bool
	TotalIterations  int
	FinalDesignFiles []filestore.SourceFileRef
	FailureReason    string
	History          []IterationRecord
}

// Request parameterizes one loop invocation.
type Request struct {
	Requirements      string
	UserTestbenchPath string
	MaxIterations     int
}
