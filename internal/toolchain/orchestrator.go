// Package toolchain invokes the external HDL compiler and simulator as
// subprocesses and turns their raw output into structured diagnostics.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"veriforge/internal/config"
	"veriforge/internal/logging"
)

// ============================================================================
// PHASES AND RESULTS
// ============================================================================

// Phase identifies how far a toolchain run progressed.
type Phase string

const (
	PhaseFileValidation    Phase = "file_validation"
	PhaseCompilation       Phase = "compilation"
	PhaseSimulation        Phase = "simulation"
	PhaseSimulationTimeout Phase = "simulation_timeout"
)

// RunResult captures the outcome of one compile+simulate pass. Success means
// both phases completed with exit code 0; it does not by itself mean the
// testbench's checks passed — callers read that from Stdout.
type RunResult struct {
	Phase    Phase
	ExitCode int
	Stdout   string
	Stderr   string
	Success  bool
}

// ErrToolchainMissing reports that the compiler or simulator binary is not
// installed. This is an environment problem: retrying the loop cannot fix it.
var ErrToolchainMissing = errors.New("hdl toolchain not found")

// ============================================================================
// ORCHESTRATOR
// ============================================================================

// Orchestrator runs the two-phase toolchain. It is a pure function over its
// inputs and holds no cross-call state beyond its configuration.
type Orchestrator struct {
	compiler   string
	simulator  string
	workDir    string
	simTimeout time.Duration
}

// New resolves both toolchain binaries up front so a missing installation
// fails at construction rather than mid-loop.
func New(cfg *config.Config) (*Orchestrator, error) {
	compiler, err := exec.LookPath(cfg.Toolchain.Compiler)
	if err != nil {
		return nil, fmt.Errorf("%w: compiler %q: %v", ErrToolchainMissing, cfg.Toolchain.Compiler, err)
	}
	simulator, err := exec.LookPath(cfg.Toolchain.Simulator)
	if err != nil {
		return nil, fmt.Errorf("%w: simulator %q: %v", ErrToolchainMissing, cfg.Toolchain.Simulator, err)
	}

	workDir := cfg.Toolchain.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create toolchain work dir: %w", err)
	}

	return &Orchestrator{
		compiler:   compiler,
		simulator:  simulator,
		workDir:    workDir,
		simTimeout: cfg.SimTimeout(),
	}, nil
}

// Run compiles the design files together with the testbench, then simulates
// the compiled artifact under a hard wall-clock timeout. The two child
// processes run strictly sequentially; the simulator is never invoked when
// compilation fails. The compiled artifact is removed in every outcome.
func (o *Orchestrator) Run(ctx context.Context, designFiles []string, testbenchFile string) RunResult {
	timer := logging.StartTimer(logging.CategoryToolchain, "run")
	defer timer.Stop()

	if result, ok := o.validateInputs(designFiles, testbenchFile); !ok {
		return result
	}

	// Deterministic compile command for identical input sets.
	sorted := append([]string(nil), designFiles...)
	sort.Strings(sorted)

	artifact := o.artifactPath()
	defer os.Remove(artifact)

	if result, ok := o.compile(ctx, sorted, testbenchFile, artifact); !ok {
		return result
	}

	return o.simulate(ctx, artifact)
}

// validateInputs fails fast before any process is spawned: the toolchain is
// never invoked with a partial file set.
func (o *Orchestrator) validateInputs(designFiles []string, testbenchFile string) (RunResult, bool) {
	var missing []string
	for _, f := range append(append([]string(nil), designFiles...), testbenchFile) {
		if _, err := os.Stat(f); err != nil {
			missing = append(missing, f)
		}
	}
	if len(designFiles) == 0 {
		missing = append(missing, "(no design files)")
	}
	if len(missing) == 0 {
		return RunResult{}, true
	}

	logging.ToolchainError("input validation failed: %v", missing)
	return RunResult{
		Phase:    PhaseFileValidation,
		ExitCode: -1,
		Stderr:   fmt.Sprintf("missing input files: %v", missing),
	}, false
}

func (o *Orchestrator) compile(ctx context.Context, designFiles []string, testbenchFile, artifact string) (RunResult, bool) {
	args := append([]string{"-o", artifact}, designFiles...)
	args = append(args, testbenchFile)

	logging.Toolchain("compile: %s %v", o.compiler, args)

	cmd := exec.CommandContext(ctx, o.compiler, args...)
	cmd.Dir = o.workDir
	cmd.Env = MergeEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := RunResult{
		Phase:    PhaseCompilation,
		ExitCode: exitCodeOf(cmd, err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		logging.ToolchainError("compile failed (exit %d): %s", result.ExitCode, truncateForLog(result.Stderr))
		return result, false
	}
	return result, true
}

func (o *Orchestrator) simulate(ctx context.Context, artifact string) RunResult {
	simCtx, cancel := context.WithTimeout(ctx, o.simTimeout)
	defer cancel()

	logging.Toolchain("simulate: %s %s (timeout %s)", o.simulator, artifact, o.simTimeout)

	cmd := exec.CommandContext(simCtx, o.simulator, artifact)
	cmd.Dir = o.workDir
	// Waveform dumps are useless inside an automated loop and can grow
	// unbounded when a testbench never terminates.
	cmd.Env = MergeEnv(os.Environ(), "IVERILOG_DUMPER=none")
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := RunResult{
		Phase:    PhaseSimulation,
		ExitCode: exitCodeOf(cmd, err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if simCtx.Err() == context.DeadlineExceeded {
		result.Phase = PhaseSimulationTimeout
		logging.ToolchainError("simulation killed after %s", o.simTimeout)
		return result
	}
	if err != nil {
		logging.ToolchainError("simulation failed (exit %d): %s", result.ExitCode, truncateForLog(result.Stderr))
		return result
	}

	result.Success = true
	logging.ToolchainDebug("simulation completed, %d bytes of output", stdout.Len())
	return result
}

func (o *Orchestrator) artifactPath() string {
	return filepath.Join(o.workDir, fmt.Sprintf("sim_%s.vvp", uuid.New().String()[:8]))
}

// exitCodeOf extracts the child exit code, returning -1 when the process
// never ran or was killed.
func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func truncateForLog(s string) string {
	const limit = 400
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
