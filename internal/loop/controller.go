package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"veriforge/internal/config"
	"veriforge/internal/filestore"
	"veriforge/internal/gen"
	"veriforge/internal/hdl"
	"veriforge/internal/logging"
	"veriforge/internal/toolchain"
)

// ============================================================================
// COLLABORATOR INTERFACES
// ============================================================================

// DesignProducer is the external design capability.
type DesignProducer interface {
	ProduceDesign(ctx context.Context, req gen.DesignRequest) ([]filestore.SourceFileRef, error)
}

// TestbenchProducer is the external verification capability.
type TestbenchProducer interface {
	ProduceTestbench(ctx context.Context, req gen.TestbenchRequest) (filestore.SourceFileRef, error)
}

// ToolchainRunner compiles and simulates one candidate file set.
type ToolchainRunner interface {
	Run(ctx context.Context, designFiles []string, testbenchFile string) toolchain.RunResult
}

// Analyzer resolves module structure from source files.
type Analyzer interface {
	Analyze(files []filestore.SourceFileRef) hdl.AnalysisResult
	PrimaryModule(path string) string
}

// IterationRecorder persists committed iteration records.
type IterationRecorder interface {
	RecordIteration(runID string, iteration int, passed bool, category, testbench, designFilesJSON, diagnosticsJSON string, durationMs int64) error
}

// ============================================================================
// CONTROLLER
// ============================================================================

// Controller drives the iteration state machine. All collaborators are
// injected at construction; the controller owns no process-wide state and
// its lifecycle is one Run call.
type Controller struct {
	design   DesignProducer
	verify   TestbenchProducer
	tool     ToolchainRunner
	analyzer Analyzer
	recorder IterationRecorder

	maxIterations       int
	perIterationTimeout time.Duration
	feedbackMaxBytes    int

	mu      sync.Mutex
	state   State
	history []IterationRecord
	runID   string
}

// NewController wires the loop's collaborators together.
func NewController(design DesignProducer, verify TestbenchProducer, tool ToolchainRunner, analyzer Analyzer, recorder IterationRecorder, cfg *config.Config) *Controller {
	return &Controller{
		design:              design,
		verify:              verify,
		tool:                tool,
		analyzer:            analyzer,
		recorder:            recorder,
		maxIterations:       cfg.Loop.MaxIterations,
		perIterationTimeout: cfg.PerIterationTimeout(),
		feedbackMaxBytes:    cfg.Loop.FeedbackMaxBytes,
		state:               StateInit,
	}
}

// State reports the controller's current position in the state machine.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the committed iteration records.
func (c *Controller) History() []IterationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]IterationRecord(nil), c.history...)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	logging.LoopDebug("state -> %s", s)
}

// failMarkerRe matches explicit failure summaries printed by self-checking
// testbenches. Exit code 0 alone does not mean the checks passed.
var failMarkerRe = regexp.MustCompile(`\bFAIL`)

// Run executes the loop until a design passes or the iteration budget is
// exhausted. Iterations are strictly sequential: iteration n+1 never starts
// before iteration n's record is committed to history.
func (c *Controller) Run(ctx context.Context, req Request) LoopResult {
	c.mu.Lock()
	c.runID = uuid.New().String()
	c.history = nil
	c.mu.Unlock()

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = c.maxIterations
	}

	logging.Loop("run %s started: max %d iterations, user testbench %q",
		c.shortRunID(), maxIterations, req.UserTestbenchPath)

	feedback := ""
	generatedTB := ""
	var pool []filestore.SourceFileRef
	var lastFiles []filestore.SourceFileRef

	for iteration := 1; iteration <= maxIterations; iteration++ {
		iterCtx, cancel := context.WithTimeout(ctx, c.perIterationTimeout)
		record, files, newTB := c.iterate(iterCtx, req, iteration, feedback, generatedTB, &pool)
		cancel()

		if newTB != "" {
			generatedTB = newTB
		}
		if len(files) > 0 {
			lastFiles = files
		}

		c.commit(record)

		if record.Passed {
			c.setState(StatePassed)
			c.setState(StateDone)
			logging.Loop("run %s passed on iteration %d", c.shortRunID(), iteration)
			return LoopResult{
				Success:          true,
				TotalIterations:  iteration,
				FinalDesignFiles: files,
				History:          c.History(),
			}
		}

		c.setState(StateRetry)
		feedback = c.feedbackFor(record)
		logging.Loop("run %s iteration %d failed (%s), retrying",
			c.shortRunID(), iteration, record.Category)
	}

	c.setState(StateExhausted)
	logging.LoopWarn("run %s exhausted after %d iterations", c.shortRunID(), maxIterations)
	return LoopResult{
		Success:          false,
		TotalIterations:  maxIterations,
		FinalDesignFiles: lastFiles,
		FailureReason:    FailureMaxIterations,
		History:          c.History(),
	}
}

// iterate performs one full cycle and returns its record, the candidate file
// set it verified, and any newly generated testbench path.
func (c *Controller) iterate(ctx context.Context, req Request, iteration int, feedback, generatedTB string, pool *[]filestore.SourceFileRef) (record IterationRecord, files []filestore.SourceFileRef, newTB string) {
	start := time.Now()
	record = IterationRecord{IterationNumber: iteration}
	defer func() { record.DurationMs = time.Since(start).Milliseconds() }()

	// --- DESIGNING ---
	c.setState(StateDesigning)
	refs, err := c.design.ProduceDesign(ctx, gen.DesignRequest{
		Requirements: req.Requirements,
		Feedback:     feedback,
	})
	if err != nil {
		logging.LoopError("iteration %d: design capability failed: %v", iteration, err)
		record.Category = toolchain.CategoryOther
		record.Suggestions = []string{fmt.Sprintf("design capability call failed: %v", err)}
		return record, nil, ""
	}

	*pool = append(*pool, refs...)
	files, discarded := dedupeByModule(c.analyzer, *pool)
	for _, d := range discarded {
		logging.LoopDebug("iteration %d: discarded stale candidate %s (superseded by newer file for the same module)",
			iteration, d.Path)
	}
	record.DesignFiles = files

	analysis := c.analyzer.Analyze(files)
	if len(analysis.Missing) > 0 {
		// Unresolved definitions are recoverable: the compiler will report
		// them and the next design attempt can supply the missing modules.
		logging.LoopWarn("iteration %d: unresolved module definitions: %v", iteration, analysis.Missing)
	}

	// --- SELECTING_TESTBENCH ---
	c.setState(StateSelectingTestbench)
	sel := SelectTestbench(iteration, req.UserTestbenchPath, generatedTB)
	logging.LoopDebug("iteration %d: testbench selection %q: %s", iteration, sel.Label, sel.Rationale)

	if sel.Path == "" {
		tbRef, err := c.synthesizeTestbench(ctx, req, files, analysis)
		if err != nil {
			logging.LoopError("iteration %d: testbench synthesis failed: %v", iteration, err)
			record.Category = toolchain.CategoryOther
			record.Suggestions = []string{fmt.Sprintf("verification capability call failed: %v", err)}
			return record, files, ""
		}
		newTB = tbRef.Path
		sel = Selection{Path: tbRef.Path, Label: "synthesized", Rationale: "no testbench existed; one was synthesized on demand"}
	}
	record.TestbenchUsed = sel.Path

	// --- VERIFYING ---
	c.setState(StateVerifying)
	result := c.tool.Run(ctx, pathsOf(files), sel.Path)
	classification := toolchain.Classify(result)

	passed := result.Success
	if passed && failMarkerRe.MatchString(result.Stdout) {
		passed = false
		classification = toolchain.Classification{
			Category:    toolchain.CategoryOther,
			Suggestions: []string{"the testbench reported failing checks; compare its expected values against the design behavior"},
		}
		logging.Loop("iteration %d: simulation completed but the testbench reported failures", iteration)
	}

	record.Passed = passed
	record.Category = classification.Category
	record.Diagnostics = classification.Diagnostics
	record.Suggestions = classification.Suggestions
	return record, files, newTB
}

// synthesizeTestbench asks the verification capability for a harness when no
// testbench exists for the current iteration.
func (c *Controller) synthesizeTestbench(ctx context.Context, req Request, files []filestore.SourceFileRef, analysis hdl.AnalysisResult) (filestore.SourceFileRef, error) {
	target := ""
	if len(analysis.TopLevel) > 0 {
		target = analysis.TopLevel[0]
	}
	return c.verify.ProduceTestbench(ctx, gen.TestbenchRequest{
		Requirements: req.Requirements,
		DesignFiles:  files,
		TargetModule: target,
	})
}

// commit appends the record to history and persists it. Persistence failures
// are logged, not fatal: the in-memory history remains authoritative for the
// returned LoopResult.
func (c *Controller) commit(record IterationRecord) {
	c.mu.Lock()
	c.history = append(c.history, record)
	runID := c.runID
	c.mu.Unlock()

	if c.recorder == nil {
		return
	}

	designJSON, _ := json.Marshal(pathsOf(record.DesignFiles))
	diagJSON, _ := json.Marshal(record.Diagnostics)
	if err := c.recorder.RecordIteration(runID, record.IterationNumber, record.Passed,
		string(record.Category), record.TestbenchUsed, string(designJSON), string(diagJSON),
		record.DurationMs); err != nil {
		logging.LoopError("failed to persist iteration %d: %v", record.IterationNumber, err)
	}
}

func (c *Controller) feedbackFor(record IterationRecord) string {
	return BuildFeedback(toolchain.Classification{
		Category:    record.Category,
		Diagnostics: record.Diagnostics,
		Suggestions: record.Suggestions,
	}, c.feedbackMaxBytes)
}

func (c *Controller) shortRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runID) >= 8 {
		return c.runID[:8]
	}
	return c.runID
}

// ============================================================================
// FILE SET RESOLUTION
// ============================================================================

// dedupeByModule collapses candidate files that define the same base module,
// keeping only the newest by creation time. Discarded files are returned so
// callers can keep a debug trail.
func dedupeByModule(analyzer Analyzer, refs []filestore.SourceFileRef) (kept, discarded []filestore.SourceFileRef) {
	best := make(map[string]filestore.SourceFileRef)
	for _, ref := range refs {
		name := analyzer.PrimaryModule(ref.Path)
		cur, seen := best[name]
		if !seen {
			best[name] = ref
			continue
		}
		if cur.CreatedAt.After(ref.CreatedAt) {
			discarded = append(discarded, ref)
		} else {
			discarded = append(discarded, cur)
			best[name] = ref
		}
	}

	names := make([]string, 0, len(best))
	for name := range best {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kept = append(kept, best[name])
	}
	return kept, discarded
}

func pathsOf(refs []filestore.SourceFileRef) []string {
	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		paths = append(paths, ref.Path)
	}
	return paths
}
