package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriforge/internal/config"
	"veriforge/internal/filestore"
	"veriforge/internal/gen"
	"veriforge/internal/hdl"
	"veriforge/internal/toolchain"
)

func writeDesign(t *testing.T, dir, name, content string, createdAt time.Time) filestore.SourceFileRef {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return filestore.SourceFileRef{
		ID:        name,
		Path:      path,
		Kind:      filestore.KindDesign,
		CreatedAt: createdAt,
	}
}

func loopConfig(maxIterations int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Loop.MaxIterations = maxIterations
	return cfg
}

func newTestController(design DesignProducer, verify TestbenchProducer, tool ToolchainRunner, recorder IterationRecorder, maxIterations int) *Controller {
	return NewController(design, verify, tool, hdl.NewAnalyzer(), recorder, loopConfig(maxIterations))
}

// The canonical convergence scenario: iteration 1 produces adder8 without
// its full_adder dependency, iteration 2 supplies both and passes.
func TestRunConvergesOnSecondIteration(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	adderV1 := writeDesign(t, dir, "adder8_v1.v",
		"module adder8(input [7:0] a, input [7:0] b, output [7:0] sum);\n"+
			"full_adder fa(.a(a[0]), .b(b[0]), .sum(sum[0]));\nendmodule", now)
	adderV2 := writeDesign(t, dir, "adder8_v2.v",
		"module adder8(input [7:0] a, input [7:0] b, output [7:0] sum);\n"+
			"full_adder fa(.a(a[0]), .b(b[0]), .sum(sum[0]));\nendmodule", now.Add(time.Second))
	fullAdder := writeDesign(t, dir, "full_adder.v",
		"module full_adder(input a, input b, output sum);\nendmodule", now.Add(time.Second))
	userTB := filepath.Join(dir, "user_tb.v")
	require.NoError(t, os.WriteFile(userTB, []byte("module tb; adder8 dut(); endmodule"), 0644))

	design := &MockDesignProducer{
		ProduceFunc: func(_ context.Context, req gen.DesignRequest) ([]filestore.SourceFileRef, error) {
			if req.Feedback == "" {
				return []filestore.SourceFileRef{adderV1}, nil
			}
			return []filestore.SourceFileRef{adderV2, fullAdder}, nil
		},
	}
	tool := &MockToolchainRunner{
		RunFunc: func(_ context.Context, designFiles []string, _ string) toolchain.RunResult {
			if len(designFiles) < 2 {
				return toolchain.RunResult{
					Phase:    toolchain.PhaseCompilation,
					ExitCode: 1,
					Stderr:   "error: Nothing to compile. No top level modules found.",
				}
			}
			return toolchain.RunResult{
				Phase:   toolchain.PhaseSimulation,
				Success: true,
				Stdout:  "ALL TESTS PASSED",
			}
		},
	}
	recorder := &MockRecorder{}

	c := newTestController(design, &MockTestbenchProducer{}, tool, recorder, 5)
	result := c.Run(context.Background(), Request{
		Requirements:      "an 8-bit adder",
		UserTestbenchPath: userTB,
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.TotalIterations)
	require.Len(t, result.History, 2)

	first := result.History[0]
	assert.False(t, first.Passed)
	assert.Equal(t, toolchain.CategoryMissingTopLevel, first.Category)

	second := result.History[1]
	assert.True(t, second.Passed)
	assert.Equal(t, 2, second.IterationNumber)

	// Feedback from iteration 1 reached iteration 2's design request.
	require.Len(t, design.Feedbacks, 2)
	assert.Empty(t, design.Feedbacks[0], "iteration 1 starts with empty feedback")
	assert.Contains(t, design.Feedbacks[1], "missing_top_level")
	assert.Contains(t, design.Feedbacks[1], "dependency files")

	// Final set carries both modules; the stale adder8 copy was discarded.
	paths := pathsOf(result.FinalDesignFiles)
	assert.Contains(t, paths, adderV2.Path)
	assert.Contains(t, paths, fullAdder.Path)
	assert.NotContains(t, paths, adderV1.Path)

	// Every iteration was persisted under the same run, in order.
	require.Len(t, recorder.Records, 2)
	assert.Equal(t, recorder.Records[0].RunID, recorder.Records[1].RunID)
	assert.Equal(t, 1, recorder.Records[0].Iteration)
	assert.False(t, recorder.Records[0].Passed)
	assert.True(t, recorder.Records[1].Passed)
}

func TestRunExhaustsOnPersistentTimeout(t *testing.T) {
	dir := t.TempDir()
	ref := writeDesign(t, dir, "m.v", "module m(input a); endmodule", time.Now())
	userTB := ref.Path // any existing path works for the mock runner

	design := &MockDesignProducer{
		ProduceFunc: func(_ context.Context, _ gen.DesignRequest) ([]filestore.SourceFileRef, error) {
			return []filestore.SourceFileRef{ref}, nil
		},
	}
	tool := &MockToolchainRunner{
		RunFunc: func(_ context.Context, _ []string, _ string) toolchain.RunResult {
			return toolchain.RunResult{Phase: toolchain.PhaseSimulationTimeout, ExitCode: -1}
		},
	}

	c := newTestController(design, &MockTestbenchProducer{}, tool, &MockRecorder{}, 3)
	result := c.Run(context.Background(), Request{Requirements: "x", UserTestbenchPath: userTB})

	assert.False(t, result.Success)
	assert.Equal(t, FailureMaxIterations, result.FailureReason)
	assert.Equal(t, 3, result.TotalIterations)
	require.Len(t, result.History, 3)

	for _, rec := range result.History {
		assert.Equal(t, toolchain.CategorySimulationTimeout, rec.Category)
		assert.False(t, rec.Passed)
	}

	// The timeout suggestion must steer the next attempt toward $finish.
	joined := ""
	for _, s := range result.History[0].Suggestions {
		joined += s + " "
	}
	assert.Contains(t, joined, "termination directive")
	assert.Equal(t, StateExhausted, c.State())
}

func TestRunNeverExceedsMaxIterations(t *testing.T) {
	dir := t.TempDir()
	ref := writeDesign(t, dir, "m.v", "module m(input a); endmodule", time.Now())

	design := &MockDesignProducer{
		ProduceFunc: func(_ context.Context, _ gen.DesignRequest) ([]filestore.SourceFileRef, error) {
			return []filestore.SourceFileRef{ref}, nil
		},
	}
	tool := &MockToolchainRunner{
		RunFunc: func(_ context.Context, _ []string, _ string) toolchain.RunResult {
			return toolchain.RunResult{Phase: toolchain.PhaseCompilation, ExitCode: 1, Stderr: "m.v:1: syntax error"}
		},
	}

	for _, max := range []int{1, 2, 5} {
		c := newTestController(design, &MockTestbenchProducer{}, tool, &MockRecorder{}, max)
		result := c.Run(context.Background(), Request{Requirements: "x", UserTestbenchPath: ref.Path})

		assert.False(t, result.Success)
		assert.LessOrEqual(t, result.TotalIterations, max)
		assert.LessOrEqual(t, len(result.History), max)
	}
}

func TestRunFailMarkerOverridesCleanExit(t *testing.T) {
	dir := t.TempDir()
	ref := writeDesign(t, dir, "m.v", "module m(input a); endmodule", time.Now())

	design := &MockDesignProducer{
		ProduceFunc: func(_ context.Context, _ gen.DesignRequest) ([]filestore.SourceFileRef, error) {
			return []filestore.SourceFileRef{ref}, nil
		},
	}
	tool := &MockToolchainRunner{
		RunFunc: func(_ context.Context, _ []string, _ string) toolchain.RunResult {
			return toolchain.RunResult{
				Phase:   toolchain.PhaseSimulation,
				Success: true,
				Stdout:  "FAIL: sum expected 3 got 4",
			}
		},
	}

	c := newTestController(design, &MockTestbenchProducer{}, tool, &MockRecorder{}, 2)
	result := c.Run(context.Background(), Request{Requirements: "x", UserTestbenchPath: ref.Path})

	assert.False(t, result.Success)
	require.NotEmpty(t, result.History)
	assert.False(t, result.History[0].Passed)
	assert.Equal(t, toolchain.CategoryOther, result.History[0].Category)
}

func TestRunSynthesizesTestbenchOnce(t *testing.T) {
	dir := t.TempDir()
	ref := writeDesign(t, dir, "counter.v", "module counter(input clk); endmodule", time.Now())
	tbPath := filepath.Join(dir, "tb_counter.v")
	require.NoError(t, os.WriteFile(tbPath, []byte("module tb_counter; counter dut(); endmodule"), 0644))

	design := &MockDesignProducer{
		ProduceFunc: func(_ context.Context, _ gen.DesignRequest) ([]filestore.SourceFileRef, error) {
			return []filestore.SourceFileRef{ref}, nil
		},
	}
	verify := &MockTestbenchProducer{
		ProduceFunc: func(_ context.Context, req gen.TestbenchRequest) (filestore.SourceFileRef, error) {
			assert.Equal(t, "counter", req.TargetModule)
			return filestore.SourceFileRef{Path: tbPath, Kind: filestore.KindTestbench}, nil
		},
	}
	tool := &MockToolchainRunner{
		RunFunc: func(_ context.Context, _ []string, _ string) toolchain.RunResult {
			return toolchain.RunResult{Phase: toolchain.PhaseCompilation, ExitCode: 1, Stderr: "counter.v:1: syntax error"}
		},
	}

	c := newTestController(design, verify, tool, &MockRecorder{}, 3)
	result := c.Run(context.Background(), Request{Requirements: "a counter"})

	assert.False(t, result.Success)
	assert.Equal(t, 1, verify.Calls, "the synthesized testbench is reused on later iterations")
	assert.Equal(t, tbPath, tool.LastTB)
	for _, rec := range result.History {
		assert.Equal(t, tbPath, rec.TestbenchUsed)
	}
}

func TestRunDesignFailureConsumesIteration(t *testing.T) {
	design := &MockDesignProducer{
		ProduceFunc: func(_ context.Context, _ gen.DesignRequest) ([]filestore.SourceFileRef, error) {
			return nil, assert.AnError
		},
	}
	tool := &MockToolchainRunner{}

	c := newTestController(design, &MockTestbenchProducer{}, tool, &MockRecorder{}, 2)
	result := c.Run(context.Background(), Request{Requirements: "x"})

	assert.False(t, result.Success)
	assert.Equal(t, 2, design.Calls)
	assert.Equal(t, 0, tool.Calls, "the toolchain never runs without a design")
	require.Len(t, result.History, 2)
	assert.Equal(t, toolchain.CategoryOther, result.History[0].Category)
}

func TestDedupeKeepsNewestPerModule(t *testing.T) {
	dir := t.TempDir()
	base := time.Now()

	t1 := writeDesign(t, dir, "counter_t1.v", "module counter(input clk); endmodule", base)
	t2 := writeDesign(t, dir, "counter_t2.v", "module counter(input clk, input rst); endmodule", base.Add(time.Second))
	t3 := writeDesign(t, dir, "counter_t3.v", "module counter(input clk, input rst, output q); endmodule", base.Add(2*time.Second))
	other := writeDesign(t, dir, "alu.v", "module alu(input [3:0] op); endmodule", base)

	kept, discarded := dedupeByModule(hdl.NewAnalyzer(), []filestore.SourceFileRef{t1, t3, t2, other})

	require.Len(t, kept, 2)
	keptPaths := pathsOf(kept)
	assert.Contains(t, keptPaths, t3.Path, "only the newest counter survives")
	assert.Contains(t, keptPaths, other.Path)

	require.Len(t, discarded, 2)
	discardedPaths := pathsOf(discarded)
	assert.Contains(t, discardedPaths, t1.Path)
	assert.Contains(t, discardedPaths, t2.Path)
}

func TestHistoryIsAppendOnlyCopy(t *testing.T) {
	dir := t.TempDir()
	ref := writeDesign(t, dir, "m.v", "module m(input a); endmodule", time.Now())

	design := &MockDesignProducer{
		ProduceFunc: func(_ context.Context, _ gen.DesignRequest) ([]filestore.SourceFileRef, error) {
			return []filestore.SourceFileRef{ref}, nil
		},
	}
	c := newTestController(design, &MockTestbenchProducer{}, &MockToolchainRunner{}, &MockRecorder{}, 1)
	result := c.Run(context.Background(), Request{Requirements: "x", UserTestbenchPath: ref.Path})

	require.True(t, result.Success)
	history := c.History()
	require.Len(t, history, 1)

	history[0].IterationNumber = 99
	assert.Equal(t, 1, c.History()[0].IterationNumber, "mutating the copy must not touch the controller's history")
}
