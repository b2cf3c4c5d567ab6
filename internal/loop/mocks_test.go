package loop

import (
	"context"
	"testing"

	"go.uber.org/goleak"

	"veriforge/internal/filestore"
	"veriforge/internal/gen"
	"veriforge/internal/toolchain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockDesignProducer implements DesignProducer with injectable behavior.
type MockDesignProducer struct {
	ProduceFunc func(ctx context.Context, req gen.DesignRequest) ([]filestore.SourceFileRef, error)
	Calls       int
	Feedbacks   []string
}

func (m *MockDesignProducer) ProduceDesign(ctx context.Context, req gen.DesignRequest) ([]filestore.SourceFileRef, error) {
	m.Calls++
	m.Feedbacks = append(m.Feedbacks, req.Feedback)
	if m.ProduceFunc != nil {
		return m.ProduceFunc(ctx, req)
	}
	return nil, nil
}

// MockTestbenchProducer implements TestbenchProducer.
type MockTestbenchProducer struct {
	ProduceFunc func(ctx context.Context, req gen.TestbenchRequest) (filestore.SourceFileRef, error)
	Calls       int
}

func (m *MockTestbenchProducer) ProduceTestbench(ctx context.Context, req gen.TestbenchRequest) (filestore.SourceFileRef, error) {
	m.Calls++
	if m.ProduceFunc != nil {
		return m.ProduceFunc(ctx, req)
	}
	return filestore.SourceFileRef{}, nil
}

// MockToolchainRunner implements ToolchainRunner.
type MockToolchainRunner struct {
	RunFunc     func(ctx context.Context, designFiles []string, testbenchFile string) toolchain.RunResult
	Calls       int
	LastDesigns []string
	LastTB      string
}

func (m *MockToolchainRunner) Run(ctx context.Context, designFiles []string, testbenchFile string) toolchain.RunResult {
	m.Calls++
	m.LastDesigns = designFiles
	m.LastTB = testbenchFile
	if m.RunFunc != nil {
		return m.RunFunc(ctx, designFiles, testbenchFile)
	}
	return toolchain.RunResult{Phase: toolchain.PhaseSimulation, Success: true}
}

// MockRecorder captures persisted iteration records.
type MockRecorder struct {
	Records []RecordedIteration
	Err     error
}

type RecordedIteration struct {
	RunID     string
	Iteration int
	Passed    bool
	Category  string
}

func (m *MockRecorder) RecordIteration(runID string, iteration int, passed bool, category, testbench, designFilesJSON, diagnosticsJSON string, durationMs int64) error {
	m.Records = append(m.Records, RecordedIteration{
		RunID:     runID,
		Iteration: iteration,
		Passed:    passed,
		Category:  category,
	})
	return m.Err
}
