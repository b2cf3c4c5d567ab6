package gen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriforge/internal/filestore"
)

// MockLLMClient implements LLMClient with injectable behavior.
type MockLLMClient struct {
	CompleteFunc           func(ctx context.Context, prompt string) (string, error)
	CompleteWithSystemFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Calls                  int
}

func (m *MockLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	m.Calls++
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt)
	}
	return "", nil
}

func (m *MockLLMClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.Calls++
	if m.CompleteWithSystemFunc != nil {
		return m.CompleteWithSystemFunc(ctx, systemPrompt, userPrompt)
	}
	return "", nil
}

func newTestStore(t *testing.T) *filestore.Store {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProduceDesignStoresEachModule(t *testing.T) {
	reply := "Here is the design:\n\n" +
		"```verilog\nmodule adder8(input [7:0] a, input [7:0] b, output [7:0] sum);\nendmodule\n```\n" +
		"and its dependency:\n" +
		"```verilog\nmodule full_adder(input a, input b, output sum);\nendmodule\n```\n"

	client := &MockLLMClient{
		CompleteWithSystemFunc: func(_ context.Context, _, userPrompt string) (string, error) {
			assert.Contains(t, userPrompt, "an 8-bit adder")
			return reply, nil
		},
	}
	store := newTestStore(t)

	p := NewDesignProducer(client, store)
	refs, err := p.ProduceDesign(context.Background(), DesignRequest{Requirements: "an 8-bit adder"})

	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, filestore.KindDesign, refs[0].Kind)
	assert.Equal(t, "design_capability", refs[0].Creator)
	assert.Contains(t, refs[0].Path, "adder8")
	assert.Contains(t, refs[1].Path, "full_adder")
}

func TestProduceDesignFeedbackInPrompt(t *testing.T) {
	var seenPrompt string
	client := &MockLLMClient{
		CompleteWithSystemFunc: func(_ context.Context, _, userPrompt string) (string, error) {
			seenPrompt = userPrompt
			return "```verilog\nmodule m(input a);\nendmodule\n```", nil
		},
	}

	p := NewDesignProducer(client, newTestStore(t))
	_, err := p.ProduceDesign(context.Background(), DesignRequest{
		Requirements: "a thing",
		Feedback:     "m.v:3: syntax error",
	})

	require.NoError(t, err)
	assert.Contains(t, seenPrompt, "previous attempt failed")
	assert.Contains(t, seenPrompt, "m.v:3: syntax error")
}

func TestProduceDesignNoCode(t *testing.T) {
	client := &MockLLMClient{
		CompleteWithSystemFunc: func(_ context.Context, _, _ string) (string, error) {
			return "I cannot help with that.", nil
		},
	}

	p := NewDesignProducer(client, newTestStore(t))
	_, err := p.ProduceDesign(context.Background(), DesignRequest{Requirements: "x"})
	assert.Error(t, err)
}

func TestProduceDesignClientError(t *testing.T) {
	wantErr := errors.New("boom")
	client := &MockLLMClient{
		CompleteWithSystemFunc: func(_ context.Context, _, _ string) (string, error) {
			return "", wantErr
		},
	}

	p := NewDesignProducer(client, newTestStore(t))
	_, err := p.ProduceDesign(context.Background(), DesignRequest{Requirements: "x"})
	assert.ErrorIs(t, err, wantErr)
}

func TestProduceTestbench(t *testing.T) {
	store := newTestStore(t)
	design, err := store.Save("module counter(input clk); endmodule", "counter", filestore.KindDesign, "test")
	require.NoError(t, err)

	client := &MockLLMClient{
		CompleteWithSystemFunc: func(_ context.Context, system, userPrompt string) (string, error) {
			assert.Contains(t, system, "$finish")
			assert.Contains(t, userPrompt, "module counter", "design source is included in the prompt")
			return "```verilog\nmodule tb_counter;\ncounter dut(.clk(clk));\nendmodule\n```", nil
		},
	}

	p := NewTestbenchProducer(client, store)
	ref, err := p.ProduceTestbench(context.Background(), TestbenchRequest{
		Requirements: "a counter",
		DesignFiles:  []filestore.SourceFileRef{design},
		TargetModule: "counter",
	})

	require.NoError(t, err)
	assert.Equal(t, filestore.KindTestbench, ref.Kind)
	assert.Contains(t, ref.Path, "tb_counter")
}

func TestExtractCodeBlocks(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{"verilog fence", "```verilog\nmodule a; endmodule\n```", 1},
		{"short fence", "```v\nmodule a; endmodule\n```", 1},
		{"bare fence", "```\nmodule a; endmodule\n```", 1},
		{"two blocks", "```verilog\nmodule a; endmodule\n```\ntext\n```verilog\nmodule b; endmodule\n```", 2},
		{"no fence but module text", "module a(input x);\nendmodule", 1},
		{"prose only", "sorry, no code today", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Len(t, ExtractCodeBlocks(tc.reply), tc.want)
		})
	}
}

func TestNormalizeDesignRequest(t *testing.T) {
	req := NormalizeDesignRequest(map[string]any{
		"spec":    "an ALU",
		"errors":  "alu.v:1: syntax error",
		"modules": []any{"alu", "shifter"},
	})

	assert.Equal(t, "an ALU", req.Requirements)
	assert.Equal(t, "alu.v:1: syntax error", req.Feedback)
	assert.Equal(t, []string{"alu", "shifter"}, req.ModuleHints)

	// Canonical keys win over aliases.
	req = NormalizeDesignRequest(map[string]any{
		"requirements": "canonical",
		"spec":         "alias",
	})
	assert.Equal(t, "canonical", req.Requirements)
}
