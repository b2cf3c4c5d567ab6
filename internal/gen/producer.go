package gen

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"veriforge/internal/filestore"
	"veriforge/internal/logging"
)

// FileSaver is the slice of the file store the producers need.
type FileSaver interface {
	Save(content, name string, kind filestore.Kind, creator string) (filestore.SourceFileRef, error)
}

// ============================================================================
// REQUEST TYPES
// ============================================================================

// DesignRequest is the single typed shape for a design attempt. Historical
// callers used loosely-keyed maps; NormalizeDesignRequest adapts those at
// the boundary so the producers only ever see this struct.
type DesignRequest struct {
	Requirements string
	Feedback     string
	ModuleHints  []string
}

// TestbenchRequest asks the verification capability for a harness.
type TestbenchRequest struct {
	Requirements string
	DesignFiles  []filestore.SourceFileRef
	TargetModule string
}

// NormalizeDesignRequest adapts loosely-keyed request maps into a
// DesignRequest. Recognized aliases: requirements/spec/description for the
// requirements text, feedback/errors/diagnosis for the feedback text.
func NormalizeDesignRequest(raw map[string]any) DesignRequest {
	var req DesignRequest

	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		return ""
	}

	req.Requirements = pick("requirements", "spec", "description", "prompt")
	req.Feedback = pick("feedback", "errors", "diagnosis")

	if v, ok := raw["modules"]; ok {
		switch hints := v.(type) {
		case []string:
			req.ModuleHints = hints
		case []any:
			for _, h := range hints {
				if s, ok := h.(string); ok {
					req.ModuleHints = append(req.ModuleHints, s)
				}
			}
		}
	}

	return req
}

// ============================================================================
// DESIGN PRODUCER
// ============================================================================

const designSystemPrompt = `You are a Verilog design engineer. Produce synthesizable Verilog-2001 modules.
Rules:
- Emit each module in its own fenced code block (` + "```verilog" + `).
- Do not emit testbenches unless explicitly asked.
- Every instantiated sub-module must also be emitted.
- No explanatory prose inside code blocks.`

// DesignProducer asks the design capability for candidate source files and
// persists each emitted module through the file store.
type DesignProducer struct {
	client LLMClient
	store  FileSaver
}

func NewDesignProducer(client LLMClient, store FileSaver) *DesignProducer {
	return &DesignProducer{client: client, store: store}
}

// ProduceDesign performs one design attempt. Feedback from the previous
// iteration, when present, is appended to the prompt so the capability can
// repair its last answer.
func (p *DesignProducer) ProduceDesign(ctx context.Context, req DesignRequest) ([]filestore.SourceFileRef, error) {
	prompt := buildDesignPrompt(req)

	logging.LLM("design request: %d bytes of requirements, %d bytes of feedback",
		len(req.Requirements), len(req.Feedback))

	reply, err := p.client.CompleteWithSystem(ctx, designSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("design capability call failed: %w", err)
	}

	blocks := ExtractCodeBlocks(reply)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("design capability returned no code blocks")
	}

	var refs []filestore.SourceFileRef
	for _, block := range blocks {
		name := moduleNameOf(block)
		if name == "" {
			logging.LLMDebug("skipping code block with no module declaration (%d bytes)", len(block))
			continue
		}
		ref, err := p.store.Save(block, name, filestore.KindDesign, "design_capability")
		if err != nil {
			return nil, fmt.Errorf("failed to store design %q: %w", name, err)
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("design capability returned no parseable modules")
	}

	logging.LLM("design attempt produced %d module files", len(refs))
	return refs, nil
}

func buildDesignPrompt(req DesignRequest) string {
	var sb strings.Builder
	sb.WriteString("Design the following hardware:\n\n")
	sb.WriteString(req.Requirements)
	if len(req.ModuleHints) > 0 {
		sb.WriteString("\n\nExpected module names: ")
		sb.WriteString(strings.Join(req.ModuleHints, ", "))
	}
	if req.Feedback != "" {
		sb.WriteString("\n\nThe previous attempt failed. Fix these problems:\n")
		sb.WriteString(req.Feedback)
	}
	return sb.String()
}

// ============================================================================
// TESTBENCH PRODUCER
// ============================================================================

const testbenchSystemPrompt = `You are a Verilog verification engineer. Produce a self-checking testbench.
Rules:
- Emit exactly one fenced code block containing one testbench module.
- The testbench must end with $finish.
- Print "ALL TESTS PASSED" on success and "FAIL" with details on any mismatch.`

// TestbenchProducer asks the verification capability for a self-checking
// harness covering the given design files.
type TestbenchProducer struct {
	client LLMClient
	store  FileSaver
}

func NewTestbenchProducer(client LLMClient, store FileSaver) *TestbenchProducer {
	return &TestbenchProducer{client: client, store: store}
}

func (p *TestbenchProducer) ProduceTestbench(ctx context.Context, req TestbenchRequest) (filestore.SourceFileRef, error) {
	var sb strings.Builder
	sb.WriteString("Write a testbench for this design:\n\n")
	sb.WriteString(req.Requirements)
	if req.TargetModule != "" {
		fmt.Fprintf(&sb, "\n\nThe module under test is %q.", req.TargetModule)
	}
	for _, f := range req.DesignFiles {
		content, err := readFile(f.Path)
		if err != nil {
			return filestore.SourceFileRef{}, fmt.Errorf("failed to read design %s: %w", f.Path, err)
		}
		sb.WriteString("\n\n```verilog\n")
		sb.WriteString(content)
		sb.WriteString("\n```")
	}

	reply, err := p.client.CompleteWithSystem(ctx, testbenchSystemPrompt, sb.String())
	if err != nil {
		return filestore.SourceFileRef{}, fmt.Errorf("verification capability call failed: %w", err)
	}

	blocks := ExtractCodeBlocks(reply)
	if len(blocks) == 0 {
		return filestore.SourceFileRef{}, fmt.Errorf("verification capability returned no code block")
	}

	name := moduleNameOf(blocks[0])
	if name == "" {
		return filestore.SourceFileRef{}, fmt.Errorf("testbench reply contains no module declaration")
	}

	ref, err := p.store.Save(blocks[0], name, filestore.KindTestbench, "verification_capability")
	if err != nil {
		return filestore.SourceFileRef{}, fmt.Errorf("failed to store testbench %q: %w", name, err)
	}

	logging.LLM("testbench %q produced and stored", name)
	return ref, nil
}

// ============================================================================
// REPLY EXTRACTION
// ============================================================================

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_-]*)\\n(.*?)```")
	moduleDeclRe  = regexp.MustCompile(`(?m)^\s*module\s+([a-zA-Z_][\w$]*)`)
)

// ExtractCodeBlocks pulls fenced code blocks out of a capability reply.
// When the reply has no fences but contains a bare module declaration, the
// whole reply is treated as one block.
func ExtractCodeBlocks(reply string) []string {
	var blocks []string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(reply, -1) {
		block := strings.TrimSpace(m[1])
		if block != "" {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 && moduleDeclRe.MatchString(reply) {
		blocks = append(blocks, strings.TrimSpace(reply))
	}
	return blocks
}

// moduleNameOf returns the first declared module name in a code block.
func moduleNameOf(block string) string {
	m := moduleDeclRe.FindStringSubmatch(block)
	if m == nil {
		return ""
	}
	return m[1]
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
