package loop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"veriforge/internal/toolchain"
)

func TestBuildFeedback(t *testing.T) {
	c := toolchain.Classification{
		Category: toolchain.CategoryModuleNotFound,
		Diagnostics: []toolchain.CompileDiagnostic{
			{File: "adder8.v", Line: 9, Message: "error: Unknown module type: full_adder", Category: toolchain.CategoryModuleNotFound},
		},
		Suggestions: []string{"define the missing module or include the file that defines it"},
	}

	got := BuildFeedback(c, 8192)

	assert.Contains(t, got, "failure category: module_not_found")
	assert.Contains(t, got, "adder8.v:9: error: Unknown module type: full_adder")
	assert.Contains(t, got, "- define the missing module")
}

func TestBuildFeedbackCapped(t *testing.T) {
	c := toolchain.Classification{Category: toolchain.CategorySyntaxError}
	for i := 0; i < 500; i++ {
		c.Diagnostics = append(c.Diagnostics, toolchain.CompileDiagnostic{
			File: "big.v", Line: i, Message: strings.Repeat("x", 80),
		})
	}

	got := BuildFeedback(c, 1024)

	assert.LessOrEqual(t, len(got), 1024)
	assert.True(t, strings.HasSuffix(got, "...(truncated)"))
	assert.Contains(t, got, "failure category: syntax_error")
}

func TestBuildFeedbackNoCap(t *testing.T) {
	c := toolchain.Classification{Category: toolchain.CategoryOther}
	got := BuildFeedback(c, 0)
	assert.Contains(t, got, "failure category: other")
}
