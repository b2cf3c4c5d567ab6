package loop

import (
	"fmt"
	"strings"

	"veriforge/internal/toolchain"
)

// BuildFeedback renders a classification into the repair text handed to the
// design capability on the next iteration. Output is capped at maxBytes so a
// pathological compiler dump cannot blow up the next prompt.
func BuildFeedback(c toolchain.Classification, maxBytes int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "failure category: %s\n", c.Category)

	if len(c.Diagnostics) > 0 {
		sb.WriteString("\ncompiler diagnostics:\n")
		for _, d := range c.Diagnostics {
			fmt.Fprintf(&sb, "%s:%d: %s\n", d.File, d.Line, d.Message)
		}
	}

	if len(c.Suggestions) > 0 {
		sb.WriteString("\nsuggestions:\n")
		for _, s := range c.Suggestions {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}

	return capBytes(sb.String(), maxBytes)
}

func capBytes(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	const marker = "\n...(truncated)"
	if maxBytes <= len(marker) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(marker)] + marker
}
