package toolchain

import (
	"regexp"
	"strconv"
	"strings"
)

// ============================================================================
// FAILURE TAXONOMY
// ============================================================================

// Category is the failure taxonomy assigned to a toolchain run.
type Category string

const (
	CategoryNone                 Category = ""
	CategoryMissingTopLevel      Category = "missing_top_level"
	CategoryModuleNotFound       Category = "module_not_found"
	CategoryPortMismatch         Category = "port_mismatch"
	CategoryUndeclaredIdentifier Category = "undeclared_identifier"
	CategorySyntaxError          Category = "syntax_error"
	CategoryOther                Category = "other"
	CategoryFileValidation       Category = "file_validation"
	CategorySimulationTimeout    Category = "simulation_timeout"
	CategoryToolchainMissing     Category = "toolchain_missing"
)

func (c Category) String() string { return string(c) }

// CompileDiagnostic is one structured record parsed from raw toolchain text.
type CompileDiagnostic struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
}

// Classification is the classifier's verdict for one toolchain run.
type Classification struct {
	Category    Category
	Diagnostics []CompileDiagnostic
	Suggestions []string
}

// ============================================================================
// CLASSIFIER
// ============================================================================

// categoryRule matches lowercased diagnostic text against known toolchain
// phrasings. Rules are ordered by priority: the first category matched by
// any diagnostic becomes the run's overall category. The keyword lists are
// a heuristic over observed Icarus Verilog output, not a grammar.
type categoryRule struct {
	category Category
	keywords []string
}

var categoryRules = []categoryRule{
	{CategoryMissingTopLevel, []string{
		"no top level modules",
		"no top-level modules",
	}},
	{CategoryModuleNotFound, []string{
		"unknown module type",
		"unable to find module",
		"module not found",
	}},
	{CategoryPortMismatch, []string{
		"is not a port of",
		"port mismatch",
		"too many port connections",
		"unknown port",
	}},
	{CategoryUndeclaredIdentifier, []string{
		"unable to bind",
		"undeclared",
		"is not declared",
		"undefined symbol",
		"unknown identifier",
	}},
	{CategorySyntaxError, []string{
		"syntax error",
		"parse error",
		"malformed",
		"unexpected token",
	}},
}

// suggestionCatalog holds the deterministic remediation hints per category.
var suggestionCatalog = map[Category][]string{
	CategoryMissingTopLevel: {
		"check whether a sub-module instantiated by the design is undefined",
		"verify all dependency files are included in compilation",
		"ensure exactly one module is not instantiated by any other (the top level)",
	},
	CategoryModuleNotFound: {
		"define the missing module or include the file that defines it",
		"check the instantiated module type name for typos against its declaration",
	},
	CategoryPortMismatch: {
		"compare the connected port names against the target module's declaration",
		"check port order when using positional connections",
		"verify port widths match between the instance and the declaration",
	},
	CategoryUndeclaredIdentifier: {
		"declare the signal (wire or reg) before using it",
		"check the identifier spelling against its declaration",
	},
	CategorySyntaxError: {
		"check for missing semicolons, unbalanced begin/end blocks, or a missing endmodule",
		"verify the first reported line; later errors are often cascades of it",
	},
	CategoryOther: {
		"inspect the raw compiler output; the failure did not match a known pattern",
	},
	CategoryFileValidation: {
		"verify every design and testbench file exists on disk before running",
	},
	CategorySimulationTimeout: {
		"ensure the testbench contains a termination directive such as $finish",
		"check for combinational feedback or a clock that is never toggled",
		"raise the simulation timeout if the design legitimately needs longer",
	},
	CategoryToolchainMissing: {
		"install the HDL toolchain (iverilog and vvp) and ensure both are on PATH",
		"point the compiler/simulator settings at the installed binaries",
	},
}

// SuggestionsFor returns the remediation hints for a category.
func SuggestionsFor(c Category) []string {
	return suggestionCatalog[c]
}

// diagnosticRe matches the "<file>:<line>: <message>" diagnostic form.
var diagnosticRe = regexp.MustCompile(`^(.+?):(\d+):\s*(.+)$`)

// Classify maps a toolchain result into a failure category with parsed
// diagnostics and remediation suggestions. Timeout and file-validation
// outcomes bypass diagnostic parsing entirely.
func Classify(result RunResult) Classification {
	switch {
	case result.Success:
		return Classification{Category: CategoryNone}
	case result.Phase == PhaseSimulationTimeout:
		return Classification{
			Category:    CategorySimulationTimeout,
			Suggestions: SuggestionsFor(CategorySimulationTimeout),
		}
	case result.Phase == PhaseFileValidation:
		return Classification{
			Category:    CategoryFileValidation,
			Suggestions: SuggestionsFor(CategoryFileValidation),
		}
	}

	diagnostics := ParseDiagnostics(result.Stderr)

	// Highest-priority category matched by any diagnostic wins overall.
	overall := CategoryOther
	best := len(categoryRules)
	for _, d := range diagnostics {
		for i, rule := range categoryRules {
			if d.Category == rule.category && i < best {
				best = i
				overall = rule.category
			}
		}
	}
	// Some failures (e.g. elaboration with no file context) only appear in
	// free-form lines that the diagnostic pattern does not capture.
	if overall == CategoryOther {
		if c := categorize(result.Stderr + "\n" + result.Stdout); c != CategoryOther {
			overall = c
		}
	}

	return Classification{
		Category:    overall,
		Diagnostics: diagnostics,
		Suggestions: SuggestionsFor(overall),
	}
}

// ParseDiagnostics extracts every "<file>:<line>: <message>" record from raw
// compiler text. Each diagnostic carries its own category; unmatched lines
// are ignored.
func ParseDiagnostics(raw string) []CompileDiagnostic {
	var diagnostics []CompileDiagnostic
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		m := diagnosticRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		message := strings.TrimSpace(m[3])
		diagnostics = append(diagnostics, CompileDiagnostic{
			File:     m[1],
			Line:     lineNo,
			Message:  message,
			Category: categorize(message),
		})
	}
	return diagnostics
}

// categorize assigns the first matching rule's category to one message.
func categorize(message string) Category {
	lower := strings.ToLower(message)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return CategoryOther
}
