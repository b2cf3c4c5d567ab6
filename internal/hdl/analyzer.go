package hdl

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"veriforge/internal/filestore"
	"veriforge/internal/logging"
)

// Analyzer scans Verilog sources for module declarations and instantiations.
// It is a pure function over its inputs and holds no cross-call state.
type Analyzer struct{}

// NewAnalyzer returns a ready analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

var (
	// Module header: "module name", optional parameter block "#(...)",
	// optional port list "(...)", terminated by ';'. Tolerates multi-line
	// headers and parameterized declarations.
	moduleHeaderRe = regexp.MustCompile(`(?ms)^\s*module\s+([a-zA-Z_][\w$]*)\s*(#\s*\(.*?\))?\s*(\(.*?\))?\s*;`)

	// Instantiation: "<type> [#(...)] <instance> (" inside a module body.
	instantiationRe = regexp.MustCompile(`(?ms)\b([a-zA-Z_][\w$]*)\s*(?:#\s*\([^;]*?\)\s*)?([a-zA-Z_][\w$]*)\s*\(`)

	// ANSI port declaration fragment inside a header port list.
	ansiPortRe = regexp.MustCompile(`(input|output|inout)\s*(?:wire|reg|logic|tri)?\s*(?:signed|unsigned)?\s*(\[[^\]]*\])?\s*([a-zA-Z_][\w$]*)`)

	// Non-ANSI port declaration inside a module body.
	bodyPortRe = regexp.MustCompile(`(?m)^\s*(input|output|inout)\s*(?:wire|reg|logic|tri)?\s*(?:signed|unsigned)?\s*(\[[^\]]*\])?\s*([a-zA-Z_][\w$,\s]*?)\s*;`)

	widthRe = regexp.MustCompile(`\[\s*(\d+)\s*:\s*(\d+)\s*\]`)

	lineCommentRe  = regexp.MustCompile(`//[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLitRe    = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
)

// instantiationDenyList holds names that look like instantiation types but
// are language constructs: keywords, net/variable types and gate primitives.
// System tasks are excluded separately by their '$' prefix.
var instantiationDenyList = map[string]struct{}{}

func init() {
	denied := []string{
		// keywords / structural
		"module", "endmodule", "begin", "end", "if", "else", "case", "casex",
		"casez", "endcase", "for", "while", "repeat", "forever", "initial",
		"always", "always_ff", "always_comb", "always_latch", "assign",
		"deassign", "function", "endfunction", "task", "endtask", "generate",
		"endgenerate", "genvar", "specify", "endspecify", "fork", "join",
		"wait", "disable", "force", "release", "default", "posedge", "negedge",
		"return", "automatic", "static", "var", "const",
		// net and variable types
		"wire", "reg", "logic", "integer", "real", "realtime", "time",
		"parameter", "localparam", "input", "output", "inout", "signed",
		"unsigned", "tri", "tri0", "tri1", "triand", "trior", "trireg",
		"supply0", "supply1", "wand", "wor", "bit", "byte", "shortint",
		"int", "longint", "event",
		// gate primitives
		"and", "or", "nand", "nor", "xor", "xnor", "not", "buf",
		"bufif0", "bufif1", "notif0", "notif1", "pullup", "pulldown",
		"cmos", "nmos", "pmos", "rcmos", "rnmos", "rpmos", "tran", "tranif0",
		"tranif1", "rtran", "rtranif0", "rtranif1",
	}
	for _, d := range denied {
		instantiationDenyList[d] = struct{}{}
	}
}

// Analyze scans the given file set and returns the discovered modules,
// top-level modules, unresolved instantiation targets, and any issues.
// Malformed text yields partial results plus issues, never an error;
// the only error condition is an unreadable file, which also becomes
// an issue entry so callers can attempt recovery.
func (a *Analyzer) Analyze(files []filestore.SourceFileRef) AnalysisResult {
	timer := logging.StartTimer(logging.CategoryAnalyzer, "analyze")
	defer timer.Stop()

	type fileScan struct {
		modules []ModuleDescriptor
		issues  []string
	}
	scans := make([]fileScan, len(files))

	// Per-file scanning is independent; read and scan in parallel.
	var g errgroup.Group
	for i, ref := range files {
		i, ref := i, ref
		g.Go(func() error {
			content, err := os.ReadFile(ref.Path)
			if err != nil {
				scans[i].issues = append(scans[i].issues,
					fmt.Sprintf("unreadable file %s: %v", ref.Path, err))
				return nil
			}
			mods, issues := a.scanSource(ref.Path, string(content), ref.Kind == filestore.KindTestbench)
			scans[i] = fileScan{modules: mods, issues: issues}
			return nil
		})
	}
	g.Wait()

	var result AnalysisResult
	byName := make(map[string]ModuleDescriptor)
	var order []string

	for _, scan := range scans {
		result.Issues = append(result.Issues, scan.issues...)
		for _, m := range scan.modules {
			if prev, dup := byName[m.Name]; dup && prev.SourceFile != m.SourceFile {
				// Last write wins within a pass, but the inconsistency is surfaced.
				result.Issues = append(result.Issues, fmt.Sprintf(
					"module %q defined in both %s and %s; using %s",
					m.Name, prev.SourceFile, m.SourceFile, m.SourceFile))
			} else if !dup {
				order = append(order, m.Name)
			}
			byName[m.Name] = m
		}
	}

	for _, name := range order {
		result.Modules = append(result.Modules, byName[name])
	}

	graph := BuildGraph(result.Modules)
	result.TopLevel = TopLevel(result.Modules)
	result.Missing = missingDependencies(graph, byName)

	if cycle := DetectCycle(graph); len(cycle) > 0 {
		result.Issues = append(result.Issues,
			fmt.Sprintf("instantiation cycle detected: %s", strings.Join(cycle, " -> ")))
	}

	logging.AnalyzerDebug("analyzed %d files: %d modules, %d top-level, %d missing",
		len(files), len(result.Modules), len(result.TopLevel), len(result.Missing))

	return result
}

// scanSource extracts every module declared in one source text.
func (a *Analyzer) scanSource(path, content string, fromTestbenchFile bool) ([]ModuleDescriptor, []string) {
	var issues []string
	clean := stripNoise(content)

	headers := moduleHeaderRe.FindAllStringSubmatchIndex(clean, -1)
	if len(headers) == 0 {
		if strings.Contains(clean, "module") {
			issues = append(issues, fmt.Sprintf("no parseable module declaration in %s", path))
		}
		return nil, issues
	}

	var modules []ModuleDescriptor
	for hi, loc := range headers {
		name := clean[loc[2]:loc[3]]

		var portList string
		if loc[6] >= 0 {
			portList = clean[loc[6]:loc[7]]
		}

		// Body runs from the end of the header to the matching endmodule,
		// bounded by the next module header when endmodule is missing.
		bodyStart := loc[1]
		bodyEnd := len(clean)
		if hi+1 < len(headers) {
			bodyEnd = headers[hi+1][0]
		}
		body := clean[bodyStart:bodyEnd]
		if idx := strings.Index(body, "endmodule"); idx >= 0 {
			body = body[:idx]
		} else {
			issues = append(issues, fmt.Sprintf("module %q in %s has no endmodule", name, path))
		}

		// ANSI headers declare directions inline; non-ANSI headers only list
		// names and declare directions in the body.
		ports := parseHeaderPorts(portList)
		if len(ports) == 0 {
			ports = parseBodyPorts(body)
		}

		deps := scanInstantiations(body, name)

		modules = append(modules, ModuleDescriptor{
			Name:         name,
			SourceFile:   path,
			Ports:        ports,
			Dependencies: deps,
			IsTestbench:  fromTestbenchFile || looksLikeTestbench(name),
		})
	}

	return modules, issues
}

// PrimaryModule returns the first module name declared in the file at path,
// falling back to the file name stem when nothing parseable is found.
func (a *Analyzer) PrimaryModule(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return stemOf(path)
	}
	m := moduleHeaderRe.FindStringSubmatch(stripNoise(string(content)))
	if m == nil {
		return stemOf(path)
	}
	return m[1]
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// stripNoise removes comments and string literals so they cannot fake
// declarations or instantiations.
func stripNoise(src string) string {
	src = blockCommentRe.ReplaceAllString(src, " ")
	src = lineCommentRe.ReplaceAllString(src, "")
	src = stringLitRe.ReplaceAllString(src, `""`)
	return src
}

// parseHeaderPorts parses an ANSI-style header port list "( ... )".
func parseHeaderPorts(portList string) []Port {
	portList = strings.TrimSpace(portList)
	portList = strings.TrimPrefix(portList, "(")
	portList = strings.TrimSuffix(portList, ")")
	if strings.TrimSpace(portList) == "" {
		return nil
	}

	var ports []Port
	lastDir := PortDirection("")
	lastWidth := 1
	for _, frag := range splitTopLevel(portList) {
		if m := ansiPortRe.FindStringSubmatch(frag); m != nil {
			lastDir = PortDirection(m[1])
			lastWidth = parseWidth(m[2])
			ports = append(ports, Port{Name: m[3], Direction: lastDir, Width: lastWidth})
			continue
		}
		// Bare name continuing the previous direction: "input a, b, c".
		name := strings.TrimSpace(frag)
		if isIdentifier(name) && lastDir != "" {
			ports = append(ports, Port{Name: name, Direction: lastDir, Width: lastWidth})
		}
	}
	return ports
}

// parseBodyPorts parses non-ANSI declarations like "input [7:0] a, b;".
func parseBodyPorts(body string) []Port {
	var ports []Port
	for _, m := range bodyPortRe.FindAllStringSubmatch(body, -1) {
		dir := PortDirection(m[1])
		width := parseWidth(m[2])
		for _, name := range strings.Split(m[3], ",") {
			name = strings.TrimSpace(name)
			if isIdentifier(name) {
				ports = append(ports, Port{Name: name, Direction: dir, Width: width})
			}
		}
	}
	return ports
}

// scanInstantiations collects the instantiated module types in a body,
// excluding keywords, primitives, system tasks and self-instantiation.
func scanInstantiations(body, self string) map[string]struct{} {
	deps := make(map[string]struct{})
	for _, loc := range instantiationRe.FindAllStringSubmatchIndex(body, -1) {
		typ := body[loc[2]:loc[3]]
		inst := body[loc[4]:loc[5]]

		// A '$' or '.' immediately before the type means a system task
		// or a hierarchical/port reference, not an instantiation.
		if loc[2] > 0 {
			switch body[loc[2]-1] {
			case '$', '.':
				continue
			}
		}
		if _, denied := instantiationDenyList[typ]; denied {
			continue
		}
		if _, denied := instantiationDenyList[inst]; denied {
			continue
		}
		if typ == self {
			continue
		}
		deps[typ] = struct{}{}
	}
	return deps
}

// looksLikeTestbench applies the naming heuristic for harness modules.
func looksLikeTestbench(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "tb_") || strings.HasSuffix(lower, "_tb") ||
		lower == "tb" || strings.Contains(lower, "testbench")
}

// splitTopLevel splits on commas that are not nested inside brackets or parens.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseWidth(rangeSpec string) int {
	if rangeSpec == "" {
		return 1
	}
	m := widthRe.FindStringSubmatch(rangeSpec)
	if m == nil {
		return 0 // parameterized or expression width, not statically known
	}
	hi, err1 := strconv.Atoi(m[1])
	lo, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0
	}
	if hi < lo {
		hi, lo = lo, hi
	}
	return hi - lo + 1
}

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][\w$]*$`)

func isIdentifier(s string) bool {
	if _, denied := instantiationDenyList[s]; denied {
		return false
	}
	return identifierRe.MatchString(s)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
