// Package hdl implements the dependency analyzer: it extracts module
// declarations, ports and instantiations from Verilog source text using
// tolerant regex heuristics, builds the instantiation dependency graph, and
// resolves compile order. It never parses the language semantically; the
// heuristics stay behind the ModuleDescriptor-producing interface so they
// can be swapped for a real parser without touching the loop.
package hdl

// PortDirection is the declared direction of a module port.
type PortDirection string

const (
	DirInput  PortDirection = "input"
	DirOutput PortDirection = "output"
	DirInout  PortDirection = "inout"
)

// Port describes one declared module port.
type Port struct {
	Name      string        `json:"name"`
	Direction PortDirection `json:"direction"`
	Width     int           `json:"width"` // bit width; 1 for scalar, 0 when not statically known
}

// ModuleDescriptor is an immutable snapshot of one module declaration.
// Identity is the module name; re-analysis produces a fresh descriptor.
type ModuleDescriptor struct {
	Name         string              `json:"name"`
	SourceFile   string              `json:"source_file"`
	Ports        []Port              `json:"ports"`
	Dependencies map[string]struct{} `json:"-"`
	IsTestbench  bool                `json:"is_testbench"`
}

// DependsOn reports whether the module instantiates the named module.
func (m ModuleDescriptor) DependsOn(name string) bool {
	_, ok := m.Dependencies[name]
	return ok
}

// DependencyNames returns the sorted dependency set.
func (m ModuleDescriptor) DependencyNames() []string {
	return sortedKeys(m.Dependencies)
}

// AnalysisResult is the output of one analysis pass over a file set.
// Partial results plus issues are returned for malformed input; Analyze
// never fails outright on bad text.
type AnalysisResult struct {
	Modules  []ModuleDescriptor `json:"modules"`
	TopLevel []string           `json:"top_level"`
	Missing  []string           `json:"missing"`
	Issues   []string           `json:"issues"`
}

// Module returns the descriptor for name, if present in this pass.
func (r AnalysisResult) Module(name string) (ModuleDescriptor, bool) {
	for _, m := range r.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleDescriptor{}, false
}

// DependencyGraph maps module name to the set of modules it instantiates.
// It is derived and ephemeral: built fresh per resolution call.
type DependencyGraph map[string]map[string]struct{}
