package hdl

import (
	"fmt"

	"veriforge/internal/filestore"
)

// CheckCompatibility verifies that the testbench instantiates at least one
// module defined in the design file. Returned strings are human-readable
// issues; an empty slice means the pair is compatible.
func (a *Analyzer) CheckCompatibility(design, testbench filestore.SourceFileRef) []string {
	result := a.Analyze([]filestore.SourceFileRef{design, testbench})

	designModules := make(map[string]struct{})
	var tbModules []ModuleDescriptor
	for _, m := range result.Modules {
		switch m.SourceFile {
		case design.Path:
			designModules[m.Name] = struct{}{}
		case testbench.Path:
			tbModules = append(tbModules, m)
		}
	}

	var issues []string
	if len(designModules) == 0 {
		issues = append(issues, fmt.Sprintf("no module declarations found in design file %s", design.Path))
	}
	if len(tbModules) == 0 {
		issues = append(issues, fmt.Sprintf("no module declarations found in testbench file %s", testbench.Path))
	}
	if len(issues) > 0 {
		return issues
	}

	for _, tb := range tbModules {
		for dep := range tb.Dependencies {
			if _, ok := designModules[dep]; ok {
				return nil
			}
		}
	}

	return []string{"no target module instantiated: the testbench does not instantiate any module defined in the design file"}
}
