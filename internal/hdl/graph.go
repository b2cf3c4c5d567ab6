package hdl

import (
	"sort"
)

// BuildGraph derives the dependency graph from a descriptor set.
func BuildGraph(modules []ModuleDescriptor) DependencyGraph {
	graph := make(DependencyGraph, len(modules))
	for _, m := range modules {
		deps := make(map[string]struct{}, len(m.Dependencies))
		for d := range m.Dependencies {
			deps[d] = struct{}{}
		}
		graph[m.Name] = deps
	}
	return graph
}

// TopLevel returns the modules no other known module instantiates,
// excluding testbenches. Sorted for determinism.
func TopLevel(modules []ModuleDescriptor) []string {
	instantiated := make(map[string]struct{})
	for _, m := range modules {
		for d := range m.Dependencies {
			instantiated[d] = struct{}{}
		}
	}

	var top []string
	for _, m := range modules {
		if m.IsTestbench {
			continue
		}
		if _, used := instantiated[m.Name]; !used {
			top = append(top, m.Name)
		}
	}
	sort.Strings(top)
	return top
}

// missingDependencies returns the sorted set of instantiated names that have
// no descriptor in this pass.
func missingDependencies(graph DependencyGraph, known map[string]ModuleDescriptor) []string {
	missing := make(map[string]struct{})
	for _, deps := range graph {
		for d := range deps {
			if _, ok := known[d]; !ok {
				missing[d] = struct{}{}
			}
		}
	}
	return sortedKeys(missing)
}

// DetectCycle returns one instantiation cycle as a name path, or nil when
// the graph is acyclic. HDL instantiation graphs are expected acyclic; a
// cycle is an input error, never something to resolve silently.
func DetectCycle(graph DependencyGraph) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(graph))

	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)

	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		stack = append(stack, name)

		for _, dep := range sortedKeys(graph[name]) {
			if _, known := graph[dep]; !known {
				continue
			}
			switch state[dep] {
			case inStack:
				// Slice the stack from the first occurrence of dep to close the loop.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// ResolveCompileOrder performs depth-first resolution of the target modules:
// every dependency's owning file is listed before the file of the module
// that instantiates it. Names with no descriptor are reported in missing
// rather than failing, so the caller can search a broader pool or surface
// a missing-dependency diagnostic.
func ResolveCompileOrder(result AnalysisResult, targets []string) (files []string, missing []string) {
	byName := make(map[string]ModuleDescriptor, len(result.Modules))
	for _, m := range result.Modules {
		byName[m.Name] = m
	}

	seenFile := make(map[string]struct{})
	seenModule := make(map[string]struct{})
	missingSet := make(map[string]struct{})

	var visit func(name string)
	visit = func(name string) {
		if _, ok := seenModule[name]; ok {
			return
		}
		seenModule[name] = struct{}{}

		m, known := byName[name]
		if !known {
			missingSet[name] = struct{}{}
			return
		}

		for _, dep := range m.DependencyNames() {
			visit(dep)
		}

		if _, ok := seenFile[m.SourceFile]; !ok {
			seenFile[m.SourceFile] = struct{}{}
			files = append(files, m.SourceFile)
		}
	}

	for _, target := range targets {
		visit(target)
	}

	return files, sortedKeys(missingSet)
}
