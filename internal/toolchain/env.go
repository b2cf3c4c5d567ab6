package toolchain

import "strings"

// MergeEnv layers KEY=VALUE overrides onto a base environment. Later values
// win, so overrides replace inherited variables of the same name.
func MergeEnv(base []string, overrides ...string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	var order []string

	set := func(entry string) {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return
		}
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = entry
	}

	for _, entry := range base {
		set(entry)
	}
	for _, entry := range overrides {
		set(entry)
	}

	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, merged[key])
	}
	return env
}
