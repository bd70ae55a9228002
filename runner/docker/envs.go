package docker

import (
	"fmt"
	"slices"
)

type EnvVars []string

// FromMap flattens an environment map into KEY=value form, sorted so
// container config stays deterministic across runs.
func FromMap(env map[string]string) EnvVars {
	if len(env) == 0 {
		return nil
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	vars := make(EnvVars, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return vars
}

// AddEnv appends a key-value pair.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// Slice returns the EnvVars as a plain []string.
func (ev EnvVars) Slice() []string {
	return ev
}
