package scenario

import "sort"

// Reserved variable names injected by the orchestrator.
const (
	VarTestID        = "test_id"
	VarScenarioRunID = "scenario_run_id"
)

// Variables are passed to every scenario as --variable NAME=VALUE.
type Variables map[string]string

func (v Variables) Clone() Variables {
	out := make(Variables, len(v)+2)
	for k, val := range v {
		out[k] = val
	}
	return out
}

// With returns a copy of v with k set to val.
func (v Variables) With(k, val string) Variables {
	out := v.Clone()
	out[k] = val
	return out
}

// Args renders the --variable flags, sorted by name.
func (v Variables) Args() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--variable", k+"="+v[k])
	}
	return args
}
