package driver

import (
	"context"
	"encoding/json"
	"strings"

	tfjson "github.com/hashicorp/terraform-json"
)

// Runner executes terraform commands in a working directory
type Runner interface {
	Init(ctx context.Context, dir string, env map[string]string) error
	Apply(ctx context.Context, dir string, env map[string]string) error
	Destroy(ctx context.Context, dir string, env map[string]string) error
	Output(ctx context.Context, dir string, env map[string]string) (map[string]json.RawMessage, error)
	// StateResources counts managed resources recorded in state.
	StateResources(ctx context.Context, dir string, env map[string]string) (int, error)
}

func countResources(state *tfjson.State) int {
	if state == nil || state.Values == nil || state.Values.RootModule == nil {
		return 0
	}
	return countModule(state.Values.RootModule)
}

func countModule(m *tfjson.StateModule) int {
	n := 0
	for _, r := range m.Resources {
		if r.Mode == tfjson.ManagedResourceMode {
			n++
		}
	}
	for _, child := range m.ChildModules {
		n += countModule(child)
	}
	return n
}

// isBenignDestroyFailure reports destroy errors that mean there was nothing
// left to destroy.
func isBenignDestroyFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"no state file was found",
		"state does not exist",
		"no such file or directory",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
