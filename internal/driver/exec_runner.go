package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/hashicorp/terraform-exec/tfexec"
	"github.com/rs/zerolog"
)

// tfexec refuses to let callers set these directly.
var managedEnv = map[string]bool{
	"CHECKPOINT_DISABLE":      true,
	"TF_APPEND_USER_AGENT":    true,
	"TF_DISABLE_PLUGIN_TLS":   true,
	"TF_IN_AUTOMATION":        true,
	"TF_INPUT":                true,
	"TF_LOG":                  true,
	"TF_LOG_CORE":             true,
	"TF_LOG_PATH":             true,
	"TF_LOG_PROVIDER":         true,
	"TF_REATTACH_PROVIDERS":   true,
	"TF_SKIP_PROVIDER_VERIFY": true,
	"TF_WORKSPACE":            true,
}

// ExecRunner runs a local terraform binary through terraform-exec
type ExecRunner struct {
	binary string
	log    zerolog.Logger
}

// NewExecRunner creates a runner for the terraform binary at path
func NewExecRunner(binary string, log zerolog.Logger) *ExecRunner {
	if strings.TrimSpace(binary) == "" {
		binary = "terraform"
	}
	return &ExecRunner{binary: binary, log: log}
}

func (r *ExecRunner) terraform(dir string, env map[string]string, output *bytes.Buffer) (*tfexec.Terraform, error) {
	tf, err := tfexec.NewTerraform(dir, r.binary)
	if err != nil {
		return nil, fmt.Errorf("failed to init terraform exec: %w", err)
	}

	envMap := map[string]string{}
	for _, item := range os.Environ() {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) == 2 && !managedEnv[parts[0]] {
			envMap[parts[0]] = parts[1]
		}
	}
	maps.Copy(envMap, env)
	if _, ok := envMap["TF_CLI_ARGS_init"]; !ok {
		envMap["TF_CLI_ARGS_init"] = "-input=false -no-color"
	}
	if _, ok := envMap["TF_CLI_ARGS_apply"]; !ok {
		envMap["TF_CLI_ARGS_apply"] = "-input=false -no-color"
	}
	if _, ok := envMap["TF_CLI_ARGS_destroy"]; !ok {
		envMap["TF_CLI_ARGS_destroy"] = "-input=false -no-color"
	}
	if err := tf.SetEnv(envMap); err != nil {
		return nil, fmt.Errorf("failed to configure terraform env: %w", err)
	}
	if output != nil {
		tf.SetStdout(output)
		tf.SetStderr(output)
	}
	return tf, nil
}

func (r *ExecRunner) run(ctx context.Context, action, dir string, env map[string]string, fn func(*tfexec.Terraform) error) error {
	var output bytes.Buffer
	tf, err := r.terraform(dir, env, &output)
	if err != nil {
		return err
	}
	err = fn(tf)
	if output.Len() > 0 {
		r.log.Debug().Str("action", action).Str("dir", dir).Msg(output.String())
	}
	if err != nil {
		return fmt.Errorf("terraform %s failed: %w", action, err)
	}
	return nil
}

func (r *ExecRunner) Init(ctx context.Context, dir string, env map[string]string) error {
	return r.run(ctx, "init", dir, env, func(tf *tfexec.Terraform) error {
		return tf.Init(ctx)
	})
}

func (r *ExecRunner) Apply(ctx context.Context, dir string, env map[string]string) error {
	return r.run(ctx, "apply", dir, env, func(tf *tfexec.Terraform) error {
		return tf.Apply(ctx)
	})
}

func (r *ExecRunner) Destroy(ctx context.Context, dir string, env map[string]string) error {
	return r.run(ctx, "destroy", dir, env, func(tf *tfexec.Terraform) error {
		return tf.Destroy(ctx)
	})
}

func (r *ExecRunner) Output(ctx context.Context, dir string, env map[string]string) (map[string]json.RawMessage, error) {
	tf, err := r.terraform(dir, env, nil)
	if err != nil {
		return nil, err
	}
	metas, err := tf.Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("terraform output failed: %w", err)
	}
	out := make(map[string]json.RawMessage, len(metas))
	for name, meta := range metas {
		out[name] = meta.Value
	}
	return out, nil
}

func (r *ExecRunner) StateResources(ctx context.Context, dir string, env map[string]string) (int, error) {
	tf, err := r.terraform(dir, env, nil)
	if err != nil {
		return 0, err
	}
	state, err := tf.Show(ctx)
	if err != nil {
		return 0, fmt.Errorf("terraform show failed: %w", err)
	}
	return countResources(state), nil
}
