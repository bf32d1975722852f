package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	tfjson "github.com/hashicorp/terraform-json"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

const (
	defaultTerraformImage = "hashicorp/terraform:1.9"
	containerWorkDir      = "/workspace"
)

// dockerAPI is the subset of the docker client the runner uses
type dockerAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRunner runs the terraform CLI in a throwaway container with the
// session working directory bind-mounted.
type DockerRunner struct {
	client dockerAPI
	image  string
	log    zerolog.Logger
}

// NewDockerClient connects to the docker daemon from the environment
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// NewDockerRunner creates a runner using the given terraform image
func NewDockerRunner(cli dockerAPI, imageRef string, log zerolog.Logger) *DockerRunner {
	if strings.TrimSpace(imageRef) == "" {
		imageRef = defaultTerraformImage
	}
	return &DockerRunner{client: cli, image: imageRef, log: log}
}

// EnsureImage pulls the terraform image if it is not present
func (r *DockerRunner) EnsureImage(ctx context.Context) error {
	images, err := r.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == r.image {
				return nil
			}
		}
	}

	reader, err := r.client.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *DockerRunner) Init(ctx context.Context, dir string, env map[string]string) error {
	_, err := r.run(ctx, dir, env, "init", "-input=false", "-no-color")
	return err
}

func (r *DockerRunner) Apply(ctx context.Context, dir string, env map[string]string) error {
	_, err := r.run(ctx, dir, env, "apply", "-auto-approve", "-input=false", "-no-color")
	return err
}

func (r *DockerRunner) Destroy(ctx context.Context, dir string, env map[string]string) error {
	_, err := r.run(ctx, dir, env, "destroy", "-auto-approve", "-input=false", "-no-color")
	return err
}

func (r *DockerRunner) Output(ctx context.Context, dir string, env map[string]string) (map[string]json.RawMessage, error) {
	stdout, err := r.run(ctx, dir, env, "output", "-json")
	if err != nil {
		return nil, err
	}
	var metas map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(stdout, &metas); err != nil {
		return nil, fmt.Errorf("failed to parse terraform output: %w", err)
	}
	out := make(map[string]json.RawMessage, len(metas))
	for name, meta := range metas {
		out[name] = meta.Value
	}
	return out, nil
}

func (r *DockerRunner) StateResources(ctx context.Context, dir string, env map[string]string) (int, error) {
	stdout, err := r.run(ctx, dir, env, "show", "-json")
	if err != nil {
		return 0, err
	}
	var state tfjson.State
	if err := json.Unmarshal(stdout, &state); err != nil {
		return 0, fmt.Errorf("failed to parse terraform state: %w", err)
	}
	return countResources(&state), nil
}

// run executes one terraform command and returns its stdout
func (r *DockerRunner) run(ctx context.Context, dir string, env map[string]string, args ...string) ([]byte, error) {
	hostDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	containerConfig := &container.Config{
		Image:      r.image,
		Cmd:        args,
		Env:        envList(env),
		WorkingDir: containerWorkDir,
		Labels: map[string]string{
			"managed-by": "labforge",
			"session-id": filepath.Base(hostDir),
			"action":     args[0],
		},
	}
	hostConfig := &container.HostConfig{
		AutoRemove: false,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostDir,
				Target: containerWorkDir,
			},
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// The request context may already be done; removal must still happen.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			r.log.Warn().Err(err).Str("container", resp.ID).Msg("failed to remove terraform container")
		}
	}()

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("terraform %s: %w", args[0], err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, fmt.Errorf("terraform %s: %w", args[0], ctx.Err())
	}

	var stdout, stderr bytes.Buffer
	logs, err := r.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("terraform %s exited with status %d: %s", args[0], exitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env)+1)
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	list = append(list, "TF_IN_AUTOMATION=1")
	sort.Strings(list)
	return list
}
