package driver

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	images   []image.Summary
	pulled   []string
	created  []*container.Config
	hosts    []*container.HostConfig
	removed  []string
	exitCode int64
	stdout   string
	stderr   string
}

func (f *fakeDocker) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = append(f.created, config)
	f.hosts = append(f.hosts, hostConfig)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, make(chan error)
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func TestDockerRunner_Output(t *testing.T) {
	docker := &fakeDocker{stdout: `{"username":{"sensitive":false,"type":"string","value":"lab-user"}}`}
	r := NewDockerRunner(docker, "", zerolog.Nop())
	dir := t.TempDir()

	out, err := r.Output(context.Background(), dir, map[string]string{"AWS_REGION": "us-east-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `"lab-user"`, string(out["username"]))

	require.Len(t, docker.created, 1)
	cfg := docker.created[0]
	assert.Equal(t, defaultTerraformImage, cfg.Image)
	assert.Equal(t, []string{"output", "-json"}, []string(cfg.Cmd))
	assert.Contains(t, cfg.Env, "AWS_REGION=us-east-1")
	assert.Contains(t, cfg.Env, "TF_IN_AUTOMATION=1")
	assert.Equal(t, dir, docker.hosts[0].Mounts[0].Source)
	assert.Equal(t, []string{"c1"}, docker.removed)
}

func TestDockerRunner_NonZeroExit(t *testing.T) {
	docker := &fakeDocker{exitCode: 1, stderr: "Error: No state file was found!"}
	r := NewDockerRunner(docker, "hashicorp/terraform:1.8", zerolog.Nop())

	err := r.Destroy(context.Background(), t.TempDir(), nil)
	require.Error(t, err)
	assert.True(t, isBenignDestroyFailure(err))
	assert.Equal(t, []string{"c1"}, docker.removed)
}

func TestDockerRunner_StateResources(t *testing.T) {
	docker := &fakeDocker{stdout: `{
		"format_version": "1.0",
		"values": {"root_module": {
			"resources": [
				{"address": "aws_iam_user.lab", "mode": "managed", "type": "aws_iam_user", "name": "lab"},
				{"address": "data.aws_caller_identity.me", "mode": "data", "type": "aws_caller_identity", "name": "me"}
			],
			"child_modules": [{"address": "module.s3", "resources": [
				{"address": "module.s3.aws_s3_bucket.b", "mode": "managed", "type": "aws_s3_bucket", "name": "b"}
			]}]
		}}
	}`}
	r := NewDockerRunner(docker, "", zerolog.Nop())

	n, err := r.StateResources(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDockerRunner_EnsureImage(t *testing.T) {
	docker := &fakeDocker{images: []image.Summary{{RepoTags: []string{defaultTerraformImage}}}}
	r := NewDockerRunner(docker, "", zerolog.Nop())
	require.NoError(t, r.EnsureImage(context.Background()))
	assert.Empty(t, docker.pulled)

	r = NewDockerRunner(docker, "hashicorp/terraform:1.10", zerolog.Nop())
	require.NoError(t, r.EnsureImage(context.Background()))
	assert.Equal(t, []string{"hashicorp/terraform:1.10"}, docker.pulled)
}
