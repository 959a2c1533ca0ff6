// Package docker implements the runtime driver on the Docker Engine API.
// Container and image operations use the SDK; compose and pod manifests go
// through the respective CLI front ends, which own manifest semantics.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
	"github.com/lakowske/poststack/internal/runtime"
)

// Driver talks to the Docker daemon and the compose/podman CLIs.
type Driver struct {
	inner   *client.Client
	compose string
	pod     string
	log     *slog.Logger
}

var _ runtime.Driver = (*Driver)(nil)

// New creates a driver. composeBinary fronts compose manifests (usually
// "docker", invoked as `docker compose`), podBinary pod manifests (usually
// "podman").
func New(host, composeBinary, podBinary string, log *slog.Logger) (*Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeUnavailable, err, "create docker client")
	}
	if composeBinary == "" {
		composeBinary = "docker"
	}
	if podBinary == "" {
		podBinary = "podman"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{inner: inner, compose: composeBinary, pod: podBinary, log: log}, nil
}

// Ping validates connectivity to the daemon.
func (d *Driver) Ping(ctx context.Context) error {
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return errs.Wrap(errs.RuntimeUnavailable, err, "docker ping")
	}
	if ping.APIVersion == "" {
		return errs.New(errs.RuntimeUnavailable, "docker ping returned empty API version")
	}
	return nil
}

// Close releases the underlying client.
func (d *Driver) Close() error {
	return d.inner.Close()
}

// BuildImage builds an image from the given directory using its Dockerfile.
func (d *Driver) BuildImage(ctx context.Context, name, contextDir string) error {
	if contextDir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := d.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{name},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream      string `json:"stream"`
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("docker image build: %s", msg.Error)
		}
		if msg.ErrorDetail.Message != "" {
			return fmt.Errorf("docker image build: %s", msg.ErrorDetail.Message)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			d.log.Debug("image build output", "image", name, "line", line)
		}
	}
	return nil
}

// ImageExists reports whether the image is present locally.
func (d *Driver) ImageExists(ctx context.Context, name string) (bool, error) {
	_, _, err := d.inner.ImageInspectWithRaw(ctx, name)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect image %s: %w", name, err)
}

// PullImage fetches an image from its registry.
func (d *Driver) PullImage(ctx context.Context, name string) error {
	reader, err := d.inner.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", name, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("drain pull output: %w", err)
	}
	return nil
}

// RunContainer creates and starts a container from a spec.
func (d *Driver) RunContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if spec.Image == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{},
	}
	bindings := nat.PortMap{}
	for hostPort, containerPort := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		config.ExposedPorts[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}

	hostCfg := &container.HostConfig{PortBindings: bindings}
	if spec.RestartAlways {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: "always"}
	}
	for volumeName, target := range spec.Volumes {
		hostCfg.Binds = append(hostCfg.Binds, volumeName+":"+target)
	}

	r, err := d.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", errs.Wrap(errs.RuntimeFailure, err, "container create %s", spec.Name)
	}
	if err := d.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return "", &errs.Error{
			Kind:      errs.RuntimeFailure,
			Container: spec.Name,
			Message:   fmt.Sprintf("container start %s", spec.Name),
			Err:       err,
		}
	}
	return r.ID, nil
}

// InspectContainer reports the state of a named container.
func (d *Driver) InspectContainer(ctx context.Context, name string) (domain.ContainerState, error) {
	inspect, err := d.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.ContainerState{Name: name}, nil
		}
		return domain.ContainerState{}, fmt.Errorf("inspect container %s: %w", name, err)
	}
	state := domain.ContainerState{Name: name, Exists: true}
	if inspect.State != nil {
		state.State = inspect.State.Status
		state.Running = inspect.State.Running
		state.ExitCode = inspect.State.ExitCode
	}
	return state, nil
}

// StopContainer stops a running container within the timeout.
func (d *Driver) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

// StartContainer restarts an existing container in place, preserving volumes.
func (d *Driver) StartContainer(ctx context.Context, name string) error {
	if err := d.inner.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return &errs.Error{
			Kind:      errs.RuntimeFailure,
			Container: name,
			Message:   fmt.Sprintf("restart container %s", name),
			Err:       err,
		}
	}
	return nil
}

// RemoveContainer deletes a container; missing containers are not an error.
func (d *Driver) RemoveContainer(ctx context.Context, name string, force bool) error {
	if err := d.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// RemoveVolume deletes a named volume; missing volumes are not an error.
func (d *Driver) RemoveVolume(ctx context.Context, name string) error {
	if err := d.inner.VolumeRemove(ctx, name, true); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

// EnsureVolume creates a named volume if it does not exist.
func (d *Driver) EnsureVolume(ctx context.Context, name string) error {
	if _, err := d.inner.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// WaitExit blocks until the container stops and returns its exit code.
func (d *Driver) WaitExit(ctx context.Context, name string, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	statusCh, errCh := d.inner.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err == nil {
			return 0, nil
		}
		if client.IsErrNotFound(err) {
			return 0, nil
		}
		if ctx.Err() != nil {
			return 0, errs.Wrap(errs.Cancelled, ctx.Err(), "wait for container %s", name)
		}
		return 0, fmt.Errorf("wait for container %s: %w", name, err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, errs.Wrap(errs.Cancelled, ctx.Err(), "wait for container %s", name)
	}
}

// Logs returns the container's combined output.
func (d *Driver) Logs(ctx context.Context, name string) (string, error) {
	reader, err := d.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "200",
	})
	if err != nil {
		return "", fmt.Errorf("container logs %s: %w", name, err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read container logs %s: %w", name, err)
	}
	return stripLogHeaders(raw), nil
}

// stripLogHeaders removes the 8-byte multiplexing headers the engine prefixes
// to each log frame on non-TTY containers.
func stripLogHeaders(raw []byte) string {
	var b strings.Builder
	for len(raw) >= 8 {
		size := int(raw[4])<<24 | int(raw[5])<<16 | int(raw[6])<<8 | int(raw[7])
		if size < 0 || size > len(raw)-8 {
			// Not a framed stream; return as-is.
			return string(raw)
		}
		b.Write(raw[8 : 8+size])
		raw = raw[8+size:]
	}
	if len(raw) > 0 {
		b.Write(raw)
	}
	return b.String()
}
