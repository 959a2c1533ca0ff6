// Package runtime abstracts the external container runtime behind a single
// capability boundary. The core orchestrates through this interface;
// implementations for different runtimes are interchangeable.
package runtime

import (
	"context"
	"time"

	"github.com/lakowske/poststack/internal/domain"
)

// ManifestKind selects how a manifest is interpreted.
type ManifestKind string

const (
	KindCompose ManifestKind = "compose"
	KindPod     ManifestKind = "pod"
)

// ContainerSpec describes a single container to run.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Ports         map[int]int // host port -> container port
	Volumes       map[string]string
	RestartAlways bool
}

// ManifestDescriptor identifies what an applied manifest created, enough to
// wait on and tear down.
type ManifestDescriptor struct {
	Kind       ManifestKind
	Name       string
	Containers []string
}

// Driver is the capability set the core requires from a container runtime.
type Driver interface {
	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error

	// BuildImage builds an image from a directory context.
	BuildImage(ctx context.Context, name, contextDir string) error

	// ImageExists reports whether an image is present locally.
	ImageExists(ctx context.Context, name string) (bool, error)

	// RunContainer creates and starts a container, returning its id.
	RunContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// InspectContainer reports the state of a named container.
	InspectContainer(ctx context.Context, name string) (domain.ContainerState, error)

	// StopContainer stops a container within the timeout.
	StopContainer(ctx context.Context, name string, timeout time.Duration) error

	// StartContainer restarts an existing stopped container in place.
	StartContainer(ctx context.Context, name string) error

	// RemoveContainer removes a container, optionally forcing.
	RemoveContainer(ctx context.Context, name string, force bool) error

	// RemoveVolume removes a named volume.
	RemoveVolume(ctx context.Context, name string) error

	// ApplyManifest brings up the workloads a rendered manifest declares.
	ApplyManifest(ctx context.Context, kind ManifestKind, text string) (ManifestDescriptor, error)

	// DownManifest stops a manifest's workloads; remove also deletes them.
	DownManifest(ctx context.Context, kind ManifestKind, text string, remove bool) error

	// ManifestContainers lists the container states of an applied manifest.
	ManifestContainers(ctx context.Context, desc ManifestDescriptor) ([]domain.ContainerState, error)

	// ManifestStatus reports container states for a manifest without
	// mutating anything.
	ManifestStatus(ctx context.Context, kind ManifestKind, text string) ([]domain.ContainerState, error)

	// WaitExit blocks until the container stops and returns its exit code.
	WaitExit(ctx context.Context, container string, timeout time.Duration) (int, error)

	// Logs returns a container's output.
	Logs(ctx context.Context, container string) (string, error)
}
