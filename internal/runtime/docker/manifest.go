package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
	"github.com/lakowske/poststack/internal/runtime"
)

// ApplyManifest writes the rendered manifest to a temp file and brings it up
// through the matching CLI front end.
func (d *Driver) ApplyManifest(ctx context.Context, kind runtime.ManifestKind, text string) (runtime.ManifestDescriptor, error) {
	path, cleanup, err := tempManifest(text, string(kind))
	if err != nil {
		return runtime.ManifestDescriptor{}, err
	}
	defer cleanup()

	desc := runtime.ManifestDescriptor{Kind: kind, Name: manifestName(kind, text)}

	switch kind {
	case runtime.KindCompose:
		if _, err := d.runCLI(ctx, d.compose, "compose", "-f", path, "up", "-d"); err != nil {
			return desc, err
		}
		out, err := d.runCLI(ctx, d.compose, "compose", "-f", path, "ps", "-q", "-a")
		if err != nil {
			return desc, err
		}
		desc.Containers = splitLines(out)
	case runtime.KindPod:
		if _, err := d.runCLI(ctx, d.pod, "play", "kube", path); err != nil {
			return desc, err
		}
		out, err := d.runCLI(ctx, d.pod, "ps", "-a", "--filter", "pod="+desc.Name, "--format", "{{.ID}}")
		if err != nil {
			return desc, err
		}
		desc.Containers = splitLines(out)
	default:
		return desc, errs.New(errs.ConfigInvalid, "unknown manifest kind %q", kind)
	}
	d.log.Info("manifest applied", "kind", string(kind), "name", desc.Name, "containers", len(desc.Containers))
	return desc, nil
}

// DownManifest stops the manifest's workloads; remove also deletes them.
func (d *Driver) DownManifest(ctx context.Context, kind runtime.ManifestKind, text string, remove bool) error {
	path, cleanup, err := tempManifest(text, string(kind))
	if err != nil {
		return err
	}
	defer cleanup()

	switch kind {
	case runtime.KindCompose:
		if remove {
			_, err = d.runCLI(ctx, d.compose, "compose", "-f", path, "down")
		} else {
			_, err = d.runCLI(ctx, d.compose, "compose", "-f", path, "stop")
		}
		return err
	case runtime.KindPod:
		name := manifestName(kind, text)
		if name == "" {
			return errs.New(errs.ConfigInvalid, "pod manifest has no metadata.name, cannot tear down")
		}
		if remove {
			_, err = d.runCLI(ctx, d.pod, "pod", "rm", "-f", name)
		} else {
			_, err = d.runCLI(ctx, d.pod, "pod", "stop", name)
		}
		return err
	default:
		return errs.New(errs.ConfigInvalid, "unknown manifest kind %q", kind)
	}
}

// ManifestStatus reports container states for a manifest without mutating
// anything.
func (d *Driver) ManifestStatus(ctx context.Context, kind runtime.ManifestKind, text string) ([]domain.ContainerState, error) {
	path, cleanup, err := tempManifest(text, string(kind))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var ids []string
	switch kind {
	case runtime.KindCompose:
		out, err := d.runCLI(ctx, d.compose, "compose", "-f", path, "ps", "-q", "-a")
		if err != nil {
			return nil, err
		}
		ids = splitLines(out)
	case runtime.KindPod:
		name := manifestName(kind, text)
		if name == "" {
			return nil, nil
		}
		out, err := d.runCLI(ctx, d.pod, "ps", "-a", "--filter", "pod="+name, "--format", "{{.ID}}")
		if err != nil {
			return nil, err
		}
		ids = splitLines(out)
	default:
		return nil, errs.New(errs.ConfigInvalid, "unknown manifest kind %q", kind)
	}
	return d.ManifestContainers(ctx, runtime.ManifestDescriptor{Kind: kind, Containers: ids})
}

// ManifestContainers reports the state of every container an applied manifest
// created.
func (d *Driver) ManifestContainers(ctx context.Context, desc runtime.ManifestDescriptor) ([]domain.ContainerState, error) {
	states := make([]domain.ContainerState, 0, len(desc.Containers))
	for _, id := range desc.Containers {
		state, err := d.InspectContainer(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (d *Driver) runCLI(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		d.log.Debug("runtime command output", "command", name+" "+strings.Join(args, " "), "output", string(output))
	}
	if err != nil {
		if ctx.Err() != nil {
			return string(output), errs.Wrap(errs.Cancelled, ctx.Err(), "command %s %s", name, strings.Join(args, " "))
		}
		if _, lookErr := exec.LookPath(name); lookErr != nil {
			return string(output), errs.Wrap(errs.RuntimeUnavailable, lookErr, "runtime binary %s not found", name)
		}
		return string(output), &errs.Error{
			Kind:    errs.RuntimeFailure,
			Message: fmt.Sprintf("command %s %s failed", name, strings.Join(args, " ")),
			Err:     fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output))),
		}
	}
	return string(output), nil
}

// manifestName extracts the identity needed for teardown: for pod manifests
// the metadata.name, for compose the top-level name key if present.
func manifestName(kind runtime.ManifestKind, text string) string {
	switch kind {
	case runtime.KindPod:
		var doc struct {
			Metadata struct {
				Name string `yaml:"name"`
			} `yaml:"metadata"`
		}
		if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
			return ""
		}
		return doc.Metadata.Name
	case runtime.KindCompose:
		var doc struct {
			Name string `yaml:"name"`
		}
		if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
			return ""
		}
		return doc.Name
	}
	return ""
}

func tempManifest(text, kind string) (string, func(), error) {
	f, err := os.CreateTemp("", "poststack-"+kind+"-*.yml")
	if err != nil {
		return "", nil, fmt.Errorf("create temp manifest: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write temp manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("close temp manifest: %w", err)
	}
	path := f.Name()
	return path, func() { os.Remove(filepath.Clean(path)) }, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
