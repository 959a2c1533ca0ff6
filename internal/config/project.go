// Package config loads and validates the declarative project file that drives
// the operator. Validation failures carry path-qualified messages so the user
// can find the offending key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lakowske/poststack/internal/errs"
)

// AutoGeneratedPassword is the sentinel password value that asks the operator
// to mint and persist a credential on first start.
const AutoGeneratedPassword = "auto_generated"

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ManifestRef names exactly one deployment file, either compose- or pod-style.
type ManifestRef struct {
	Compose string `yaml:"compose,omitempty"`
	Pod     string `yaml:"pod,omitempty"`
}

// Kind returns "compose" or "pod" depending on which path is set.
func (r ManifestRef) Kind() string {
	if r.Compose != "" {
		return "compose"
	}
	return "pod"
}

// Path returns whichever manifest path is set.
func (r ManifestRef) Path() string {
	if r.Compose != "" {
		return r.Compose
	}
	return r.Pod
}

// IsZero reports whether neither path is set.
func (r ManifestRef) IsZero() bool {
	return r.Compose == "" && r.Pod == ""
}

// PostgresSpec configures the environment's database instance.
type PostgresSpec struct {
	Database string `yaml:"database"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
}

// EnvironmentSpec is the full declaration of one named environment.
type EnvironmentSpec struct {
	Postgres   PostgresSpec      `yaml:"postgres"`
	Init       []ManifestRef     `yaml:"init,omitempty"`
	Deployment ManifestRef       `yaml:"deployment"`
	Variables  map[string]string `yaml:"variables,omitempty"`
}

// ProjectMeta carries project identity used in container and volume names.
type ProjectMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Project is the root of the declarative project file.
type Project struct {
	Environment  string                     `yaml:"environment"`
	Meta         ProjectMeta                `yaml:"project"`
	Environments map[string]EnvironmentSpec `yaml:"environments"`
	Variables    map[string]string          `yaml:"variables,omitempty"`

	// dir is where the file was loaded from; manifest paths resolve
	// relative to it.
	dir string
}

// Load reads and validates a project file.
func Load(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "read project file %s", path)
	}
	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "parse project file %s", path)
	}
	p.dir = filepath.Dir(path)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Dir returns the directory the project file was loaded from.
func (p *Project) Dir() string {
	if p.dir == "" {
		return "."
	}
	return p.dir
}

// ResolvePath makes a manifest path absolute relative to the project file.
func (p *Project) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Dir(), path)
}

// CurrentEnvironment returns the selected environment's spec.
func (p *Project) CurrentEnvironment() (string, EnvironmentSpec) {
	return p.Environment, p.Environments[p.Environment]
}

// EnvironmentNames lists declared environments in sorted order.
func (p *Project) EnvironmentNames() []string {
	names := make([]string, 0, len(p.Environments))
	for name := range p.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec returns the named environment's spec, or a ConfigInvalid error listing
// the declared ones.
func (p *Project) Spec(env string) (EnvironmentSpec, error) {
	spec, ok := p.Environments[env]
	if !ok {
		return EnvironmentSpec{}, errs.New(errs.ConfigInvalid,
			"environment %q not found, available: %s", env, strings.Join(p.EnvironmentNames(), ", "))
	}
	return spec, nil
}

// Validate checks the whole document and applies defaults in place.
func (p *Project) Validate() error {
	if p.Meta.Name == "" {
		return errs.New(errs.ConfigInvalid, "project.name: required")
	}
	if !identifierPattern.MatchString(p.Meta.Name) {
		return errs.New(errs.ConfigInvalid,
			"project.name: %q is not a valid identifier (lowercase letters, digits, - and _)", p.Meta.Name)
	}
	if len(p.Environments) == 0 {
		return errs.New(errs.ConfigInvalid, "environments: at least one environment must be defined")
	}
	if p.Environment == "" {
		return errs.New(errs.ConfigInvalid, "environment: required")
	}
	if _, ok := p.Environments[p.Environment]; !ok {
		return errs.New(errs.ConfigInvalid,
			"environment: selected environment %q not found in environments", p.Environment)
	}
	for _, name := range p.EnvironmentNames() {
		spec := p.Environments[name]
		if err := p.validateEnvironment(name, &spec); err != nil {
			return err
		}
		p.Environments[name] = spec
	}
	return nil
}

func (p *Project) validateEnvironment(name string, spec *EnvironmentSpec) error {
	prefix := fmt.Sprintf("environments.%s", name)
	if !identifierPattern.MatchString(name) {
		return errs.New(errs.ConfigInvalid, "%s: %q is not a valid environment name", prefix, name)
	}
	if spec.Postgres.Database == "" {
		return errs.New(errs.ConfigInvalid, "%s.postgres.database: required", prefix)
	}
	if spec.Postgres.User == "" {
		return errs.New(errs.ConfigInvalid, "%s.postgres.user: required", prefix)
	}
	if spec.Postgres.Port == 0 {
		spec.Postgres.Port = 5432
	}
	if spec.Postgres.Port < 1 || spec.Postgres.Port > 65535 {
		return errs.New(errs.ConfigInvalid, "%s.postgres.port: %d out of range", prefix, spec.Postgres.Port)
	}
	if spec.Postgres.Host == "" {
		spec.Postgres.Host = "localhost"
	}
	if spec.Postgres.Password == "" {
		spec.Postgres.Password = AutoGeneratedPassword
	}
	for i, ref := range spec.Init {
		if err := p.validateManifestRef(fmt.Sprintf("%s.init[%d]", prefix, i), ref); err != nil {
			return err
		}
	}
	if spec.Deployment.IsZero() {
		return errs.New(errs.ConfigInvalid, "%s.deployment: required", prefix)
	}
	if err := p.validateManifestRef(prefix+".deployment", spec.Deployment); err != nil {
		return err
	}
	return nil
}

func (p *Project) validateManifestRef(path string, ref ManifestRef) error {
	if ref.Compose != "" && ref.Pod != "" {
		return errs.New(errs.ConfigInvalid, "%s: exactly one of compose or pod must be set", path)
	}
	if ref.IsZero() {
		return errs.New(errs.ConfigInvalid, "%s: exactly one of compose or pod must be set", path)
	}
	resolved := p.ResolvePath(ref.Path())
	if _, err := os.Stat(resolved); err != nil {
		return errs.New(errs.ConfigInvalid, "%s: %s not found", path, ref.Path())
	}
	return nil
}

// Default returns a scaffold project configuration for `poststack init`.
func Default(projectName string) *Project {
	return &Project{
		Environment: "dev",
		Meta: ProjectMeta{
			Name:        projectName,
			Description: fmt.Sprintf("%s project managed by poststack", projectName),
		},
		Environments: map[string]EnvironmentSpec{
			"dev": {
				Postgres: PostgresSpec{
					Database: projectName + "_dev",
					Port:     5433,
					User:     projectName + "_user",
					Password: AutoGeneratedPassword,
					Host:     "localhost",
				},
				Deployment: ManifestRef{Compose: "deploy/dev-compose.yml"},
				Variables: map[string]string{
					"LOG_LEVEL": "debug",
				},
			},
		},
	}
}

// Save writes the project configuration as YAML.
func Save(p *Project, path string) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write project file %s: %w", path, err)
	}
	return nil
}
