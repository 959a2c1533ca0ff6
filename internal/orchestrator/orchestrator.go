// Package orchestrator drives the environment lifecycle: ensure postgres,
// apply migrations, run the init phase to completion, then bring up the
// deployment. It owns the per-run service registry and the variable layering
// handed to template expansion; all external effects go through the runtime
// driver and the migration runner.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lakowske/poststack/internal/config"
	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
	"github.com/lakowske/poststack/internal/registry"
	"github.com/lakowske/poststack/internal/runtime"
	"github.com/lakowske/poststack/internal/template"
)

// PostgresController is the database-container side of a start run.
type PostgresController interface {
	Ensure(ctx context.Context) (domain.ConnectionInfo, error)
	ConnectionInfo() (domain.ConnectionInfo, error)
	Stop(ctx context.Context, remove bool) error
	Destroy(ctx context.Context, wipeVolume bool) error
	State(ctx context.Context) (domain.ContainerState, error)
}

// MigrationRunner is the slice of the migration engine a start run needs.
type MigrationRunner interface {
	Migrate(ctx context.Context, target string) (int, error)
	Status(ctx context.Context) (domain.MigrationStatus, error)
}

// RunnerFactory builds a migration runner once the database is reachable.
// The returned closer releases the underlying connections.
type RunnerFactory func(ctx context.Context, info domain.ConnectionInfo) (MigrationRunner, func(), error)

// Orchestrator composes the lifecycle for one environment.
type Orchestrator struct {
	project     *config.Project
	environment string
	spec        config.EnvironmentSpec
	driver      runtime.Driver
	controller  PostgresController
	runnerFor   RunnerFactory
	initTimeout time.Duration
	log         *slog.Logger
}

// New wires an orchestrator for the named environment of a project.
func New(project *config.Project, environment string, driver runtime.Driver, controller PostgresController, runnerFor RunnerFactory, initTimeout time.Duration, log *slog.Logger) (*Orchestrator, error) {
	if project == nil {
		return nil, errors.New("nil project config provided")
	}
	if driver == nil {
		return nil, errors.New("nil runtime driver provided")
	}
	if controller == nil {
		return nil, errors.New("nil postgres controller provided")
	}
	if runnerFor == nil {
		return nil, errors.New("nil runner factory provided")
	}
	spec, err := project.Spec(environment)
	if err != nil {
		return nil, err
	}
	if initTimeout <= 0 {
		initTimeout = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		project:     project,
		environment: environment,
		spec:        spec,
		driver:      driver,
		controller:  controller,
		runnerFor:   runnerFor,
		initTimeout: initTimeout,
		log:         log,
	}, nil
}

// Start runs the full startup sequence. The first failure aborts the run and
// the report carries the phase reached.
func (o *Orchestrator) Start(ctx context.Context) (domain.RunReport, error) {
	started := time.Now()
	report := domain.RunReport{
		RunID:       uuid.NewString(),
		Environment: o.environment,
		Phase:       domain.PhaseStartingDB,
	}
	o.log.Info("starting environment", "environment", o.environment, "run_id", report.RunID)

	info, err := o.controller.Ensure(ctx)
	if err != nil {
		report.Phase = domain.PhaseDown
		report.Duration = time.Since(started)
		return report, o.contextualize(err, "starting-db")
	}
	report.Postgres = info

	reg := o.buildRegistry(info)

	report.Phase = domain.PhaseMigrating
	runner, closeRunner, err := o.runnerFor(ctx, info)
	if err != nil {
		report.Phase = domain.PhaseDegraded
		report.Duration = time.Since(started)
		return report, o.contextualize(err, "migrating")
	}
	migrated, err := runner.Migrate(ctx, "")
	if err != nil {
		closeRunner()
		report.Phase = domain.PhaseDegraded
		report.Duration = time.Since(started)
		return report, o.contextualize(err, "migrating")
	}
	closeRunner()
	report.Migrated = migrated

	report.Phase = domain.PhaseInitializing
	for i, ref := range o.spec.Init {
		phaseReport, err := o.runInitManifest(ctx, reg, info, ref, i)
		report.InitReports = append(report.InitReports, phaseReport)
		if err != nil {
			report.Phase = domain.PhaseDegraded
			report.Duration = time.Since(started)
			return report, o.contextualize(err, "initializing")
		}
	}

	report.Phase = domain.PhaseDeploying
	deployReport, err := o.applyDeployment(ctx, reg, info)
	report.Deployment = &deployReport
	if err != nil {
		report.Phase = domain.PhaseDegraded
		report.Duration = time.Since(started)
		return report, o.contextualize(err, "deploying")
	}

	report.Phase = domain.PhaseUp
	report.Duration = time.Since(started)
	o.log.Info("environment up",
		"environment", o.environment, "migrated", migrated, "duration", report.Duration)
	return report, nil
}

// Stop tears down the deployment and init residue, then the postgres
// container. With remove=false containers are kept for inspection; the data
// volume survives either way.
func (o *Orchestrator) Stop(ctx context.Context, remove bool) error {
	o.log.Info("stopping environment", "environment", o.environment, "remove", remove)

	info, err := o.controller.ConnectionInfo()
	if err != nil {
		return err
	}
	reg := o.buildRegistry(info)

	text, _, err := o.renderManifest(reg, info, o.spec.Deployment)
	if err != nil {
		return err
	}
	if err := o.driver.DownManifest(ctx, manifestKind(o.spec.Deployment), text, remove); err != nil {
		return o.contextualize(err, "stopping")
	}

	// Init containers normally exited long ago; clean up residue anyway.
	for _, ref := range o.spec.Init {
		initText, _, err := o.renderManifest(reg, info, ref)
		if err != nil {
			return err
		}
		if err := o.driver.DownManifest(ctx, manifestKind(ref), initText, remove); err != nil {
			o.log.Warn("init manifest teardown failed", "manifest", ref.Path(), "error", err)
		}
	}

	if err := o.controller.Stop(ctx, remove); err != nil {
		return o.contextualize(err, "stopping")
	}
	o.log.Info("environment stopped", "environment", o.environment)
	return nil
}

// Restart is a clean stop-with-remove followed by a fresh start.
func (o *Orchestrator) Restart(ctx context.Context) (domain.RunReport, error) {
	if err := o.Stop(ctx, true); err != nil {
		return domain.RunReport{Environment: o.environment, Phase: domain.PhaseDegraded}, err
	}
	return o.Start(ctx)
}

// Destroy removes all containers and, when wipeVolume is set, the data
// volume and stored credentials.
func (o *Orchestrator) Destroy(ctx context.Context, wipeVolume bool) error {
	if err := o.Stop(ctx, true); err != nil {
		o.log.Warn("stop during destroy failed", "error", err)
	}
	return o.controller.Destroy(ctx, wipeVolume)
}

// Status aggregates postgres state, migration status and deployment
// container states.
func (o *Orchestrator) Status(ctx context.Context) (domain.EnvironmentStatus, error) {
	status := domain.EnvironmentStatus{
		Project:     o.project.Meta.Name,
		Environment: o.environment,
	}

	pgState, err := o.controller.State(ctx)
	if err != nil {
		return status, err
	}
	status.Postgres = pgState

	if pgState.Running {
		info, err := o.controller.ConnectionInfo()
		if err != nil {
			return status, err
		}
		runner, closeRunner, err := o.runnerFor(ctx, info)
		if err == nil {
			migStatus, statusErr := runner.Status(ctx)
			closeRunner()
			if statusErr != nil {
				return status, statusErr
			}
			status.Migrations = migStatus
		} else {
			o.log.Warn("migration status unavailable", "error", err)
		}

		reg := o.buildRegistry(info)
		text, _, renderErr := o.renderManifest(reg, info, o.spec.Deployment)
		if renderErr == nil {
			states, stateErr := o.driver.ManifestStatus(ctx, manifestKind(o.spec.Deployment), text)
			if stateErr != nil {
				o.log.Warn("deployment status unavailable", "error", stateErr)
			} else {
				status.Deployment = states
			}
		}
	}

	status.Phase = derivePhase(status)
	return status, nil
}

// Render expands a manifest with the full variable layering without touching
// the runtime, returning the audit trail of bindings and undefined names.
func (o *Orchestrator) Render(ref config.ManifestRef) (template.Result, error) {
	info, err := o.controller.ConnectionInfo()
	if err != nil {
		return template.Result{}, err
	}
	reg := o.buildRegistry(info)
	_, result, err := o.renderManifest(reg, info, ref)
	return result, err
}

// DeploymentRef exposes the environment's deployment manifest reference.
func (o *Orchestrator) DeploymentRef() config.ManifestRef {
	return o.spec.Deployment
}

func (o *Orchestrator) runInitManifest(ctx context.Context, reg *registry.Registry, info domain.ConnectionInfo, ref config.ManifestRef, index int) (domain.PhaseReport, error) {
	started := time.Now()
	report := domain.PhaseReport{Manifest: ref.Path()}

	text, _, err := o.renderManifest(reg, info, ref)
	if err != nil {
		return report, err
	}

	o.log.Info("applying init manifest", "manifest", ref.Path(), "index", index)
	desc, err := o.driver.ApplyManifest(ctx, manifestKind(ref), text)
	if err != nil {
		report.Duration = time.Since(started)
		return report, err
	}

	for _, containerID := range desc.Containers {
		exitCode, err := o.driver.WaitExit(ctx, containerID, o.initTimeout)
		if err != nil {
			report.Duration = time.Since(started)
			return report, err
		}
		if exitCode != 0 {
			logs, logErr := o.driver.Logs(ctx, containerID)
			if logErr != nil {
				o.log.Warn("could not fetch init container logs", "container", containerID, "error", logErr)
			}
			report.ExitCode = exitCode
			report.Logs = logs
			report.Duration = time.Since(started)
			return report, &errs.Error{
				Kind:      errs.InitFailed,
				Manifest:  ref.Path(),
				Container: containerID,
				ExitCode:  exitCode,
				Message:   fmt.Sprintf("init manifest %s: container exited with code %d", ref.Path(), exitCode),
			}
		}
	}

	report.Success = true
	report.Duration = time.Since(started)
	o.log.Info("init manifest completed", "manifest", ref.Path(), "duration", report.Duration)
	return report, nil
}

func (o *Orchestrator) applyDeployment(ctx context.Context, reg *registry.Registry, info domain.ConnectionInfo) (domain.PhaseReport, error) {
	started := time.Now()
	ref := o.spec.Deployment
	report := domain.PhaseReport{Manifest: ref.Path()}

	text, _, err := o.renderManifest(reg, info, ref)
	if err != nil {
		return report, err
	}

	o.log.Info("applying deployment manifest", "manifest", ref.Path())
	if _, err := o.driver.ApplyManifest(ctx, manifestKind(ref), text); err != nil {
		report.Duration = time.Since(started)
		return report, err
	}
	report.Success = true
	report.Duration = time.Since(started)
	return report, nil
}

// buildRegistry seeds the per-run registry with the postgres service.
func (o *Orchestrator) buildRegistry(info domain.ConnectionInfo) *registry.Registry {
	reg := registry.New(o.project.Meta.Name, o.environment, o.log)
	vars := map[string]string{
		"DB_USER":     info.User,
		"DB_PASSWORD": info.Password,
		"DB_NAME":     info.Database,
		"DB_PORT":     strconv.Itoa(info.Port),
	}
	for k, v := range o.spec.Variables {
		vars[k] = v
	}
	reg.Register("postgres", "postgres", vars)
	return reg
}

// layerStack assembles the variable scopes in precedence order: registry
// derived variables, built-ins, per-environment variables, project defaults.
func (o *Orchestrator) layerStack(reg *registry.Registry, info domain.ConnectionInfo) ([]template.Layer, error) {
	targetMode := domain.NetworkingBridge
	if v, ok := o.spec.Variables["NETWORK_MODE"]; ok && v == "host" {
		targetMode = domain.NetworkingHost
	}
	deps := make([]string, 0, len(reg.Services()))
	for _, svc := range reg.Services() {
		deps = append(deps, svc.Name)
	}
	derived, err := reg.VariablesFor("deployment", deps, targetMode)
	if err != nil {
		return nil, err
	}

	builtins := map[string]string{
		"POSTSTACK_ENVIRONMENT":  o.environment,
		"POSTSTACK_PROJECT":      o.project.Meta.Name,
		"POSTSTACK_DATABASE_URL": connectionURL(info),
		"DB_HOST":                info.Host,
		"DB_PORT":                strconv.Itoa(info.Port),
		"DB_NAME":                info.Database,
		"DB_USER":                info.User,
		"DB_PASSWORD":            info.Password,
	}

	return []template.Layer{
		{Source: "service-registry", Vars: derived},
		{Source: "built-in", Vars: builtins},
		{Source: "env-vars", Vars: o.spec.Variables},
		{Source: "project-defaults", Vars: o.project.Variables},
	}, nil
}

func (o *Orchestrator) renderManifest(reg *registry.Registry, info domain.ConnectionInfo, ref config.ManifestRef) (string, template.Result, error) {
	layers, err := o.layerStack(reg, info)
	if err != nil {
		return "", template.Result{}, err
	}
	path := o.project.ResolvePath(ref.Path())
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", template.Result{}, errs.Wrap(errs.ConfigInvalid, err, "read manifest %s", ref.Path())
	}
	result := template.ExpandTrace(string(raw), layers)
	if len(result.Undefined) > 0 {
		o.log.Warn("manifest references undefined variables",
			"manifest", ref.Path(), "undefined", result.Undefined)
	}
	return result.Text, result, nil
}

// contextualize adds environment and phase to an error without changing its
// kind; wrapping preserves the taxonomy tag for errors.As.
func (o *Orchestrator) contextualize(err error, phase string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("environment %s (%s): %w", o.environment, phase, err)
}

func manifestKind(ref config.ManifestRef) runtime.ManifestKind {
	if ref.Kind() == "pod" {
		return runtime.KindPod
	}
	return runtime.KindCompose
}

func connectionURL(info domain.ConnectionInfo) string {
	host := info.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s", info.User, info.Password, host, info.Port, info.Database)
}

func derivePhase(status domain.EnvironmentStatus) domain.Phase {
	if !status.Postgres.Exists {
		return domain.PhaseDown
	}
	if !status.Postgres.Running {
		return domain.PhaseStopped
	}
	if len(status.Deployment) == 0 {
		return domain.PhaseDegraded
	}
	for _, c := range status.Deployment {
		if !c.Running {
			return domain.PhaseDegraded
		}
	}
	return domain.PhaseUp
}
