package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lakowske/poststack/internal/config"
	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
	"github.com/lakowske/poststack/internal/migrate"
	migratepg "github.com/lakowske/poststack/internal/migrate/postgres"
	"github.com/lakowske/poststack/internal/orchestrator"
	"github.com/lakowske/poststack/internal/postgres"
	"github.com/lakowske/poststack/internal/runtime"
	dockerruntime "github.com/lakowske/poststack/internal/runtime/docker"
	pkgconfig "github.com/lakowske/poststack/pkg/config"
	"github.com/lakowske/poststack/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(errs.ExitFailure)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "version" || cmd == "--version" || cmd == "-v" {
		fmt.Printf("poststack %s\n", buildVersion)
		return
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := dispatch(ctx, cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if hint := errs.Remediation(err); hint != "" {
			fmt.Fprintf(os.Stderr, "try: %s\n", hint)
		}
		os.Exit(errs.ExitCode(err))
	}
}

func dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "init":
		return commandInit(args)
	case "start":
		return commandStart(ctx, args)
	case "stop":
		return commandStop(ctx, args)
	case "restart":
		return commandRestart(ctx, args)
	case "status":
		return commandStatus(ctx, args)
	case "render":
		return commandRender(args)
	case "migrate":
		return commandMigrate(ctx, args)
	case "rollback":
		return commandRollback(ctx, args)
	case "verify":
		return commandVerify(ctx, args)
	case "diagnose":
		return commandDiagnose(ctx, args)
	case "repair":
		return commandRepair(ctx, args)
	case "recover":
		return commandRecover(ctx, args)
	case "clear-locks":
		return commandClearLocks(ctx, args)
	case "destroy":
		return commandDestroy(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		return errs.New(errs.ConfigInvalid, "unknown command %q", cmd)
	}
}

// session bundles everything a command needs once the project file is loaded.
type session struct {
	cfg     pkgconfig.OperatorConfig
	project *config.Project
	env     string
	spec    config.EnvironmentSpec
	state   *config.LocalState
	log     *slog.Logger
}

type commonFlags struct {
	configPath string
	env        string
	logLevel   string
	timeout    time.Duration
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "Project file (default .poststack.yml)")
	fs.StringVar(&c.env, "env", "", "Environment name (default from project file)")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	fs.DurationVar(&c.timeout, "timeout", 0, "Overall command timeout (0 = none)")
	return c
}

func newSession(flags *commonFlags) (*session, error) {
	cfg := pkgconfig.LoadOperatorConfig()
	if flags.configPath != "" {
		cfg.ProjectFile = flags.configPath
	}
	project, err := config.Load(cfg.ProjectFile)
	if err != nil {
		return nil, err
	}
	env := flags.env
	if env == "" {
		env = project.Environment
	}
	spec, err := project.Spec(env)
	if err != nil {
		return nil, err
	}
	state, err := config.LoadState(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	log := logger.New("poststack", logger.ParseLevel(flags.logLevel))
	return &session{cfg: cfg, project: project, env: env, spec: spec, state: state, log: log}, nil
}

func (s *session) withTimeout(ctx context.Context, flags *commonFlags) (context.Context, context.CancelFunc) {
	if flags.timeout > 0 {
		return context.WithTimeout(ctx, flags.timeout)
	}
	return ctx, func() {}
}

func (s *session) driver() (*dockerruntime.Driver, error) {
	return dockerruntime.New(s.cfg.DockerHost, s.cfg.ComposeBinary, s.cfg.PodBinary, s.log)
}

func (s *session) controller(driver runtime.Driver) (*postgres.Controller, error) {
	return postgres.NewController(driver, s.state, s.project.Meta.Name, s.env, s.spec.Postgres, postgres.Options{
		Image:        s.cfg.PostgresImage,
		BuildContext: s.cfg.PostgresContext,
		ReadyTimeout: s.cfg.ReadyTimeout,
		ReadyBase:    s.cfg.ReadyBaseDelay,
		StopTimeout:  s.cfg.StopTimeout,
	}, s.log)
}

func (s *session) runnerFactory() orchestrator.RunnerFactory {
	return func(ctx context.Context, info domain.ConnectionInfo) (orchestrator.MigrationRunner, func(), error) {
		pool, err := migratepg.Connect(ctx, postgres.ConnectionURL(info))
		if err != nil {
			return nil, nil, err
		}
		tracker, err := migratepg.NewTracker(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		store := migrate.NewStore(s.migrationsDir(), s.log)
		runner, err := migrate.NewRunner(store, tracker, s.cfg.AppliedBy, s.log)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return runner, pool.Close, nil
	}
}

func (s *session) migrationsDir() string {
	return s.project.ResolvePath(s.cfg.MigrationsDir)
}

// migrationSession connects the migration engine to the environment's
// database without provisioning anything.
func (s *session) migrationSession(ctx context.Context) (*migrate.Runner, *migrate.Diagnostics, func(), error) {
	driver, err := s.driver()
	if err != nil {
		return nil, nil, nil, err
	}
	controller, err := s.controller(driver)
	if err != nil {
		driver.Close()
		return nil, nil, nil, err
	}
	info, err := controller.ConnectionInfo()
	if err != nil {
		driver.Close()
		return nil, nil, nil, err
	}
	pool, err := migratepg.Connect(ctx, postgres.ConnectionURL(info))
	if err != nil {
		driver.Close()
		return nil, nil, nil, err
	}
	tracker, err := migratepg.NewTracker(pool)
	if err != nil {
		pool.Close()
		driver.Close()
		return nil, nil, nil, err
	}
	store := migrate.NewStore(s.migrationsDir(), s.log)
	runner, err := migrate.NewRunner(store, tracker, s.cfg.AppliedBy, s.log)
	if err != nil {
		pool.Close()
		driver.Close()
		return nil, nil, nil, err
	}
	diags, err := migrate.NewDiagnostics(store, tracker, tracker, tracker, s.cfg.LockStaleAfter, s.cfg.AppliedBy, s.log)
	if err != nil {
		pool.Close()
		driver.Close()
		return nil, nil, nil, err
	}
	closer := func() {
		pool.Close()
		driver.Close()
	}
	return runner, diags, closer, nil
}

func (s *session) orchestrator(driver runtime.Driver) (*orchestrator.Orchestrator, error) {
	controller, err := s.controller(driver)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(s.project, s.env, driver, controller, s.runnerFactory(), s.cfg.InitWaitTimeout, s.log)
}

func commandInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	name := fs.String("name", "", "Project name (required)")
	path := fs.String("config", ".poststack.yml", "Where to write the project file")
	fs.Parse(args)

	if *name == "" {
		return errs.New(errs.ConfigInvalid, "--name is required")
	}
	if _, err := os.Stat(*path); err == nil {
		return errs.New(errs.ConfigInvalid, "%s already exists", *path)
	}
	if err := config.Save(config.Default(*name), *path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *path)
	return nil
}

func commandStart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	flags := registerCommon(fs)
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	driver, err := s.driver()
	if err != nil {
		return err
	}
	defer driver.Close()
	if err := driver.Ping(ctx); err != nil {
		return err
	}

	orch, err := s.orchestrator(driver)
	if err != nil {
		return err
	}
	report, err := orch.Start(ctx)
	if err != nil {
		fmt.Printf("environment %s failed in phase %s\n", report.Environment, report.Phase)
		return err
	}
	fmt.Printf("environment %s is up (migrations applied: %d, took %s)\n",
		report.Environment, report.Migrated, report.Duration.Round(time.Millisecond))
	return nil
}

func commandStop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	flags := registerCommon(fs)
	remove := fs.Bool("rm", false, "Remove containers after stopping")
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	driver, err := s.driver()
	if err != nil {
		return err
	}
	defer driver.Close()

	orch, err := s.orchestrator(driver)
	if err != nil {
		return err
	}
	if err := orch.Stop(ctx, *remove); err != nil {
		return err
	}
	fmt.Printf("environment %s stopped\n", s.env)
	return nil
}

func commandRestart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	flags := registerCommon(fs)
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	driver, err := s.driver()
	if err != nil {
		return err
	}
	defer driver.Close()

	orch, err := s.orchestrator(driver)
	if err != nil {
		return err
	}
	report, err := orch.Restart(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("environment %s restarted (phase %s)\n", report.Environment, report.Phase)
	return nil
}

func commandStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	flags := registerCommon(fs)
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	driver, err := s.driver()
	if err != nil {
		return err
	}
	defer driver.Close()

	orch, err := s.orchestrator(driver)
	if err != nil {
		return err
	}
	status, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}

func commandRender(args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	flags := registerCommon(fs)
	showText := fs.Bool("text", false, "Print the rendered manifest text")
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	driver, err := s.driver()
	if err != nil {
		return err
	}
	defer driver.Close()

	orch, err := s.orchestrator(driver)
	if err != nil {
		return err
	}
	result, err := orch.Render(orch.DeploymentRef())
	if err != nil {
		return err
	}
	for _, b := range result.Bindings {
		fmt.Printf("%-30s = %-40q (source: %s)\n", b.Name, b.Value, b.Source)
	}
	for _, name := range result.Undefined {
		fmt.Printf("%-30s   UNDEFINED\n", name)
	}
	if *showText {
		fmt.Println("---")
		fmt.Println(result.Text)
	}
	if len(result.Undefined) > 0 {
		return errs.New(errs.ConfigInvalid, "%d undefined variable(s) in manifest", len(result.Undefined))
	}
	return nil
}

func commandMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	flags := registerCommon(fs)
	target := fs.String("target", "", "Apply migrations up to and including this version")
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	runner, _, closer, err := s.migrationSession(ctx)
	if err != nil {
		return err
	}
	defer closer()

	count, err := runner.Migrate(ctx, *target)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d migration(s)\n", count)
	return nil
}

func commandRollback(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	flags := registerCommon(fs)
	target := fs.String("target", "", "Roll back every migration above this version (required)")
	fs.Parse(args)

	if *target == "" {
		return errs.New(errs.ConfigInvalid, "--target is required for rollback")
	}

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	runner, _, closer, err := s.migrationSession(ctx)
	if err != nil {
		return err
	}
	defer closer()

	count, err := runner.Rollback(ctx, *target)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back %d migration(s)\n", count)
	return nil
}

func commandVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	flags := registerCommon(fs)
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	runner, _, closer, err := s.migrationSession(ctx)
	if err != nil {
		return err
	}
	defer closer()

	issues, err := runner.Verify(ctx)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("verification clean")
		return nil
	}
	printIssues(issues)
	return errs.New(errs.ChecksumMismatch, "%d verification issue(s)", len(issues))
}

func commandDiagnose(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	flags := registerCommon(fs)
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	_, diags, closer, err := s.migrationSession(ctx)
	if err != nil {
		return err
	}
	defer closer()

	issues, err := diags.Diagnose(ctx)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("no issues found")
		return nil
	}
	printIssues(issues)
	return nil
}

func commandRepair(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	flags := registerCommon(fs)
	force := fs.Bool("force", false, "Allow destructive repairs")
	dryRun := fs.Bool("dry-run", false, "List planned actions without applying")
	kind := fs.String("kind", "", "Only repair issues of this kind")
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	_, diags, closer, err := s.migrationSession(ctx)
	if err != nil {
		return err
	}
	defer closer()

	issues, err := diags.Diagnose(ctx)
	if err != nil {
		return err
	}
	if *kind != "" {
		filtered := issues[:0]
		for _, issue := range issues {
			if string(issue.Kind) == *kind {
				filtered = append(filtered, issue)
			}
		}
		issues = filtered
	}
	actions, err := diags.Repair(ctx, issues, *force, *dryRun)
	if err != nil {
		return err
	}
	printActions(actions, *dryRun)
	return nil
}

func commandRecover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	flags := registerCommon(fs)
	dryRun := fs.Bool("dry-run", false, "List planned actions without applying")
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	_, diags, closer, err := s.migrationSession(ctx)
	if err != nil {
		return err
	}
	defer closer()

	actions, err := diags.Recover(ctx, *dryRun)
	if err != nil {
		return err
	}
	printActions(actions, *dryRun)
	return nil
}

func commandClearLocks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clear-locks", flag.ExitOnError)
	flags := registerCommon(fs)
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	_, diags, closer, err := s.migrationSession(ctx)
	if err != nil {
		return err
	}
	defer closer()

	issues, err := diags.Diagnose(ctx)
	if err != nil {
		return err
	}
	var locks []domain.Issue
	for _, issue := range issues {
		if issue.Kind == domain.IssueStuckLock {
			locks = append(locks, issue)
		}
	}
	if len(locks) == 0 {
		fmt.Println("no stuck locks")
		return nil
	}
	actions, err := diags.Repair(ctx, locks, false, false)
	if err != nil {
		return err
	}
	printActions(actions, false)
	return nil
}

func commandDestroy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	flags := registerCommon(fs)
	volumes := fs.Bool("volumes", false, "Also remove the data volume and stored credentials")
	fs.Parse(args)

	s, err := newSession(flags)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx, flags)
	defer cancel()

	driver, err := s.driver()
	if err != nil {
		return err
	}
	defer driver.Close()

	orch, err := s.orchestrator(driver)
	if err != nil {
		return err
	}
	if err := orch.Destroy(ctx, *volumes); err != nil {
		return err
	}
	if *volumes {
		fmt.Printf("environment %s destroyed including data volume\n", s.env)
	} else {
		fmt.Printf("environment %s destroyed (data volume preserved)\n", s.env)
	}
	return nil
}

func printStatus(status domain.EnvironmentStatus) {
	fmt.Printf("project:      %s\n", status.Project)
	fmt.Printf("environment:  %s\n", status.Environment)
	fmt.Printf("phase:        %s\n", status.Phase)
	if status.Postgres.Exists {
		fmt.Printf("postgres:     %s (%s)\n", status.Postgres.Name, status.Postgres.State)
	} else {
		fmt.Printf("postgres:     absent\n")
	}
	if status.Migrations.CurrentVersion != "" {
		fmt.Printf("migrations:   at %s (%d applied, %d pending)\n",
			status.Migrations.CurrentVersion, len(status.Migrations.Applied), len(status.Migrations.Pending))
	} else if len(status.Migrations.Pending) > 0 {
		fmt.Printf("migrations:   none applied, %d pending\n", len(status.Migrations.Pending))
	}
	if status.Migrations.IsLocked {
		fmt.Printf("lock:         held by %s since %s\n",
			status.Migrations.LockHolder, status.Migrations.LockedAt.Format(time.RFC3339))
	}
	for _, c := range status.Deployment {
		fmt.Printf("container:    %s (%s)\n", c.Name, c.State)
	}
}

func printIssues(issues []domain.Issue) {
	for _, issue := range issues {
		fixable := ""
		if issue.AutoFixable {
			fixable = " [auto-fixable]"
		}
		version := issue.Version
		if version == "" {
			version = "-"
		}
		fmt.Printf("%-9s %-19s %-4s %s%s\n",
			issue.Severity, issue.Kind, version, issue.Description, fixable)
		if issue.SuggestedFix != "" {
			fmt.Printf("          fix: %s\n", issue.SuggestedFix)
		}
	}
}

func printActions(actions []domain.RepairAction, dryRun bool) {
	if len(actions) == 0 {
		fmt.Println("nothing to repair")
		return
	}
	for _, action := range actions {
		if dryRun {
			fmt.Printf("would: %s\n", action.Action)
		} else {
			fmt.Printf("done:  %s\n", action.Action)
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `poststack - project-scoped PostgreSQL environment operator

Usage: poststack <command> [flags]

Environment lifecycle:
  start        Provision postgres, migrate, run init phase, deploy
  stop         Stop environment containers (-rm to remove them)
  restart      Clean stop followed by start
  status       Report postgres, migration and deployment state
  destroy      Remove containers (-volumes to wipe data volume)
  render       Dry-run template expansion of the deployment manifest

Schema migrations:
  migrate      Apply pending migrations (-target to stop at a version)
  rollback     Revert migrations above -target
  verify       Check applied migrations against on-disk files
  diagnose     Cross-check files, tracker and schema for inconsistencies
  repair       Fix auto-fixable issues (-force, -dry-run, -kind)
  recover      Track migrations that were applied outside the tracker
  clear-locks  Release a stale migration lock

Project:
  init         Write a starter project file (-name required)
  version      Print version

Common flags: -config, -env, -log-level, -timeout
`)
}
