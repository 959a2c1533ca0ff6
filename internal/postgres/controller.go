// Package postgres manages the lifecycle of an environment's PostgreSQL
// container: detect, restart, recreate or provision, then wait for the
// database to accept queries.
package postgres

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"

	"github.com/lakowske/poststack/internal/config"
	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
	"github.com/lakowske/poststack/internal/runtime"
)

const passwordLength = 16

// Controller provisions and supervises one environment's postgres container.
type Controller struct {
	driver       runtime.Driver
	state        *config.LocalState
	project      string
	environment  string
	spec         config.PostgresSpec
	image        string
	buildContext string
	readyTimeout time.Duration
	readyBase    time.Duration
	stopTimeout  time.Duration
	probe        func(ctx context.Context, databaseURL string) error
	log          *slog.Logger
}

// Options tune the controller beyond the environment spec.
type Options struct {
	Image        string
	BuildContext string
	ReadyTimeout time.Duration
	ReadyBase    time.Duration
	StopTimeout  time.Duration
}

// NewController wires a controller for one environment.
func NewController(driver runtime.Driver, state *config.LocalState, project, environment string, spec config.PostgresSpec, opts Options, log *slog.Logger) (*Controller, error) {
	if driver == nil {
		return nil, errors.New("nil runtime driver provided")
	}
	if state == nil {
		return nil, errors.New("nil local state provided")
	}
	if project == "" || environment == "" {
		return nil, errors.New("project and environment required")
	}
	if opts.Image == "" {
		opts.Image = "poststack/postgres:latest"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 60 * time.Second
	}
	if opts.ReadyBase <= 0 {
		opts.ReadyBase = 500 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		driver:       driver,
		state:        state,
		project:      project,
		environment:  environment,
		spec:         spec,
		image:        opts.Image,
		buildContext: opts.BuildContext,
		readyTimeout: opts.ReadyTimeout,
		readyBase:    opts.ReadyBase,
		stopTimeout:  opts.StopTimeout,
		probe:        defaultProbe,
		log:          log,
	}, nil
}

// ContainerName is the deterministic container name for this environment.
func (c *Controller) ContainerName() string {
	return fmt.Sprintf("%s-postgres-%s", c.project, c.environment)
}

// VolumeName is the deterministic data volume name. Volumes are never shared
// between environments.
func (c *Controller) VolumeName() string {
	return fmt.Sprintf("poststack-postgres-%s-data", c.environment)
}

// ConnectionInfo resolves credentials without touching the runtime, minting
// and persisting a password when the environment asks for a generated one.
func (c *Controller) ConnectionInfo() (domain.ConnectionInfo, error) {
	password := c.spec.Password
	if password == config.AutoGeneratedPassword {
		stored, ok := c.state.Password(c.environment)
		if !ok {
			minted, err := generatePassword()
			if err != nil {
				return domain.ConnectionInfo{}, err
			}
			if err := c.state.SetPassword(c.environment, minted); err != nil {
				return domain.ConnectionInfo{}, err
			}
			stored = minted
			c.log.Info("generated postgres credentials", "environment", c.environment)
		}
		password = stored
	}
	return domain.ConnectionInfo{
		Host:     c.spec.Host,
		Port:     c.spec.Port,
		Database: c.spec.Database,
		User:     c.spec.User,
		Password: password,
	}, nil
}

// Ensure drives the container to running and the database to ready,
// whatever state it starts in.
func (c *Controller) Ensure(ctx context.Context) (domain.ConnectionInfo, error) {
	info, err := c.ConnectionInfo()
	if err != nil {
		return domain.ConnectionInfo{}, err
	}

	name := c.ContainerName()
	state, err := c.driver.InspectContainer(ctx, name)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}

	switch {
	case !state.Exists:
		c.log.Info("provisioning postgres container", "container", name)
		if err := c.provision(ctx, info); err != nil {
			return domain.ConnectionInfo{}, err
		}
	case state.Running:
		c.log.Info("postgres container already running", "container", name)
	case state.State == "exited" || state.State == "created" || state.State == "stopped":
		c.log.Info("restarting stopped postgres container", "container", name)
		if err := c.driver.StartContainer(ctx, name); err != nil {
			c.log.Warn("restart failed, recreating container", "container", name, "error", err)
			if err := c.driver.RemoveContainer(ctx, name, true); err != nil {
				return domain.ConnectionInfo{}, err
			}
			if err := c.provision(ctx, info); err != nil {
				return domain.ConnectionInfo{}, err
			}
		}
	default:
		c.log.Warn("postgres container in unexpected state, recreating",
			"container", name, "state", state.State)
		if err := c.driver.RemoveContainer(ctx, name, true); err != nil {
			return domain.ConnectionInfo{}, err
		}
		if err := c.provision(ctx, info); err != nil {
			return domain.ConnectionInfo{}, err
		}
	}

	if err := c.waitReady(ctx, info); err != nil {
		return domain.ConnectionInfo{}, err
	}
	return info, nil
}

// Stop halts the container, optionally removing it. The data volume is
// always preserved here.
func (c *Controller) Stop(ctx context.Context, remove bool) error {
	name := c.ContainerName()
	state, err := c.driver.InspectContainer(ctx, name)
	if err != nil {
		return err
	}
	if !state.Exists {
		return nil
	}
	if state.Running {
		if err := c.driver.StopContainer(ctx, name, c.stopTimeout); err != nil {
			return err
		}
		c.log.Info("stopped postgres container", "container", name)
	}
	if remove {
		if err := c.driver.RemoveContainer(ctx, name, false); err != nil {
			return err
		}
		c.log.Info("removed postgres container", "container", name)
	}
	return nil
}

// Destroy removes the container and, when wipeVolume is set, the data volume
// and the stored credentials.
func (c *Controller) Destroy(ctx context.Context, wipeVolume bool) error {
	if err := c.driver.RemoveContainer(ctx, c.ContainerName(), true); err != nil {
		return err
	}
	if !wipeVolume {
		return nil
	}
	if err := c.driver.RemoveVolume(ctx, c.VolumeName()); err != nil {
		return err
	}
	return c.state.ForgetPassword(c.environment)
}

// State reports the container's runtime state.
func (c *Controller) State(ctx context.Context) (domain.ContainerState, error) {
	return c.driver.InspectContainer(ctx, c.ContainerName())
}

func (c *Controller) provision(ctx context.Context, info domain.ConnectionInfo) error {
	exists, err := c.driver.ImageExists(ctx, c.image)
	if err != nil {
		return err
	}
	if !exists {
		if c.buildContext == "" {
			return errs.New(errs.RuntimeFailure,
				"postgres image %s not present and no build context configured", c.image)
		}
		c.log.Info("building postgres image", "image", c.image, "context", c.buildContext)
		if err := c.driver.BuildImage(ctx, c.image, c.buildContext); err != nil {
			return err
		}
	}

	spec := runtime.ContainerSpec{
		Name:  c.ContainerName(),
		Image: c.image,
		Env: map[string]string{
			"POSTGRES_DB":       info.Database,
			"POSTGRES_USER":     info.User,
			"POSTGRES_PASSWORD": info.Password,
			"PGDATA":            "/var/lib/postgresql/data/pgdata",
		},
		Ports:         map[int]int{info.Port: 5432},
		Volumes:       map[string]string{c.VolumeName(): "/var/lib/postgresql/data"},
		RestartAlways: true,
	}
	if _, err := c.driver.RunContainer(ctx, spec); err != nil {
		return err
	}
	return nil
}

// waitReady polls a trivial query with exponential backoff until the
// database answers or the timeout expires.
func (c *Controller) waitReady(ctx context.Context, info domain.ConnectionInfo) error {
	databaseURL := ConnectionURL(info)
	backoff := retry.WithMaxDuration(c.readyTimeout, retry.NewExponential(c.readyBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.probe(probeCtx, databaseURL); err != nil {
			c.log.Debug("postgres not ready yet", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Cancelled, ctx.Err(), "postgres readiness wait cancelled")
		}
		return errs.Wrap(errs.DatabaseUnreachable, err,
			"postgres not ready after %s", c.readyTimeout)
	}
	c.log.Info("postgres ready", "container", c.ContainerName())
	return nil
}

// ConnectionURL renders the host-reachable connection URL for a descriptor.
func ConnectionURL(info domain.ConnectionInfo) string {
	host := info.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s",
		info.User, url.QueryEscape(info.Password), host, info.Port, info.Database)
}

func defaultProbe(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	return nil
}

func generatePassword() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b strings.Builder
	for i := 0; i < passwordLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
