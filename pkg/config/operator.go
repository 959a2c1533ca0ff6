package config

import "time"

// OperatorConfig holds runtime configuration for the poststack operator.
type OperatorConfig struct {
	ProjectFile      string
	StateDir         string
	MigrationsDir    string
	ContainerRuntime string
	ComposeBinary    string
	PodBinary        string
	DockerHost       string
	PostgresImage    string
	PostgresContext  string
	ReadyTimeout     time.Duration
	ReadyBaseDelay   time.Duration
	LockStaleAfter   time.Duration
	LockWaitTimeout  time.Duration
	InitWaitTimeout  time.Duration
	StopTimeout      time.Duration
	AppliedBy        string
}

// LoadOperatorConfig constructs an OperatorConfig from environment variables.
func LoadOperatorConfig() OperatorConfig {
	return OperatorConfig{
		ProjectFile:      GetString("POSTSTACK_PROJECT_FILE", ".poststack.yml"),
		StateDir:         GetString("POSTSTACK_STATE_DIR", ".poststack"),
		MigrationsDir:    GetString("POSTSTACK_MIGRATIONS_DIR", "./migrations"),
		ContainerRuntime: GetString("POSTSTACK_CONTAINER_RUNTIME", "docker"),
		ComposeBinary:    GetString("POSTSTACK_COMPOSE_BINARY", "docker"),
		PodBinary:        GetString("POSTSTACK_POD_BINARY", "podman"),
		DockerHost:       GetString("POSTSTACK_DOCKER_HOST", ""),
		PostgresImage:    GetString("POSTSTACK_POSTGRES_IMAGE", "poststack/postgres:latest"),
		PostgresContext:  GetString("POSTSTACK_POSTGRES_CONTEXT", ""),
		ReadyTimeout:     GetDuration("POSTSTACK_READY_TIMEOUT", 60*time.Second),
		ReadyBaseDelay:   GetDuration("POSTSTACK_READY_BASE_DELAY", 500*time.Millisecond),
		LockStaleAfter:   GetDuration("POSTSTACK_LOCK_STALE_AFTER", 5*time.Minute),
		LockWaitTimeout:  GetDuration("POSTSTACK_LOCK_WAIT_TIMEOUT", 0),
		InitWaitTimeout:  GetDuration("POSTSTACK_INIT_WAIT_TIMEOUT", 10*time.Minute),
		StopTimeout:      GetDuration("POSTSTACK_STOP_TIMEOUT", 30*time.Second),
		AppliedBy:        GetString("USER", "unknown"),
	}
}
