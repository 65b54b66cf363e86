package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings are the engine's runtime knobs, read from the environment (and a
// .env file when present) rather than the root config: they tune a single
// server instance, not the repository it reconciles.
type Settings struct {
	// SocketDir is where child process sockets are created.
	SocketDir string `env:"AUTOSCHEMATIC_SOCKET_DIR" envDefault:"/tmp/autoschematic"`

	// DataDir holds the run history database.
	DataDir string `env:"AUTOSCHEMATIC_DATA_DIR" envDefault:".autoschematic"`

	// Sandbox toggles child process isolation (Linux only).
	Sandbox bool `env:"AUTOSCHEMATIC_SANDBOX" envDefault:"false"`

	// SpawnTimeout bounds waiting for a child to bind its socket.
	SpawnTimeout time.Duration `env:"AUTOSCHEMATIC_SPAWN_TIMEOUT" envDefault:"30s"`

	// CallTimeout bounds a single connector RPC call.
	CallTimeout time.Duration `env:"AUTOSCHEMATIC_CALL_TIMEOUT" envDefault:"5m"`

	// ResolveTimeout bounds a single deferred address resolution wait.
	ResolveTimeout time.Duration `env:"AUTOSCHEMATIC_RESOLVE_TIMEOUT" envDefault:"10m"`

	// HealthInterval is the child health sampling period.
	HealthInterval time.Duration `env:"AUTOSCHEMATIC_HEALTH_INTERVAL" envDefault:"5s"`

	// MaxParallel caps concurrent subpath groups during plan/apply.
	MaxParallel int `env:"AUTOSCHEMATIC_MAX_PARALLEL" envDefault:"8"`

	// PolicyDir names the repo-relative directory of user .rego policies.
	PolicyDir string `env:"AUTOSCHEMATIC_POLICY_DIR" envDefault:"policies"`

	// MetricsAddr, when set, serves prometheus metrics on this address.
	MetricsAddr string `env:"AUTOSCHEMATIC_METRICS_ADDR"`

	// LogLevel sets the minimum log level.
	LogLevel string `env:"AUTOSCHEMATIC_LOG_LEVEL" envDefault:"info"`
}

// LoadSettings reads engine settings from a .env file (ignored when absent)
// and the process environment.
func LoadSettings() (*Settings, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("failed to parse engine settings: %w", err)
	}
	return s, nil
}
