package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/prefork/internal/logger"
)

// Config is the daemon's full configuration, resolved from defaults, an
// optional TOML file, and PREFORK_* environment variables. The exposed-port
// contract of container platforms is honored: a bare PORT variable also sets
// the listen port.
type Config struct {
	BindAddress             string        `mapstructure:"bind_address"`
	Port                    int           `mapstructure:"port"`
	Workers                 int           `mapstructure:"workers"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_timeout"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatDeadline       time.Duration `mapstructure:"heartbeat_deadline"`
	StartupTimeout          time.Duration `mapstructure:"startup_timeout"`
	CrashLoopWindow         time.Duration `mapstructure:"crash_loop_window"`
	CrashLoopThreshold      int           `mapstructure:"crash_loop_threshold"`
	CrashLoopEscalation     int           `mapstructure:"crash_loop_escalation"`

	// Upstream is the application the daemon fronts (reverse proxy). Empty
	// means the built-in placeholder handler.
	Upstream string `mapstructure:"upstream"`

	// Control API surface (status/reload/shutdown + metrics). Empty disables it.
	ControlListen   string `mapstructure:"control_listen"`
	ControlBasePath string `mapstructure:"control_base_path"`

	// StoreDSN selects the lifecycle event store (sqlite path or postgres://).
	StoreDSN string `mapstructure:"store_dsn"`

	History HistoryConfig `mapstructure:"history"`
	Log     logger.Config `mapstructure:"log"`
}

// HistoryConfig configures external lifecycle-event sinks.
type HistoryConfig struct {
	ClickHouseAddr  string `mapstructure:"clickhouse_addr"`
	ClickHouseTable string `mapstructure:"clickhouse_table"`
}

// ValidationError is fatal at startup and maps to a distinct exit code.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BindAddress:             "0.0.0.0",
		Port:                    8080,
		Workers:                 runtime.NumCPU(),
		RequestTimeout:          30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		HeartbeatInterval:       time.Second,
		HeartbeatDeadline:       3 * time.Second,
		StartupTimeout:          10 * time.Second,
		CrashLoopWindow:         time.Minute,
		CrashLoopThreshold:      5,
		ControlListen:           "127.0.0.1:9090",
		ControlBasePath:         "/api",
		History: HistoryConfig{
			ClickHouseTable: "prefork_worker_events",
		},
	}
}

// Load resolves the configuration. path may be empty (defaults + env only).
// Precedence: defaults < file < environment.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("bind_address", def.BindAddress)
	v.SetDefault("port", def.Port)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("graceful_timeout", def.GracefulShutdownTimeout)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("heartbeat_deadline", def.HeartbeatDeadline)
	v.SetDefault("startup_timeout", def.StartupTimeout)
	v.SetDefault("crash_loop_window", def.CrashLoopWindow)
	v.SetDefault("crash_loop_threshold", def.CrashLoopThreshold)
	v.SetDefault("crash_loop_escalation", def.CrashLoopEscalation)
	v.SetDefault("control_listen", def.ControlListen)
	v.SetDefault("control_base_path", def.ControlBasePath)
	v.SetDefault("history.clickhouse_table", def.History.ClickHouseTable)

	v.SetEnvPrefix("PREFORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Cloud platforms pass the exposed port as a bare PORT variable.
	_ = v.BindEnv("port", "PREFORK_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks invariants the supervisor relies on.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("out of range: %d", c.Port)}
	}
	if c.Workers < 1 {
		return &ValidationError{Field: "workers", Reason: "must be >= 1"}
	}
	if c.RequestTimeout < 0 {
		return &ValidationError{Field: "request_timeout", Reason: "must not be negative"}
	}
	if c.GracefulShutdownTimeout <= 0 {
		return &ValidationError{Field: "graceful_timeout", Reason: "must be positive"}
	}
	if c.HeartbeatInterval <= 0 {
		return &ValidationError{Field: "heartbeat_interval", Reason: "must be positive"}
	}
	if c.HeartbeatDeadline < c.HeartbeatInterval {
		return &ValidationError{Field: "heartbeat_deadline", Reason: "must be >= heartbeat_interval"}
	}
	if c.StartupTimeout <= 0 {
		return &ValidationError{Field: "startup_timeout", Reason: "must be positive"}
	}
	if c.CrashLoopThreshold < 1 {
		return &ValidationError{Field: "crash_loop_threshold", Reason: "must be >= 1"}
	}
	if c.CrashLoopEscalation < 0 {
		return &ValidationError{Field: "crash_loop_escalation", Reason: "must not be negative"}
	}
	if c.CrashLoopEscalation > 0 && c.CrashLoopEscalation < c.CrashLoopThreshold {
		return &ValidationError{Field: "crash_loop_escalation", Reason: "must be >= crash_loop_threshold"}
	}
	if c.Upstream != "" && !strings.HasPrefix(c.Upstream, "http://") && !strings.HasPrefix(c.Upstream, "https://") {
		return &ValidationError{Field: "upstream", Reason: "must be an http(s) URL"}
	}
	return nil
}
