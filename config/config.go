/*
Package config loads the engine configuration.

PURPOSE:
  One Config struct for every runtime knob, read from an optional YAML file
  and overridden by PAYROLL_* environment variables.

PRECEDENCE (highest first):
  1. Environment: PAYROLL_SERVER_PORT, PAYROLL_HRIS_API_KEY, ...
  2. Config file: --config path (YAML)
  3. Default()

SECTIONS:
  server        HTTP listener and timeouts
  database      SQLite path (":memory:" for throwaway runs), or the in-memory store
  log           Level and output format
  rules         Rule oracle engine
  hris          Deduction client (recorder for dev, http for production)
  batch         Chunk, retry and skip limits per stage
  orchestrator  Staleness threshold and lock backend
  scheduler     Automatic launch of closed pay periods

SEE ALSO:
  - cli/root.go: --config flag
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/hris"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rules"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAYROLL"

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	HRISRecorder = "recorder"
	HRISHTTP     = "http"
)

// Config represents the full engine configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Rules        RulesConfig        `mapstructure:"rules"`
	HRIS         HRISConfig         `mapstructure:"hris"`
	Batch        BatchConfig        `mapstructure:"batch"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Backend string `mapstructure:"backend"` // sqlite | memory
	Path    string `mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// RulesConfig selects the rule oracle.
type RulesConfig struct {
	Engine string `mapstructure:"engine"` // builtin | disabled
}

// HRISConfig configures the deduction client.
type HRISConfig struct {
	Mode    string        `mapstructure:"mode"` // recorder | http
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChunkConfig bounds one chunked stage.
type ChunkConfig struct {
	ChunkSize  int `mapstructure:"chunk_size"`
	RetryLimit int `mapstructure:"retry_limit"`
	SkipLimit  int `mapstructure:"skip_limit"`
}

// BatchConfig holds per-stage limits.
type BatchConfig struct {
	Eligibility ChunkConfig `mapstructure:"eligibility"`
	Calculation ChunkConfig `mapstructure:"calculation"`
	Deduction   ChunkConfig `mapstructure:"deduction"`
	PageSize    int         `mapstructure:"page_size"`
}

// OrchestratorConfig configures single-flight.
type OrchestratorConfig struct {
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	LockBackend string        `mapstructure:"lock_backend"` // memory | sqlite, defaults to database.backend
}

// SchedulerConfig configures automatic launches.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	Frequency     string        `mapstructure:"frequency"`
	Anchor        string        `mapstructure:"anchor"` // YYYY-MM-DD, weekly and bi-weekly only
	MaxConcurrent int           `mapstructure:"max_concurrent_tenants"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	stages := benefits.DefaultStageConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Backend: BackendSQLite,
			Path:    "payroll.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Rules: RulesConfig{
			Engine: rules.EngineBuiltin,
		},
		HRIS: HRISConfig{
			Mode:    HRISRecorder,
			Timeout: hris.DefaultTimeout,
		},
		Batch: BatchConfig{
			Eligibility: fromChunk(stages.Eligibility),
			Calculation: fromChunk(stages.Calculation),
			Deduction:   fromChunk(stages.Deduction),
			PageSize:    stages.PageSize,
		},
		Orchestrator: OrchestratorConfig{
			StaleAfter: batch.DefaultStaleAfter,
		},
		Scheduler: SchedulerConfig{
			Enabled:       false,
			Interval:      time.Hour,
			Frequency:     string(payroll.Monthly),
			Anchor:        payroll.DefaultAnchor.Format(time.DateOnly),
			MaxConcurrent: 4,
		},
	}
}

func fromChunk(c batch.ChunkConfig) ChunkConfig {
	return ChunkConfig{ChunkSize: c.ChunkSize, RetryLimit: c.RetryLimit, SkipLimit: c.SkipLimit}
}

func (c ChunkConfig) toBatch() batch.ChunkConfig {
	return batch.ChunkConfig{ChunkSize: c.ChunkSize, RetryLimit: c.RetryLimit, SkipLimit: c.SkipLimit}
}

// StageConfig converts the batch section for benefits.NewPayrollJob.
func (b BatchConfig) StageConfig() benefits.StageConfig {
	return benefits.StageConfig{
		Eligibility: b.Eligibility.toBatch(),
		Calculation: b.Calculation.toBatch(),
		Deduction:   b.Deduction.toBatch(),
		PageSize:    b.PageSize,
	}
}

// AnchorDate parses the scheduler anchor.
func (s SchedulerConfig) AnchorDate() (time.Time, error) {
	if s.Anchor == "" {
		return payroll.DefaultAnchor, nil
	}
	return time.Parse(time.DateOnly, s.Anchor)
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads path (optional) and the environment on top of Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply to
// keys absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("database.backend", d.Database.Backend)
	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("rules.engine", d.Rules.Engine)

	v.SetDefault("hris.mode", d.HRIS.Mode)
	v.SetDefault("hris.base_url", d.HRIS.BaseURL)
	v.SetDefault("hris.api_key", d.HRIS.APIKey)
	v.SetDefault("hris.timeout", d.HRIS.Timeout)

	for name, c := range map[string]ChunkConfig{
		"eligibility": d.Batch.Eligibility,
		"calculation": d.Batch.Calculation,
		"deduction":   d.Batch.Deduction,
	} {
		v.SetDefault("batch."+name+".chunk_size", c.ChunkSize)
		v.SetDefault("batch."+name+".retry_limit", c.RetryLimit)
		v.SetDefault("batch."+name+".skip_limit", c.SkipLimit)
	}
	v.SetDefault("batch.page_size", d.Batch.PageSize)

	v.SetDefault("orchestrator.stale_after", d.Orchestrator.StaleAfter)
	v.SetDefault("orchestrator.lock_backend", d.Orchestrator.LockBackend)

	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.frequency", d.Scheduler.Frequency)
	v.SetDefault("scheduler.anchor", d.Scheduler.Anchor)
	v.SetDefault("scheduler.max_concurrent_tenants", d.Scheduler.MaxConcurrent)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ErrInvalidConfig is the sentinel behind every ValidationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError names the offending key.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Validate checks value ranges and enumerations. An empty lock backend
// follows the database backend.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{"server.port", fmt.Sprintf("%d is out of range", c.Server.Port)}
	}
	if err := oneOf("database.backend", c.Database.Backend, BackendSQLite, BackendMemory); err != nil {
		return err
	}
	if c.Database.Backend == BackendSQLite && c.Database.Path == "" {
		return &ValidationError{"database.path", "required for the sqlite backend"}
	}
	if err := oneOf("log.format", c.Log.Format, "json", "console"); err != nil {
		return err
	}
	if err := oneOf("rules.engine", c.Rules.Engine, rules.EngineBuiltin, rules.EngineDisabled); err != nil {
		return err
	}
	if err := oneOf("hris.mode", c.HRIS.Mode, HRISRecorder, HRISHTTP); err != nil {
		return err
	}
	if c.HRIS.Mode == HRISHTTP && c.HRIS.BaseURL == "" {
		return &ValidationError{"hris.base_url", "required in http mode"}
	}
	for name, s := range map[string]ChunkConfig{
		"batch.eligibility": c.Batch.Eligibility,
		"batch.calculation": c.Batch.Calculation,
		"batch.deduction":   c.Batch.Deduction,
	} {
		if s.ChunkSize <= 0 {
			return &ValidationError{name + ".chunk_size", "must be positive"}
		}
		if s.RetryLimit < 1 {
			return &ValidationError{name + ".retry_limit", "must be at least 1"}
		}
		if s.SkipLimit < 0 {
			return &ValidationError{name + ".skip_limit", "must not be negative"}
		}
	}
	if c.Orchestrator.StaleAfter <= 0 {
		return &ValidationError{"orchestrator.stale_after", "must be positive"}
	}
	if c.Orchestrator.LockBackend == "" {
		c.Orchestrator.LockBackend = c.Database.Backend
	}
	if err := oneOf("orchestrator.lock_backend", c.Orchestrator.LockBackend, BackendSQLite, BackendMemory); err != nil {
		return err
	}
	if c.Orchestrator.LockBackend == BackendSQLite && c.Database.Backend != BackendSQLite {
		return &ValidationError{"orchestrator.lock_backend", "sqlite lock needs the sqlite database backend"}
	}
	if _, err := payroll.ParseFrequency(c.Scheduler.Frequency); err != nil {
		return &ValidationError{"scheduler.frequency", err.Error()}
	}
	if _, err := c.Scheduler.AnchorDate(); err != nil {
		return &ValidationError{"scheduler.anchor", "must be YYYY-MM-DD"}
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return &ValidationError{"scheduler.interval", "must be positive"}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{key, fmt.Sprintf("%q is not one of %s", value, strings.Join(allowed, ", "))}
}
