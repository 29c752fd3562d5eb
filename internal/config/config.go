package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/itharness/internal/env"
	"github.com/loykin/itharness/internal/logger"
	"github.com/loykin/itharness/internal/process"
	"github.com/loykin/itharness/internal/scenario"
)

// EnvPrefix namespaces environment overrides of any config key:
// ITHARNESS_RUN_TIMEOUT overrides run.timeout.
const EnvPrefix = "ITHARNESS"

// HarnessBinVar is set to the running executable so service commands can
// launch the built-in webhook receiver.
const HarnessBinVar = "HARNESS_BIN"

const (
	ModeMock = "mock"
	ModeLive = "live"

	PolicyStrict     = "strict"
	PolicyReportOnly = "report-only"
)

// Config represents the top-level TOML structure.
// SkipServices means the services are pre-provisioned (DOCKER_ENV).
// Env entries (KEY=VALUE) apply to every service.
type Config struct {
	Mode         string          `toml:"mode" mapstructure:"mode"`
	SkipServices bool            `toml:"skip_services" mapstructure:"skip_services"`
	Env          []string        `toml:"env" mapstructure:"env"`
	EnvFiles     []string        `toml:"env_files" mapstructure:"env_files"`
	Variables    []Variable      `toml:"variables" mapstructure:"variables"`
	Services     []ServiceConfig `toml:"services" mapstructure:"services"`
	Scenarios    ScenarioConfig  `toml:"scenarios" mapstructure:"scenarios"`
	Run          RunConfig       `toml:"run" mapstructure:"run"`
	Log          logger.Config   `toml:"log" mapstructure:"log"`
}

// Variable is passed to every scenario as --variable Name=Value. The process
// environment variable Env (Name when empty) overrides Value.
type Variable struct {
	Name  string `toml:"name" mapstructure:"name"`
	Value string `toml:"value" mapstructure:"value"`
	Env   string `toml:"env" mapstructure:"env"`
}

type ServiceConfig struct {
	Name            string             `toml:"name" mapstructure:"name"`
	Command         string             `toml:"command" mapstructure:"command"`
	WorkDir         string             `toml:"workdir" mapstructure:"workdir"`
	Env             []string           `toml:"env" mapstructure:"env"`
	Host            string             `toml:"host" mapstructure:"host"`
	Port            int                `toml:"port" mapstructure:"port"`
	HealthURL       string             `toml:"health_url" mapstructure:"health_url"`
	ExpectStatus    int                `toml:"expect_status" mapstructure:"expect_status"`
	ReadyCommand    string             `toml:"ready_command" mapstructure:"ready_command"`
	WaitForOutput   string             `toml:"wait_for_output" mapstructure:"wait_for_output"`
	ReadyTimeout    time.Duration      `toml:"ready_timeout" mapstructure:"ready_timeout"`
	StartupGrace    time.Duration      `toml:"startup_grace" mapstructure:"startup_grace"`
	StopGrace       time.Duration      `toml:"stop_grace" mapstructure:"stop_grace"`
	StalePattern    string             `toml:"stale_pattern" mapstructure:"stale_pattern"`
	MockOnly        bool               `toml:"mock_only" mapstructure:"mock_only"`
	ReadyBeforeNext bool               `toml:"ready_before_next" mapstructure:"ready_before_next"`
	Log             *logger.FileConfig `toml:"log" mapstructure:"log"`
}

type ScenarioConfig struct {
	Pattern         string `toml:"pattern" mapstructure:"pattern"`
	scenario.Config `mapstructure:",squash"`
}

type RunConfig struct {
	FailurePolicy string        `toml:"failure_policy" mapstructure:"failure_policy"`
	Timeout       time.Duration `toml:"timeout" mapstructure:"timeout"` // whole suite; 0 disables
	StopOnFailure bool          `toml:"stop_on_failure" mapstructure:"stop_on_failure"`
	PollInterval  time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	ReportFile    string        `toml:"report_file" mapstructure:"report_file"`
	MetricsFile   string        `toml:"metrics_file" mapstructure:"metrics_file"`
	HistoryDSNs   []string      `toml:"history_dsns" mapstructure:"history_dsns"`
}

// Load reads the TOML file at path (optional) on top of the defaults and
// applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("mode", EnvPrefix+"_MODE", "HARNESS_MODE")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if os.Getenv("DOCKER_ENV") != "" {
		c.SkipServices = true
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeMock)
	v.SetDefault("skip_services", false)
	v.SetDefault("variables", []map[string]any{
		{"name": "TRACKTAGS_URL", "value": "http://localhost:8080", "env": "TRACKTAGS_URL"},
		{"name": "PROXY_TARGET_URL", "value": "http://localhost:9090/webhook", "env": "PROXY_TARGET_URL"},
		{"name": "WEBHOOK_URL", "value": "http://localhost:9090", "env": "WEBHOOK_URL"},
		{"name": "ADMIN_SECRET_KEY", "value": "admin_secret_key_123", "env": "ADMIN_SECRET_KEY"},
	})
	v.SetDefault("services", []map[string]any{
		{
			"name":            "webhook",
			"command":         "${" + HarnessBinVar + "} webhook --addr :9090",
			"port":            9090,
			"wait_for_output": "Webhook server running",
			"ready_timeout":   "10s",
			"startup_grace":   "2s",
			"stale_pattern":   "itharness webhook",
			"mock_only":       true,
		},
		{
			"name":          "tracktags",
			"command":       "gleam run",
			"port":          8080,
			"health_url":    "${TRACKTAGS_URL}/health",
			"ready_timeout": "20s",
			"stale_pattern": "gleam run",
		},
	})

	d := scenario.DefaultConfig()
	v.SetDefault("scenarios.pattern", "test/integration/"+scenario.DefaultPattern)
	v.SetDefault("scenarios.command", d.Command)
	v.SetDefault("scenarios.timeout", d.Timeout)
	v.SetDefault("scenarios.retry.retries", d.Retry.Retries)
	v.SetDefault("scenarios.retry.interval", d.Retry.Interval)
	v.SetDefault("scenarios.retry.native", d.Retry.Native)
	v.SetDefault("scenarios.verbosity", string(d.Verbosity))
	v.SetDefault("scenarios.work_dir", "")

	v.SetDefault("run.failure_policy", PolicyStrict)
	v.SetDefault("run.timeout", 0)
	v.SetDefault("run.stop_on_failure", false)
	v.SetDefault("run.poll_interval", time.Second)
	v.SetDefault("run.report_file", "")
	v.SetDefault("run.metrics_file", "")
	v.SetDefault("run.history_dsns", []string{})

	l := logger.DefaultConfig()
	v.SetDefault("log.slog.level", string(l.Slog.Level))
	v.SetDefault("log.slog.format", string(l.Slog.Format))
	v.SetDefault("log.slog.color", l.Slog.Color)
	v.SetDefault("log.slog.timestamps", l.Slog.TimeStamps)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.dir", "")
}

// Validate reports inconsistent settings.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeMock, ModeLive:
	default:
		return fmt.Errorf("mode %q: want %s or %s", c.Mode, ModeMock, ModeLive)
	}
	switch c.Run.FailurePolicy {
	case PolicyStrict, PolicyReportOnly:
	default:
		return fmt.Errorf("failure_policy %q: want %s or %s", c.Run.FailurePolicy, PolicyStrict, PolicyReportOnly)
	}
	if c.Run.Timeout < 0 {
		return errors.New("run.timeout cannot be negative")
	}
	seen := make(map[string]struct{}, len(c.Services))
	for i, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d] requires name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	for i, vr := range c.Variables {
		if strings.TrimSpace(vr.Name) == "" {
			return fmt.Errorf("variables[%d] requires name", i)
		}
	}
	return nil
}

// ResolveVariables returns the scenario variables with environment
// overrides applied. lookup is os.LookupEnv when nil.
func (c *Config) ResolveVariables(lookup func(string) (string, bool)) map[string]string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string, len(c.Variables))
	for _, vr := range c.Variables {
		key := vr.Env
		if key == "" {
			key = vr.Name
		}
		if val, ok := lookup(key); ok {
			out[vr.Name] = val
			continue
		}
		out[vr.Name] = vr.Value
	}
	return out
}

// Specs converts the configured services into process specs. ${name}
// references to variables are expanded in readiness URLs, hosts and
// commands; references that are not variables are left for the shell.
func (c *Config) Specs(vars map[string]string) ([]process.Spec, error) {
	out := make([]process.Spec, 0, len(c.Services))
	for _, sc := range c.Services {
		logCfg := c.Log.File
		if sc.Log != nil {
			if sc.Log.Dir != "" {
				logCfg.Dir = sc.Log.Dir
			}
			if sc.Log.MaxSizeMB != 0 {
				logCfg.MaxSizeMB = sc.Log.MaxSizeMB
			}
			if sc.Log.MaxBackups != 0 {
				logCfg.MaxBackups = sc.Log.MaxBackups
			}
			if sc.Log.MaxAgeDays != 0 {
				logCfg.MaxAgeDays = sc.Log.MaxAgeDays
			}
			if sc.Log.Compress {
				logCfg.Compress = true
			}
		}
		s := process.Spec{
			Name:            sc.Name,
			Command:         env.Expand(sc.Command, vars),
			WorkDir:         sc.WorkDir,
			Env:             sc.Env,
			Host:            env.Expand(sc.Host, vars),
			Port:            sc.Port,
			HealthURL:       env.Expand(sc.HealthURL, vars),
			ExpectStatus:    sc.ExpectStatus,
			ReadyCommand:    env.Expand(sc.ReadyCommand, vars),
			WaitForOutput:   sc.WaitForOutput,
			ReadyTimeout:    sc.ReadyTimeout,
			StartupGrace:    sc.StartupGrace,
			StopGrace:       sc.StopGrace,
			StalePattern:    sc.StalePattern,
			MockOnly:        sc.MockOnly,
			ReadyBeforeNext: sc.ReadyBeforeNext,
			Log:             logCfg,
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// GlobalEnv merges env_files contents (in order) and then the top-level env
// list into KEY=VALUE entries applied to every service.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range env.Parse(c.Env) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
