package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/carte/internal/auth"
	"github.com/loykin/carte/internal/logger"
	"github.com/loykin/carte/internal/metrics"
	"github.com/loykin/carte/internal/pipeline"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	DefaultListen          = ":8081"
	DefaultBasePath        = "/kettle"
	DefaultShutdownTimeout = 10 * time.Second
)

// FileConfig represents the top-level TOML structure.
//
// Transformation and job definitions are not decoded here: viper folds map
// keys to lower case, which would corrupt variable names and step config.
// See Load.
type FileConfig struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       logger.Config    `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Sniff     SniffConfig      `mapstructure:"sniff"`
	Auth      auth.Config      `mapstructure:"auth"`
	History   []HistoryConfig  `mapstructure:"history"`
	Variables []string         `mapstructure:"variables"`
	EnvFiles  []string         `mapstructure:"env_files"`
	UseOSEnv  bool             `mapstructure:"use_os_env"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

type ServerConfig struct {
	Name            string        `mapstructure:"name"`
	Listen          string        `mapstructure:"listen"`
	BasePath        string        `mapstructure:"base_path"`
	PIDFile         string        `mapstructure:"pidfile"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             *TLSConfig    `mapstructure:"tls"`
	TLSMinVersion   string        `mapstructure:"tls_min_version"`
	TLSMaxVersion   string        `mapstructure:"tls_max_version"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the main router.
	Listen string             `mapstructure:"listen"`
	Host   metrics.HostConfig `mapstructure:"host"`
}

type SniffConfig struct {
	DefaultBuffer int           `mapstructure:"default_buffer"`
	MaxBuffer     int           `mapstructure:"max_buffer"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ScheduleConfig starts a registered definition periodically.
type ScheduleConfig struct {
	Name   string `mapstructure:"name"`
	Kind   string `mapstructure:"kind"` // "transformation" or "job"
	Target string `mapstructure:"target"`
	Every  string `mapstructure:"every"`
	// Singleton skips a tick while the previous run is still active. Defaults to true.
	Singleton *bool `mapstructure:"singleton"`
}

// Config is a loaded, validated configuration with paths resolved and
// definitions parsed.
type Config struct {
	FileConfig
	Path            string
	Env             map[string]string
	Transformations []pipeline.Definition
	Jobs            []pipeline.JobDefinition
}

// definitions holds the case-preserving decode of the definition tables.
type definitions struct {
	Transformations []map[string]any `toml:"transformations"`
	Jobs            []map[string]any `toml:"jobs"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.log_lines", logger.DefaultLogLines)
	v.SetDefault("sniff.default_buffer", 50)
	v.SetDefault("sniff.max_buffer", 10000)
	v.SetDefault("sniff.idle_timeout", 10*time.Minute)
	v.SetDefault("sniff.reap_interval", 30*time.Second)
	v.SetDefault("metrics.host.interval", 15*time.Second)
	v.SetDefault("metrics.host.max_history", 60)
	return v
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := newViper("")
	var fc FileConfig
	// defaults only; cannot fail
	_ = v.Unmarshal(&fc)
	return &Config{FileConfig: fc, Env: map[string]string{}}
}

// Load reads a TOML config file. Relative paths inside it resolve against
// the directory of the file.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	dir := filepath.Dir(path)
	fc.resolvePaths(dir)

	cfg := &Config{FileConfig: fc, Path: path}
	var err error
	if cfg.Env, err = fc.globalEnv(); err != nil {
		return nil, err
	}
	if err := cfg.loadDefinitions(path, dir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func (fc *FileConfig) resolvePaths(dir string) {
	fc.Server.PIDFile = resolve(dir, fc.Server.PIDFile)
	if t := fc.Server.TLS; t != nil {
		t.CertFile = resolve(dir, t.CertFile)
		t.KeyFile = resolve(dir, t.KeyFile)
		t.Dir = resolve(dir, t.Dir)
	}
	fc.Log.File.Path = resolve(dir, fc.Log.File.Path)
	fc.Log.File.Dir = resolve(dir, fc.Log.File.Dir)
	for i, p := range fc.EnvFiles {
		fc.EnvFiles[i] = resolve(dir, p)
	}
	for i, h := range fc.History {
		fc.History[i].DSN = resolveDSN(dir, h.DSN)
	}
}

// resolveDSN makes sqlite file locations relative to the config directory.
func resolveDSN(dir, dsn string) string {
	if rest, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		if strings.HasPrefix(rest, ":") {
			return dsn
		}
		return "sqlite://" + resolve(dir, rest)
	}
	if !strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, ":") {
		return resolve(dir, dsn)
	}
	return dsn
}

func (cfg *Config) loadDefinitions(path, dir string) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var defs definitions
	if err := toml.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("decode definitions: %w", err)
	}
	for i, m := range defs.Transformations {
		d, err := transformationEntry(dir, m)
		if err != nil {
			return fmt.Errorf("transformations[%d]: %w", i, err)
		}
		cfg.Transformations = append(cfg.Transformations, d)
	}
	for i, m := range defs.Jobs {
		d, err := jobEntry(dir, m)
		if err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		cfg.Jobs = append(cfg.Jobs, d)
	}
	return nil
}

func transformationEntry(dir string, m map[string]any) (pipeline.Definition, error) {
	if f, ok := m["file"].(string); ok {
		return pipeline.LoadDefinition(resolve(dir, f))
	}
	b, err := json.Marshal(m)
	if err != nil {
		return pipeline.Definition{}, err
	}
	return pipeline.ParseDefinition(b)
}

func jobEntry(dir string, m map[string]any) (pipeline.JobDefinition, error) {
	if f, ok := m["file"].(string); ok {
		return pipeline.LoadJobDefinition(resolve(dir, f))
	}
	b, err := json.Marshal(m)
	if err != nil {
		return pipeline.JobDefinition{}, err
	}
	return pipeline.ParseJobDefinition(b)
}

// Validate checks cross-field constraints.
func (cfg *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(cfg.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with /: %q", cfg.Server.BasePath))
	}
	s := cfg.Sniff
	if s.DefaultBuffer < 1 || s.MaxBuffer < 1 {
		errs = append(errs, errors.New("sniff buffer sizes must be positive"))
	} else if s.DefaultBuffer > s.MaxBuffer {
		errs = append(errs, fmt.Errorf("sniff.default_buffer %d exceeds max_buffer %d", s.DefaultBuffer, s.MaxBuffer))
	}
	for i, h := range cfg.History {
		if h.DSN == "" {
			errs = append(errs, fmt.Errorf("history[%d] requires dsn", i))
		}
	}
	trans := make(map[string]bool, len(cfg.Transformations))
	for _, d := range cfg.Transformations {
		if trans[d.Name] {
			errs = append(errs, fmt.Errorf("duplicate transformation definition %q", d.Name))
		}
		trans[d.Name] = true
	}
	jobs := make(map[string]bool, len(cfg.Jobs))
	for _, d := range cfg.Jobs {
		if jobs[d.Name] {
			errs = append(errs, fmt.Errorf("duplicate job definition %q", d.Name))
		}
		jobs[d.Name] = true
	}
	names := make(map[string]bool, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("schedules[%d]", i)
		} else if names[name] {
			errs = append(errs, fmt.Errorf("duplicate schedule %q", name))
		}
		names[name] = true
		switch sc.Kind {
		case "transformation", "trans", "":
			if !trans[sc.Target] {
				errs = append(errs, fmt.Errorf("schedule %s references unknown transformation %q", name, sc.Target))
			}
		case "job":
			if !jobs[sc.Target] {
				errs = append(errs, fmt.Errorf("schedule %s references unknown job %q", name, sc.Target))
			}
		default:
			errs = append(errs, fmt.Errorf("schedule %s has unknown kind %q", name, sc.Kind))
		}
		if sc.Every == "" {
			errs = append(errs, fmt.Errorf("schedule %s requires every", name))
		}
	}
	return errors.Join(errs...)
}

// globalEnv merges variables: OS env (when enabled) provides the base, then
// env_files in order, then the top-level variables list overrides last.
func (fc *FileConfig) globalEnv() (map[string]string, error) {
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Variables {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("variable %q must be KEY=VALUE", kv)
		}
		m[strings.TrimSpace(k)] = v
	}
	return m, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}

// IsSingleton reports whether overlapping runs are skipped.
func (sc ScheduleConfig) IsSingleton() bool {
	return sc.Singleton == nil || *sc.Singleton
}
