package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the correlator service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig controls the metrics listener and shutdown behaviour.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// UnmarshalYAML merges file values over existing defaults, parsing
// durations from strings.
func (s *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MetricsAddress  *string   `yaml:"metricsAddress"`
		GracefulTimeout *duration `yaml:"gracefulTimeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MetricsAddress != nil {
		s.MetricsAddress = *raw.MetricsAddress
	}
	assignDuration(&s.GracefulTimeout, raw.GracefulTimeout)
	return nil
}

// StorageConfig locates the SQLite database backing events and incidents.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CorrelationConfig tunes event-to-incident grouping.
type CorrelationConfig struct {
	// IncidentThreshold is the event count at which an incident is
	// escalated to investigating and queued for classification.
	IncidentThreshold int `yaml:"incidentThreshold"`
	// IncidentTimeWindow bounds how far apart correlated events may be.
	IncidentTimeWindow time.Duration `yaml:"incidentTimeWindow"`
	// AttachRetries bounds lookup+attach retries under contention before
	// falling back to creating a fresh incident.
	AttachRetries int `yaml:"attachRetries"`
	// SweepInterval is how often stale incidents are auto-resolved.
	// Defaults to half the incident time window.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

func (c *CorrelationConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		IncidentThreshold  *int      `yaml:"incidentThreshold"`
		IncidentTimeWindow *duration `yaml:"incidentTimeWindow"`
		AttachRetries      *int      `yaml:"attachRetries"`
		SweepInterval      *duration `yaml:"sweepInterval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.IncidentThreshold != nil {
		c.IncidentThreshold = *raw.IncidentThreshold
	}
	if raw.AttachRetries != nil {
		c.AttachRetries = *raw.AttachRetries
	}
	assignDuration(&c.IncidentTimeWindow, raw.IncidentTimeWindow)
	assignDuration(&c.SweepInterval, raw.SweepInterval)
	return nil
}

// ClassifierConfig selects and tunes the classification backend.
type ClassifierConfig struct {
	// Mode selects the backend: "rules" (built-in rule pack) or "remote"
	// (HTTP classifier service).
	Mode         string        `yaml:"mode"`
	BaseURL      string        `yaml:"baseURL"`
	ClassifyPath string        `yaml:"classifyPath"`
	Timeout      time.Duration `yaml:"timeout"`
	RulesPath    string        `yaml:"rulesPath"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	BackoffBase  time.Duration `yaml:"backoffBase"`
	QueueSize    int           `yaml:"queueSize"`
}

func (c *ClassifierConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Mode         *string   `yaml:"mode"`
		BaseURL      *string   `yaml:"baseURL"`
		ClassifyPath *string   `yaml:"classifyPath"`
		Timeout      *duration `yaml:"timeout"`
		RulesPath    *string   `yaml:"rulesPath"`
		MaxAttempts  *int      `yaml:"maxAttempts"`
		BackoffBase  *duration `yaml:"backoffBase"`
		QueueSize    *int      `yaml:"queueSize"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Mode != nil {
		c.Mode = *raw.Mode
	}
	if raw.BaseURL != nil {
		c.BaseURL = *raw.BaseURL
	}
	if raw.ClassifyPath != nil {
		c.ClassifyPath = *raw.ClassifyPath
	}
	if raw.RulesPath != nil {
		c.RulesPath = *raw.RulesPath
	}
	if raw.MaxAttempts != nil {
		c.MaxAttempts = *raw.MaxAttempts
	}
	if raw.QueueSize != nil {
		c.QueueSize = *raw.QueueSize
	}
	assignDuration(&c.Timeout, raw.Timeout)
	assignDuration(&c.BackoffBase, raw.BackoffBase)
	return nil
}

// CacheConfig controls Valkey-backed caching of classification results.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
	ResultTTL    time.Duration `yaml:"resultTTL"`
}

func (c *CacheConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Enabled      *bool     `yaml:"enabled"`
		Addr         *string   `yaml:"addr"`
		Username     *string   `yaml:"username"`
		Password     *string   `yaml:"password"`
		DB           *int      `yaml:"db"`
		DialTimeout  *duration `yaml:"dialTimeout"`
		ReadTimeout  *duration `yaml:"readTimeout"`
		WriteTimeout *duration `yaml:"writeTimeout"`
		TLS          *bool     `yaml:"tls"`
		ResultTTL    *duration `yaml:"resultTTL"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		c.Enabled = *raw.Enabled
	}
	if raw.Addr != nil {
		c.Addr = *raw.Addr
	}
	if raw.Username != nil {
		c.Username = *raw.Username
	}
	if raw.Password != nil {
		c.Password = *raw.Password
	}
	if raw.DB != nil {
		c.DB = *raw.DB
	}
	if raw.TLS != nil {
		c.TLS = *raw.TLS
	}
	assignDuration(&c.DialTimeout, raw.DialTimeout)
	assignDuration(&c.ReadTimeout, raw.ReadTimeout)
	assignDuration(&c.WriteTimeout, raw.WriteTimeout)
	assignDuration(&c.ResultTTL, raw.ResultTTL)
	return nil
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CORRELATOR_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalise(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{Path: "data/correlator.db"},
		Correlation: CorrelationConfig{
			IncidentThreshold:  5,
			IncidentTimeWindow: 5 * time.Minute,
			AttachRetries:      3,
		},
		Classifier: ClassifierConfig{
			Mode:         "rules",
			ClassifyPath: "/api/v1/classify",
			Timeout:      5 * time.Second,
			RulesPath:    "configs/rules/default.yaml",
			MaxAttempts:  4,
			BackoffBase:  500 * time.Millisecond,
			QueueSize:    256,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			ResultTTL:    10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 7},
	}
}

func normalise(cfg *Config) {
	if cfg.Correlation.IncidentThreshold <= 0 {
		cfg.Correlation.IncidentThreshold = 1
	}
	if cfg.Correlation.IncidentTimeWindow <= 0 {
		cfg.Correlation.IncidentTimeWindow = 5 * time.Minute
	}
	if cfg.Correlation.AttachRetries < 0 {
		cfg.Correlation.AttachRetries = 0
	}
	if cfg.Correlation.SweepInterval <= 0 {
		cfg.Correlation.SweepInterval = cfg.Correlation.IncidentTimeWindow / 2
	}
	if cfg.Classifier.MaxAttempts <= 0 {
		cfg.Classifier.MaxAttempts = 1
	}
	if cfg.Classifier.QueueSize <= 0 {
		cfg.Classifier.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CORRELATOR_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("CORRELATOR_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CORRELATOR_INCIDENT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Correlation.IncidentThreshold = n
		}
	}
	if v := os.Getenv("CORRELATOR_INCIDENT_TIME_WINDOW"); v != "" {
		if d, err := parseWindow(v); err == nil {
			cfg.Correlation.IncidentTimeWindow = d
		}
	}
	if v := os.Getenv("CORRELATOR_ATTACH_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Correlation.AttachRetries = n
		}
	}
	if v := os.Getenv("CORRELATOR_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.SweepInterval = d
		}
	}
	if v := os.Getenv("CORRELATOR_CLASSIFIER_MODE"); v != "" {
		cfg.Classifier.Mode = v
	}
	if v := os.Getenv("CORRELATOR_CLASSIFIER_URL"); v != "" {
		cfg.Classifier.BaseURL = v
	}
	if v := os.Getenv("CORRELATOR_CLASSIFIER_PATH"); v != "" {
		cfg.Classifier.ClassifyPath = v
	}
	if v := os.Getenv("CORRELATOR_CLASSIFIER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Classifier.Timeout = d
		}
	}
	if v := os.Getenv("CORRELATOR_RULES_PATH"); v != "" {
		cfg.Classifier.RulesPath = v
	}
	if v := os.Getenv("CORRELATOR_CLASSIFIER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Classifier.MaxAttempts = n
		}
	}
	if v := os.Getenv("CORRELATOR_CLASSIFIER_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Classifier.BackoffBase = d
		}
	}
	if v := os.Getenv("CORRELATOR_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("CORRELATOR_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("CORRELATOR_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("CORRELATOR_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("CORRELATOR_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("CORRELATOR_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("CORRELATOR_CACHE_RESULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ResultTTL = d
		}
	}
	if v := os.Getenv("CORRELATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CORRELATOR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("CORRELATOR_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

// parseWindow accepts either a Go duration ("300s") or a bare number of
// seconds ("300"), since deployments commonly export the window in seconds.
func parseWindow(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// duration decodes a YAML scalar holding a Go duration string or a bare
// number of seconds. yaml.v3 has no native time.Duration support.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseWindow(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = duration(v)
	return nil
}

func assignDuration(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
