// Package config loads promptgate's configuration: a YAML file with
// environment-variable overrides, validated before use. Grounded on the
// teacher's internal/config/config.go Load/defaults/applyEnvOverrides shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the promptgate gateway.
type Config struct {
	Boundary  BoundaryConfig  `yaml:"boundary"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Detectors DetectorsConfig `yaml:"detectors"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Audit     AuditConfig     `yaml:"audit"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RiskLadder RiskLadderConfig `yaml:"risk_ladder"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// RiskLadderConfig configures the per-session progressive escalation layer
// (spec supplement: repeat offenders degrade faster than a single request's
// decision would suggest).
type RiskLadderConfig struct {
	Enabled    bool               `yaml:"enabled"`
	Thresholds []RiskThresholdYAML `yaml:"thresholds"`
}

// RiskThresholdYAML is the YAML-serializable form of policy.Threshold.
type RiskThresholdYAML struct {
	Score        float64 `yaml:"score"`
	Action       string  `yaml:"action"`
	ThrottleRate int     `yaml:"throttle_rate"`
}

// DashboardConfig toggles the read-only status dashboard.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BoundaryConfig configures the HTTP decision API (spec §6).
type BoundaryConfig struct {
	Listen           string        `yaml:"listen"`
	DefaultChannel   string        `yaml:"default_channel"`
	RequestDeadline  time.Duration `yaml:"request_deadline"`
	MaxPromptLength  int           `yaml:"max_prompt_length"`
	AllowedLanguages []string      `yaml:"allowed_languages"`
	Auth             AuthConfig    `yaml:"auth"`
}

// AuthConfig holds the boundary API's Bearer-token authentication settings.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// StoreConfig configures the Rule Store (policy bundles, rules, lists,
// decision log) backed by SQLite.
type StoreConfig struct {
	Path            string `yaml:"path"`
	RetentionDays   int    `yaml:"retention_days"`
	BootstrapTenant string `yaml:"bootstrap_tenant"`
	BootstrapPreset string `yaml:"bootstrap_preset"` // "minimal", "standard", "strict", or "" to skip
}

// CacheConfig configures the Tenant Cache: snapshot TTL and optional Redis
// cross-replica invalidation.
type CacheConfig struct {
	TTL          time.Duration      `yaml:"ttl"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
}

// InvalidationConfig configures Redis pub/sub cache invalidation across
// replicas.
type InvalidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// DetectorsConfig toggles and configures each detector in the pipeline.
type DetectorsConfig struct {
	Secret     SecretDetectorConfig     `yaml:"secret"`
	PII        PIIDetectorConfig        `yaml:"pii"`
	Injection  InjectionDetectorConfig  `yaml:"injection"`
	Similarity SimilarityDetectorConfig `yaml:"similarity"`
	ML         MLDetectorConfig         `yaml:"ml"`
	Timeouts   TimeoutsConfig           `yaml:"timeouts"`
}

// TimeoutsConfig overrides the per-detector-kind timeouts of spec §5.
type TimeoutsConfig struct {
	Static     time.Duration `yaml:"static"`
	Secret     time.Duration `yaml:"secret"`
	PII        time.Duration `yaml:"pii"`
	Injection  time.Duration `yaml:"injection"`
	Similarity time.Duration `yaml:"similarity"`
	ML         time.Duration `yaml:"ml"`
}

type SecretDetectorConfig struct {
	Enabled bool `yaml:"enabled"`
}

type PIIDetectorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InjectionDetectorConfig configures the heuristic/similarity/model
// sub-checks that fuse into one Injection Detector finding.
type InjectionDetectorConfig struct {
	Enabled             bool    `yaml:"enabled"`
	HeuristicThreshold  float64 `yaml:"heuristic_threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	ModelThreshold      float64 `yaml:"model_threshold"`
}

// SimilarityDetectorConfig points at the embedding/vector-search backends.
type SimilarityDetectorConfig struct {
	Enabled   bool    `yaml:"enabled"`
	EmbedURL  string  `yaml:"embed_url"`
	SearchURL string  `yaml:"search_url"`
	UpsertURL string  `yaml:"upsert_url"`
	Threshold float64 `yaml:"threshold"`
	TopN      int     `yaml:"top_n"`
}

// MLDetectorConfig selects between the in-process ensemble classifier and a
// remote model-serving endpoint.
type MLDetectorConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Mode      string  `yaml:"mode"` // "local" or "remote"
	RemoteURL string  `yaml:"remote_url"`
	Threshold float64 `yaml:"threshold"`
}

// EvaluatorConfig selects between the local policy-evaluation algorithm and
// a remote policy-evaluator service (falling back to local on failure).
type EvaluatorConfig struct {
	Mode      string `yaml:"mode"` // "local" or "remote"
	RemoteURL string `yaml:"remote_url"`
}

// AuditConfig configures best-effort shipping of decision records to an
// external log index.
type AuditConfig struct {
	ShipperEnabled bool   `yaml:"shipper_enabled"`
	LogIndexURL    string `yaml:"log_index_url"`
	QueueCapacity  int    `yaml:"queue_capacity"`
}

// TLSConfig holds TLS/HTTPS configuration for the boundary server.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file at path, applying defaults
// for any field the file omits and then environment-variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Boundary: BoundaryConfig{
			Listen:           ":8080",
			DefaultChannel:   "prod",
			RequestDeadline:  10 * time.Second,
			MaxPromptLength:  32 * 1024,
			AllowedLanguages: nil,
		},
		Store: StoreConfig{
			Path:            "data/promptgate.db",
			RetentionDays:   90,
			BootstrapTenant: "default",
			BootstrapPreset: "standard",
		},
		Cache: CacheConfig{
			TTL: 300 * time.Second,
			Invalidation: InvalidationConfig{
				Enabled: false,
				Addr:    "localhost:6379",
				Channel: "promptgate:cache:invalidate",
			},
		},
		Detectors: DetectorsConfig{
			Secret: SecretDetectorConfig{Enabled: true},
			PII:    PIIDetectorConfig{Enabled: true},
			Injection: InjectionDetectorConfig{
				Enabled:             true,
				HeuristicThreshold:  0.75,
				SimilarityThreshold: 0.90,
				ModelThreshold:      0.90,
			},
			Similarity: SimilarityDetectorConfig{
				Enabled:   false,
				Threshold: 0.75,
				TopN:      5,
			},
			ML: MLDetectorConfig{
				Enabled:   true,
				Mode:      "local",
				Threshold: 0.4,
			},
			Timeouts: TimeoutsConfig{
				Static:     50 * time.Millisecond,
				Secret:     50 * time.Millisecond,
				PII:        50 * time.Millisecond,
				Injection:  2 * time.Second,
				Similarity: 300 * time.Millisecond,
				ML:         500 * time.Millisecond,
			},
		},
		Evaluator: EvaluatorConfig{
			Mode: "local",
		},
		Audit: AuditConfig{
			ShipperEnabled: false,
			QueueCapacity:  1024,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "promptgate",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		RiskLadder: RiskLadderConfig{
			Enabled: false,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Path:    "/dashboard/",
		},
	}
}

// applyEnvOverrides applies environment variable overrides, taking
// precedence over the file and the defaults.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PROMPTGATE_LISTEN"); v != "" {
		c.Boundary.Listen = v
	}
	if v := os.Getenv("PROMPTGATE_DEFAULT_CHANNEL"); v != "" {
		c.Boundary.DefaultChannel = v
	}
	if v := os.Getenv("PROMPTGATE_MAX_PROMPT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Boundary.MaxPromptLength = n
		}
	}
	if v := os.Getenv("PROMPTGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROMPTGATE_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("PROMPTGATE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TTL = d
		}
	}
	if os.Getenv("PROMPTGATE_CACHE_INVALIDATION_ENABLED") == "true" {
		c.Cache.Invalidation.Enabled = true
	}
	if v := os.Getenv("PROMPTGATE_REDIS_ADDR"); v != "" {
		c.Cache.Invalidation.Addr = v
	}
	if v := os.Getenv("PROMPTGATE_REDIS_PASSWORD"); v != "" {
		c.Cache.Invalidation.Password = v
	}

	if v := os.Getenv("PROMPTGATE_SIMILARITY_EMBED_URL"); v != "" {
		c.Detectors.Similarity.EmbedURL = v
		c.Detectors.Similarity.Enabled = true
	}
	if v := os.Getenv("PROMPTGATE_SIMILARITY_SEARCH_URL"); v != "" {
		c.Detectors.Similarity.SearchURL = v
	}
	if v := os.Getenv("PROMPTGATE_SIMILARITY_UPSERT_URL"); v != "" {
		c.Detectors.Similarity.UpsertURL = v
	}

	if v := os.Getenv("PROMPTGATE_ML_MODE"); v != "" {
		c.Detectors.ML.Mode = v
	}
	if v := os.Getenv("PROMPTGATE_ML_REMOTE_URL"); v != "" {
		c.Detectors.ML.RemoteURL = v
	}

	if v := os.Getenv("PROMPTGATE_EVALUATOR_MODE"); v != "" {
		c.Evaluator.Mode = v
	}
	if v := os.Getenv("PROMPTGATE_EVALUATOR_REMOTE_URL"); v != "" {
		c.Evaluator.RemoteURL = v
	}

	if os.Getenv("PROMPTGATE_AUDIT_SHIPPER_ENABLED") == "true" {
		c.Audit.ShipperEnabled = true
	}
	if v := os.Getenv("PROMPTGATE_AUDIT_LOG_INDEX_URL"); v != "" {
		c.Audit.LogIndexURL = v
		c.Audit.ShipperEnabled = true
	}

	if os.Getenv("PROMPTGATE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("PROMPTGATE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}

	if os.Getenv("PROMPTGATE_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("PROMPTGATE_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("PROMPTGATE_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if os.Getenv("PROMPTGATE_TLS_AUTO_CERT") == "true" {
		c.TLS.AutoCert = true
	}

	if os.Getenv("PROMPTGATE_AUTH_ENABLED") == "true" {
		c.Boundary.Auth.Enabled = true
	}
	if v := os.Getenv("PROMPTGATE_API_KEY"); v != "" {
		c.Boundary.Auth.APIKey = v
		c.Boundary.Auth.Enabled = true
	}

	if os.Getenv("PROMPTGATE_RISK_LADDER_ENABLED") == "true" {
		c.RiskLadder.Enabled = true
	}
	if os.Getenv("PROMPTGATE_DASHBOARD_ENABLED") == "false" {
		c.Dashboard.Enabled = false
	}
}

// validate checks that the configuration is internally consistent.
func (c *Config) validate() error {
	if c.Boundary.Listen == "" {
		return fmt.Errorf("boundary listen address is required")
	}
	if c.Boundary.MaxPromptLength <= 0 {
		return fmt.Errorf("boundary max_prompt_length must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Evaluator.Mode != "local" && c.Evaluator.Mode != "remote" {
		return fmt.Errorf("evaluator mode must be \"local\" or \"remote\", got %q", c.Evaluator.Mode)
	}
	if c.Evaluator.Mode == "remote" && c.Evaluator.RemoteURL == "" {
		return fmt.Errorf("evaluator remote_url is required when mode is \"remote\"")
	}
	if c.Detectors.ML.Enabled && c.Detectors.ML.Mode != "local" && c.Detectors.ML.Mode != "remote" {
		return fmt.Errorf("detectors.ml mode must be \"local\" or \"remote\", got %q", c.Detectors.ML.Mode)
	}
	if c.Detectors.ML.Mode == "remote" && c.Detectors.ML.RemoteURL == "" {
		return fmt.Errorf("detectors.ml remote_url is required when mode is \"remote\"")
	}
	if c.Detectors.Similarity.Enabled && (c.Detectors.Similarity.EmbedURL == "" || c.Detectors.Similarity.SearchURL == "") {
		return fmt.Errorf("detectors.similarity requires embed_url and search_url when enabled")
	}
	return nil
}
