// Package config loads the daemon configuration from the environment, an
// optional .env file and an optional YAML file of resources and probes.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/livestatus/livestatus/internal/status"
)

// Poll sources.
const (
	PollSourceHTTP     = "http"
	PollSourcePostgres = "postgres"
)

// Config is the runtime configuration of statusd.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	TelemetryEnabled bool
	OTLPEndpoint     string
	// TraceSampleRatio is the fraction of root spans sampled (0 to 1).
	TraceSampleRatio float64

	// PollSource selects the poll fetcher: http or postgres.
	PollSource    string
	StatusBaseURL string
	StatusTable   string

	// DatabaseEnabled connects to Postgres for the postgres poll source and
	// persistent feature flags.
	DatabaseEnabled bool

	RedisAddr string

	PubSubProject     string
	NotificationTopic string
	WebhookURL        string

	ProbeBatchURL  string
	HealthInterval time.Duration

	ReconnectDelay time.Duration
	FetchTimeout   time.Duration

	// RateLimit is the API request budget per client per minute.
	RateLimit int

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool

	ResourcesFile string
	Resources     ResourceFile
}

// ResourceFile is the YAML file of resources tracked at startup and HTTP
// probes checked by the health monitor.
type ResourceFile struct {
	Resources []ResourceSpec `yaml:"resources"`
	Probes    []ProbeSpec    `yaml:"probes"`
}

// ResourceSpec is one resource entry.
type ResourceSpec struct {
	ID              string        `yaml:"id"`
	Kind            string        `yaml:"kind"`
	Label           string        `yaml:"label"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ChannelEndpoint string        `yaml:"channel_endpoint"`
	// ChannelEnabled defaults to true when an endpoint is set.
	ChannelEnabled *bool  `yaml:"channel_enabled"`
	PollEndpoint   string `yaml:"poll_endpoint"`
}

// ProbeSpec is one HTTP probe entry.
type ProbeSpec struct {
	Name          string        `yaml:"name"`
	URL           string        `yaml:"url"`
	DegradedAfter time.Duration `yaml:"degraded_after"`
}

// ValidationError aggregates every configuration problem found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Load reads .env (if present), the environment and the resources file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := FromEnv()
	if cfg.ResourcesFile != "" {
		f, err := os.Open(cfg.ResourcesFile)
		if err != nil {
			return nil, fmt.Errorf("open resources file: %w", err)
		}
		defer f.Close()

		file, err := DecodeResources(f)
		if err != nil {
			return nil, err
		}
		cfg.Resources = *file
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables only.
func FromEnv() *Config {
	return &Config{
		Port:              getEnvOrDefault("APP_PORT", "8080"),
		Env:               getEnvOrDefault("APP_ENV", "development"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		TelemetryEnabled:  getEnvOrDefault("OTEL_ENABLED", "false") == "true",
		OTLPEndpoint:      getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRatio:  getFloatOrDefault("OTEL_TRACES_SAMPLER_ARG", 1),
		PollSource:        strings.ToLower(getEnvOrDefault("POLL_SOURCE", PollSourceHTTP)),
		StatusBaseURL:     os.Getenv("STATUS_API_URL"),
		StatusTable:       getEnvOrDefault("STATUS_TABLE", "resource_status"),
		DatabaseEnabled:   getEnvOrDefault("DB_ENABLED", "false") == "true",
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		PubSubProject:     os.Getenv("PUBSUB_PROJECT_ID"),
		NotificationTopic: os.Getenv("PUBSUB_NOTIFICATION_TOPIC"),
		WebhookURL:        os.Getenv("NOTIFY_WEBHOOK_URL"),
		ProbeBatchURL:     os.Getenv("HEALTH_BATCH_URL"),
		HealthInterval:    getDurationOrDefault("HEALTH_SWEEP_INTERVAL", 30*time.Second),
		ReconnectDelay:    getDurationOrDefault("CHANNEL_RECONNECT_DELAY", 5*time.Second),
		FetchTimeout:      getDurationOrDefault("POLL_FETCH_TIMEOUT", 10*time.Second),
		RateLimit:         getIntOrDefault("API_RATE_LIMIT", 100),
		RequireTLS:        getEnvOrDefault("REQUIRE_TLS", "false") == "true",
		ResourcesFile:     os.Getenv("RESOURCES_FILE"),
	}
}

// DecodeResources parses a resources file. Unknown fields are rejected.
func DecodeResources(r io.Reader) (*ResourceFile, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var file ResourceFile
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse resources file: %w", err)
	}
	return &file, nil
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.PollSource {
	case PollSourceHTTP:
		if c.StatusBaseURL == "" {
			problems = append(problems, "STATUS_API_URL is required for the http poll source")
		}
	case PollSourcePostgres:
		if !c.DatabaseEnabled {
			problems = append(problems, "the postgres poll source requires DB_ENABLED=true")
		}
	default:
		problems = append(problems, fmt.Sprintf("POLL_SOURCE %q must be http or postgres", c.PollSource))
	}

	if c.NotificationTopic != "" && c.PubSubProject == "" {
		problems = append(problems, "PUBSUB_NOTIFICATION_TOPIC requires PUBSUB_PROJECT_ID")
	}
	if c.HealthInterval < time.Second {
		problems = append(problems, "HEALTH_SWEEP_INTERVAL must be at least 1s")
	}
	if c.ReconnectDelay <= 0 {
		problems = append(problems, "CHANNEL_RECONNECT_DELAY must be greater than zero")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		problems = append(problems, "OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.RateLimit <= 0 {
		problems = append(problems, "API_RATE_LIMIT must be greater than zero")
	}

	seen := make(map[string]bool, len(c.Resources.Resources))
	for i, spec := range c.Resources.Resources {
		if _, err := spec.TrackedResource(); err != nil {
			problems = append(problems, fmt.Sprintf("resources[%d]: %v", i, err))
			continue
		}
		if seen[spec.ID] {
			problems = append(problems, fmt.Sprintf("resources[%d]: duplicate id %q", i, spec.ID))
		}
		seen[spec.ID] = true
	}

	for i, p := range c.Resources.Probes {
		if p.Name == "" || p.URL == "" {
			problems = append(problems, fmt.Sprintf("probes[%d]: name and url are required", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// TrackedResource converts the entry, validating it.
func (s ResourceSpec) TrackedResource() (status.TrackedResource, error) {
	kind, err := status.ParseKind(s.Kind)
	if err != nil {
		return status.TrackedResource{}, &status.ConfigurationError{ResourceID: s.ID, Field: "kind", Reason: err.Error()}
	}

	enabled := s.ChannelEndpoint != ""
	if s.ChannelEnabled != nil {
		enabled = *s.ChannelEnabled
	}

	r := status.TrackedResource{
		ID:              s.ID,
		Kind:            kind,
		Label:           s.Label,
		PollInterval:    s.PollInterval,
		ChannelEndpoint: s.ChannelEndpoint,
		ChannelEnabled:  enabled,
		PollEndpoint:    s.PollEndpoint,
	}
	if err := r.Validate(); err != nil {
		return status.TrackedResource{}, err
	}
	return r, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}
	return d
}

func getIntOrDefault(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(getEnvOrDefault(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return f
}
