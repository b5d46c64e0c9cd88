// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	nodeflow "nodeflow"
	"nodeflow/checkpointer"
	"nodeflow/graph"
	"nodeflow/nodes"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigin is the CORS origin for socket.io subscribers.
	AllowedOrigin   string        `yaml:"allowed_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the persistence backend: memory or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// StepsConfig selects where memoized step results live: memory or file.
type StepsConfig struct {
	KV   string `yaml:"kv"`
	Path string `yaml:"path"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     bool          `yaml:"jitter"`
}

type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

type ProvidersConfig struct {
	Timeout   time.Duration  `yaml:"timeout"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

type GraphConfig struct {
	// DuplicateTrigger is reject or replace.
	DuplicateTrigger string `yaml:"duplicate_trigger"`
}

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Log           LogConfig       `yaml:"log"`
	Database      DatabaseConfig  `yaml:"database"`
	Steps         StepsConfig     `yaml:"steps"`
	Retry         RetryConfig     `yaml:"retry"`
	HTTP          HTTPConfig      `yaml:"http"`
	Webhooks      HTTPConfig      `yaml:"webhooks"`
	Providers     ProvidersConfig `yaml:"providers"`
	Graph         GraphConfig     `yaml:"graph"`
	EncryptionKey string          `yaml:"encryption_key"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	retry := checkpointer.DefaultRetryPolicy()
	return &Config{
		Server:   ServerConfig{Addr: ":8080", AllowedOrigin: "*", ShutdownTimeout: 10 * time.Second},
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "memory"},
		Steps:    StepsConfig{KV: "memory"},
		Retry: RetryConfig{
			MaxRetries: retry.MaxRetries,
			BaseDelay:  retry.BaseDelay,
			MaxDelay:   retry.MaxDelay,
			Jitter:     retry.Jitter,
		},
		HTTP:      HTTPConfig{Timeout: 30 * time.Second, UserAgent: "nodeflow"},
		Webhooks:  HTTPConfig{Timeout: 15 * time.Second},
		Providers: ProvidersConfig{Timeout: 60 * time.Second},
		Graph:     GraphConfig{DuplicateTrigger: string(graph.DuplicateReject)},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v, ok := lookup(key); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Server.Addr, "NODEFLOW_ADDR")
	set(&c.Log.Level, "NODEFLOW_LOG_LEVEL")
	set(&c.Database.Driver, "NODEFLOW_DATABASE_DRIVER")
	set(&c.Database.URL, "NODEFLOW_DATABASE_URL")
	set(&c.EncryptionKey, "NODEFLOW_ENCRYPTION_KEY")
	set(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	set(&c.Providers.Gemini.APIKey, "GEMINI_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for the postgres driver")
		}
		if c.EncryptionKey == "" {
			problems = append(problems, "encryption_key is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not memory or postgres", c.Database.Driver))
	}
	switch c.Steps.KV {
	case "memory":
	case "file":
		if c.Steps.Path == "" {
			problems = append(problems, "steps.path is required for the file kv")
		}
	default:
		problems = append(problems, fmt.Sprintf("steps.kv %q is not memory or file", c.Steps.KV))
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		problems = append(problems, "retry.max_delay must not be below retry.base_delay")
	}
	switch graph.DuplicatePolicy(c.Graph.DuplicateTrigger) {
	case graph.DuplicateReject, graph.DuplicateReplace:
	default:
		problems = append(problems, fmt.Sprintf("graph.duplicate_trigger %q is not reject or replace", c.Graph.DuplicateTrigger))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) RetryPolicy() checkpointer.RetryPolicy {
	return checkpointer.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Jitter:     c.Retry.Jitter,
	}
}

func (c *Config) GraphPolicy() graph.Policy {
	policy := graph.DefaultPolicy()
	policy.OnDuplicate = graph.DuplicatePolicy(c.Graph.DuplicateTrigger)
	return policy
}

// NodeOptions builds executor settings. Empty provider fields keep the
// built-in defaults.
func (c *Config) NodeOptions() nodes.Options {
	opts := nodes.DefaultOptions()
	opts.HTTP.Timeout = c.HTTP.Timeout
	opts.HTTP.UserAgent = c.HTTP.UserAgent
	opts.Webhooks.Timeout = c.Webhooks.Timeout

	providerClient := &http.Client{Timeout: c.Providers.Timeout}
	overrides := map[nodeflow.NodeType]ProviderConfig{
		nodeflow.NodeTypeOpenAI:    c.Providers.OpenAI,
		nodeflow.NodeTypeAnthropic: c.Providers.Anthropic,
		nodeflow.NodeTypeGemini:    c.Providers.Gemini,
	}
	for t, o := range overrides {
		p := opts.Providers[t]
		if o.BaseURL != "" {
			p.BaseURL = o.BaseURL
		}
		if o.DefaultModel != "" {
			p.DefaultModel = o.DefaultModel
		}
		p.APIKey = o.APIKey
		p.HTTPClient = providerClient
		opts.Providers[t] = p
	}
	return opts
}
