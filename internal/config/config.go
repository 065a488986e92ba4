// Package config loads and validates the relayd YAML configuration.
// Environment references like ${API_TOKEN} are expanded before parsing, and
// unknown fields are rejected so typos fail loudly at startup instead of
// silently using defaults.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/assistdesk/relay/internal/backoff"
	"github.com/assistdesk/relay/pkg/models"
)

// Config is the root relayd configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Endpoints  []EndpointConfig `yaml:"endpoints"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level"`
}

// APIConfig points at the backend REST collaborator.
type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	UserEmail string `yaml:"user_email"`
}

// StorageConfig controls snapshot persistence.
type StorageConfig struct {
	// SQLitePath is the snapshot database file. Empty keeps everything
	// in memory, which loses state across restarts.
	SQLitePath string `yaml:"sqlite_path"`
	// Scope namespaces snapshots, typically the org or workspace id.
	Scope string `yaml:"scope"`
}

// ReconcileConfig controls the periodic backend sync.
type ReconcileConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a standard 5-field cron expression.
	Schedule string `yaml:"schedule"`
}

// EndpointConfig describes one relay socket to maintain. Identifier fields
// depend on the channel: whatsapp uses phone_number + customer_number,
// website uses widget_key + visitor_id.
type EndpointConfig struct {
	Channel        string `yaml:"channel"`
	URL            string `yaml:"url"`
	PhoneNumber    string `yaml:"phone_number"`
	CustomerNumber string `yaml:"customer_number"`
	WidgetKey      string `yaml:"widget_key"`
	VisitorID      string `yaml:"visitor_id"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the reconnect schedule in wire units. Delays are
// milliseconds to match the protocol convention; zero fields take the policy
// defaults.
type BackoffConfig struct {
	Mode        string `yaml:"mode"`
	BaseMS      int    `yaml:"base_ms"`
	MaxMS       int    `yaml:"max_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Policy converts the wire-unit config into a normalized backoff policy.
func (b BackoffConfig) Policy() backoff.Policy {
	if b.Mode == string(backoff.ModeFixed) && b.BaseMS == 0 {
		p := backoff.FixedPolicy()
		if b.MaxAttempts != 0 {
			p.MaxAttempts = b.MaxAttempts
		}
		return p
	}
	p := backoff.Policy{
		Mode:        backoff.Mode(b.Mode),
		Base:        time.Duration(b.BaseMS) * time.Millisecond,
		Max:         time.Duration(b.MaxMS) * time.Millisecond,
		MaxAttempts: b.MaxAttempts,
	}
	return p.Normalize()
}

// Key builds the conversation key for the endpoint.
func (e EndpointConfig) Key() (models.ConversationKey, error) {
	switch models.ChannelType(e.Channel) {
	case models.ChannelWhatsApp:
		key := models.NewWhatsAppKey(e.PhoneNumber, e.CustomerNumber)
		if !key.Valid() {
			return models.ConversationKey{}, fmt.Errorf("whatsapp endpoint requires phone_number and customer_number")
		}
		return key, nil
	case models.ChannelWebsite:
		key := models.NewWebsiteKey(e.WidgetKey, e.VisitorID)
		if !key.Valid() {
			return models.ConversationKey{}, fmt.Errorf("website endpoint requires widget_key and visitor_id")
		}
		return key, nil
	default:
		return models.ConversationKey{}, fmt.Errorf("unknown endpoint channel %q", e.Channel)
	}
}

// Load reads, expands, parses, and validates a config file.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Reconcile.Enabled && c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "*/5 * * * *"
	}
	if c.Storage.Scope == "" {
		c.Storage.Scope = "default"
	}
}

func (c *Config) validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Reconcile.Enabled {
		if c.API.BaseURL == "" {
			return fmt.Errorf("api.base_url is required when reconcile is enabled")
		}
		if c.API.UserEmail == "" {
			return fmt.Errorf("api.user_email is required when reconcile is enabled")
		}
	}

	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d]: url is required", i)
		}
		if _, err := ep.Key(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}
