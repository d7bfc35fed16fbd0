// Package config defines the TOML configuration for the tern backend and
// its defaults. Durations are strings in the config file ("30s", "2h", "14d")
// and parsed on demand through the Get* accessors.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint.
type DatabaseEndpointConfig struct {
	// List of database hosts. A single host is typical for the write
	// endpoint; multiple hosts are common for read replica load balancing.
	Hosts           []string `toml:"hosts"`
	Port            string   `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
	QueryTimeout    string   `toml:"query_timeout"` // Per-endpoint override
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the query timeout duration for an endpoint. Returns
// zero when unset; the caller falls back to the database-wide default.
func (e *DatabaseEndpointConfig) GetQueryTimeout() (time.Duration, error) {
	if e.QueryTimeout == "" {
		return 0, nil
	}
	return helpers.ParseDuration(e.QueryTimeout)
}

// DatabaseConfig holds database configuration with separate read/write endpoints.
type DatabaseConfig struct {
	Debug            bool                    `toml:"debug"`             // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`     // Default timeout for queries
	WriteTimeout     string                  `toml:"write_timeout"`     // Timeout for write operations
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for startup migrations
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"` // Falls back to Write when absent
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration.
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// GetMigrationTimeout parses the migration timeout duration.
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds object storage configuration. Raw message bodies live in S3
// keyed by content hash; the database keeps only metadata.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// APIConfig holds the HTTP API server configuration.
type APIConfig struct {
	Addr              string `toml:"addr"`
	JWTSecret         string `toml:"jwt_secret"`
	TokenDuration     string `toml:"token_duration"`     // JWT validity window
	AllowRegistration bool   `toml:"allow_registration"` // Enable POST /auth/register
	MaxBodySize       int64  `toml:"max_body_size"`      // Request body limit in bytes
	ReadTimeout       string `toml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	IdleTimeout       string `toml:"idle_timeout"`
}

// GetTokenDuration parses the JWT token validity duration.
func (a *APIConfig) GetTokenDuration() (time.Duration, error) {
	if a.TokenDuration == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(a.TokenDuration)
}

// GetReadTimeout parses the HTTP server read timeout.
func (a *APIConfig) GetReadTimeout() (time.Duration, error) {
	if a.ReadTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.ReadTimeout)
}

// GetWriteTimeout parses the HTTP server write timeout.
func (a *APIConfig) GetWriteTimeout() (time.Duration, error) {
	if a.WriteTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.WriteTimeout)
}

// GetIdleTimeout parses the HTTP server idle timeout.
func (a *APIConfig) GetIdleTimeout() (time.Duration, error) {
	if a.IdleTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(a.IdleTimeout)
}

// RulesConfig bounds the rule store per account.
type RulesConfig struct {
	MaxPerAccount    int `toml:"max_per_account"`
	MaxConditions    int `toml:"max_conditions"`     // Per rule
	MaxActions       int `toml:"max_actions"`        // Per rule
	MaxBatchMessages int `toml:"max_batch_messages"` // Per apply request
}

// AnalyzerConfig tunes the content analyzer heuristics. The keyword and
// sender lists extend the built-in defaults rather than replace them.
type AnalyzerConfig struct {
	UrgentKeywords   []string `toml:"urgent_keywords"`
	ImportantSenders []string `toml:"important_senders"`
	MaxKeywords      int      `toml:"max_keywords"`
}

// CleanupConfig controls retention of rule execution logs and how long
// soft-deleted messages linger before they are removed for good.
type CleanupConfig struct {
	ExecutionLogRetention string `toml:"execution_log_retention"`
	MessageGracePeriod    string `toml:"message_grace_period"`
	WakeInterval          string `toml:"wake_interval"`
}

// GetExecutionLogRetention parses the execution log retention window.
func (c *CleanupConfig) GetExecutionLogRetention() (time.Duration, error) {
	if c.ExecutionLogRetention == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.ExecutionLogRetention)
}

// GetMessageGracePeriod parses the soft-delete grace period.
func (c *CleanupConfig) GetMessageGracePeriod() (time.Duration, error) {
	if c.MessageGracePeriod == "" {
		return 14 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.MessageGracePeriod)
}

// GetWakeInterval parses the cleanup wake interval.
func (c *CleanupConfig) GetWakeInterval() (time.Duration, error) {
	if c.WakeInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.WakeInterval)
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	API      APIConfig      `toml:"api"`
	Rules    RulesConfig    `toml:"rules"`
	Analyzer AnalyzerConfig `toml:"analyzer"`
	Cleanup  CleanupConfig  `toml:"cleanup"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout: "30s",
			WriteTimeout: "15s",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Password:        "",
				Name:            "tern_db",
				TLSMode:         false,
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		API: APIConfig{
			Addr:              ":8080",
			TokenDuration:     "24h",
			AllowRegistration: true,
			MaxBodySize:       1 << 20,
		},
		Rules: RulesConfig{
			MaxPerAccount:    200,
			MaxConditions:    consts.MaxConditionsPerRule,
			MaxActions:       consts.MaxActionsPerRule,
			MaxBatchMessages: consts.MaxBatchMessageIDs,
		},
		Analyzer: AnalyzerConfig{
			MaxKeywords: 8,
		},
		Cleanup: CleanupConfig{
			ExecutionLogRetention: "30d",
			WakeInterval:          "1h",
		},
	}
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("database.write endpoint is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must not be empty")
	}
	if c.Database.Read != nil && len(c.Database.Read.Hosts) == 0 {
		return fmt.Errorf("database.read.hosts must not be empty when [database.read] is present")
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if c.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is required")
	}
	if len(c.API.JWTSecret) < 32 {
		return fmt.Errorf("api.jwt_secret must be at least 32 characters")
	}
	if c.S3.Encrypt && c.S3.EncryptionKey == "" {
		return fmt.Errorf("s3.encryption_key is required when s3.encrypt is enabled")
	}
	if c.Rules.MaxConditions < 1 || c.Rules.MaxConditions > consts.MaxConditionsPerRule {
		return fmt.Errorf("rules.max_conditions must be between 1 and %d", consts.MaxConditionsPerRule)
	}
	if c.Rules.MaxActions < 1 || c.Rules.MaxActions > consts.MaxActionsPerRule {
		return fmt.Errorf("rules.max_actions must be between 1 and %d", consts.MaxActionsPerRule)
	}

	// Every duration accessor must parse so failures surface at startup
	// instead of at first use.
	durationChecks := []struct {
		name string
		fn   func() (time.Duration, error)
	}{
		{"database.query_timeout", c.Database.GetQueryTimeout},
		{"database.write_timeout", c.Database.GetWriteTimeout},
		{"database.migration_timeout", c.Database.GetMigrationTimeout},
		{"api.token_duration", c.API.GetTokenDuration},
		{"api.read_timeout", c.API.GetReadTimeout},
		{"api.write_timeout", c.API.GetWriteTimeout},
		{"api.idle_timeout", c.API.GetIdleTimeout},
		{"cleanup.execution_log_retention", c.Cleanup.GetExecutionLogRetention},
		{"cleanup.message_grace_period", c.Cleanup.GetMessageGracePeriod},
		{"cleanup.wake_interval", c.Cleanup.GetWakeInterval},
	}
	for _, check := range durationChecks {
		if _, err := check.fn(); err != nil {
			return fmt.Errorf("invalid %s: %w", check.name, err)
		}
	}

	return nil
}

// LoadConfigFromFile loads TOML configuration from configPath into cfg,
// warning about unknown keys so typos do not silently become defaults.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", configPath, err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(cfg)
	return nil
}

// trimStringFields trims surrounding whitespace from the string settings
// most likely to be pasted with stray spaces.
func trimStringFields(cfg *Config) {
	trim := func(s *string) { *s = strings.TrimSpace(*s) }

	trim(&cfg.Logging.Output)
	trim(&cfg.Logging.Format)
	trim(&cfg.Logging.Level)
	trim(&cfg.API.Addr)
	trim(&cfg.API.JWTSecret)
	trim(&cfg.S3.Endpoint)
	trim(&cfg.S3.AccessKey)
	trim(&cfg.S3.SecretKey)
	trim(&cfg.S3.Bucket)
	trim(&cfg.S3.EncryptionKey)

	for _, endpoint := range []*DatabaseEndpointConfig{cfg.Database.Write, cfg.Database.Read} {
		if endpoint == nil {
			continue
		}
		trim(&endpoint.Port)
		trim(&endpoint.User)
		trim(&endpoint.Password)
		trim(&endpoint.Name)
		for i := range endpoint.Hosts {
			endpoint.Hosts[i] = strings.TrimSpace(endpoint.Hosts[i])
		}
	}
}
