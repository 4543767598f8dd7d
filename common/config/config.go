// Package config loads service configuration from environment variables,
// with an optional TOML file layered underneath as defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all service configuration.
type Config struct {
	Service     ServiceConfig
	Database    DatabaseConfig
	Concurrency ConcurrencyConfig
	Approval    ApprovalConfig
	AI          AIConfig
	Webhook     WebhookConfig
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// ConcurrencyConfig bounds simultaneous active runs.
type ConcurrencyConfig struct {
	RedisAddr     string
	MaxActiveRuns int
}

// ApprovalConfig governs suspension timeouts for approval nodes.
type ApprovalConfig struct {
	DefaultTimeout time.Duration
}

// AIConfig configures the GenerateText collaborator's production adapter.
type AIConfig struct {
	AnthropicAPIKey string
	Model           string
}

// WebhookConfig constrains outbound webhook dispatch (SSRF guard).
type WebhookConfig struct {
	AllowPrivateNetworks bool
	RequestTimeout       time.Duration
}

// fileOverlay is the optional TOML file shape; any field left unset in the
// file keeps its environment-derived (or built-in) default.
type fileOverlay struct {
	Service     *serviceOverlay     `toml:"service"`
	Database    *databaseOverlay    `toml:"database"`
	Concurrency *concurrencyOverlay `toml:"concurrency"`
	Approval    *approvalOverlay    `toml:"approval"`
	AI          *aiOverlay          `toml:"ai"`
	Webhook     *webhookOverlay     `toml:"webhook"`
}

type serviceOverlay struct {
	Port        *int    `toml:"port"`
	Environment *string `toml:"environment"`
	LogLevel    *string `toml:"log_level"`
	LogFormat   *string `toml:"log_format"`
}

type databaseOverlay struct {
	Host     *string `toml:"host"`
	Port     *int    `toml:"port"`
	Database *string `toml:"database"`
	User     *string `toml:"user"`
	MaxConns *int    `toml:"max_conns"`
	MinConns *int    `toml:"min_conns"`
}

type concurrencyOverlay struct {
	RedisAddr     *string `toml:"redis_addr"`
	MaxActiveRuns *int    `toml:"max_active_runs"`
}

type approvalOverlay struct {
	DefaultTimeoutSeconds *int `toml:"default_timeout_seconds"`
}

type aiOverlay struct {
	Model *string `toml:"model"`
}

type webhookOverlay struct {
	AllowPrivateNetworks *bool `toml:"allow_private_networks"`
}

// Load builds configuration from environment variables. If tomlPath is
// non-empty and the file exists, its values are applied first as the base
// and environment variables still win over them; TOML only fills in
// defaults a deployment wants to check into version control.
func Load(serviceName string, tomlPath string) (*Config, error) {
	var overlay fileOverlay
	if tomlPath != "" {
		if _, err := os.Stat(tomlPath); err == nil {
			if _, err := toml.DecodeFile(tomlPath, &overlay); err != nil {
				return nil, fmt.Errorf("config: decode toml file %s: %w", tomlPath, err)
			}
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", overlayInt(overlayServicePort(overlay), 8080)),
			Environment: getEnv("ENVIRONMENT", overlayStr(overlayServiceEnv(overlay), "development")),
			LogLevel:    getEnv("LOG_LEVEL", overlayStr(overlayServiceLogLevel(overlay), "info")),
			LogFormat:   getEnv("LOG_FORMAT", overlayStr(overlayServiceLogFormat(overlay), "text")),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", overlayStr(overlayDBHost(overlay), "localhost")),
			Port:        getEnvInt("POSTGRES_PORT", overlayInt(overlayDBPort(overlay), 5432)),
			Database:    getEnv("POSTGRES_DB", overlayStr(overlayDBName(overlay), "workflows")),
			User:        getEnv("POSTGRES_USER", overlayStr(overlayDBUser(overlay), "workflows")),
			Password:    getEnv("POSTGRES_PASSWORD", "workflows"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", overlayInt(overlayDBMaxConns(overlay), 20)),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", overlayInt(overlayDBMinConns(overlay), 2)),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Concurrency: ConcurrencyConfig{
			RedisAddr:     getEnv("REDIS_ADDR", overlayStr(overlayRedisAddr(overlay), "localhost:6379")),
			MaxActiveRuns: getEnvInt("MAX_ACTIVE_RUNS", overlayInt(overlayMaxActiveRuns(overlay), 100)),
		},
		Approval: ApprovalConfig{
			DefaultTimeout: getEnvDuration("APPROVAL_DEFAULT_TIMEOUT", overlayApprovalTimeout(overlay, 24*time.Hour)),
		},
		AI: AIConfig{
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			Model:           getEnv("ANTHROPIC_MODEL", overlayStr(overlayAIModel(overlay), "claude-sonnet-4-5")),
		},
		Webhook: WebhookConfig{
			AllowPrivateNetworks: getEnvBool("WEBHOOK_ALLOW_PRIVATE_NETWORKS", overlayBool(overlayWebhookAllowPrivate(overlay), false)),
			RequestTimeout:       getEnvDuration("WEBHOOK_REQUEST_TIMEOUT", 10*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("config: database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("config: max_conns must be >= min_conns")
	}
	if c.Concurrency.MaxActiveRuns <= 0 {
		return fmt.Errorf("config: max_active_runs must be > 0")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string pgxpool expects.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database,
	)
}

func overlayServicePort(o fileOverlay) *int {
	if o.Service == nil {
		return nil
	}
	return o.Service.Port
}
func overlayServiceEnv(o fileOverlay) *string {
	if o.Service == nil {
		return nil
	}
	return o.Service.Environment
}
func overlayServiceLogLevel(o fileOverlay) *string {
	if o.Service == nil {
		return nil
	}
	return o.Service.LogLevel
}
func overlayServiceLogFormat(o fileOverlay) *string {
	if o.Service == nil {
		return nil
	}
	return o.Service.LogFormat
}
func overlayDBHost(o fileOverlay) *string {
	if o.Database == nil {
		return nil
	}
	return o.Database.Host
}
func overlayDBPort(o fileOverlay) *int {
	if o.Database == nil {
		return nil
	}
	return o.Database.Port
}
func overlayDBName(o fileOverlay) *string {
	if o.Database == nil {
		return nil
	}
	return o.Database.Database
}
func overlayDBUser(o fileOverlay) *string {
	if o.Database == nil {
		return nil
	}
	return o.Database.User
}
func overlayDBMaxConns(o fileOverlay) *int {
	if o.Database == nil {
		return nil
	}
	return o.Database.MaxConns
}
func overlayDBMinConns(o fileOverlay) *int {
	if o.Database == nil {
		return nil
	}
	return o.Database.MinConns
}
func overlayRedisAddr(o fileOverlay) *string {
	if o.Concurrency == nil {
		return nil
	}
	return o.Concurrency.RedisAddr
}
func overlayMaxActiveRuns(o fileOverlay) *int {
	if o.Concurrency == nil {
		return nil
	}
	return o.Concurrency.MaxActiveRuns
}
func overlayApprovalTimeout(o fileOverlay, fallback time.Duration) time.Duration {
	if o.Approval == nil || o.Approval.DefaultTimeoutSeconds == nil {
		return fallback
	}
	return time.Duration(*o.Approval.DefaultTimeoutSeconds) * time.Second
}
func overlayAIModel(o fileOverlay) *string {
	if o.AI == nil {
		return nil
	}
	return o.AI.Model
}
func overlayWebhookAllowPrivate(o fileOverlay) *bool {
	if o.Webhook == nil {
		return nil
	}
	return o.Webhook.AllowPrivateNetworks
}

func overlayStr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}
func overlayInt(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
func overlayBool(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

