// Package config provides configuration loading and validation for the custodian server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/northstar-lms/custodian/internal/retention"
)

// Config holds all configuration values for the custodian server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis, optional. Enables the enforcement lease and readiness check.
	RedisURL string `koanf:"redis_url"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"` // Set during key rotation

	// Retention enforcement
	EnforcementEnabled  bool          `koanf:"enforcement_enabled"`
	EnforcementInterval time.Duration `koanf:"enforcement_interval"`
	EnforcementTimeout  time.Duration `koanf:"enforcement_timeout"`
	HoldReviewLeadTime  time.Duration `koanf:"hold_review_lead_time"`

	// Ledger verification
	VerificationInterval time.Duration `koanf:"verification_interval"`

	// RegulatoryMinimums maps entity type to the shortest retention a policy may set.
	RegulatoryMinimums map[string]retention.Period `koanf:"-"`

	// Segment archive (S3-compatible object storage), optional.
	ArchiveBucketName      string `koanf:"archive_bucket_name"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`
	ArchivePrefix          string `koanf:"archive_prefix"`

	// Tracing (OpenTelemetry), optional.
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSampleRate   float64 `koanf:"tracing_sample_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`

	// EntitySources map purgeable entity types to the tables that own them.
	// Only read from the config file.
	EntitySources []EntitySource `koanf:"entity_sources"`
}

// EntitySource describes the table holding one entity type. Empty column
// names take the defaults id, tenant_id, terminal_event_date and classes.
type EntitySource struct {
	EntityType     string `koanf:"entity_type"`
	Table          string `koanf:"table"`
	IDColumn       string `koanf:"id_column"`
	TenantColumn   string `koanf:"tenant_column"`
	TerminalColumn string `koanf:"terminal_column"`
	// ClassesColumn is a text[] column; set it to "-" if the table has none.
	ClassesColumn string `koanf:"classes_column"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL            = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret              = errors.New("JWT_SECRET is required")
	ErrMissingArchiveBucketName      = errors.New("ARCHIVE_BUCKET_NAME is required")
	ErrMissingArchiveAccessKeyID     = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretAccessKey = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrMissingArchiveEndpoint        = errors.New("ARCHIVE_ENDPOINT is required")
	ErrInvalidPort                   = errors.New("PORT must be a valid integer")
	ErrInvalidDuration               = errors.New("invalid duration")
	ErrInvalidInterval               = errors.New("intervals must be positive")
	ErrInvalidMinimum                = errors.New("invalid regulatory minimum")
	ErrInvalidSampleRate             = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidEntitySource           = errors.New("invalid entity source")
)

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultEnforcementEnabled   = true
	DefaultEnforcementInterval  = 24 * time.Hour
	DefaultEnforcementTimeout   = 6 * time.Hour
	DefaultHoldReviewLeadTime   = 30 * 24 * time.Hour
	DefaultVerificationInterval = 6 * time.Hour
	DefaultTracingExporterType  = "otlp-grpc"
	DefaultTracingSampleRate    = 0.1
)

// DefaultRegulatoryMinimums apply when no minimums are configured.
var DefaultRegulatoryMinimums = map[string]retention.Period{
	retention.EntityStudent:     {Years: 5},
	retention.EntityStaff:       {Years: 3},
	retention.EntityAssessment:  {Years: 3},
	retention.EntityAuditRecord: {Years: 7},
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try CUSTODIAN_PORT first, then PORT
	port, portErr := getEnvIntOrDefaultMulti([]string{"CUSTODIAN_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	enforcementEnabled := getEnvBoolOrDefault("ENFORCEMENT_ENABLED", k, "enforcement_enabled", DefaultEnforcementEnabled)

	durations := []struct {
		env, key string
		def      time.Duration
	}{
		{"ENFORCEMENT_INTERVAL", "enforcement_interval", DefaultEnforcementInterval},
		{"ENFORCEMENT_TIMEOUT", "enforcement_timeout", DefaultEnforcementTimeout},
		{"HOLD_REVIEW_LEAD_TIME", "hold_review_lead_time", DefaultHoldReviewLeadTime},
		{"VERIFICATION_INTERVAL", "verification_interval", DefaultVerificationInterval},
	}
	parsed := make([]time.Duration, len(durations))
	for i, d := range durations {
		v, err := getEnvDurationOrDefault(d.env, k.String(d.key), d.def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		parsed[i] = v
	}

	minimums, minErrs := loadMinimums(k)
	loadErrs = append(loadErrs, minErrs...)

	sampleRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}

	var sources []EntitySource
	if err := k.Unmarshal("entity_sources", &sources); err != nil {
		loadErrs = append(loadErrs, fmt.Errorf("%w: %v", ErrInvalidEntitySource, err))
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"CUSTODIAN_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:      getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		EnforcementEnabled:     enforcementEnabled,
		EnforcementInterval:    parsed[0],
		EnforcementTimeout:     parsed[1],
		HoldReviewLeadTime:     parsed[2],
		VerificationInterval:   parsed[3],
		RegulatoryMinimums:     minimums,
		ArchiveBucketName:      getEnvOrKoanf("ARCHIVE_BUCKET_NAME", k, "archive_bucket_name"),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveRegion:          getEnvOrKoanf("ARCHIVE_REGION", k, "archive_region"),
		ArchivePrefix:          getEnvOrKoanf("ARCHIVE_PREFIX", k, "archive_prefix"),
		TracingEnabled:         getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporterType:    getEnvOrDefaultMulti([]string{"TRACING_EXPORTER_TYPE"}, k.String("tracing_exporter_type"), DefaultTracingExporterType),
		TracingOTLPEndpoint:    getEnvOrDefaultMulti([]string{"TRACING_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}, k.String("tracing_otlp_endpoint"), ""),
		TracingSampleRate:      sampleRate,
		TracingInsecure:        getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
		EntitySources:          sources,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// loadMinimums reads regulatory minimums from the REGULATORY_MINIMUMS env var
// ("Student=5y,Staff=3y") or the regulatory_minimums map in the file.
func loadMinimums(k *koanf.Koanf) (map[string]retention.Period, []error) {
	raw := make(map[string]string)
	if val := os.Getenv("REGULATORY_MINIMUMS"); val != "" {
		for _, pair := range strings.Split(val, ",") {
			entityType, period, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return nil, []error{fmt.Errorf("%w: %q is not type=period", ErrInvalidMinimum, pair)}
			}
			raw[strings.TrimSpace(entityType)] = strings.TrimSpace(period)
		}
	} else if k.Exists("regulatory_minimums") {
		for entityType, v := range k.StringMap("regulatory_minimums") {
			raw[entityType] = v
		}
	}

	if len(raw) == 0 {
		out := make(map[string]retention.Period, len(DefaultRegulatoryMinimums))
		for entityType, p := range DefaultRegulatoryMinimums {
			out[entityType] = p
		}
		return out, nil
	}

	var errs []error
	out := make(map[string]retention.Period, len(raw))
	for entityType, v := range raw {
		p, err := retention.ParsePeriod(v)
		if err != nil || p.Indefinite {
			errs = append(errs, fmt.Errorf("%w for %s: %q", ErrInvalidMinimum, entityType, v))
			continue
		}
		out[entityType] = p
	}
	return out, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration from the env var, then the koanf value.
func getEnvDurationOrDefault(envKey string, koanfVal string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = koanfVal
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal, fmt.Errorf("%s %q: %w", envKey, raw, ErrInvalidDuration)
	}
	return d, nil
}

// getEnvFloatOrDefault parses a float from the env var, then the koanf value.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s %q: %w", envKey, val, ErrInvalidSampleRate)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault reads a boolean flag; the env var takes precedence over the file.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// ArchiveEnabled reports whether segment archive settings are present.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucketName != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != ""
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.EnforcementInterval <= 0 || c.EnforcementTimeout <= 0 || c.VerificationInterval <= 0 || c.HoldReviewLeadTime < 0 {
		errs = append(errs, ErrInvalidInterval)
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	seen := make(map[string]bool, len(c.EntitySources))
	for i, src := range c.EntitySources {
		switch {
		case src.EntityType == "" || src.Table == "":
			errs = append(errs, fmt.Errorf("%w: entity_sources[%d] needs entity_type and table", ErrInvalidEntitySource, i))
		case seen[src.EntityType]:
			errs = append(errs, fmt.Errorf("%w: %s listed twice", ErrInvalidEntitySource, src.EntityType))
		}
		seen[src.EntityType] = true
	}

	// Archive configuration is optional. Only validate fields if any archive value is set.
	if c.ArchiveEnabled() {
		if c.ArchiveBucketName == "" {
			errs = append(errs, ErrMissingArchiveBucketName)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretAccessKey)
		}
		if c.ArchiveEndpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"jwt_previous_secret":       maskSecret(c.JWTPreviousSecret),
		"enforcement_enabled":       fmt.Sprintf("%t", c.EnforcementEnabled),
		"enforcement_interval":      c.EnforcementInterval.String(),
		"enforcement_timeout":       c.EnforcementTimeout.String(),
		"hold_review_lead_time":     c.HoldReviewLeadTime.String(),
		"verification_interval":     c.VerificationInterval.String(),
		"regulatory_minimums":       formatMinimums(c.RegulatoryMinimums),
		"archive_bucket_name":       c.ArchiveBucketName,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"archive_endpoint":          c.ArchiveEndpoint,
		"tracing_enabled":           fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_otlp_endpoint":     c.TracingOTLPEndpoint,
		"entity_sources":            formatSources(c.EntitySources),
	}
}

func formatSources(sources []EntitySource) string {
	parts := make([]string, 0, len(sources))
	for _, src := range sources {
		parts = append(parts, src.EntityType+"="+src.Table)
	}
	return strings.Join(parts, ",")
}

func formatMinimums(m map[string]retention.Period) string {
	parts := make([]string, 0, len(m))
	for entityType, p := range m {
		parts = append(parts, entityType+"="+p.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database or Redis URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
