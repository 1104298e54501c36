// Package config loads runtime settings from defaults, an optional YAML
// overlay file, and the environment (highest precedence).
package config

import (
    "fmt"
    "os"
    "strconv"
    "strings"

    "gopkg.in/yaml.v3"
)

type Config struct {
    AppEnv string `yaml:"app_env"`
    Host   string `yaml:"host"`
    Port   int    `yaml:"port"`

    JWTSecret     string `yaml:"jwt_secret"`
    EncryptionKey string `yaml:"encryption_key"`
    HMACSecret    string `yaml:"hmac_secret"`

    LocationGridSizeMeters int `yaml:"location_grid_size_meters"`
    CodeTTLMinutes         int `yaml:"code_ttl_minutes"`
    CodeMaxAttempts        int `yaml:"code_max_attempts"`
    OTPTTLSeconds          int `yaml:"otp_ttl_seconds"`
    OTPLength              int `yaml:"otp_length"`

    RetentionDaysLocation int `yaml:"retention_days_location"`
    RetentionDaysDelivery int `yaml:"retention_days_delivery"`
    RetentionDaysAudit    int `yaml:"retention_days_audit"`

    RateLimitWindowMS    int    `yaml:"rate_limit_window_ms"`
    RateLimitMaxRequests int    `yaml:"rate_limit_max_requests"`
    CORSOrigin           string `yaml:"cors_origin"`
    LogLevel             string `yaml:"log_level"`

    DatabaseURL string `yaml:"database_url"`
    RedisURL    string `yaml:"redis_url"`
}

// Defaults are development values. The placeholder secrets fail Validate
// when APP_ENV=production.
func defaults() *Config {
    return &Config{
        AppEnv:                 "development",
        Host:                   "0.0.0.0",
        Port:                   3001,
        JWTSecret:              "CHANGE_ME_dev_jwt_secret_0123456789abcdef",
        EncryptionKey:          "CHANGE_ME_dev_encryption_key_0123456789ab",
        HMACSecret:             "CHANGE_ME_dev_hmac_secret_0123456789abcde",
        LocationGridSizeMeters: 500,
        CodeTTLMinutes:         30,
        CodeMaxAttempts:        5,
        OTPTTLSeconds:          300,
        OTPLength:              6,
        RetentionDaysLocation:  30,
        RetentionDaysDelivery:  365,
        RetentionDaysAudit:     2555,
        RateLimitWindowMS:      60000,
        RateLimitMaxRequests:   100,
        CORSOrigin:             "*",
        LogLevel:               "info",
    }
}

// Load builds the config: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
    cfg := defaults()
    if path := os.Getenv("CONFIG_FILE"); path != "" {
        b, err := os.ReadFile(path)
        if err != nil {
            return nil, fmt.Errorf("config file: %w", err)
        }
        if err := yaml.Unmarshal(b, cfg); err != nil {
            return nil, fmt.Errorf("config file: %w", err)
        }
    }
    cfg.applyEnv()
    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) applyEnv() {
    setStr(&c.AppEnv, "APP_ENV")
    setStr(&c.Host, "HOST")
    setInt(&c.Port, "PORT")
    setStr(&c.JWTSecret, "JWT_SECRET")
    setStr(&c.EncryptionKey, "ENCRYPTION_KEY")
    setStr(&c.HMACSecret, "HMAC_SECRET")
    setInt(&c.LocationGridSizeMeters, "LOCATION_GRID_SIZE_METERS")
    setInt(&c.CodeTTLMinutes, "CODE_TTL_MINUTES")
    setInt(&c.CodeMaxAttempts, "CODE_MAX_ATTEMPTS")
    setInt(&c.OTPTTLSeconds, "OTP_TTL_SECONDS")
    setInt(&c.OTPLength, "OTP_LENGTH")
    setInt(&c.RetentionDaysLocation, "RETENTION_DAYS_LOCATION")
    setInt(&c.RetentionDaysDelivery, "RETENTION_DAYS_DELIVERY")
    setInt(&c.RetentionDaysAudit, "RETENTION_DAYS_AUDIT")
    setInt(&c.RateLimitWindowMS, "RATE_LIMIT_WINDOW_MS")
    setInt(&c.RateLimitMaxRequests, "RATE_LIMIT_MAX_REQUESTS")
    setStr(&c.CORSOrigin, "CORS_ORIGIN")
    setStr(&c.LogLevel, "LOG_LEVEL")
    setStr(&c.DatabaseURL, "DATABASE_URL")
    setStr(&c.RedisURL, "REDIS_URL")
}

func setStr(dst *string, key string) {
    if v := os.Getenv(key); v != "" {
        *dst = v
    }
}

func setInt(dst *int, key string) {
    if v := os.Getenv(key); v != "" {
        if n, err := strconv.Atoi(v); err == nil {
            *dst = n
        }
    }
}

// Validate enforces secret length and refuses placeholder secrets in
// production.
func (c *Config) Validate() error {
    secrets := map[string]string{
        "JWT_SECRET":     c.JWTSecret,
        "ENCRYPTION_KEY": c.EncryptionKey,
        "HMAC_SECRET":    c.HMACSecret,
    }
    for name, v := range secrets {
        if len(v) < 32 {
            return fmt.Errorf("%s must be at least 32 characters", name)
        }
        if c.Production() && strings.Contains(v, "CHANGE_ME") {
            return fmt.Errorf("%s contains a placeholder value; refusing to start in production", name)
        }
    }
    if c.Port <= 0 || c.Port > 65535 {
        return fmt.Errorf("invalid port %d", c.Port)
    }
    return nil
}

func (c *Config) Production() bool {
    return strings.EqualFold(c.AppEnv, "production")
}

func (c *Config) Addr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
