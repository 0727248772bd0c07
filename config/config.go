// Package config loads service settings from defaults, an optional YAML
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Email providers.
const (
	ProviderAuto     = ""
	ProviderBrevo    = "brevo"
	ProviderSendGrid = "sendgrid"
	ProviderGmail    = "gmail"
	ProviderMock     = "mock"
)

// legacyEnv maps keys to the unprefixed variables the service always read.
var legacyEnv = map[string]string{
	"port":                    "PORT",
	"storage_bucket":          "STORAGE_BUCKET",
	"local_storage":           "LOCAL_STORAGE",
	"base_url":                "BASE_URL",
	"brevo_api_key":           "BREVO_API_KEY",
	"sendgrid_api_key":        "SENDGRID_API_KEY",
	"google_credentials_json": "GOOGLE_CREDENTIALS_JSON",
}

// Config holds all settings of the service.
type Config struct {
	Port                  string
	BaseURL               string
	DatabasePath          string
	StorageBucket         string
	LocalStorage          string
	EmailProvider         string
	FromAddress           string
	FromName              string
	BrevoAPIKey           string
	SendGridAPIKey        string
	GoogleCredentialsJSON string
	DefaultLocale         string
	DefaultInterval       string
	EnabledIntervals      []string
	GenericTypes          []string
	Schedule              string
	Timezone              string
	RunTimeout            time.Duration
	RateLimit             float64 // requests per second per client IP
	RateBurst             int
	ForumRate             float64
	ForumCacheTTL         time.Duration
	LogLevel              string
}

// Local reports whether reports are kept on the local filesystem.
func (c *Config) Local() bool {
	return c.StorageBucket == ""
}

// Load reads the configuration. configFile may be empty; a missing .env file
// is ignored.
func Load(configFile, dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				return nil, fmt.Errorf("load %s: %w", dotEnvPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", dotEnvPath, err)
		}
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault("port", "8080")
	v.SetDefault("base_url", "")
	v.SetDefault("database_path", "./data/notifier.db")
	v.SetDefault("storage_bucket", "")
	v.SetDefault("local_storage", "")
	v.SetDefault("email_provider", ProviderAuto)
	v.SetDefault("from_address", "noreply@localhost")
	v.SetDefault("from_name", "LMS Notifications")
	v.SetDefault("brevo_api_key", "")
	v.SetDefault("sendgrid_api_key", "")
	v.SetDefault("google_credentials_json", "")
	v.SetDefault("default_locale", "en")
	v.SetDefault("default_interval", "daily")
	v.SetDefault("enabled_intervals", []string{"never", "monthly", "weekly", "daily", "half-daily", "four-hourly", "two-hourly"})
	v.SetDefault("generic_types", []string{"Course", "Folder", "Wiki", "Calendar"})
	v.SetDefault("schedule", "@every 15m")
	v.SetDefault("timezone", "")
	v.SetDefault("run_timeout", 10*time.Minute)
	v.SetDefault("rate_limit", 5.0)
	v.SetDefault("rate_burst", 10)
	v.SetDefault("forum_rate", 2.0)
	v.SetDefault("forum_cache_ttl", 5*time.Minute)
	v.SetDefault("log_level", "info")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix("NOTIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if val, ok := os.LookupEnv(env); ok && os.Getenv("NOTIFIER_"+strings.ToUpper(key)) == "" {
			v.Set(key, val)
		}
	}

	c := &Config{
		Port:                  v.GetString("port"),
		BaseURL:               strings.TrimSuffix(v.GetString("base_url"), "/"),
		DatabasePath:          v.GetString("database_path"),
		StorageBucket:         v.GetString("storage_bucket"),
		LocalStorage:          v.GetString("local_storage"),
		EmailProvider:         strings.ToLower(v.GetString("email_provider")),
		FromAddress:           v.GetString("from_address"),
		FromName:              v.GetString("from_name"),
		BrevoAPIKey:           v.GetString("brevo_api_key"),
		SendGridAPIKey:        v.GetString("sendgrid_api_key"),
		GoogleCredentialsJSON: v.GetString("google_credentials_json"),
		DefaultLocale:         v.GetString("default_locale"),
		DefaultInterval:       v.GetString("default_interval"),
		EnabledIntervals:      list(v.GetStringSlice("enabled_intervals")),
		GenericTypes:          list(v.GetStringSlice("generic_types")),
		Schedule:              v.GetString("schedule"),
		Timezone:              v.GetString("timezone"),
		RunTimeout:            v.GetDuration("run_timeout"),
		RateLimit:             v.GetFloat64("rate_limit"),
		RateBurst:             v.GetInt("rate_burst"),
		ForumRate:             v.GetFloat64("forum_rate"),
		ForumCacheTTL:         v.GetDuration("forum_cache_ttl"),
		LogLevel:              v.GetString("log_level"),
	}

	// Without a bucket, reports go to a local directory.
	if c.StorageBucket == "" && c.LocalStorage == "" {
		c.LocalStorage = "./data/reports"
	}
	if c.BaseURL == "" {
		if c.StorageBucket != "" {
			return nil, errors.New("base_url is required when storage_bucket is set")
		}
		c.BaseURL = "http://localhost:" + c.Port
	}
	if c.EmailProvider == ProviderAuto {
		c.EmailProvider = autoProvider(c)
	}
	switch c.EmailProvider {
	case ProviderBrevo, ProviderSendGrid, ProviderGmail, ProviderMock:
	default:
		return nil, fmt.Errorf("unknown email provider %q", c.EmailProvider)
	}
	if c.RateBurst < 1 {
		c.RateBurst = 1
	}
	return c, nil
}

func autoProvider(c *Config) string {
	switch {
	case c.BrevoAPIKey != "":
		return ProviderBrevo
	case c.SendGridAPIKey != "":
		return ProviderSendGrid
	case c.GoogleCredentialsJSON != "":
		return ProviderGmail
	default:
		return ProviderMock
	}
}

// list splits comma separated entries coming from the environment.
func list(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
