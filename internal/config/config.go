package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "LTIBRIDGE"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "ltibridge.db"
	defaultLogLevel            = "info"
	defaultSessionTTLMinutes   = 30
	defaultPlaceholderDomain   = "lti.invalid"
	defaultMemberSyncMinutes   = 30
	defaultGradeSyncMinutes    = 30
	defaultOutboundTimeoutSecs = 10
	defaultJWKSCacheTTLMinutes = 10
)

// AppConfig captures runtime configuration for the tool API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SessionSecret      string
	SessionTTL         time.Duration
	PlaceholderDomain  string
	MemberSyncInterval time.Duration
	GradeSyncInterval  time.Duration
	OutboundTimeout    time.Duration
	JWKSCacheTTL       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.outbound_timeout_seconds", defaultOutboundTimeoutSecs)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("accounts.placeholder_domain", defaultPlaceholderDomain)
	configViper.SetDefault("sync.member_interval_minutes", defaultMemberSyncMinutes)
	configViper.SetDefault("sync.grade_interval_minutes", defaultGradeSyncMinutes)
	configViper.SetDefault("jwks.cache_ttl_minutes", defaultJWKSCacheTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SessionSecret:      configViper.GetString("session.signing_secret"),
		SessionTTL:         time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		PlaceholderDomain:  configViper.GetString("accounts.placeholder_domain"),
		MemberSyncInterval: time.Duration(configViper.GetInt("sync.member_interval_minutes")) * time.Minute,
		GradeSyncInterval:  time.Duration(configViper.GetInt("sync.grade_interval_minutes")) * time.Minute,
		OutboundTimeout:    time.Duration(configViper.GetInt("http.outbound_timeout_seconds")) * time.Second,
		JWKSCacheTTL:       time.Duration(configViper.GetInt("jwks.cache_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.PlaceholderDomain) == "" {
		return fmt.Errorf("accounts.placeholder_domain is required")
	}
	if c.MemberSyncInterval <= 0 || c.GradeSyncInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	return nil
}
