package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLABNOTES"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultAllowedOrigins    = "*"
	defaultDatabasePath      = "collabnotes.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultTokenIssuer       = "collabnotes-auth"
	defaultTokenAudience     = "collabnotes-api"
	defaultTokenTTL          = 24 * time.Hour
	defaultSendBuffer        = 64
	defaultPingInterval      = 25 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMaxMessageBytes   = 64 * 1024
	defaultRedisChannel      = "collabnotes:rooms"
	defaultRequireMembership = false
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogEncoding    string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	Realtime       RealtimeConfig
	RedisURL       string
	RedisChannel   string
}

// RealtimeConfig tunes the websocket collaboration layer.
type RealtimeConfig struct {
	SendBuffer        int
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	RequireMembership bool
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("realtime.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("realtime.require_membership", defaultRequireMembership)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenAudience:  configViper.GetString("auth.audience"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		Realtime: RealtimeConfig{
			SendBuffer:        configViper.GetInt("realtime.send_buffer"),
			PingInterval:      configViper.GetDuration("realtime.ping_interval"),
			IdleTimeout:       configViper.GetDuration("realtime.idle_timeout"),
			WriteTimeout:      configViper.GetDuration("realtime.write_timeout"),
			MaxMessageBytes:   configViper.GetInt64("realtime.max_message_bytes"),
			RequireMembership: configViper.GetBool("realtime.require_membership"),
		},
		RedisURL:     strings.TrimSpace(configViper.GetString("redis.url")),
		RedisChannel: configViper.GetString("redis.channel"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.IdleTimeout <= c.Realtime.PingInterval {
		return fmt.Errorf("realtime.idle_timeout must exceed a positive realtime.ping_interval")
	}
	if c.Realtime.WriteTimeout <= 0 {
		return fmt.Errorf("realtime.write_timeout must be positive")
	}
	if c.Realtime.MaxMessageBytes <= 0 {
		return fmt.Errorf("realtime.max_message_bytes must be positive")
	}
	if c.RedisURL != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.url is set")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
