// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with OPSMENDER_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or OPSMENDER_DATA_DATABASE_SOURCE: MySQL connection string
//
// Parameters:
//   - configPath: Path to the configuration file or directory
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with OPSMENDER_ prefix
	v.SetEnvPrefix("OPSMENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without OPSMENDER_ prefix) for compatibility
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "OPSMENDER_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "OPSMENDER_DATA_REDIS_ADDR")
	_ = v.BindEnv("notify.telegram.token", "TELEGRAM_BOT_TOKEN", "OPSMENDER_NOTIFY_TELEGRAM_TOKEN")
	_ = v.BindEnv("notify.telegram.chat_id", "ADMIN_CHAT_ID", "OPSMENDER_NOTIFY_TELEGRAM_CHAT_ID")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				Db:           v.GetInt32("data.redis.db"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Resilience: &Resilience{
			Endpoints: loadEndpoints(v),
			Breaker: &Resilience_Breaker{
				FailureThreshold: v.GetInt32("resilience.breaker.failure_threshold"),
				SuccessThreshold: v.GetInt32("resilience.breaker.success_threshold"),
				ResetTimeout:     durationpb.New(v.GetDuration("resilience.breaker.reset_timeout")),
			},
			Retry: &Resilience_Retry{
				MaxRetries:    v.GetInt32("resilience.retry.max_retries"),
				BackoffBase:   durationpb.New(v.GetDuration("resilience.retry.backoff_base")),
				BackoffFactor: v.GetInt32("resilience.retry.backoff_factor"),
			},
			Cache: &Resilience_Cache{
				DiagnosisTTL: durationpb.New(v.GetDuration("resilience.cache.diagnosis_ttl")),
				PlanTTL:      durationpb.New(v.GetDuration("resilience.cache.plan_ttl")),
				InterpretTTL: durationpb.New(v.GetDuration("resilience.cache.interpret_ttl")),
				LocalSize:    v.GetInt32("resilience.cache.local_size"),
			},
			CallTimeout: durationpb.New(v.GetDuration("resilience.call_timeout")),
		},
		Notify: &Notify{
			MaxAttempts:  v.GetInt32("notify.max_attempts"),
			BackoffBase:  durationpb.New(v.GetDuration("notify.backoff_base")),
			PollInterval: durationpb.New(v.GetDuration("notify.poll_interval")),
			Channels:     loadChannels(v),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// endpointYAML is the intermediate decode target for resilience.endpoints.
type endpointYAML struct {
	Name     string       `mapstructure:"name"`
	Kind     string       `mapstructure:"kind"`
	Url      string       `mapstructure:"url"`
	Proxy    string       `mapstructure:"proxy"`
	Priority int32        `mapstructure:"priority"`
	Breaker  *breakerYAML `mapstructure:"breaker"`
}

type breakerYAML struct {
	FailureThreshold int32         `mapstructure:"failure_threshold"`
	SuccessThreshold int32         `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type channelYAML struct {
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"`
	Url      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
	ChatId   string `mapstructure:"chat_id"`
	Proxy    string `mapstructure:"proxy"`
	Fallback string `mapstructure:"fallback"`
}

// loadEndpoints parses the resilience.endpoints list from configuration.
// Each entry may carry its own breaker override; entries without one fall
// back to the shared resilience.breaker defaults in the gateway.
func loadEndpoints(v *viper.Viper) []*Resilience_Endpoint {
	var raw []endpointYAML
	if err := v.UnmarshalKey("resilience.endpoints", &raw); err != nil {
		return nil
	}

	var endpoints []*Resilience_Endpoint
	for _, e := range raw {
		ep := &Resilience_Endpoint{
			Name:     e.Name,
			Kind:     e.Kind,
			Url:      e.Url,
			Proxy:    e.Proxy,
			Priority: e.Priority,
		}
		if e.Breaker != nil {
			ep.Breaker = &Resilience_Breaker{
				FailureThreshold: e.Breaker.FailureThreshold,
				SuccessThreshold: e.Breaker.SuccessThreshold,
				ResetTimeout:     durationpb.New(e.Breaker.ResetTimeout),
			}
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints
}

// loadChannels parses the notify.channels list from configuration.
func loadChannels(v *viper.Viper) []*Notify_Channel {
	var raw []channelYAML
	if err := v.UnmarshalKey("notify.channels", &raw); err != nil {
		return nil
	}

	var channels []*Notify_Channel
	for _, c := range raw {
		ch := &Notify_Channel{
			Name:     c.Name,
			Kind:     c.Kind,
			Url:      c.Url,
			Token:    c.Token,
			ChatId:   c.ChatId,
			Proxy:    c.Proxy,
			Fallback: c.Fallback,
		}
		// The telegram token and chat id may come from the environment
		// instead of the config file.
		if ch.Kind == "telegram" {
			if ch.Token == "" {
				ch.Token = v.GetString("notify.telegram.token")
			}
			if ch.ChatId == "" {
				ch.ChatId = v.GetString("notify.telegram.chat_id")
			}
		}
		channels = append(channels, ch)
	}

	return channels
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 5*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Resilience defaults
	v.SetDefault("resilience.breaker.failure_threshold", 3)
	v.SetDefault("resilience.breaker.success_threshold", 2)
	v.SetDefault("resilience.breaker.reset_timeout", 60*time.Second)
	v.SetDefault("resilience.retry.max_retries", 2)
	v.SetDefault("resilience.retry.backoff_base", 500*time.Millisecond)
	v.SetDefault("resilience.retry.backoff_factor", 2)
	v.SetDefault("resilience.cache.diagnosis_ttl", 10*time.Minute)
	v.SetDefault("resilience.cache.plan_ttl", 30*time.Minute)
	v.SetDefault("resilience.cache.interpret_ttl", 5*time.Minute)
	v.SetDefault("resilience.cache.local_size", 512)
	v.SetDefault("resilience.call_timeout", 30*time.Second)

	// Notify defaults
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.backoff_base", 2*time.Second)
	v.SetDefault("notify.poll_interval", 1*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	// At least one dependency endpoint must be configured for each core
	// operation kind, otherwise the gateway has nothing to call.
	kinds := map[string]bool{}
	if bc.Resilience != nil {
		for _, ep := range bc.Resilience.Endpoints {
			if ep.Name == "" || ep.Url == "" {
				missingFields = append(missingFields, "resilience.endpoints[].name/url")
				continue
			}
			kinds[ep.Kind] = true
		}
	}
	for _, kind := range []string{"diagnosis", "execute"} {
		if !kinds[kind] {
			missingFields = append(missingFields, fmt.Sprintf("resilience.endpoints (kind=%s)", kind))
		}
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	return nil
}
