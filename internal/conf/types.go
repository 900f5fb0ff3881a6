// Package conf provides configuration management using Viper.
package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration for the OpsMender service.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Resilience *Resilience
	Notify     *Notify
	Log        *Log
}

// Server holds transport server configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds HTTP server configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds data layer configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds database connection configuration.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds Redis connection configuration.
type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	Db           int32
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Resilience holds dependency gateway configuration: the fallback chains,
// circuit breaker thresholds, retry policy and response cache TTLs.
type Resilience struct {
	// Endpoints is the prioritized list of dependency endpoints, grouped
	// by operation kind at registration time.
	Endpoints []*Resilience_Endpoint
	// Breaker is the default breaker configuration applied to endpoints
	// that do not carry their own override.
	Breaker *Resilience_Breaker
	Retry   *Resilience_Retry
	Cache   *Resilience_Cache
	// CallTimeout bounds a single endpoint invocation.
	CallTimeout *durationpb.Duration
}

// Resilience_Endpoint describes one callable backend.
type Resilience_Endpoint struct {
	Name     string
	Kind     string // operation kind this endpoint serves: diagnosis|plan|interpret|execute
	Url      string
	Proxy    string // optional egress proxy URL (socks5:// or http://)
	Priority int32  // lower value is tried first
	Breaker  *Resilience_Breaker
}

// Resilience_Breaker holds circuit breaker thresholds for one endpoint.
type Resilience_Breaker struct {
	FailureThreshold int32
	SuccessThreshold int32
	ResetTimeout     *durationpb.Duration
}

// Resilience_Retry holds the per-endpoint retry policy, local to a single
// gateway call and independent of the breaker's OPEN-state backoff.
type Resilience_Retry struct {
	MaxRetries    int32
	BackoffBase   *durationpb.Duration
	BackoffFactor int32
}

// Resilience_Cache holds response cache TTLs per operation kind.
type Resilience_Cache struct {
	DiagnosisTTL *durationpb.Duration
	PlanTTL      *durationpb.Duration
	InterpretTTL *durationpb.Duration
	// LocalSize bounds the in-process LRU tier.
	LocalSize int32
}

// Notify holds notification dispatcher configuration.
type Notify struct {
	MaxAttempts  int32
	BackoffBase  *durationpb.Duration
	PollInterval *durationpb.Duration
	Channels     []*Notify_Channel
}

// Notify_Channel describes one outbound notification channel.
type Notify_Channel struct {
	Name     string
	Kind     string // telegram|slack|email|webhook
	Url      string
	Token    string
	ChatId   string
	Proxy    string
	Fallback string // channel to fall back to when this one is exhausted
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
