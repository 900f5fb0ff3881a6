package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalEndpoints = `resilience:
  endpoints:
    - name: diagnosis-primary
      kind: diagnosis
      url: http://localhost:9101/diagnose
    - name: executor-primary
      kind: execute
      url: http://localhost:9104/execute
`

func TestNewBootstrap_Defaults(t *testing.T) {
	// Create a minimal valid config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `server:
  http:
    addr: :8000
data:
  database:
    driver: mysql
  redis:
    addr: 127.0.0.1:6379
` + minimalEndpoints
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set required environment variables
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	// Load configuration
	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	// Verify server defaults
	assert.Equal(t, ":8000", bc.Server.Http.Addr)
	assert.Equal(t, "tcp", bc.Server.Http.Network)
	assert.Equal(t, 5*time.Minute, bc.Server.Http.Timeout.AsDuration())

	// Verify data defaults
	assert.Equal(t, "mysql", bc.Data.Database.Driver)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/testdb", bc.Data.Database.Source)

	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, "tcp", bc.Data.Redis.Network)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.ReadTimeout.AsDuration())
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.WriteTimeout.AsDuration())

	// Verify resilience defaults
	assert.Equal(t, int32(3), bc.Resilience.Breaker.FailureThreshold)
	assert.Equal(t, int32(2), bc.Resilience.Breaker.SuccessThreshold)
	assert.Equal(t, 60*time.Second, bc.Resilience.Breaker.ResetTimeout.AsDuration())
	assert.Equal(t, int32(2), bc.Resilience.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, bc.Resilience.Retry.BackoffBase.AsDuration())
	assert.Equal(t, int32(2), bc.Resilience.Retry.BackoffFactor)
	assert.Equal(t, 10*time.Minute, bc.Resilience.Cache.DiagnosisTTL.AsDuration())
	assert.Equal(t, 30*time.Minute, bc.Resilience.Cache.PlanTTL.AsDuration())
	assert.Equal(t, 5*time.Minute, bc.Resilience.Cache.InterpretTTL.AsDuration())
	assert.Equal(t, int32(512), bc.Resilience.Cache.LocalSize)
	assert.Equal(t, 30*time.Second, bc.Resilience.CallTimeout.AsDuration())

	// Verify notify defaults
	assert.Equal(t, int32(5), bc.Notify.MaxAttempts)
	assert.Equal(t, 2*time.Second, bc.Notify.BackoffBase.AsDuration())
	assert.Equal(t, 1*time.Second, bc.Notify.PollInterval.AsDuration())

	// Verify log defaults
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)
}

func TestNewBootstrap_Endpoints(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `resilience:
  endpoints:
    - name: diagnosis-primary
      kind: diagnosis
      url: http://localhost:9101/diagnose
      priority: 1
    - name: diagnosis-secondary
      kind: diagnosis
      url: http://localhost:9102/diagnose
      priority: 2
    - name: executor-primary
      kind: execute
      url: http://localhost:9104/execute
      breaker:
        failure_threshold: 5
        success_threshold: 3
        reset_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.Len(t, bc.Resilience.Endpoints, 3)

	assert.Equal(t, "diagnosis-primary", bc.Resilience.Endpoints[0].Name)
	assert.Equal(t, "diagnosis", bc.Resilience.Endpoints[0].Kind)
	assert.Equal(t, int32(1), bc.Resilience.Endpoints[0].Priority)
	assert.Nil(t, bc.Resilience.Endpoints[0].Breaker, "endpoints without override inherit shared breaker defaults")

	executor := bc.Resilience.Endpoints[2]
	require.NotNil(t, executor.Breaker)
	assert.Equal(t, int32(5), executor.Breaker.FailureThreshold)
	assert.Equal(t, int32(3), executor.Breaker.SuccessThreshold)
	assert.Equal(t, 120*time.Second, executor.Breaker.ResetTimeout.AsDuration())
}

func TestNewBootstrap_Channels(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := minimalEndpoints + `notify:
  channels:
    - name: ops-telegram
      kind: telegram
      fallback: ops-webhook
    - name: ops-webhook
      kind: webhook
      url: http://hooks.internal/opsmender
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:test-token")
	t.Setenv("ADMIN_CHAT_ID", "-1001234")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.Len(t, bc.Notify.Channels, 2)

	// Telegram credentials fall back to the environment
	tg := bc.Notify.Channels[0]
	assert.Equal(t, "ops-telegram", tg.Name)
	assert.Equal(t, "123456:test-token", tg.Token)
	assert.Equal(t, "-1001234", tg.ChatId)
	assert.Equal(t, "ops-webhook", tg.Fallback)

	hook := bc.Notify.Channels[1]
	assert.Equal(t, "webhook", hook.Kind)
	assert.Equal(t, "http://hooks.internal/opsmender", hook.Url)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		expectedVal func(*Bootstrap) bool
		description string
	}{
		{
			name: "override_http_addr",
			envVars: map[string]string{
				"OPSMENDER_SERVER_HTTP_ADDR": ":9999",
				"MYSQL_DSN":                  "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Server.Http.Addr == ":9999"
			},
			description: "OPSMENDER_SERVER_HTTP_ADDR should override default :8080",
		},
		{
			name: "override_redis_addr",
			envVars: map[string]string{
				"OPSMENDER_DATA_REDIS_ADDR": "redis.example.com:6379",
				"MYSQL_DSN":                 "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Data.Redis.Addr == "redis.example.com:6379"
			},
			description: "OPSMENDER_DATA_REDIS_ADDR should override default",
		},
		{
			name: "override_log_level",
			envVars: map[string]string{
				"OPSMENDER_LOG_LEVEL": "debug",
				"MYSQL_DSN":           "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Log.Level == "debug"
			},
			description: "OPSMENDER_LOG_LEVEL should override default info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			err := os.WriteFile(configPath, []byte(minimalEndpoints), 0644)
			require.NoError(t, err)

			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			bc, err := NewBootstrap(configPath)
			require.NoError(t, err, tt.description)
			require.NotNil(t, bc)

			assert.True(t, tt.expectedVal(bc), tt.description)
		})
	}
}

func TestNewBootstrap_MissingRequired(t *testing.T) {
	tests := []struct {
		name          string
		config        string
		envVars       map[string]string
		expectedError string
	}{
		{
			name:          "missing_mysql_dsn",
			config:        minimalEndpoints,
			envVars:       map[string]string{},
			expectedError: "data.database.source (MYSQL_DSN)",
		},
		{
			name:   "missing_execute_endpoint",
			config: "resilience:\n  endpoints:\n    - name: diagnosis-primary\n      kind: diagnosis\n      url: http://localhost:9101/diagnose\n",
			envVars: map[string]string{
				"MYSQL_DSN": "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedError: "resilience.endpoints (kind=execute)",
		},
		{
			name:   "endpoint_without_url",
			config: "resilience:\n  endpoints:\n    - name: diagnosis-primary\n      kind: diagnosis\n",
			envVars: map[string]string{
				"MYSQL_DSN": "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedError: "resilience.endpoints[].name/url",
		},
		{
			name:          "missing_all_required",
			config:        "server:\n  http:\n    addr: :8000\n",
			envVars:       map[string]string{},
			expectedError: "missing required configuration fields",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			err := os.WriteFile(configPath, []byte(tt.config), 0644)
			require.NoError(t, err)

			// Clear relevant environment variables first to ensure isolation
			os.Unsetenv("MYSQL_DSN")
			os.Unsetenv("OPSMENDER_DATA_DATABASE_SOURCE")

			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			bc, err := NewBootstrap(configPath)
			assert.Error(t, err, "Expected error for missing required fields")
			assert.Nil(t, bc, "Bootstrap should be nil when validation fails")
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestNewBootstrap_ConfigFileNotFound(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap("/non/existent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, bc)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewBootstrap_PriorityOrder(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `server:
  http:
    addr: :7777
` + minimalEndpoints
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Environment variable should override the file value
	t.Setenv("OPSMENDER_SERVER_HTTP_ADDR", ":8888")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, ":8888", bc.Server.Http.Addr, "Environment variable should override config file")
}

func TestValidate_AllFieldsPresent(t *testing.T) {
	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{Addr: ":8000"},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: "mysql",
				Source: "user:pass@tcp(localhost:3306)/testdb",
			},
			Redis: &Data_Redis{Addr: "127.0.0.1:6379"},
		},
		Resilience: &Resilience{
			Endpoints: []*Resilience_Endpoint{
				{Name: "diagnosis-primary", Kind: "diagnosis", Url: "http://localhost:9101/diagnose"},
				{Name: "executor-primary", Kind: "execute", Url: "http://localhost:9104/execute"},
			},
		},
		Log: &Log{
			Level:  "info",
			Format: "json",
		},
	}

	err := Validate(bc)
	assert.NoError(t, err)
}

func TestValidate_NilBootstrap(t *testing.T) {
	err := Validate(&Bootstrap{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing required configuration fields")
}
