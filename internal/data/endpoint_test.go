package data

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OpsMender/internal/conf"
	"OpsMender/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestNewEndpointSpecs(t *testing.T) {
	c := &conf.Resilience{
		Breaker: &conf.Resilience_Breaker{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			ResetTimeout:     durationpb.New(60 * time.Second),
		},
		Endpoints: []*conf.Resilience_Endpoint{
			{Name: "diagnosis-primary", Kind: "diagnosis", Url: "http://localhost:9101/diagnose", Priority: 1},
			{
				Name: "executor-primary", Kind: "execute", Url: "http://localhost:9104/execute",
				Breaker: &conf.Resilience_Breaker{
					FailureThreshold: 5,
					SuccessThreshold: 3,
					ResetTimeout:     durationpb.New(120 * time.Second),
				},
			},
		},
	}

	specs, err := NewEndpointSpecs(c, log.DefaultLogger)

	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, model.OpDiagnosis, specs[0].Kind)
	assert.Equal(t, "diagnosis-primary", specs[0].Name)
	assert.Equal(t, 1, specs[0].Priority)
	// Shared breaker defaults apply when the endpoint has no override.
	assert.Equal(t, 3, specs[0].Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, specs[0].Breaker.ResetTimeout)

	assert.Equal(t, model.OpExecute, specs[1].Kind)
	assert.Equal(t, 5, specs[1].Breaker.FailureThreshold)
	assert.Equal(t, 120*time.Second, specs[1].Breaker.ResetTimeout)
}

func TestNewEndpointSpecs_NilConfig(t *testing.T) {
	specs, err := NewEndpointSpecs(nil, log.DefaultLogger)

	require.NoError(t, err)
	assert.Empty(t, specs)
}

func invokerForServer(t *testing.T, srv *httptest.Server) model.InvokeFunc {
	t.Helper()
	specs, err := NewEndpointSpecs(&conf.Resilience{
		Endpoints: []*conf.Resilience_Endpoint{
			{Name: "test-backend", Kind: "diagnosis", Url: srv.URL},
		},
	}, log.DefaultLogger)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	return specs[0].Invoke
}

func TestHTTPInvoker_Success(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, endpointUserAgent, r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"disk full"}`))
	}))
	defer srv.Close()

	invoke := invokerForServer(t, srv)

	out, err := invoke(context.Background(), map[string]interface{}{"target": "node-7"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"disk full"}`, string(out))
	assert.Equal(t, "node-7", gotBody["target"])
}

func TestHTTPInvoker_BackendRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"unknown target","code":"UNKNOWN_TARGET"}}`))
	}))
	defer srv.Close()

	invoke := invokerForServer(t, srv)

	_, err := invoke(context.Background(), map[string]interface{}{"target": "nope"})

	require.Error(t, err)
	assert.Equal(t, 422, kerrors.Code(err))
	assert.Equal(t, "UNKNOWN_TARGET", kerrors.Reason(err))
	assert.Contains(t, err.Error(), "unknown target")
}

func TestHTTPInvoker_RejectionWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad payload`))
	}))
	defer srv.Close()

	invoke := invokerForServer(t, srv)

	_, err := invoke(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, "BACKEND_REJECTED", kerrors.Reason(err))
}

func TestHTTPInvoker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	invoke := invokerForServer(t, srv)

	_, err := invoke(context.Background(), nil)

	// 5xx is not a kratos error: the gateway classifies it as unavailability.
	require.Error(t, err)
	assert.Equal(t, kerrors.UnknownCode, kerrors.Code(err))
	assert.Contains(t, err.Error(), "unexpected status 502")
}

func TestHTTPInvoker_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	invoke := invokerForServer(t, srv)

	_, err := invoke(context.Background(), nil)

	assert.Error(t, err)
}
