package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"OpsMender/internal/conf"
	"OpsMender/internal/model"
	"OpsMender/pkg/breaker"

	"github.com/go-kratos/kratos/v2/log"
)

// OperationKind aliases the model type for readable signatures in this layer.
type OperationKind = model.OperationKind

// EndpointSpec aliases the model type; specs are built by the data layer
// from configuration and consumed here.
type EndpointSpec = model.EndpointSpec

// ResponseCache is the gateway's view of the response cache. Implemented by
// the data layer; a nil cache disables caching without affecting correctness.
type ResponseCache interface {
	// Get deserializes the cached value into dest; returns a non-nil error
	// on miss or expiry.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// gatewayEndpoint pairs a registered spec with its own circuit breaker.
type gatewayEndpoint struct {
	spec *EndpointSpec
	brk  *breaker.Breaker
}

// RetryPolicy bounds the per-endpoint retry loop inside a single gateway
// call. Independent of the breaker's OPEN-state backoff.
type RetryPolicy struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffFactor int
}

// Gateway executes operations against prioritized dependency endpoint
// chains, guarding each endpoint with its own circuit breaker and memoizing
// successful results in the response cache.
type Gateway struct {
	chains      map[OperationKind][]*gatewayEndpoint
	cache       ResponseCache
	ttls        map[OperationKind]time.Duration
	callTimeout time.Duration
	retry       RetryPolicy

	// sleep is replaceable in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	onBreakerChange breaker.StateChangeFunc
	logger          *log.Helper
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithBreakerStateChange registers a callback for breaker transitions across
// all endpoints. Invoked asynchronously.
func WithBreakerStateChange(fn breaker.StateChangeFunc) GatewayOption {
	return func(g *Gateway) { g.onBreakerChange = fn }
}

// WithSleepFunc overrides the backoff sleep. Used by tests.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) GatewayOption {
	return func(g *Gateway) { g.sleep = fn }
}

// NewGateway builds a gateway from configuration and the endpoint specs
// contributed by the data layer. Execute and notify kinds always bypass the
// cache: execution is not idempotent-cacheable and deliveries must reach the
// channel every time.
func NewGateway(c *conf.Resilience, cache ResponseCache, specs []*EndpointSpec, logger log.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		chains:      make(map[OperationKind][]*gatewayEndpoint),
		cache:       cache,
		ttls:        make(map[OperationKind]time.Duration),
		callTimeout: 30 * time.Second,
		retry: RetryPolicy{
			MaxRetries:    2,
			BackoffBase:   500 * time.Millisecond,
			BackoffFactor: 2,
		},
		sleep:  sleepContext,
		logger: log.NewHelper(logger),
	}

	if c != nil {
		if d := c.CallTimeout.AsDuration(); d > 0 {
			g.callTimeout = d
		}
		if c.Retry != nil {
			if c.Retry.MaxRetries >= 0 {
				g.retry.MaxRetries = int(c.Retry.MaxRetries)
			}
			if d := c.Retry.BackoffBase.AsDuration(); d > 0 {
				g.retry.BackoffBase = d
			}
			if c.Retry.BackoffFactor > 0 {
				g.retry.BackoffFactor = int(c.Retry.BackoffFactor)
			}
		}
		if c.Cache != nil {
			g.ttls[model.OpDiagnosis] = c.Cache.DiagnosisTTL.AsDuration()
			g.ttls[model.OpPlanDraft] = c.Cache.PlanTTL.AsDuration()
			g.ttls[model.OpInterpret] = c.Cache.InterpretTTL.AsDuration()
		}
	}
	if g.ttls[model.OpDiagnosis] <= 0 {
		g.ttls[model.OpDiagnosis] = 10 * time.Minute
	}
	if g.ttls[model.OpPlanDraft] <= 0 {
		g.ttls[model.OpPlanDraft] = 30 * time.Minute
	}
	if g.ttls[model.OpInterpret] <= 0 {
		g.ttls[model.OpInterpret] = 5 * time.Minute
	}

	for _, opt := range opts {
		opt(g)
	}

	for _, spec := range specs {
		g.register(spec)
	}

	return g
}

// register adds an endpoint to its kind's chain, keeping priority order.
func (g *Gateway) register(spec *EndpointSpec) {
	brk := breaker.New(spec.Name, spec.Breaker, breaker.WithStateChange(func(name string, from, to breaker.State) {
		// The breaker lock is held here; hand off before doing anything.
		if g.onBreakerChange != nil {
			go g.onBreakerChange(name, from, to)
		}
	}))

	chain := append(g.chains[spec.Kind], &gatewayEndpoint{spec: spec, brk: brk})
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].spec.Priority < chain[j].spec.Priority
	})
	g.chains[spec.Kind] = chain
}

// Call executes an operation against the kind's fallback chain.
//
// Cache hit returns immediately without contacting any dependency. Otherwise
// endpoints are tried in priority order: an endpoint whose breaker rejects
// the call is skipped without counting a failure; an invoked endpoint
// reports success or failure to its own breaker. When the whole chain is
// skipped or failed the call fails with AllDependenciesUnavailableError
// carrying the attempted endpoints' breaker snapshots.
func (g *Gateway) Call(ctx context.Context, kind OperationKind, input map[string]interface{}) (json.RawMessage, error) {
	chain := g.chains[kind]
	if len(chain) == 0 {
		return nil, &AllDependenciesUnavailableError{Kind: string(kind)}
	}

	ttl := g.ttls[kind]
	var key string
	if ttl > 0 && g.cache != nil {
		key = CacheKey(kind, input)
		var cached json.RawMessage
		if err := g.cache.Get(ctx, key, &cached); err == nil {
			g.logger.Debugw("msg", "gateway cache hit", "kind", kind, "key", key)
			return cached, nil
		}
	}

	var attempted []breaker.Snapshot
	for _, ep := range chain {
		if !ep.brk.Allow() {
			// OPEN breaker: skip to the next endpoint, no failure counted.
			attempted = append(attempted, ep.brk.Snapshot())
			g.logger.Debugw("msg", "endpoint skipped, breaker open",
				"kind", kind, "endpoint", ep.spec.Name)
			continue
		}

		out, err := g.invokeWithRetry(ctx, ep, input)
		if err == nil {
			ep.brk.ReportSuccess()
			if key != "" {
				if cerr := g.cache.Set(ctx, key, out, ttl); cerr != nil {
					g.logger.Warnw("msg", "failed to cache gateway response",
						"kind", kind, "key", key, "error", cerr)
				}
			}
			return out, nil
		}

		if !IsDependencyFailure(err) {
			// Caller-side error: the dependency answered, so release the
			// probe slot as a success and surface the error unchanged.
			ep.brk.ReportSuccess()
			return nil, err
		}

		ep.brk.ReportFailure()
		attempted = append(attempted, ep.brk.Snapshot())
		g.logger.Warnw("msg", "endpoint failed, trying next in chain",
			"kind", kind, "endpoint", ep.spec.Name, "error", err)
	}

	err := &AllDependenciesUnavailableError{Kind: string(kind), Attempted: attempted}
	g.logger.Errorw("msg", "fallback chain exhausted", "kind", kind, "error", err)
	return nil, err
}

// invokeWithRetry runs a single endpoint with the gateway retry policy:
// at most MaxRetries retries with exponential backoff, each attempt bounded
// by the call timeout. Only dependency failures are retried.
func (g *Gateway) invokeWithRetry(ctx context.Context, ep *gatewayEndpoint, input map[string]interface{}) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.retry.BackoffBase
			for i := 1; i < attempt; i++ {
				backoff *= time.Duration(g.retry.BackoffFactor)
			}
			if err := g.sleep(ctx, backoff); err != nil {
				return nil, NewDependencyTimeout(ep.spec.Name, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		out, err := ep.spec.Invoke(callCtx, input)
		cancel()

		if err == nil {
			return out, nil
		}

		err = classifyInvokeError(ep.spec.Name, err)
		if !IsDependencyFailure(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// classifyInvokeError maps raw invoker errors into the taxonomy. Context
// deadline and cancellation become timeouts; already-classified errors pass
// through; anything else is conservatively treated as unavailability.
func classifyInvokeError(endpoint string, err error) error {
	if IsDependencyFailure(err) {
		return err
	}
	if contextErr(err) {
		return NewDependencyTimeout(endpoint, err)
	}
	if IsCallerSideError(err) {
		return err
	}
	return NewDependencyUnavailable(endpoint, err)
}

// Snapshots returns the current breaker state for every registered endpoint,
// grouped by operation kind. Used by the status endpoint and error payloads.
func (g *Gateway) Snapshots() map[string][]breaker.Snapshot {
	out := make(map[string][]breaker.Snapshot, len(g.chains))
	for kind, chain := range g.chains {
		snaps := make([]breaker.Snapshot, 0, len(chain))
		for _, ep := range chain {
			snaps = append(snaps, ep.brk.Snapshot())
		}
		out[string(kind)] = snaps
	}
	return out
}

// CacheKey derives a deterministic cache key from the operation kind and the
// normalized input. json.Marshal sorts map keys, so semantically equivalent
// inputs produce identical keys and duplicate signals hit the cache instead
// of re-invoking a paid or slow dependency.
func CacheKey(kind OperationKind, input map[string]interface{}) string {
	payload, err := json.Marshal(input)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", input))
	}
	sum := sha256.Sum256(append([]byte(kind), payload...))
	return "resp:" + string(kind) + ":" + hex.EncodeToString(sum[:])[:32]
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// contextErr reports whether err stems from context expiry.
func contextErr(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled)
}
