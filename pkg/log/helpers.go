package log

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper extends the Kratos log.Helper with component-tagged convenience
// methods so gateway, dispatcher and plan logs are easy to filter.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates an enhanced log helper.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

// Request logs an HTTP request line with method, path, status and duration.
func (h *LogHelper) Request(method, path string, status int, durationMs int64, kvs ...interface{}) {
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, path, status, durationMs)
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs,
		"component", "http",
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(allKvs...)
}

// Gateway logs a dependency gateway event.
func (h *LogHelper) Gateway(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "component", "gateway")
	h.Infow(allKvs...)
}

// Breaker logs a circuit breaker state change.
func (h *LogHelper) Breaker(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "component", "breaker")
	h.Warnw(allKvs...)
}

// Plan logs a remediation plan lifecycle event.
func (h *LogHelper) Plan(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "component", "plan")
	h.Infow(allKvs...)
}

// Notify logs a notification dispatcher event.
func (h *LogHelper) Notify(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "component", "notify")
	h.Infow(allKvs...)
}

// SlowRequest warns about a request that exceeded the slow threshold.
func (h *LogHelper) SlowRequest(requestID, method, path string, durationMs int64) {
	h.Warnw(
		"msg", fmt.Sprintf("[%s] Slow request detected | %s %s | %dms", requestID, method, path, durationMs),
		"component", "slow_request",
		"request_id", requestID,
		"method", method,
		"path", path,
		"duration_ms", durationMs,
	)
}
