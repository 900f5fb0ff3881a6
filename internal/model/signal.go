// Package model holds shared value types passed between layers.
package model

// Severity classifies how urgent a detected problem is.
type Severity string

// Severity levels accepted from upstream detectors.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a known severity level.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Signal is an anomaly/alert signal received from an upstream detector or
// webhook. The orchestrator validates shape only, not detection logic.
type Signal struct {
	Target        string   `json:"target"`
	DiagnosisHint string   `json:"diagnosis_hint"`
	Severity      Severity `json:"severity"`
}

// DiagnosisResult is the structured output of a diagnostic dependency call.
type DiagnosisResult struct {
	Summary   string   `json:"summary"`
	RootCause string   `json:"root_cause"`
	Severity  Severity `json:"severity"`
	// Degraded marks a templated fallback produced when every diagnostic
	// dependency was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// PlanDraft is the structured output of a plan drafting dependency call.
type PlanDraft struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	PlaybookPayload string `json:"playbook_payload"`
	// EstimatedDuration is the executor's expected runtime in seconds.
	EstimatedDuration int  `json:"estimated_duration"`
	Degraded          bool `json:"degraded,omitempty"`
}

// ExecutionResult is the structured output of an automation executor call.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Details string `json:"details"`
}

// CommandInterpretation is the structured output of a natural-language
// command interpretation call.
type CommandInterpretation struct {
	Intent     string            `json:"intent"`
	Params     map[string]string `json:"params,omitempty"`
	Confidence float64           `json:"confidence"`
	Degraded   bool              `json:"degraded,omitempty"`
}
