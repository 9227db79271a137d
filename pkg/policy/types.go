package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that mark the node as misbehaving.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Policy is a named Rego module. Its deny rule yields violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as its source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one message produced by a deny rule.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// NodeID is the node the input described.
	NodeID string `json:"node_id,omitempty"`

	// Sensor is the sensor whose event triggered the evaluation.
	Sensor string `json:"sensor,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Details holds any extra fields of an object-valued violation.
	Details map[string]interface{} `json:"details,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// EntityInput describes the node under evaluation.
type EntityInput struct {
	ID          string `json:"id"`
	PlanID      string `json:"planId,omitempty"`
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
	Lifecycle   string `json:"lifecycle"`
}

// Input is the document bound to input during evaluation.
type Input struct {
	Entity EntityInput `json:"entity"`

	// Sensor and Value describe the triggering event; both are empty when the
	// evaluation covers the node as a whole.
	Sensor string      `json:"sensor,omitempty"`
	Value  interface{} `json:"value"`

	// Sensors holds every current sensor value of the node.
	Sensors map[string]interface{} `json:"sensors"`
}

// Result is the outcome of evaluating a set of policies.
type Result struct {
	// Allowed is false when any violation is of error or critical severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation failures of individual policies.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the violation messages in order.
func (r *Result) Messages() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

func blocking(s Severity) bool {
	return s == SeverityError || s == SeverityCritical
}
