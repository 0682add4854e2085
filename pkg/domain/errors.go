package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrProfileNotFound   = errors.New("profile not found")
	ErrSignatureNotFound = errors.New("signature not found")
	ErrBuiltinProfile    = errors.New("builtin profile cannot be deleted")
	ErrNotBuiltin        = errors.New("profile is not builtin")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrCapabilityMissing = errors.New("capability not registered")
	ErrBudgetExceeded    = errors.New("execution budget exceeded")
	ErrNoRangeMatched    = errors.New("no threshold range matched")
)

// Flags recorded on results and decisions.
const (
	FlagConfigurationError  = "configuration_error"
	FlagEvaluatorError      = "evaluator_error"
	FlagBudgetExceeded      = "budget_exceeded"
	FlagExecutionError      = "execution_error"
	FlagAggregationError    = "aggregation_error"
	FlagCanceled            = "canceled"
	FlagCapabilityTimeout   = "capability_timeout"
	FlagCircuitOpen         = "circuit_open"
	FlagShortCircuitIgnored = "short_circuit_ignored"
	FlagShortCircuited      = "short_circuited"
	FlagValidationFailed    = "validation_failed"
)

// ErrorKind classifies failures recorded on profile results.
type ErrorKind string

// Error kinds.
const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindCapability    ErrorKind = "capability"
	ErrorKindBudget        ErrorKind = "budget"
	ErrorKindAggregation   ErrorKind = "aggregation"
	ErrorKindExecution     ErrorKind = "execution"
	ErrorKindCanceled      ErrorKind = "canceled"
)

// ConfigurationError reports invalid structure or unresolved references.
type ConfigurationError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigInvalid
}

// ValidationError lists every structural problem found in a profile graph.
type ValidationError struct {
	Errors []string
	// Cycle holds the node ids of the first detected cycle, if any.
	Cycle []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "graph validation failed"
	}
	return "graph validation failed: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// CapabilityError wraps a failed or timed-out defense capability call.
type CapabilityError struct {
	Defense DefenseType
	Timeout bool
	Err     error
}

func (e *CapabilityError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("capability %s timed out", e.Defense)
	}
	return fmt.Sprintf("capability %s failed: %v", e.Defense, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// BudgetExceededError aborts one profile execution.
type BudgetExceededError struct {
	// Reason is "deadline" or "node_visits".
	Reason string
	Limit  int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("execution budget exceeded: %s (limit %d)", e.Reason, e.Limit)
}

func (e *BudgetExceededError) Unwrap() error {
	return ErrBudgetExceeded
}

// AggregationError reports an aggregation strategy that could not be applied.
type AggregationError struct {
	Strategy ScoreAggregation
	Reason   string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation %s: %s", e.Strategy, e.Reason)
}

// ErrorResponse defines the standard JSON error model returned by the admin API.
type ErrorResponse struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}
