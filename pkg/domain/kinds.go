package domain

import "strings"

// DefenseType names a detection mechanism invoked by a defense node.
type DefenseType string

// Supported defense mechanisms.
const (
	DefenseIPAllowlist       DefenseType = "ip_allowlist"
	DefenseGeoIP             DefenseType = "geoip"
	DefenseIPReputation      DefenseType = "ip_reputation"
	DefenseTimingToken       DefenseType = "timing_token"
	DefenseBehavioral        DefenseType = "behavioral"
	DefenseHoneypot          DefenseType = "honeypot"
	DefenseKeywordFilter     DefenseType = "keyword_filter"
	DefenseContentHash       DefenseType = "content_hash"
	DefenseExpectedFields    DefenseType = "expected_fields"
	DefensePatternScan       DefenseType = "pattern_scan"
	DefenseDisposableEmail   DefenseType = "disposable_email"
	DefenseFieldAnomalies    DefenseType = "field_anomalies"
	DefenseFingerprint       DefenseType = "fingerprint"
	DefenseHeaderConsistency DefenseType = "header_consistency"
	DefenseRateLimiter       DefenseType = "rate_limiter"
)

// DefenseTypes lists every supported defense mechanism in a stable order.
func DefenseTypes() []DefenseType {
	return []DefenseType{
		DefenseIPAllowlist, DefenseGeoIP, DefenseIPReputation, DefenseTimingToken,
		DefenseBehavioral, DefenseHoneypot, DefenseKeywordFilter, DefenseContentHash,
		DefenseExpectedFields, DefensePatternScan, DefenseDisposableEmail,
		DefenseFieldAnomalies, DefenseFingerprint, DefenseHeaderConsistency,
		DefenseRateLimiter,
	}
}

// Valid reports whether the defense type is known.
func (d DefenseType) Valid() bool {
	for _, known := range DefenseTypes() {
		if d == known {
			return true
		}
	}
	return false
}

// OperatorType names an operator node's combinator.
type OperatorType string

// Supported operators.
const (
	OperatorSum             OperatorType = "sum"
	OperatorAnd             OperatorType = "and"
	OperatorOr              OperatorType = "or"
	OperatorMax             OperatorType = "max"
	OperatorMin             OperatorType = "min"
	OperatorThresholdBranch OperatorType = "threshold_branch"
)

// Valid reports whether the operator is known.
func (o OperatorType) Valid() bool {
	switch o {
	case OperatorSum, OperatorAnd, OperatorOr, OperatorMax, OperatorMin, OperatorThresholdBranch:
		return true
	}
	return false
}

// Boolean reports whether the operator routes on true/false.
func (o OperatorType) Boolean() bool {
	return o == OperatorAnd || o == OperatorOr
}

// ActionType is a terminal decision.
type ActionType string

// Supported actions.
const (
	ActionAllow   ActionType = "allow"
	ActionBlock   ActionType = "block"
	ActionTarpit  ActionType = "tarpit"
	ActionCaptcha ActionType = "captcha"
	ActionFlag    ActionType = "flag"
	ActionMonitor ActionType = "monitor"
)

// Valid reports whether the action is known.
func (a ActionType) Valid() bool {
	return a.Severity() >= 0
}

// Severity orders actions: block > tarpit > captcha > flag > monitor > allow.
// Unknown actions return -1.
func (a ActionType) Severity() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionMonitor:
		return 1
	case ActionFlag:
		return 2
	case ActionCaptcha:
		return 3
	case ActionTarpit:
		return 4
	case ActionBlock:
		return 5
	}
	return -1
}

// MoreSevere returns the more severe of two actions; a wins ties.
func MoreSevere(a, b ActionType) ActionType {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ObservationType names a side-effect mechanism run by observation nodes.
type ObservationType string

// ObservationFieldLearning samples submitted field names.
const ObservationFieldLearning ObservationType = "field_learning"

// Valid reports whether the observation mechanism is known.
func (o ObservationType) Valid() bool {
	return o == ObservationFieldLearning
}

// MergeMode controls how attack signatures combine into node configs.
type MergeMode string

// Merge modes.
const (
	MergeUnion      MergeMode = "UNION"
	MergeFirstMatch MergeMode = "FIRST_MATCH"
)

// Normalize upper-cases the mode and defaults to UNION.
func (m MergeMode) Normalize() MergeMode {
	switch MergeMode(strings.ToUpper(strings.TrimSpace(string(m)))) {
	case MergeFirstMatch:
		return MergeFirstMatch
	default:
		return MergeUnion
	}
}

// Aggregation combines the binary block decision of several profiles.
type Aggregation string

// Binary aggregation strategies.
const (
	AggregationOr       Aggregation = "OR"
	AggregationAnd      Aggregation = "AND"
	AggregationMajority Aggregation = "MAJORITY"
)

// Normalize upper-cases the strategy and defaults to OR.
func (a Aggregation) Normalize() Aggregation {
	switch Aggregation(strings.ToUpper(strings.TrimSpace(string(a)))) {
	case AggregationAnd:
		return AggregationAnd
	case AggregationMajority:
		return AggregationMajority
	default:
		return AggregationOr
	}
}

// ScoreAggregation combines the scores of several profiles.
type ScoreAggregation string

// Score aggregation strategies.
const (
	ScoreSum         ScoreAggregation = "SUM"
	ScoreMax         ScoreAggregation = "MAX"
	ScoreWeightedAvg ScoreAggregation = "WEIGHTED_AVG"
)

// Normalize upper-cases the strategy and defaults to SUM.
func (s ScoreAggregation) Normalize() ScoreAggregation {
	switch ScoreAggregation(strings.ToUpper(strings.TrimSpace(string(s)))) {
	case ScoreMax:
		return ScoreMax
	case ScoreWeightedAvg:
		return ScoreWeightedAvg
	default:
		return ScoreSum
	}
}
