package types

// Decision is the outcome of one admission check.
// It lives in a shared types package so that core, monitor and api can
// all depend on it without import cycles.
type Decision struct {
	Allowed    bool   // whether the request may proceed
	Remaining  int64  // quota left in the tightest window, -1 = unbounded
	ResetTime  int64  // unix seconds when the tightest window resets
	RetryAfter int64  // suggested retry delay in seconds, 0 = not set
	Limit      int64  // limit of the rule that produced this decision, 0 = not set
	Window     int64  // window of that rule in seconds, 0 = not set
	RuleName   string // rule that produced this decision, empty when no rule applied
	Reason     string // machine-readable reason ("allowed", "rate_limited", ...)
	Err        error  // underlying error, if any
}

// Unbounded returns the decision for identifiers with no applicable rules.
func Unbounded(reason string) Decision {
	return Decision{Allowed: true, Remaining: -1, Reason: reason}
}
