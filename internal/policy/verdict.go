package policy

// Verdict is the outcome of a single policy check.
// Reason is empty exactly when Allowed is true.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allow returns a passing verdict.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Deny returns a failing verdict. An empty reason is replaced so that a
// denial always carries something to report.
func Deny(reason string) Verdict {
	if reason == "" {
		reason = "denied by policy"
	}
	return Verdict{Reason: reason}
}

// Denied reports whether the verdict blocks the request.
func (v Verdict) Denied() bool {
	return !v.Allowed
}
