package audit

import "fmt"

// CheckStatus is the outcome of one readiness check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
	CheckSkip CheckStatus = "skip"
	CheckNA   CheckStatus = "n/a"
)

// Validate checks if the CheckStatus is a valid enum value.
func (s CheckStatus) Validate() error {
	switch s {
	case CheckPass, CheckFail, CheckSkip, CheckNA:
		return nil
	default:
		return fmt.Errorf("unknown check status: %q", s)
	}
}

// ReadinessCheck is one line of the production readiness report.
type ReadinessCheck struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// ProductionReadiness aggregates every readiness check into one verdict.
type ProductionReadiness struct {
	FinalVerdict Status           `json:"final_verdict"`
	Passed       int              `json:"passed"`
	Failed       int              `json:"failed"`
	Skipped      int              `json:"skipped"`
	Checks       []ReadinessCheck `json:"checks"`
}

// NewReadiness passes only if no check fails and at least one check passes.
// Skipped and n/a checks never fail the verdict on their own.
func NewReadiness(checks []ReadinessCheck) ProductionReadiness {
	r := ProductionReadiness{Checks: append([]ReadinessCheck{}, checks...)}
	for _, c := range checks {
		switch c.Status {
		case CheckPass:
			r.Passed++
		case CheckFail:
			r.Failed++
		default:
			r.Skipped++
		}
	}
	r.FinalVerdict = StatusFail
	if r.Failed == 0 && r.Passed > 0 {
		r.FinalVerdict = StatusPass
	}
	return r
}

// FailedChecks returns the names of failing checks.
func (r ProductionReadiness) FailedChecks() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status == CheckFail {
			out = append(out, c.Name)
		}
	}
	return out
}
