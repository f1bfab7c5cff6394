package qc

import (
	"math"

	"github.com/lims/lims/internal/platform/apperr"
)

// Verdict is the pure result of evaluating one control value.
type Verdict struct {
	Status     string
	ZScore     float64
	Violations []string
	// AmendPredecessor is the prior run that R-4s escalates, nil otherwise.
	AmendPredecessor *Run
}

// ZScore is the distance from target in tolerance units.
func ZScore(value, target, tolerance float64) float64 {
	return (value - target) / tolerance
}

func severity(status string) int {
	switch status {
	case StatusFail:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// worse returns the more severe of two statuses.
func worse(a, b string) string {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

// Evaluate applies the control's ruleset, in order, to a new value.
// recent holds prior runs in the comparison scope, most recent first; only
// the first is consulted, by R-4s.
func Evaluate(c *Control, value float64, recent []*Run) (Verdict, error) {
	if c.Tolerance <= 0 || math.IsNaN(c.Tolerance) || math.IsInf(c.Tolerance, 0) {
		return Verdict{}, apperr.InvalidArgument("control %s has non-positive tolerance %v", c.ID, c.Tolerance)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Verdict{}, apperr.InvalidArgument("value must be a finite number")
	}

	z := ZScore(value, c.Target, c.Tolerance)
	v := Verdict{Status: StatusPass, ZScore: z, Violations: []string{}}
	abs := math.Abs(z)

	for _, rule := range c.Ruleset {
		switch rule {
		case Rule12s:
			if abs > 2 && abs <= 3 {
				v.add(Rule12s, StatusWarning)
			}
		case Rule13s:
			if abs > 3 {
				v.add(Rule13s, StatusFail)
			}
		case RuleR4s:
			if len(recent) == 0 || recent[0] == nil {
				continue
			}
			prev := recent[0]
			if math.Abs(z-prev.ZScore) > 4 {
				v.add(RuleR4s, StatusFail)
				v.AmendPredecessor = prev
			}
		default:
			return Verdict{}, apperr.InvalidArgument("control %s has unknown rule %q", c.ID, rule)
		}
	}
	return v, nil
}

func (v *Verdict) add(rule, status string) {
	for _, existing := range v.Violations {
		if existing == rule {
			v.Status = worse(v.Status, status)
			return
		}
	}
	v.Violations = append(v.Violations, rule)
	v.Status = worse(v.Status, status)
}

// Amend returns the predecessor's violations and status after an R-4s
// hit. Status only ever escalates.
func Amend(prev *Run) (violations []string, status string) {
	violations = append([]string{}, prev.Violations...)
	found := false
	for _, r := range violations {
		if r == RuleR4s {
			found = true
			break
		}
	}
	if !found {
		violations = append(violations, RuleR4s)
	}
	return violations, worse(prev.Status, StatusFail)
}

// ValidateRuleset rejects unknown and duplicated rule names.
func ValidateRuleset(rules []string) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if !knownRules[r] {
			return apperr.InvalidArgument("unknown QC rule %q", r)
		}
		if seen[r] {
			return apperr.InvalidArgument("QC rule %q listed twice", r)
		}
		seen[r] = true
	}
	return nil
}
