package qc

import (
	"time"

	"github.com/google/uuid"
)

// Run verdicts, ordered by severity.
const (
	StatusPass    = "pass"
	StatusWarning = "warning"
	StatusFail    = "fail"
)

// Westgard rule names as stored in a control's ruleset.
const (
	Rule12s = "1-2s"
	Rule13s = "1-3s"
	RuleR4s = "R-4s"
)

// R-4s comparison scopes.
const (
	ScopeControl = "control"
	ScopeBatch   = "batch"
)

const (
	KindControl = "control"
	KindBlank   = "blank"
)

// DefaultRuleset is applied when a control is created without one.
var DefaultRuleset = []string{Rule12s, Rule13s, RuleR4s}

var knownRules = map[string]bool{Rule12s: true, Rule13s: true, RuleR4s: true}

// Control is a reference material with a known target and one-SD
// tolerance, run alongside patient samples in a batch.
type Control struct {
	ID            uuid.UUID `json:"id"`
	ParameterCode string    `json:"parameter_code"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	Target        float64   `json:"target"`
	Tolerance     float64   `json:"tolerance"`
	Ruleset       []string  `json:"ruleset"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Run is one measurement of a control. Runs are never edited except for
// the R-4s amendment of violations and status.
type Run struct {
	ID         uuid.UUID `json:"id"`
	Seq        int64     `json:"seq"`
	ControlID  uuid.UUID `json:"control_id"`
	BatchID    string    `json:"batch_id"`
	Value      float64   `json:"value"`
	ZScore     float64   `json:"z_score"`
	Status     string    `json:"status"`
	Violations []string  `json:"violations"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recorded is the outcome of EvaluateAndPersist: the new run and, when
// R-4s fired, the amended predecessor.
type Recorded struct {
	Run     *Run `json:"run"`
	Amended *Run `json:"amended,omitempty"`
}

// ControlState is the latest run of one control within a batch.
type ControlState struct {
	ControlID   uuid.UUID `json:"control_id"`
	LatestRunID uuid.UUID `json:"latest_run_id"`
	Status      string    `json:"status"`
	Violations  []string  `json:"violations"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// BatchStatus summarises QC for a batch. A batch has an open failure while
// the latest run of any of its controls is a fail.
type BatchStatus struct {
	BatchID     string          `json:"batch_id"`
	HasRuns     bool            `json:"has_runs"`
	OpenFailure bool            `json:"open_failure"`
	Controls    []*ControlState `json:"controls"`
}
