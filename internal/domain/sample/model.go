package sample

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Sample states.
const (
	StatusReceived         = "received"
	StatusInProgress       = "in_progress"
	StatusTestingCompleted = "testing_completed"
	StatusVerified         = "verified"
	StatusValidated        = "validated"
	StatusReported         = "reported"
	StatusReturned         = "returned"
	StatusRejected         = "rejected"
)

// SampleTest states.
const (
	TestAssigned  = "assigned"
	TestMeasured  = "measured"
	TestVerified  = "verified"
	TestValidated = "validated"
)

const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

// Entity names used by the authorizer and in events.
const (
	EntitySample     = "sample"
	EntitySampleTest = "sample_test"
)

// Outbox topics.
const (
	TopicSampleTransitioned = "sample.transitioned"
	TopicTestTransitioned   = "sample_test.transitioned"
)

type Sample struct {
	ID         uuid.UUID  `json:"id"`
	SampleNo   string     `json:"sample_no"`
	ReceivedAt time.Time  `json:"received_at"`
	SampleType string     `json:"sample_type"`
	Priority   string     `json:"priority"`
	Status     string     `json:"status"`
	ClientRef  *string    `json:"client_ref,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type SampleTest struct {
	ID            uuid.UUID  `json:"id"`
	SampleID      uuid.UUID  `json:"sample_id"`
	ParameterCode string     `json:"parameter_code"`
	ParameterName string     `json:"parameter_name"`
	MethodCode    *string    `json:"method_code,omitempty"`
	Status        string     `json:"status"`
	QCDone        bool       `json:"qc_done"`
	OMVerified    bool       `json:"om_verified"`
	LHValidated   bool       `json:"lh_validated"`
	BatchID       *string    `json:"batch_id,omitempty"`
	ReportID      *uuid.UUID `json:"report_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Batch returns the batch id or "" when the test is not batched.
func (t *SampleTest) Batch() string {
	if t.BatchID == nil {
		return ""
	}
	return *t.BatchID
}

// TestResult is one version of a test's measurement. Versions are
// append-only and the highest is authoritative.
type TestResult struct {
	ID             uuid.UUID       `json:"id"`
	SampleTestID   uuid.UUID       `json:"sample_test_id"`
	Version        int             `json:"version"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
	CalculatedData json.RawMessage `json:"calculated_data,omitempty"`
	Interpretation *string         `json:"interpretation,omitempty"`
	FinalValue     *string         `json:"final_value,omitempty"`
	Unit           *string         `json:"unit,omitempty"`
	Flags          []string        `json:"flags"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TransitionEvent is the outbox payload of a committed transition.
type TransitionEvent struct {
	Entity   string    `json:"entity"`
	ID       uuid.UUID `json:"id"`
	SampleID uuid.UUID `json:"sample_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	ActorID  string    `json:"actor_id"`
	At       time.Time `json:"at"`
}

// ListFilter narrows ListSamples.
type ListFilter struct {
	Status          string
	IncludeArchived bool
}
