package report

import (
	"time"

	"github.com/google/uuid"
)

// Report is a numbered snapshot of a sample's validated results. Drafts
// are unlocked; finalization locks the row and every field freezes.
type Report struct {
	ID           uuid.UUID  `json:"id"`
	SampleID     uuid.UUID  `json:"sample_id"`
	ReportType   string     `json:"report_type"`
	ReportNo     string     `json:"report_no"`
	GeneratedAt  time.Time  `json:"generated_at"`
	GeneratedBy  string     `json:"generated_by"`
	IsLocked     bool       `json:"is_locked"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	LockedBy     *string    `json:"locked_by,omitempty"`
	PDFURL       *string    `json:"pdf_url,omitempty"`
	TemplateCode *string    `json:"template_code,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// Item snapshots one test's latest result at generation time.
type Item struct {
	ID             uuid.UUID `json:"id"`
	ReportID       uuid.UUID `json:"report_id"`
	SampleTestID   uuid.UUID `json:"sample_test_id"`
	ParameterCode  string    `json:"parameter_code"`
	ParameterLabel string    `json:"parameter_label"`
	FinalValue     *string   `json:"final_value,omitempty"`
	Unit           *string   `json:"unit,omitempty"`
	Flags          []string  `json:"flags"`
	ResultVersion  int       `json:"result_version"`
	Position       int       `json:"position"`
}

// Signature is one required signing slot. It is created empty and signed
// exactly once.
type Signature struct {
	ID            uuid.UUID  `json:"id"`
	ReportID      uuid.UUID  `json:"report_id"`
	RoleCode      string     `json:"role_code"`
	SignedBy      *string    `json:"signed_by,omitempty"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	SignatureHash *string    `json:"signature_hash,omitempty"`
}

// SignatureOnFile is the stored signature reference an actor must have
// before signing for certain roles.
type SignatureOnFile struct {
	ActorID      string    `json:"actor_id"`
	RoleCode     string    `json:"role_code"`
	SignatureRef string    `json:"signature_ref"`
	CreatedAt    time.Time `json:"created_at"`
}

type Detail struct {
	Report     *Report      `json:"report"`
	Items      []*Item      `json:"items"`
	Signatures []*Signature `json:"signatures"`
}

type FinalizeResult struct {
	ReportID     uuid.UUID `json:"report_id"`
	ReportNo     string    `json:"report_no"`
	TemplateCode string    `json:"template_code"`
	PDFURL       string    `json:"pdf_url"`
	SignedAt     time.Time `json:"signed_at"`
}
