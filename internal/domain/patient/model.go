package patient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Treatment statuses. The set is open-ended; these are the values the panel
// offers, but any string is accepted.
const (
	StatusOnTreatment = "on_treatment"
	StatusDischarged  = "discharged"
	StatusFollowUp    = "follow_up"
)

// Change sources recorded in the ledger.
const (
	SourcePanelCreate = "panel_create"
	SourcePanelEdit   = "panel_edit"
	SourceBotEdit     = "bot_edit"
)

// Patient is a treatment card. The bigserial id is the internal row key;
// PublicID is the clinic-facing sequential identifier and is treated as
// immutable once assigned.
type Patient struct {
	ID               int64      `db:"id" json:"id"`
	PublicID         string     `db:"public_id" json:"public_id"`
	FullName         string     `db:"full_name" json:"full_name"`
	BirthDate        *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Region           *string    `db:"region" json:"region,omitempty"`
	Diagnosis        *string    `db:"diagnosis" json:"diagnosis,omitempty"`
	Topometry        *string    `db:"topometry" json:"topometry,omitempty"`
	MethodGray       *float64   `db:"method_gray" json:"method_gray,omitempty"`
	Diary            *string    `db:"diary" json:"diary,omitempty"`
	Complaints       *string    `db:"complaints" json:"complaints,omitempty"`
	Prescriptions    *string    `db:"prescriptions" json:"prescriptions,omitempty"`
	DischargeSummary *string    `db:"discharge_summary" json:"discharge_summary,omitempty"`
	Complications    *string    `db:"complications" json:"complications,omitempty"`
	Status           string     `db:"status" json:"status"`
	CreatedBy        *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	UpdatedBy        *uuid.UUID `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// ChangeEvent is one immutable entry of the mutation ledger. ID is the
// ledger ordinal: strictly increasing across all patients.
type ChangeEvent struct {
	ID          int64      `db:"id" json:"id"`
	PatientID   int64      `db:"patient_id" json:"patient_id"`
	ActorID     *uuid.UUID `db:"actor_id" json:"actor_id,omitempty"`
	Source      string     `db:"source" json:"source"`
	Description *string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Overview is a patient row joined with the viewer's unread state, as
// returned by ListForViewer.
type Overview struct {
	Patient
	LatestChangeID *int64     `json:"latest_change_id,omitempty"`
	LatestChangeAt *time.Time `json:"latest_change_at,omitempty"`
	Watermark      int64      `json:"watermark"`
	HasUnread      bool       `json:"has_unread"`
}

// Update is a partial patch: nil fields retain the stored value, non-nil
// fields overwrite it. Both the full edit form and the bot's single-field
// patch funnel through this type.
type Update struct {
	FullName         *string    `json:"full_name,omitempty"`
	BirthDate        *time.Time `json:"birth_date,omitempty"`
	Region           *string    `json:"region,omitempty"`
	Diagnosis        *string    `json:"diagnosis,omitempty"`
	Topometry        *string    `json:"topometry,omitempty"`
	MethodGray       *float64   `json:"method_gray,omitempty"`
	Diary            *string    `json:"diary,omitempty"`
	Complaints       *string    `json:"complaints,omitempty"`
	Prescriptions    *string    `json:"prescriptions,omitempty"`
	DischargeSummary *string    `json:"discharge_summary,omitempty"`
	Complications    *string    `json:"complications,omitempty"`
	Status           *string    `json:"status,omitempty"`

	// UpdatedBy is set by the service from the authenticated actor,
	// never from a request body.
	UpdatedBy *uuid.UUID `json:"-"`
}

// ApplyTo merges the patch into p with per-field coalesce semantics: every
// non-nil field wins, everything else is untouched.
func (u Update) ApplyTo(p *Patient) {
	if u.FullName != nil {
		p.FullName = *u.FullName
	}
	if u.BirthDate != nil {
		p.BirthDate = u.BirthDate
	}
	if u.Region != nil {
		p.Region = u.Region
	}
	if u.Diagnosis != nil {
		p.Diagnosis = u.Diagnosis
	}
	if u.Topometry != nil {
		p.Topometry = u.Topometry
	}
	if u.MethodGray != nil {
		p.MethodGray = u.MethodGray
	}
	if u.Diary != nil {
		p.Diary = u.Diary
	}
	if u.Complaints != nil {
		p.Complaints = u.Complaints
	}
	if u.Prescriptions != nil {
		p.Prescriptions = u.Prescriptions
	}
	if u.DischargeSummary != nil {
		p.DischargeSummary = u.DischargeSummary
	}
	if u.Complications != nil {
		p.Complications = u.Complications
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.UpdatedBy != nil {
		p.UpdatedBy = u.UpdatedBy
	}
}

// ChangedFields lists the names of the fields the patch sets, in a stable
// order, for ledger descriptions.
func (u Update) ChangedFields() []string {
	var fields []string
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("full_name", u.FullName != nil)
	add("birth_date", u.BirthDate != nil)
	add("region", u.Region != nil)
	add("diagnosis", u.Diagnosis != nil)
	add("topometry", u.Topometry != nil)
	add("method_gray", u.MethodGray != nil)
	add("diary", u.Diary != nil)
	add("complaints", u.Complaints != nil)
	add("prescriptions", u.Prescriptions != nil)
	add("discharge_summary", u.DischargeSummary != nil)
	add("complications", u.Complications != nil)
	add("status", u.Status != nil)
	return fields
}

// IsEmpty reports whether the patch sets nothing.
func (u Update) IsEmpty() bool {
	return len(u.ChangedFields()) == 0
}

// EditableFields lists the patchable fields in display order.
var EditableFields = []string{
	"full_name", "birth_date", "region", "diagnosis", "topometry", "method_gray",
	"diary", "complaints", "prescriptions", "discharge_summary", "complications", "status",
}

// FieldLabels maps editable field names to the labels shown in bot prompts.
var FieldLabels = map[string]string{
	"full_name":         "Full name",
	"birth_date":        "Birth date",
	"region":            "Region",
	"diagnosis":         "Diagnosis",
	"topometry":         "Topometry",
	"method_gray":       "Methodology (Gy)",
	"diary":             "Diary",
	"complaints":        "Complaints",
	"prescriptions":     "Prescriptions",
	"discharge_summary": "Discharge summary",
	"complications":     "Complications",
	"status":            "Status",
}

// UpdateForField builds a single-field patch from a field name and its raw
// text value, parsing typed fields. Unknown fields are rejected.
func UpdateForField(field, value string) (Update, error) {
	value = strings.TrimSpace(value)

	var u Update
	switch field {
	case "full_name":
		u.FullName = &value
	case "birth_date":
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return Update{}, fmt.Errorf("birth_date must look like 2006-01-02: %w", err)
		}
		u.BirthDate = &t
	case "region":
		u.Region = &value
	case "diagnosis":
		u.Diagnosis = &value
	case "topometry":
		u.Topometry = &value
	case "method_gray":
		// Stored as an opaque numeric value; no clinical interpretation.
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Update{}, fmt.Errorf("method_gray must be a number: %w", err)
		}
		u.MethodGray = &f
	case "diary":
		u.Diary = &value
	case "complaints":
		u.Complaints = &value
	case "prescriptions":
		u.Prescriptions = &value
	case "discharge_summary":
		u.DischargeSummary = &value
	case "complications":
		u.Complications = &value
	case "status":
		u.Status = &value
	default:
		return Update{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return u, nil
}

// FieldValue renders the current value of the named field for display.
func (p *Patient) FieldValue(field string) string {
	str := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	switch field {
	case "full_name":
		return p.FullName
	case "birth_date":
		if p.BirthDate == nil {
			return ""
		}
		return p.BirthDate.Format("2006-01-02")
	case "region":
		return str(p.Region)
	case "diagnosis":
		return str(p.Diagnosis)
	case "topometry":
		return str(p.Topometry)
	case "method_gray":
		if p.MethodGray == nil {
			return ""
		}
		return strconv.FormatFloat(*p.MethodGray, 'f', -1, 64)
	case "diary":
		return str(p.Diary)
	case "complaints":
		return str(p.Complaints)
	case "prescriptions":
		return str(p.Prescriptions)
	case "discharge_summary":
		return str(p.DischargeSummary)
	case "complications":
		return str(p.Complications)
	case "status":
		return p.Status
	}
	return ""
}
