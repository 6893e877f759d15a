package investigation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an investigation record.
type Status string

const (
	StatusPendingReview      Status = "pending_review"
	StatusAwaitingLabResults Status = "awaiting_lab_results"
	StatusPendingFinalReview Status = "pending_final_review"
	StatusAwaitingFollowUp   Status = "awaiting_follow_up_visit"
	StatusCompleted          Status = "completed"
	StatusRejected           Status = "rejected"
)

// ValidStatuses enumerates every recognized status value.
var ValidStatuses = map[Status]bool{
	StatusPendingReview:      true,
	StatusAwaitingLabResults: true,
	StatusPendingFinalReview: true,
	StatusAwaitingFollowUp:   true,
	StatusCompleted:          true,
	StatusRejected:           true,
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Step types, in the order a case can accrue them.
const (
	StepInitialSubmission   = "initial_submission"
	StepLabResultSubmission = "lab_result_submission"
	StepFollowUpSubmission  = "follow_up_submission"
)

// AI attachment states for a step. A record is never blocked on the flow
// service: the step persists first, the analysis attaches after.
const (
	AIPending  = "pending"
	AIAttached = "attached"
	AIFailed   = "failed"
)

// Condition is a candidate diagnosis with an estimated probability (0-100).
type Condition struct {
	Name        string `json:"name"`
	Probability int    `json:"probability"`
}

// LabUpload ties one requested test to the blob holding its result scan.
type LabUpload struct {
	TestName string `json:"test_name"`
	BlobID   string `json:"blob_id"`
}

// Step is one submission in a case: the initial intake, a batch of lab
// results, or a follow-up report. Steps are append-only and ordered by Seq.
type Step struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	RecordID      uuid.UUID   `db:"record_id" json:"record_id"`
	Seq           int         `db:"seq" json:"seq"`
	Type          string      `db:"type" json:"type"`
	Transcript    string      `db:"transcript" json:"transcript"`
	ImageBlobID   *string     `db:"image_blob_id" json:"image_blob_id,omitempty"`
	LabUploads    []LabUpload `db:"lab_uploads" json:"lab_uploads,omitempty"`
	AIStatus      string      `db:"ai_status" json:"ai_status"`
	AIUrgency     *string     `db:"ai_urgency" json:"ai_urgency,omitempty"`
	AIConditions  []Condition `db:"ai_conditions" json:"ai_conditions,omitempty"`
	AINextSteps   []string    `db:"ai_next_steps" json:"ai_next_steps,omitempty"`
	AIFinalReady  bool        `db:"ai_final_possible" json:"ai_final_possible"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// Medication is one prescribed or suggested medication line.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
}

// DoctorPlan is the structured plan a doctor attaches when requesting lab
// tests or arranging a follow-up.
type DoctorPlan struct {
	PreliminaryMedications []Medication `json:"preliminary_medications,omitempty"`
	SuggestedLabTests      []string     `json:"suggested_lab_tests,omitempty"`
	Note                   string       `json:"note,omitempty"`
}

// Validate checks the plan's internal consistency. requireTests is set when
// the plan accompanies a lab-test request.
func (p *DoctorPlan) Validate(requireTests bool) error {
	if p == nil {
		return fmt.Errorf("plan is required")
	}
	if requireTests && len(p.SuggestedLabTests) == 0 {
		return fmt.Errorf("at least one lab test is required")
	}
	for _, t := range p.SuggestedLabTests {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("lab test names must not be empty")
		}
	}
	for _, m := range p.PreliminaryMedications {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("medication name is required")
		}
	}
	return nil
}

// TreatmentPlan is the final plan recorded on completion.
type TreatmentPlan struct {
	Medications      []Medication `json:"medications,omitempty"`
	LifestyleChanges []string     `json:"lifestyle_changes,omitempty"`
	FollowUp         string       `json:"follow_up,omitempty"`
}

// Record is one patient case moving through review. PatientID and PatientName
// are immutable after creation; ReviewedBy is set on the first doctor action
// and never reassigned. Version increments on every status-changing write.
type Record struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	PatientID          uuid.UUID      `db:"patient_id" json:"patient_id"`
	PatientName        string         `db:"patient_name" json:"patient_name"`
	Status             Status         `db:"status" json:"status"`
	DoctorPlan         *DoctorPlan    `db:"doctor_plan" json:"doctor_plan,omitempty"`
	FinalDiagnosis     []Condition    `db:"final_diagnosis" json:"final_diagnosis,omitempty"`
	FinalTreatmentPlan *TreatmentPlan `db:"final_treatment_plan" json:"final_treatment_plan,omitempty"`
	DoctorNote         *string        `db:"doctor_note" json:"doctor_note,omitempty"`
	ReviewedByID       *uuid.UUID     `db:"reviewed_by_id" json:"reviewed_by_id,omitempty"`
	ReviewedByName     *string        `db:"reviewed_by_name" json:"reviewed_by_name,omitempty"`
	Version            int            `db:"version" json:"version"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
	Steps              []*Step        `json:"steps,omitempty"`
}

// LatestStep returns the step with the highest Seq, or nil.
func (r *Record) LatestStep() *Step {
	if len(r.Steps) == 0 {
		return nil
	}
	latest := r.Steps[0]
	for _, s := range r.Steps[1:] {
		if s.Seq > latest.Seq {
			latest = s
		}
	}
	return latest
}
