package investigation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lifeline/lifeline/internal/platform/ai"
	"github.com/lifeline/lifeline/internal/platform/auth"
	"github.com/lifeline/lifeline/internal/platform/notification"
	"github.com/lifeline/lifeline/internal/platform/websocket"
)

var (
	ErrNotFound     = errors.New("investigation not found")
	ErrForbidden    = errors.New("not allowed to access this record")
	ErrStepNotFound = errors.New("step not found")
	// ErrStepNotFailed means a reanalysis was requested for a step whose
	// analysis is not in the failed state.
	ErrStepNotFailed = errors.New("step analysis is not in a failed state")
)

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	ID   string
	Name string
	Role string
}

func (a Actor) userID() (uuid.UUID, error) {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("caller has no usable subject id")
	}
	return id, nil
}

func (a Actor) isClinician() bool {
	return a.Role == auth.RoleDoctor || a.Role == auth.RoleAdmin
}

// Directory resolves user ids to notification recipients.
type Directory interface {
	EmailByUserID(ctx context.Context, id uuid.UUID) (string, error)
}

// Intake resolves a finished interview session into the transcript a case
// submission is built from.
type Intake interface {
	TranscriptFor(ctx context.Context, userID string, sessionID uuid.UUID) (string, error)
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithPublisher wires real-time change events.
func WithPublisher(pub websocket.Publisher) Option {
	return func(s *Service) { s.pub = pub }
}

// WithNotifications wires templated notifications. reviewInbox is the shared
// address the doctor pool watches for new submissions.
func WithNotifications(n notification.Notifier, dir Directory, reviewInbox string) Option {
	return func(s *Service) {
		s.notifier = n
		s.directory = dir
		s.reviewInbox = reviewInbox
	}
}

// WithIntake enables submitting a case from a completed interview session.
func WithIntake(intake Intake) Option {
	return func(s *Service) { s.intake = intake }
}

// Service owns the investigation workflow: submissions, doctor transitions,
// and the two-phase AI attachment.
type Service struct {
	repo        Repository
	flow        ai.Client
	pub         websocket.Publisher
	notifier    notification.Notifier
	directory   Directory
	intake      Intake
	reviewInbox string
	logger      zerolog.Logger
}

func NewService(repo Repository, flow ai.Client, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		flow:   flow,
		logger: logger.With().Str("component", "investigation").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitInput is a patient's initial case submission: either a free-form
// transcript or a finished interview session to build it from.
type SubmitInput struct {
	Transcript         string     `json:"transcript"`
	ImageBlobID        *string    `json:"image_blob_id,omitempty"`
	InterviewSessionID *uuid.UUID `json:"interview_session_id,omitempty"`
}

// Submit creates a new record in pending_review with its initial step, then
// attaches the symptom analysis. The record persists even when the AI call
// fails; the step is left in ai_status=failed and can be reanalyzed later.
func (s *Service) Submit(ctx context.Context, actor Actor, in SubmitInput) (*Record, error) {
	patientID, err := actor.userID()
	if err != nil {
		return nil, err
	}
	if in.InterviewSessionID != nil {
		if s.intake == nil {
			return nil, fmt.Errorf("interview submissions are not enabled")
		}
		transcript, err := s.intake.TranscriptFor(ctx, actor.ID, *in.InterviewSessionID)
		if err != nil {
			return nil, fmt.Errorf("interview session: %w", err)
		}
		in.Transcript = transcript
	}
	if strings.TrimSpace(in.Transcript) == "" {
		return nil, fmt.Errorf("a symptom transcript is required")
	}

	rec := &Record{
		PatientID:   patientID,
		PatientName: actor.Name,
		Status:      StatusPendingReview,
	}
	step := &Step{
		Type:        StepInitialSubmission,
		Transcript:  in.Transcript,
		ImageBlobID: in.ImageBlobID,
		AIStatus:    AIPending,
	}
	if err := s.repo.Create(ctx, rec, step); err != nil {
		return nil, fmt.Errorf("create investigation: %w", err)
	}
	rec.Steps = []*Step{step}

	s.attachAnalysis(ctx, rec, step)
	s.publish(ctx, websocket.EventRecordCreated, rec)
	s.notifyReviewers(ctx, rec, step)
	return rec, nil
}

// Reanalyze retries a failed AI attachment on one step. Unlike submission,
// a flow failure here surfaces to the caller.
func (s *Service) Reanalyze(ctx context.Context, actor Actor, recordID uuid.UUID, seq int) (*Record, error) {
	rec, err := s.get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(actor, rec); err != nil {
		return nil, err
	}

	var step *Step
	for _, st := range rec.Steps {
		if st.Seq == seq {
			step = st
			break
		}
	}
	if step == nil {
		return nil, ErrStepNotFound
	}
	if step.AIStatus != AIFailed {
		return nil, ErrStepNotFailed
	}

	res, err := s.analyze(ctx, rec, step)
	if err != nil {
		return nil, fmt.Errorf("reanalyze step %d: %w", seq, err)
	}
	s.applyAnalysis(ctx, step, res)
	s.publish(ctx, websocket.EventStepAppended, rec)
	return rec, nil
}

// Get loads one record for the caller: the owning patient, any clinician.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Record, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(actor, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Queue lists records in one status for the review dashboard, oldest first.
func (s *Service) Queue(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	if status == "" {
		status = StatusPendingReview
	}
	if !ValidStatuses[status] {
		return nil, 0, fmt.Errorf("unknown status: %s", status)
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// Mine lists the calling patient's own records.
func (s *Service) Mine(ctx context.Context, actor Actor, limit, offset int) ([]*Record, int, error) {
	id, err := actor.userID()
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListByPatient(ctx, id, limit, offset)
}

// Assigned lists records the calling doctor has acted on.
func (s *Service) Assigned(ctx context.Context, actor Actor, limit, offset int) ([]*Record, int, error) {
	id, err := actor.userID()
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListByReviewer(ctx, id, limit, offset)
}

// RequestLabTests moves a pending case to awaiting_lab_results with a
// validated plan naming at least one test.
func (s *Service) RequestLabTests(ctx context.Context, actor Actor, recordID uuid.UUID, version int, plan *DoctorPlan) (*Record, error) {
	if err := plan.Validate(true); err != nil {
		return nil, err
	}
	rec, err := s.transition(ctx, actor, recordID, version, ActionRequestLabTests, func(rec *Record) {
		rec.DoctorPlan = plan
	})
	if err != nil {
		return nil, err
	}
	s.notifyPatient(ctx, rec, notification.TemplateLabTestsRequested, map[string]string{
		"lab_tests": strings.Join(plan.SuggestedLabTests, ", "),
	})
	return rec, nil
}

// ScheduleFollowUp moves a pending case to awaiting_follow_up_visit. The plan
// is optional; when present it may carry preliminary medications and a note.
func (s *Service) ScheduleFollowUp(ctx context.Context, actor Actor, recordID uuid.UUID, version int, plan *DoctorPlan) (*Record, error) {
	if plan != nil {
		if err := plan.Validate(false); err != nil {
			return nil, err
		}
	}
	rec, err := s.transition(ctx, actor, recordID, version, ActionScheduleFollowUp, func(rec *Record) {
		if plan != nil {
			rec.DoctorPlan = plan
		}
	})
	if err != nil {
		return nil, err
	}
	note := ""
	if plan != nil {
		note = plan.Note
	}
	s.notifyPatient(ctx, rec, notification.TemplateFollowUpScheduled, map[string]string{"note": note})
	return rec, nil
}

// Escalate moves a pending case directly to final review.
func (s *Service) Escalate(ctx context.Context, actor Actor, recordID uuid.UUID, version int) (*Record, error) {
	return s.transition(ctx, actor, recordID, version, ActionEscalate, nil)
}

// Complete closes a case with a final diagnosis and treatment plan. Replaying
// an identical completion is a no-op; a divergent one is rejected.
func (s *Service) Complete(ctx context.Context, actor Actor, recordID uuid.UUID, version int, diagnosis []Condition, plan *TreatmentPlan, note string) (*Record, error) {
	if len(diagnosis) == 0 {
		return nil, fmt.Errorf("a final diagnosis is required")
	}
	for _, d := range diagnosis {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("diagnosis entries must be named")
		}
		if d.Probability < 0 || d.Probability > 100 {
			return nil, fmt.Errorf("diagnosis probability must be between 0 and 100")
		}
	}
	if plan == nil || (len(plan.Medications) == 0 && len(plan.LifestyleChanges) == 0 && plan.FollowUp == "") {
		return nil, fmt.Errorf("a treatment plan is required")
	}

	rec, err := s.get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusCompleted {
		if !actor.isClinician() {
			return nil, ErrActorNotAllowed
		}
		if reflect.DeepEqual(rec.FinalDiagnosis, diagnosis) &&
			reflect.DeepEqual(rec.FinalTreatmentPlan, plan) &&
			noteEqual(rec.DoctorNote, note) {
			return rec, nil
		}
		return nil, ErrTerminalStatus
	}

	rec, err = s.transition(ctx, actor, recordID, version, ActionComplete, func(rec *Record) {
		rec.FinalDiagnosis = diagnosis
		rec.FinalTreatmentPlan = plan
		if note != "" {
			rec.DoctorNote = &note
		}
	})
	if err != nil {
		return nil, err
	}
	s.notifyPatient(ctx, rec, notification.TemplateCaseCompleted, nil)
	return rec, nil
}

// Reject closes a case with a non-empty note explaining why.
func (s *Service) Reject(ctx context.Context, actor Actor, recordID uuid.UUID, version int, note string) (*Record, error) {
	if strings.TrimSpace(note) == "" {
		return nil, fmt.Errorf("a rejection note is required")
	}

	rec, err := s.get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusRejected {
		if !actor.isClinician() {
			return nil, ErrActorNotAllowed
		}
		if noteEqual(rec.DoctorNote, note) {
			return rec, nil
		}
		return nil, ErrTerminalStatus
	}

	rec, err = s.transition(ctx, actor, recordID, version, ActionReject, func(rec *Record) {
		rec.DoctorNote = &note
	})
	if err != nil {
		return nil, err
	}
	s.notifyPatient(ctx, rec, notification.TemplateCaseRejected, map[string]string{"note": note})
	return rec, nil
}

// SubmitLabResults appends a lab_result_submission step with the uploaded
// result scans and advances the case to final review.
func (s *Service) SubmitLabResults(ctx context.Context, actor Actor, recordID uuid.UUID, uploads []LabUpload, transcript string) (*Record, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("at least one lab result upload is required")
	}
	for _, u := range uploads {
		if strings.TrimSpace(u.TestName) == "" || strings.TrimSpace(u.BlobID) == "" {
			return nil, fmt.Errorf("each upload needs a test name and a blob id")
		}
	}

	return s.appendPatientStep(ctx, actor, recordID, ActionSubmitLabResults, func(rec *Record) (*Step, error) {
		if rec.DoctorPlan != nil && len(rec.DoctorPlan.SuggestedLabTests) > 0 {
			requested := make(map[string]bool, len(rec.DoctorPlan.SuggestedLabTests))
			for _, t := range rec.DoctorPlan.SuggestedLabTests {
				requested[t] = true
			}
			for _, u := range uploads {
				if !requested[u.TestName] {
					return nil, fmt.Errorf("test %q was not requested", u.TestName)
				}
			}
		}
		return &Step{
			Type:       StepLabResultSubmission,
			Transcript: transcript,
			LabUploads: uploads,
			AIStatus:   AIPending,
		}, nil
	})
}

// SubmitFollowUp appends a follow_up_submission step with the patient's
// report and advances the case to final review.
func (s *Service) SubmitFollowUp(ctx context.Context, actor Actor, recordID uuid.UUID, transcript string) (*Record, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("a follow-up report is required")
	}
	return s.appendPatientStep(ctx, actor, recordID, ActionSubmitFollowUp, func(rec *Record) (*Step, error) {
		return &Step{
			Type:       StepFollowUpSubmission,
			Transcript: transcript,
			AIStatus:   AIPending,
		}, nil
	})
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) authorizeView(actor Actor, rec *Record) error {
	if actor.isClinician() {
		return nil
	}
	if id, err := actor.userID(); err == nil && id == rec.PatientID {
		return nil
	}
	return ErrForbidden
}

// transition applies one doctor action under optimistic concurrency: the
// caller's version must match the stored one or the write is rejected.
func (s *Service) transition(ctx context.Context, actor Actor, recordID uuid.UUID, version int, action Action, mutate func(*Record)) (*Record, error) {
	rec, err := s.get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	next, err := Transition(rec.Status, actor.Role, action)
	if err != nil {
		return nil, err
	}
	if rec.Version != version {
		return nil, ErrVersionConflict
	}

	rec.Status = next
	s.setReviewer(rec, actor)
	if mutate != nil {
		mutate(rec)
	}
	if err := s.repo.Update(ctx, rec, version); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("action", string(action)).
		Str("status", string(rec.Status)).
		Int("version", rec.Version).
		Msg("investigation transitioned")
	s.publish(ctx, websocket.EventStatusChanged, rec)
	return rec, nil
}

// appendPatientStep handles both patient submissions: verify ownership and
// state, persist the step, attach the analysis, then advance the status.
func (s *Service) appendPatientStep(ctx context.Context, actor Actor, recordID uuid.UUID, action Action, build func(*Record) (*Step, error)) (*Record, error) {
	rec, err := s.get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if actor.Role != auth.RoleAdmin {
		id, err := actor.userID()
		if err != nil || id != rec.PatientID {
			return nil, ErrForbidden
		}
	}
	next, err := Transition(rec.Status, actor.Role, action)
	if err != nil {
		return nil, err
	}

	step, err := build(rec)
	if err != nil {
		return nil, err
	}
	step.RecordID = rec.ID

	// The step insert and the status change commit together: a concurrent
	// writer that bumped the version rolls the step back with the update.
	version := rec.Version
	rec.Status = next
	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.AppendStep(ctx, step); err != nil {
			return fmt.Errorf("append step: %w", err)
		}
		return s.repo.Update(ctx, rec, version)
	})
	if err != nil {
		return nil, err
	}
	rec.Steps = append(rec.Steps, step)
	s.attachAnalysis(ctx, rec, step)

	s.publish(ctx, websocket.EventStepAppended, rec)
	s.publish(ctx, websocket.EventStatusChanged, rec)
	s.notifyReviewers(ctx, rec, step)
	return rec, nil
}

func (s *Service) setReviewer(rec *Record, actor Actor) {
	if rec.ReviewedByID != nil {
		return
	}
	id, err := actor.userID()
	if err != nil {
		return
	}
	name := actor.Name
	rec.ReviewedByID = &id
	rec.ReviewedByName = &name
}

// analyze runs the flow call appropriate for the step type.
func (s *Service) analyze(ctx context.Context, rec *Record, step *Step) (*ai.Analysis, error) {
	switch step.Type {
	case StepLabResultSubmission:
		req := ai.LabAnalysisRequest{Transcript: step.Transcript}
		if rec.DoctorPlan != nil {
			req.LabTests = rec.DoctorPlan.SuggestedLabTests
		}
		for _, u := range step.LabUploads {
			req.BlobIDs = append(req.BlobIDs, u.BlobID)
		}
		return s.flow.AnalyzeLabResults(ctx, req)
	default:
		req := ai.SymptomAnalysisRequest{Transcript: step.Transcript}
		if step.ImageBlobID != nil {
			req.ImageBlobID = *step.ImageBlobID
		}
		return s.flow.AnalyzeSymptoms(ctx, req)
	}
}

// attachAnalysis is phase two of a submission: the step is already persisted,
// so a flow failure only marks it failed.
func (s *Service) attachAnalysis(ctx context.Context, rec *Record, step *Step) {
	res, err := s.analyze(ctx, rec, step)
	if err != nil {
		step.AIStatus = AIFailed
		s.logger.Warn().Err(err).
			Str("record_id", step.RecordID.String()).
			Int("seq", step.Seq).
			Msg("analysis failed, step kept without attachment")
		if uerr := s.repo.UpdateStepAI(ctx, step); uerr != nil {
			s.logger.Error().Err(uerr).Msg("failed to mark step analysis failed")
		}
		return
	}
	s.applyAnalysis(ctx, step, res)
}

func (s *Service) applyAnalysis(ctx context.Context, step *Step, res *ai.Analysis) {
	step.AIStatus = AIAttached
	urgency := res.Urgency
	step.AIUrgency = &urgency
	step.AIConditions = step.AIConditions[:0]
	for _, c := range res.Conditions {
		step.AIConditions = append(step.AIConditions, Condition{Name: c.Name, Probability: c.Probability})
	}
	step.AINextSteps = res.NextSteps
	step.AIFinalReady = res.FinalPossible
	if err := s.repo.UpdateStepAI(ctx, step); err != nil {
		s.logger.Error().Err(err).
			Str("record_id", step.RecordID.String()).
			Int("seq", step.Seq).
			Msg("failed to persist step analysis")
	}
}

func (s *Service) publish(ctx context.Context, eventType string, rec *Record) {
	if s.pub == nil {
		return
	}
	s.pub.PublishRecordChange(ctx, websocket.Event{
		Type:      eventType,
		RecordID:  rec.ID.String(),
		PatientID: rec.PatientID.String(),
		Status:    string(rec.Status),
		Version:   rec.Version,
	})
}

func (s *Service) notifyPatient(ctx context.Context, rec *Record, templateID string, extra map[string]string) {
	if s.notifier == nil || s.directory == nil {
		return
	}
	email, err := s.directory.EmailByUserID(ctx, rec.PatientID)
	if err != nil || email == "" {
		return
	}
	data := map[string]string{"patient_name": rec.PatientName}
	if rec.ReviewedByName != nil {
		data["doctor_name"] = *rec.ReviewedByName
	}
	for k, v := range extra {
		data[k] = v
	}
	s.notifier.Notify(ctx, templateID, data, email)
}

func (s *Service) notifyReviewers(ctx context.Context, rec *Record, step *Step) {
	if s.notifier == nil || s.reviewInbox == "" {
		return
	}
	data := map[string]string{"patient_name": rec.PatientName}
	if step.AIUrgency != nil {
		data["urgency"] = *step.AIUrgency
	}
	s.notifier.Notify(ctx, notification.TemplateReviewReady, data, s.reviewInbox)
}

func noteEqual(stored *string, note string) bool {
	if stored == nil {
		return note == ""
	}
	return *stored == note
}
