package investigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lifeline/lifeline/internal/platform/db"
)

// ErrVersionConflict means the record changed since the writer read it.
var ErrVersionConflict = errors.New("record version conflict")

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *recordRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(db.WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const recordCols = `id, patient_id, patient_name, status, doctor_plan, final_diagnosis,
	final_treatment_plan, doctor_note, reviewed_by_id, reviewed_by_name, version,
	created_at, updated_at`

const stepCols = `id, record_id, seq, type, transcript, image_blob_id, lab_uploads,
	ai_status, ai_urgency, ai_conditions, ai_next_steps, ai_final_possible, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec            Record
		plan, diag, tp []byte
	)
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.PatientName, &rec.Status,
		&plan, &diag, &tp, &rec.DoctorNote, &rec.ReviewedByID, &rec.ReviewedByName,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &rec.DoctorPlan); err != nil {
			return nil, fmt.Errorf("decode doctor_plan: %w", err)
		}
	}
	if len(diag) > 0 {
		if err := json.Unmarshal(diag, &rec.FinalDiagnosis); err != nil {
			return nil, fmt.Errorf("decode final_diagnosis: %w", err)
		}
	}
	if len(tp) > 0 {
		if err := json.Unmarshal(tp, &rec.FinalTreatmentPlan); err != nil {
			return nil, fmt.Errorf("decode final_treatment_plan: %w", err)
		}
	}
	return &rec, nil
}

func scanStep(row pgx.Row) (*Step, error) {
	var (
		s                 Step
		uploads, conds, ns []byte
	)
	err := row.Scan(&s.ID, &s.RecordID, &s.Seq, &s.Type, &s.Transcript, &s.ImageBlobID,
		&uploads, &s.AIStatus, &s.AIUrgency, &conds, &ns, &s.AIFinalReady, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(uploads) > 0 {
		if err := json.Unmarshal(uploads, &s.LabUploads); err != nil {
			return nil, fmt.Errorf("decode lab_uploads: %w", err)
		}
	}
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &s.AIConditions); err != nil {
			return nil, fmt.Errorf("decode ai_conditions: %w", err)
		}
	}
	if len(ns) > 0 {
		if err := json.Unmarshal(ns, &s.AINextSteps); err != nil {
			return nil, fmt.Errorf("decode ai_next_steps: %w", err)
		}
	}
	return &s, nil
}

func marshalOrNil(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case *DoctorPlan:
		if t == nil {
			return nil, nil
		}
	case *TreatmentPlan:
		if t == nil {
			return nil, nil
		}
	case []Condition:
		if t == nil {
			return nil, nil
		}
	case []LabUpload:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record, first *Step) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Version = 1

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO investigation (id, patient_id, patient_name, status, version)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.ID, rec.PatientID, rec.PatientName, rec.Status, rec.Version)
	if err != nil {
		return err
	}

	first.RecordID = rec.ID
	first.Seq = 1
	return r.AppendStep(ctx, first)
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM investigation WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+stepCols+` FROM investigation_step WHERE record_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		rec.Steps = append(rec.Steps, s)
	}
	return rec, rows.Err()
}

func (r *recordRepoPG) Update(ctx context.Context, rec *Record, expectedVersion int) error {
	plan, err := marshalOrNil(rec.DoctorPlan)
	if err != nil {
		return err
	}
	diag, err := marshalOrNil(rec.FinalDiagnosis)
	if err != nil {
		return err
	}
	tp, err := marshalOrNil(rec.FinalTreatmentPlan)
	if err != nil {
		return err
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE investigation
		SET status=$3, doctor_plan=$4, final_diagnosis=$5, final_treatment_plan=$6,
		    doctor_note=$7, reviewed_by_id=$8, reviewed_by_name=$9,
		    version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2`,
		rec.ID, expectedVersion, rec.Status, plan, diag, tp,
		rec.DoctorNote, rec.ReviewedByID, rec.ReviewedByName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (r *recordRepoPG) AppendStep(ctx context.Context, step *Step) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.Seq == 0 {
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COALESCE(MAX(seq),0)+1 FROM investigation_step WHERE record_id = $1`,
			step.RecordID).Scan(&step.Seq); err != nil {
			return err
		}
	}
	uploads, err := marshalOrNil(step.LabUploads)
	if err != nil {
		return err
	}
	conds, err := marshalOrNil(step.AIConditions)
	if err != nil {
		return err
	}
	ns, err := marshalOrNil(step.AINextSteps)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO investigation_step
			(id, record_id, seq, type, transcript, image_blob_id, lab_uploads,
			 ai_status, ai_urgency, ai_conditions, ai_next_steps, ai_final_possible)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		step.ID, step.RecordID, step.Seq, step.Type, step.Transcript, step.ImageBlobID,
		uploads, step.AIStatus, step.AIUrgency, conds, ns, step.AIFinalReady)
	return err
}

func (r *recordRepoPG) UpdateStepAI(ctx context.Context, step *Step) error {
	conds, err := marshalOrNil(step.AIConditions)
	if err != nil {
		return err
	}
	ns, err := marshalOrNil(step.AINextSteps)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE investigation_step
		SET ai_status=$2, ai_urgency=$3, ai_conditions=$4, ai_next_steps=$5,
		    ai_final_possible=$6
		WHERE id = $1`,
		step.ID, step.AIStatus, step.AIUrgency, conds, ns, step.AIFinalReady)
	return err
}

func (r *recordRepoPG) list(ctx context.Context, where, order string, args []interface{}, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM investigation WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+recordCols+` FROM investigation WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		where, order, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *recordRepoPG) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	return r.list(ctx, `status = $1`, `created_at ASC`, []interface{}{status}, limit, offset)
}

func (r *recordRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	return r.list(ctx, `patient_id = $1`, `created_at DESC`, []interface{}{patientID}, limit, offset)
}

func (r *recordRepoPG) ListByReviewer(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	return r.list(ctx, `reviewed_by_id = $1`, `updated_at DESC`, []interface{}{doctorID}, limit, offset)
}
