package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG implements Repository on PostgreSQL.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const patientCols = `id, public_id, full_name, birth_date, region, diagnosis, topometry,
	method_gray, diary, complaints, prescriptions, discharge_summary, complications,
	status, created_by, updated_by, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.PublicID, &p.FullName, &p.BirthDate, &p.Region, &p.Diagnosis, &p.Topometry,
		&p.MethodGray, &p.Diary, &p.Complaints, &p.Prescriptions, &p.DischargeSummary, &p.Complications,
		&p.Status, &p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *RepoPG) Create(ctx context.Context, p *Patient) error {
	q := `INSERT INTO patients (public_id, full_name, birth_date, region, diagnosis, topometry,
		method_gray, diary, complaints, prescriptions, discharge_summary, complications,
		status, created_by, updated_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	RETURNING id, created_at, updated_at`

	return r.pool.QueryRow(ctx, q,
		p.PublicID, p.FullName, p.BirthDate, p.Region, p.Diagnosis, p.Topometry,
		p.MethodGray, p.Diary, p.Complaints, p.Prescriptions, p.DischargeSummary, p.Complications,
		p.Status, p.CreatedBy, p.UpdatedBy,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *RepoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	q := fmt.Sprintf("SELECT %s FROM patients WHERE id = $1", patientCols)
	return scanPatient(r.pool.QueryRow(ctx, q, id))
}

func (r *RepoPG) GetByPublicID(ctx context.Context, publicID string) (*Patient, error) {
	q := fmt.Sprintf("SELECT %s FROM patients WHERE public_id = $1", patientCols)
	return scanPatient(r.pool.QueryRow(ctx, q, publicID))
}

// Update merges the patch at field granularity: COALESCE keeps the stored
// value for every field the patch leaves nil, so concurrent edits to
// different fields both survive.
func (r *RepoPG) Update(ctx context.Context, id int64, u Update) (*Patient, error) {
	q := fmt.Sprintf(`UPDATE patients SET
		full_name = COALESCE($2, full_name),
		birth_date = COALESCE($3, birth_date),
		region = COALESCE($4, region),
		diagnosis = COALESCE($5, diagnosis),
		topometry = COALESCE($6, topometry),
		method_gray = COALESCE($7, method_gray),
		diary = COALESCE($8, diary),
		complaints = COALESCE($9, complaints),
		prescriptions = COALESCE($10, prescriptions),
		discharge_summary = COALESCE($11, discharge_summary),
		complications = COALESCE($12, complications),
		status = COALESCE($13, status),
		updated_by = COALESCE($14, updated_by),
		updated_at = NOW()
	WHERE id = $1
	RETURNING %s`, patientCols)

	return scanPatient(r.pool.QueryRow(ctx, q, id,
		u.FullName, u.BirthDate, u.Region, u.Diagnosis, u.Topometry, u.MethodGray,
		u.Diary, u.Complaints, u.Prescriptions, u.DischargeSummary, u.Complications,
		u.Status, u.UpdatedBy,
	))
}

func (r *RepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM patients WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForViewer computes, in a single query per call: the latest ledger
// ordinal and timestamp per patient, the viewer's watermark (0 when the
// viewer never opened the card), and the unread flag.
func (r *RepoPG) ListForViewer(ctx context.Context, viewerID uuid.UUID) ([]*Overview, error) {
	q := fmt.Sprintf(`SELECT %s,
		latest.change_id, latest.changed_at,
		COALESCE(v.last_seen_change_id, 0) AS watermark,
		(latest.change_id IS NOT NULL AND latest.change_id > COALESCE(v.last_seen_change_id, 0)) AS has_unread
	FROM patients p
	LEFT JOIN (
		SELECT patient_id, MAX(id) AS change_id, MAX(created_at) AS changed_at
		FROM patient_changes
		GROUP BY patient_id
	) latest ON latest.patient_id = p.id
	LEFT JOIN patient_views v ON v.patient_id = p.id AND v.viewer_id = $1
	ORDER BY p.created_at DESC, p.id DESC`, prefixCols("p", patientCols))

	rows, err := r.pool.Query(ctx, q, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Overview
	for rows.Next() {
		var o Overview
		err := rows.Scan(
			&o.ID, &o.PublicID, &o.FullName, &o.BirthDate, &o.Region, &o.Diagnosis, &o.Topometry,
			&o.MethodGray, &o.Diary, &o.Complaints, &o.Prescriptions, &o.DischargeSummary, &o.Complications,
			&o.Status, &o.CreatedBy, &o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt,
			&o.LatestChangeID, &o.LatestChangeAt, &o.Watermark, &o.HasUnread,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, &o)
	}
	return items, rows.Err()
}

// NextPublicID ignores identifiers containing anything but decimal digits
// and floors the maximum at 999, so generated identifiers start at "1000".
// The NUMERIC cast keeps digit-only identifiers longer than the bigint
// range from breaking the computation.
func (r *RepoPG) NextPublicID(ctx context.Context) (string, error) {
	q := `SELECT (GREATEST(COALESCE(MAX(public_id::NUMERIC), 0), 999) + 1)::TEXT
	FROM patients
	WHERE public_id ~ '^[0-9]+$'`

	var next string
	if err := r.pool.QueryRow(ctx, q).Scan(&next); err != nil {
		return "", err
	}
	return next, nil
}

// prefixCols qualifies each column in a comma-separated list with a table
// alias for use in joined queries.
func prefixCols(alias, cols string) string {
	out := ""
	for i, c := range splitCols(cols) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitCols(cols string) []string {
	var out []string
	field := ""
	for _, ch := range cols {
		switch ch {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\t', '\n':
		default:
			field += string(ch)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

// ChangeRepoPG implements ChangeRepository on PostgreSQL.
type ChangeRepoPG struct {
	pool *pgxpool.Pool
}

func NewChangeRepoPG(pool *pgxpool.Pool) *ChangeRepoPG {
	return &ChangeRepoPG{pool: pool}
}

func (r *ChangeRepoPG) Record(ctx context.Context, patientID int64, actorID *uuid.UUID, source string, description *string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO patient_changes (patient_id, actor_id, source, description)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		patientID, actorID, source, description,
	).Scan(&id)
	return id, err
}

func (r *ChangeRepoPG) ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*ChangeEvent, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM patient_changes WHERE patient_id = $1", patientID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, patient_id, actor_id, source, description, created_at
		FROM patient_changes
		WHERE patient_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`,
		patientID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*ChangeEvent
	for rows.Next() {
		var e ChangeEvent
		if err := rows.Scan(&e.ID, &e.PatientID, &e.ActorID, &e.Source, &e.Description, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}

func (r *ChangeRepoPG) LatestOrdinal(ctx context.Context, patientID int64) (int64, error) {
	var latest int64
	err := r.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM patient_changes WHERE patient_id = $1",
		patientID,
	).Scan(&latest)
	return latest, err
}

// ViewRepoPG implements ViewRepository on PostgreSQL.
type ViewRepoPG struct {
	pool *pgxpool.Pool
}

func NewViewRepoPG(pool *pgxpool.Pool) *ViewRepoPG {
	return &ViewRepoPG{pool: pool}
}

// MarkSeen is a single atomic upsert: two concurrent calls for the same
// (patient, viewer) pair never produce a duplicate row, only last-write-wins.
func (r *ViewRepoPG) MarkSeen(ctx context.Context, patientID int64, viewerID uuid.UUID, changeID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO patient_views (patient_id, viewer_id, last_seen_change_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id, viewer_id)
		DO UPDATE SET last_seen_change_id = EXCLUDED.last_seen_change_id`,
		patientID, viewerID, changeID,
	)
	return err
}
