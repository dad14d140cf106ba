package attendance

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// Repository persists attendance in Postgres (pgx) or SQLite through database/sql.
// Uniqueness is enforced by the schema; the service-level guard is only a fast path.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, session_id, student_id, class_id, subject_id, attendance_date, status,
	arrival_time, late_minutes, marked_by, created_at, corrected_by, corrected_at`

// HasPosting checks for any record under the (class, subject, date) key.
func (r *Repository) HasPosting(ctx context.Context, classID, subjectID string, date time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records
			WHERE class_id = $1 AND subject_id = $2 AND attendance_date = $3
		)
	`, classID, subjectID, dateArg(date)).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "checking posting")
	}
	return exists, nil
}

// InsertPosting writes the session row and all records in one transaction.
func (r *Repository) InsertPosting(ctx context.Context, sess Session, records []Record) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning posting")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, class_id, subject_id, attendance_date, total_students,
			present_count, late_count, absent_count, posted_by, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (class_id, subject_id, attendance_date) DO NOTHING
	`, sess.ID, sess.ClassID, sess.SubjectID, dateArg(sess.Date), sess.TotalStudents,
		sess.PresentCount, sess.LateCount, sess.AbsentCount, sess.PostedBy, sess.PostedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "inserting session")
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		return ErrAlreadyPosted
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, class_id, subject_id, attendance_date,
			status, arrival_time, late_minutes, marked_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing record insert")
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err = stmt.ExecContext(ctx, rec.ID, rec.SessionID, rec.StudentID, rec.ClassID, rec.SubjectID,
			dateArg(rec.Date), string(rec.Status), utcPtr(rec.ArrivalTime), rec.LateMinutes, rec.MarkedBy, rec.CreatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				err = ErrAlreadyPosted
				return err
			}
			return errors.Wrapf(err, "inserting record for student %s", rec.StudentID)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing posting")
	}
	return nil
}

// GetSession returns the rollup for a posting.
func (r *Repository) GetSession(ctx context.Context, classID, subjectID string, date time.Time) (Session, error) {
	var s Session
	err := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, subject_id, attendance_date, total_students, present_count, late_count,
			absent_count, posted_by, posted_at
		FROM attendance_sessions
		WHERE class_id = $1 AND subject_id = $2 AND attendance_date = $3
	`, classID, subjectID, dateArg(date)).Scan(&s.ID, &s.ClassID, &s.SubjectID, &s.Date, &s.TotalStudents,
		&s.PresentCount, &s.LateCount, &s.AbsentCount, &s.PostedBy, &s.PostedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, errors.Wrap(err, "getting session")
	}
	s.Date = DateOf(s.Date)
	return s, nil
}

// ListRecords returns records with basic filters, newest date first.
// Offset only applies together with a positive Limit.
func (r *Repository) ListRecords(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	args := []any{}
	clauses := []string{}
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, clause+" $"+strconv.Itoa(len(args)))
	}
	if f.ClassID != "" {
		add("class_id =", f.ClassID)
	}
	if f.SubjectID != "" {
		add("subject_id =", f.SubjectID)
	}
	if f.StudentID != "" {
		add("student_id =", f.StudentID)
	}
	if !f.From.IsZero() {
		add("attendance_date >=", dateArg(f.From))
	}
	if !f.To.IsZero() {
		add("attendance_date <=", dateArg(f.To))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY attendance_date DESC, student_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			query += " OFFSET $" + strconv.Itoa(len(args))
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing records")
	}
	defer rows.Close()

	res := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning record")
		}
		res = append(res, rec)
	}
	return res, errors.Wrap(rows.Err(), "listing records")
}

// UpdateRecord applies a correction to exactly one row; created_at is never touched.
func (r *Repository) UpdateRecord(ctx context.Context, c Correction) (Record, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $1, arrival_time = $2, late_minutes = $3, corrected_by = $4, corrected_at = $5
		WHERE student_id = $6 AND class_id = $7 AND subject_id = $8 AND attendance_date = $9
	`, string(c.Status), utcPtr(c.ArrivalTime), c.LateMinutes, c.CorrectedBy, c.CorrectedAt.UTC(),
		c.StudentID, c.ClassID, c.SubjectID, dateArg(c.Date))
	if err != nil {
		return Record{}, errors.Wrap(err, "updating record")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Record{}, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND class_id = $2 AND subject_id = $3 AND attendance_date = $4`,
		c.StudentID, c.ClassID, c.SubjectID, dateArg(c.Date))
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, errors.Wrap(err, "reading corrected record")
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec         Record
		status      string
		arrival     sql.NullTime
		lateMinutes sql.NullInt64
		correctedBy sql.NullString
		correctedAt sql.NullTime
	)
	if err := s.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.ClassID, &rec.SubjectID, &rec.Date, &status,
		&arrival, &lateMinutes, &rec.MarkedBy, &rec.CreatedAt, &correctedBy, &correctedAt); err != nil {
		return Record{}, err
	}
	rec.Date = DateOf(rec.Date)
	rec.Status = Status(status)
	if arrival.Valid {
		t := arrival.Time
		rec.ArrivalTime = &t
	}
	if lateMinutes.Valid {
		m := int(lateMinutes.Int64)
		rec.LateMinutes = &m
	}
	if correctedBy.Valid {
		by := correctedBy.String
		rec.CorrectedBy = &by
	}
	if correctedAt.Valid {
		t := correctedAt.Time
		rec.CorrectedAt = &t
	}
	return rec, nil
}

func dateArg(t time.Time) string { return DateOf(t).Format(DateLayout) }

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation recognizes unique-key rejections from Postgres and SQLite.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
