package store

import (
	"context"

	"github.com/pkg/errors"
)

// schema is portable between Postgres and SQLite. Dates are DATE, instants
// are TIMESTAMP written in UTC.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id TEXT PRIMARY KEY,
		class_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		attendance_date DATE NOT NULL,
		total_students INTEGER NOT NULL,
		present_count INTEGER NOT NULL,
		late_count INTEGER NOT NULL,
		absent_count INTEGER NOT NULL,
		posted_by TEXT NOT NULL,
		posted_at TIMESTAMP NOT NULL,
		UNIQUE (class_id, subject_id, attendance_date)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES attendance_sessions (id),
		student_id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		attendance_date DATE NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('present', 'late', 'absent')),
		arrival_time TIMESTAMP,
		late_minutes INTEGER CHECK (late_minutes IS NULL OR late_minutes >= 0),
		marked_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		corrected_by TEXT,
		corrected_at TIMESTAMP,
		UNIQUE (student_id, class_id, subject_id, attendance_date)
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_records_posting_idx
		ON attendance_records (class_id, subject_id, attendance_date)`,
	`CREATE TABLE IF NOT EXISTS class_students (
		class_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		PRIMARY KEY (class_id, student_id)
	)`,
}

// Migrate creates the attendance and roster tables. Statements run one at a
// time so the same list works on drivers without multi-statement exec.
func Migrate(ctx context.Context, d *DB) error {
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrating schema")
		}
	}
	return nil
}
