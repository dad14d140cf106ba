package attendance

import (
	"context"
	"time"
)

// Store is the durable record of posted attendance.
type Store interface {
	// HasPosting reports whether any attendance exists for the key.
	HasPosting(ctx context.Context, classID, subjectID string, date time.Time) (bool, error)
	// InsertPosting writes the session rollup and every record, or nothing.
	// It returns ErrAlreadyPosted when the key is already taken.
	InsertPosting(ctx context.Context, sess Session, records []Record) error
	GetSession(ctx context.Context, classID, subjectID string, date time.Time) (Session, error)
	ListRecords(ctx context.Context, f Filter) ([]Record, error)
	// UpdateRecord applies a correction to a single row.
	UpdateRecord(ctx context.Context, c Correction) (Record, error)
}
