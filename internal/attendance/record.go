package attendance

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage layout of an attendance date.
const DateLayout = "2006-01-02"

// DateOf truncates t to its calendar date (in t's location) expressed as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: expected %s", s, DateLayout)
	}
	return t, nil
}

// Record is one posted attendance row, unique per (student, class, subject, date).
type Record struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	StudentID   string     `json:"student_id"`
	ClassID     string     `json:"class_id"`
	SubjectID   string     `json:"subject_id"`
	Date        time.Time  `json:"date"`
	Status      Status     `json:"status"`
	ArrivalTime *time.Time `json:"arrival_time,omitempty"`
	LateMinutes *int       `json:"late_minutes,omitempty"`
	MarkedBy    string     `json:"marked_by"`
	CreatedAt   time.Time  `json:"created_at"` // UTC
	CorrectedBy *string    `json:"corrected_by,omitempty"`
	CorrectedAt *time.Time `json:"corrected_at,omitempty"`
}

// Session is the point-in-time rollup written once per successful posting.
type Session struct {
	ID            string    `json:"id"`
	ClassID       string    `json:"class_id"`
	SubjectID     string    `json:"subject_id"`
	Date          time.Time `json:"date"`
	TotalStudents int       `json:"total_students"`
	PresentCount  int       `json:"present_count"`
	LateCount     int       `json:"late_count"`
	AbsentCount   int       `json:"absent_count"`
	PostedBy      string    `json:"posted_by"`
	PostedAt      time.Time `json:"posted_at"`
}

// Rollup recomputes the session counters from a freshly posted batch.
func Rollup(sess Session, records []Record) Session {
	sess.TotalStudents = len(records)
	sess.PresentCount, sess.LateCount, sess.AbsentCount = 0, 0, 0
	for _, r := range records {
		switch r.Status {
		case StatusPresent:
			sess.PresentCount++
		case StatusLate:
			sess.LateCount++
		case StatusAbsent:
			sess.AbsentCount++
		}
	}
	return sess
}

// Filter narrows record queries. Zero values are ignored.
type Filter struct {
	ClassID   string
	SubjectID string
	StudentID string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Correction is the explicit update path for an already posted record.
type Correction struct {
	StudentID   string
	ClassID     string
	SubjectID   string
	Date        time.Time
	Status      Status
	ArrivalTime *time.Time
	LateMinutes *int
	CorrectedBy string
	CorrectedAt time.Time
}

// AffectedStudent is a student whose posted status triggers an alert.
type AffectedStudent struct {
	StudentID   string `json:"student_id"`
	Status      Status `json:"status"`
	LateMinutes *int   `json:"late_minutes,omitempty"`
}

// Alert is handed to the notification stage after a posting commits.
type Alert struct {
	SessionID  string            `json:"session_id"`
	ClassID    string            `json:"class_id"`
	SubjectID  string            `json:"subject_id"`
	Date       time.Time         `json:"date"`
	RecorderID string            `json:"recorder_id"`
	Students   []AffectedStudent `json:"students"`
}
