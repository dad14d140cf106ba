package attendance

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rollcall/internal/metrics"
	"rollcall/internal/validate"
)

// AlertSink receives the affected students of a committed posting.
// Errors are logged by the service and never reach the poster.
type AlertSink interface {
	Dispatch(ctx context.Context, a Alert) error
}

// Service coordinates postings, corrections and reads over a Store.
type Service struct {
	store   Store
	sink    AlertSink
	log     *logrus.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithAlertSink sets where post-commit alerts go. Without one, alerts are dropped.
func WithAlertSink(sink AlertSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides time.Now for created_at and posted_at stamping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a service backed by a store.
func NewService(store Store, log *logrus.Logger, opts ...Option) *Service {
	s := &Service{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// PostRequest is one day's attendance for a class and subject.
type PostRequest struct {
	ClassID    string
	SubjectID  string
	Date       time.Time
	Entries    []Mark
	RecorderID string
}

// PostResult describes a committed posting.
type PostResult struct {
	PostedCount int               `json:"posted_count"`
	Session     Session           `json:"session"`
	Affected    []AffectedStudent `json:"affected"`
}

// Post commits every entry for (class, subject, date) or nothing.
//
// HasPosting is only a fast path: two concurrent posters can both pass it, in
// which case the store's unique key makes exactly one InsertPosting succeed
// and the other returns ErrAlreadyPosted.
func (s *Service) Post(ctx context.Context, req PostRequest) (PostResult, error) {
	if err := validatePost(req); err != nil {
		s.metrics.Posting(metrics.PostingInvalid)
		return PostResult{}, err
	}
	date := DateOf(req.Date)
	lf := logrus.Fields{"class_id": req.ClassID, "subject_id": req.SubjectID, "date": date.Format(DateLayout)}

	exists, err := s.store.HasPosting(ctx, req.ClassID, req.SubjectID, date)
	if err != nil {
		s.metrics.Posting(metrics.PostingFailed)
		return PostResult{}, storeErr("has posting", err)
	}
	if exists {
		s.metrics.Posting(metrics.PostingRejected)
		return PostResult{}, ErrAlreadyPosted
	}

	now := s.now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		ClassID:   req.ClassID,
		SubjectID: req.SubjectID,
		Date:      date,
		PostedBy:  req.RecorderID,
		PostedAt:  now,
	}
	records := make([]Record, 0, len(req.Entries))
	for _, e := range req.Entries {
		records = append(records, Record{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			StudentID:   strings.TrimSpace(e.StudentID),
			ClassID:     req.ClassID,
			SubjectID:   req.SubjectID,
			Date:        date,
			Status:      e.Status,
			ArrivalTime: e.ArrivalTime,
			LateMinutes: e.LateMinutes,
			MarkedBy:    req.RecorderID,
			CreatedAt:   now,
		})
	}
	sess = Rollup(sess, records)

	if err := s.store.InsertPosting(ctx, sess, records); err != nil {
		if errors.Is(err, ErrAlreadyPosted) {
			s.metrics.Posting(metrics.PostingRejected)
			s.log.WithFields(lf).Info("posting lost race on unique key")
			return PostResult{}, ErrAlreadyPosted
		}
		s.metrics.Posting(metrics.PostingFailed)
		s.log.WithFields(lf).WithError(err).Error("posting failed")
		return PostResult{}, storeErr("insert posting", err)
	}
	s.metrics.Posting(metrics.PostingOK)

	affected := affectedOf(records)
	s.log.WithFields(lf).WithFields(logrus.Fields{
		"posted":   len(records),
		"affected": len(affected),
	}).Info("attendance posted")

	if len(affected) > 0 {
		s.dispatch(ctx, Alert{
			SessionID:  sess.ID,
			ClassID:    sess.ClassID,
			SubjectID:  sess.SubjectID,
			Date:       date,
			RecorderID: req.RecorderID,
			Students:   affected,
		}, lf)
	}

	return PostResult{PostedCount: len(records), Session: sess, Affected: affected}, nil
}

func (s *Service) dispatch(ctx context.Context, a Alert, lf logrus.Fields) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Dispatch(ctx, a); err != nil {
		s.metrics.AlertFailure()
		s.log.WithFields(lf).WithError(err).Warn("attendance alert dispatch failed")
	}
}

func affectedOf(records []Record) []AffectedStudent {
	out := []AffectedStudent{}
	for _, r := range records {
		if r.Status.Affected() {
			out = append(out, AffectedStudent{StudentID: r.StudentID, Status: r.Status, LateMinutes: r.LateMinutes})
		}
	}
	return out
}

func validatePost(req PostRequest) error {
	var fields []validate.FieldError
	add := func(field, msg string) {
		fields = append(fields, validate.FieldError{Field: field, Error: msg})
	}
	if strings.TrimSpace(req.ClassID) == "" {
		add("class_id", "this field is required")
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		add("subject_id", "this field is required")
	}
	if strings.TrimSpace(req.RecorderID) == "" {
		add("recorder_id", "this field is required")
	}
	if req.Date.IsZero() {
		add("date", "this field is required")
	}
	if len(req.Entries) == 0 {
		add("entries", "at least one entry is required")
	}
	seen := make(map[string]bool, len(req.Entries))
	for i, e := range req.Entries {
		prefix := "entries[" + strconv.Itoa(i) + "]."
		id := strings.TrimSpace(e.StudentID)
		switch {
		case id == "":
			add(prefix+"student_id", "this field is required")
		case seen[id]:
			add(prefix+"student_id", "duplicate student "+id)
		}
		seen[id] = true
		if err := checkMark(e.Status, e.ArrivalTime, e.LateMinutes); err != "" {
			add(prefix+"status", err)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return validate.NewValidationError(errors.New("invalid posting: "+fields[0].Field+" "+fields[0].Error), fields...)
}

func checkMark(st Status, arrival *time.Time, lateMinutes *int) string {
	switch {
	case !st.Valid():
		return "must be one of: present late absent"
	case lateMinutes != nil && st != StatusLate:
		return "late minutes are only allowed for late"
	case lateMinutes != nil && *lateMinutes < 0:
		return "late minutes must not be negative"
	case arrival != nil && st == StatusAbsent:
		return "absent entries carry no arrival time"
	}
	return ""
}

// CorrectionRequest rewrites the status of one posted record.
type CorrectionRequest struct {
	StudentID   string
	ClassID     string
	SubjectID   string
	Date        time.Time
	Status      Status
	ArrivalTime *time.Time
	LateMinutes *int
	CorrectedBy string
}

// Correct updates exactly one record in place. created_at and marked_by keep
// their original values; corrected_by and corrected_at record the change.
// The session rollup is a point-in-time summary and is left untouched.
func (s *Service) Correct(ctx context.Context, req CorrectionRequest) (Record, error) {
	var fields []validate.FieldError
	for _, f := range [][2]string{
		{"student_id", req.StudentID},
		{"class_id", req.ClassID},
		{"subject_id", req.SubjectID},
		{"corrected_by", req.CorrectedBy},
	} {
		if strings.TrimSpace(f[1]) == "" {
			fields = append(fields, validate.FieldError{Field: f[0], Error: "this field is required"})
		}
	}
	if req.Date.IsZero() {
		fields = append(fields, validate.FieldError{Field: "date", Error: "this field is required"})
	}
	if msg := checkMark(req.Status, req.ArrivalTime, req.LateMinutes); msg != "" {
		fields = append(fields, validate.FieldError{Field: "status", Error: msg})
	}
	if len(fields) > 0 {
		return Record{}, validate.NewValidationError(errors.New("invalid correction"), fields...)
	}

	rec, err := s.store.UpdateRecord(ctx, Correction{
		StudentID:   strings.TrimSpace(req.StudentID),
		ClassID:     req.ClassID,
		SubjectID:   req.SubjectID,
		Date:        DateOf(req.Date),
		Status:      req.Status,
		ArrivalTime: req.ArrivalTime,
		LateMinutes: req.LateMinutes,
		CorrectedBy: req.CorrectedBy,
		CorrectedAt: s.now().UTC(),
	})
	if err != nil {
		return Record{}, storeErr("update record", err)
	}
	s.log.WithFields(logrus.Fields{
		"class_id":   rec.ClassID,
		"subject_id": rec.SubjectID,
		"student_id": rec.StudentID,
		"date":       rec.Date.Format(DateLayout),
		"status":     rec.Status,
	}).Info("attendance corrected")
	return rec, nil
}

// Records lists posted records.
func (s *Service) Records(ctx context.Context, f Filter) ([]Record, error) {
	recs, err := s.store.ListRecords(ctx, f)
	if err != nil {
		return nil, storeErr("list records", err)
	}
	return recs, nil
}

// Session returns the rollup written by a posting.
func (s *Service) Session(ctx context.Context, classID, subjectID string, date time.Time) (Session, error) {
	sess, err := s.store.GetSession(ctx, classID, subjectID, DateOf(date))
	if err != nil {
		return Session{}, storeErr("get session", err)
	}
	return sess, nil
}
