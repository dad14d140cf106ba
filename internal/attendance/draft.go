package attendance

import (
	"context"
	"sort"
	"strings"
	"time"

	"rollcall/internal/validate"
)

// Mark is one staged decision in a Draft.
type Mark struct {
	StudentID   string
	Status      Status
	ArrivalTime *time.Time
	LateMinutes *int
}

// Draft stages one recorder's decisions for a (class, subject, date) until
// they are posted. It is never persisted and is not safe for concurrent use.
type Draft struct {
	ClassID    string
	SubjectID  string
	Date       time.Time
	ClassStart ClassStart
	Grace      int

	now   func() time.Time
	marks map[string]Mark
}

// NewDraft creates an empty draft. now may be nil.
func NewDraft(classID, subjectID string, date time.Time, start ClassStart, graceMinutes int, now func() time.Time) *Draft {
	if now == nil {
		now = time.Now
	}
	return &Draft{
		ClassID:    classID,
		SubjectID:  subjectID,
		Date:       DateOf(date),
		ClassStart: start,
		Grace:      graceMinutes,
		now:        now,
		marks:      make(map[string]Mark),
	}
}

// SetStatus classifies and stages a decision, replacing any earlier one for
// the same student.
func (d *Draft) SetStatus(studentID string, status Status, arrival *time.Time) error {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return validate.Fail("student_id", "this field is required")
	}
	if !status.Valid() {
		return validate.Fail("status", "must be one of: present late absent")
	}
	c := Classify(status, arrival, d.ClassStart, d.Grace, d.now())
	d.marks[studentID] = Mark{
		StudentID:   studentID,
		Status:      c.Status,
		ArrivalTime: c.ArrivalTime,
		LateMinutes: c.LateMinutes,
	}
	return nil
}

// Remove drops a staged decision.
func (d *Draft) Remove(studentID string) { delete(d.marks, studentID) }

// Clear discards every staged decision.
func (d *Draft) Clear() { d.marks = make(map[string]Mark) }

// Len returns the number of staged students.
func (d *Draft) Len() int { return len(d.marks) }

// Entries returns the staged decisions ordered by student id.
func (d *Draft) Entries() []Mark {
	out := make([]Mark, 0, len(d.marks))
	for _, m := range d.marks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// Post commits the draft through svc and clears it only on success, so a
// failed post can be retried from the same decisions.
func (d *Draft) Post(ctx context.Context, svc *Service, recorderID string) (PostResult, error) {
	res, err := svc.Post(ctx, PostRequest{
		ClassID:    d.ClassID,
		SubjectID:  d.SubjectID,
		Date:       d.Date,
		Entries:    d.Entries(),
		RecorderID: recorderID,
	})
	if err != nil {
		return PostResult{}, err
	}
	d.Clear()
	return res, nil
}
