// Package stats derives attendance and grade summaries from record sets.
// Every result is recomputed from its input; nothing is cached.
package stats

import (
	"errors"
	"math"
	"sort"
	"strconv"

	"rollcall/internal/attendance"
	"rollcall/internal/validate"
)

// AttendanceSummary is the fold of a set of attendance records.
type AttendanceSummary struct {
	TotalDays      int `json:"total_days"`
	PresentDays    int `json:"present_days"`
	LateDays       int `json:"late_days"`
	AbsentDays     int `json:"absent_days"`
	AttendanceRate int `json:"attendance_rate"`
}

// Summarize counts statuses; late counts as attended. The rate is 0 for no records.
func Summarize(records []attendance.Record) AttendanceSummary {
	var s AttendanceSummary
	for _, r := range records {
		s.TotalDays++
		switch r.Status {
		case attendance.StatusPresent:
			s.PresentDays++
		case attendance.StatusLate:
			s.LateDays++
		case attendance.StatusAbsent:
			s.AbsentDays++
		}
	}
	s.AttendanceRate = percent(float64(s.PresentDays+s.LateDays), float64(s.TotalDays))
	return s
}

// BySubject summarizes each subject separately.
func BySubject(records []attendance.Record) map[string]AttendanceSummary {
	return groupBy(records, func(r attendance.Record) string { return r.SubjectID })
}

// ByClass summarizes each class separately.
func ByClass(records []attendance.Record) map[string]AttendanceSummary {
	return groupBy(records, func(r attendance.Record) string { return r.ClassID })
}

// ByStudent summarizes each student separately.
func ByStudent(records []attendance.Record) map[string]AttendanceSummary {
	return groupBy(records, func(r attendance.Record) string { return r.StudentID })
}

func groupBy(records []attendance.Record, key func(attendance.Record) string) map[string]AttendanceSummary {
	groups := make(map[string][]attendance.Record)
	for _, r := range records {
		k := key(r)
		groups[k] = append(groups[k], r)
	}
	out := make(map[string]AttendanceSummary, len(groups))
	for k, rs := range groups {
		out[k] = Summarize(rs)
	}
	return out
}

// QuizResult is one student's marks on one quiz.
type QuizResult struct {
	StudentID string  `json:"student_id"`
	SubjectID string  `json:"subject_id"`
	QuizID    string  `json:"quiz_id"`
	Obtained  float64 `json:"obtained"`
	Total     float64 `json:"total"`
}

// GradeSummary is the fold of a set of quiz results.
type GradeSummary struct {
	Quizzes    int     `json:"quizzes"`
	Obtained   float64 `json:"obtained"`
	Possible   float64 `json:"possible"`
	Percentage int     `json:"percentage"`
	Grade      string  `json:"grade"`
}

// Grade sums obtained over possible marks. Marks outside [0, total] or a
// non-positive total are rejected before anything is summed.
func Grade(results []QuizResult) (GradeSummary, error) {
	if err := checkResults(results); err != nil {
		return GradeSummary{}, err
	}
	return fold(results), nil
}

// fold sums results that checkResults already accepted.
func fold(results []QuizResult) GradeSummary {
	var g GradeSummary
	for _, r := range results {
		g.Quizzes++
		g.Obtained += r.Obtained
		g.Possible += r.Total
	}
	g.Percentage = percent(g.Obtained, g.Possible)
	g.Grade = GradeFor(float64(g.Percentage))
	return g
}

func checkResults(results []QuizResult) error {
	var fields []validate.FieldError
	for i, r := range results {
		prefix := "results[" + strconv.Itoa(i) + "]."
		switch {
		case math.IsNaN(r.Total) || r.Total <= 0:
			fields = append(fields, validate.FieldError{Field: prefix + "total", Error: "must be greater than 0"})
		case math.IsNaN(r.Obtained) || r.Obtained < 0 || r.Obtained > r.Total:
			fields = append(fields, validate.FieldError{Field: prefix + "obtained", Error: "must be between 0 and total"})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return validate.NewValidationError(errors.New("invalid quiz marks"), fields...)
}

var boundaries = []struct {
	min   float64
	grade string
}{
	{90, "A+"},
	{80, "A"},
	{70, "B+"},
	{60, "B"},
	{50, "C+"},
	{40, "C"},
}

// GradeFor maps a percentage to a letter. The percentage is rounded half away
// from zero before the lookup, so 89.6 is an A+ and 89.4 an A.
func GradeFor(percentage float64) string {
	p := math.Round(percentage)
	for _, b := range boundaries {
		if p >= b.min {
			return b.grade
		}
	}
	return "F"
}

// Evaluation is a per-student report card.
type Evaluation struct {
	StudentID  string            `json:"student_id"`
	Attendance AttendanceSummary `json:"attendance"`
	Grades     *GradeSummary     `json:"grades,omitempty"`
}

// Evaluate joins attendance and quiz results per student, ordered by student id.
func Evaluate(records []attendance.Record, results []QuizResult) ([]Evaluation, error) {
	if err := checkResults(results); err != nil {
		return nil, err
	}
	byStudent := ByStudent(records)
	quizzes := make(map[string][]QuizResult)
	for _, r := range results {
		quizzes[r.StudentID] = append(quizzes[r.StudentID], r)
	}

	ids := make(map[string]struct{}, len(byStudent)+len(quizzes))
	for id := range byStudent {
		ids[id] = struct{}{}
	}
	for id := range quizzes {
		ids[id] = struct{}{}
	}

	out := make([]Evaluation, 0, len(ids))
	for id := range ids {
		ev := Evaluation{StudentID: id, Attendance: byStudent[id]}
		if rs, ok := quizzes[id]; ok {
			g := fold(rs)
			ev.Grades = &g
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func percent(part, whole float64) int {
	if whole <= 0 {
		return 0
	}
	return int(math.Round(100 * part / whole))
}
