package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Status is the attendance outcome recorded for one student.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Valid returns true when the status is a supported value.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return true
	default:
		return false
	}
}

// Affected reports whether the status triggers an alert.
func (s Status) Affected() bool {
	return s == StatusLate || s == StatusAbsent
}

// ParseStatus normalizes and validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown attendance status %q", s)
	}
	return st, nil
}

// ClassStart is the nominal wall-clock start of a class.
type ClassStart struct {
	Hour   int
	Minute int
}

// ParseClassStart parses "HH:MM" (24h).
func ParseClassStart(s string) (ClassStart, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClassStart{}, fmt.Errorf("class start %q: expected HH:MM", s)
	}
	return ClassStart{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns minutes since midnight.
func (c ClassStart) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClassStart) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Classification is the outcome of Classify.
type Classification struct {
	Status      Status
	ArrivalTime *time.Time
	LateMinutes *int
}

// Classify derives the final status of a student from a declared status and
// an arrival time. A nil arrival defaults to now. Lateness is measured from
// the nominal class start, not from the end of the grace window: an arrival
// 16 minutes after a 16:00 start with 15 minutes of grace is late by 16.
func Classify(declared Status, arrival *time.Time, start ClassStart, graceMinutes int, now time.Time) Classification {
	if declared == StatusAbsent {
		return Classification{Status: StatusAbsent}
	}
	at := now
	if arrival != nil {
		at = *arrival
	}
	if graceMinutes < 0 {
		graceMinutes = 0
	}

	delta := minutesSinceMidnight(at) - start.Minutes()
	if delta > graceMinutes {
		late := delta
		return Classification{Status: StatusLate, ArrivalTime: &at, LateMinutes: &late}
	}
	return Classification{Status: StatusPresent, ArrivalTime: &at}
}

func minutesSinceMidnight(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
