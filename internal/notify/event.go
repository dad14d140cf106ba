// Package notify persists notification events with one recipient row per
// user and fans each event out through a delivery channel.
package notify

import (
	"time"
)

// Type enumerates notification events.
type Type string

const (
	TypeAttendanceAlert Type = "attendance_alert"
	TypeQuizAdded       Type = "quiz_added"
	TypeLectureAdded    Type = "lecture_added"
	TypeAssignmentAdded Type = "assignment_added"
	TypeFeeUpdate       Type = "fee_update"
	TypeTimetableUpdate Type = "timetable_update"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// TargetKind says how recipients were chosen.
type TargetKind string

const (
	TargetIndividual TargetKind = "individual"
	TargetClass      TargetKind = "class"
	// TargetList is an explicit recipient list handed to Send.
	TargetList TargetKind = "list"
)

// Target is either one user or a group resolved to user ids at send time.
type Target struct {
	Kind TargetKind `json:"kind" validate:"required,oneof=individual class"`
	ID   string     `json:"id" validate:"required"`
}

// EntityRef points at the domain object a notification is about.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EventDraft is the caller's description of a notification.
type EventDraft struct {
	Type      Type              `json:"type" validate:"required,oneof=attendance_alert quiz_added lecture_added assignment_added fee_update timetable_update"`
	Title     string            `json:"title" validate:"required,max=255"`
	Message   string            `json:"message"`
	Entity    EntityRef         `json:"entity"`
	Priority  Priority          `json:"priority" validate:"omitempty,oneof=low medium high"`
	CreatedBy string            `json:"created_by" validate:"required"`
	Data      map[string]string `json:"data,omitempty"`
}

// Event is an immutable persisted notification.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Entity    EntityRef         `json:"entity"`
	Priority  Priority          `json:"priority"`
	CreatedBy string            `json:"created_by"`
	Target    Target            `json:"target"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Recipient is one user's mutable view of an event.
type Recipient struct {
	NotificationID string     `json:"notification_id"`
	UserID         string     `json:"user_id"`
	IsRead         bool       `json:"is_read"`
	IsDeleted      bool       `json:"is_deleted"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// InboxItem is an event as one recipient sees it.
type InboxItem struct {
	Event
	IsRead bool       `json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// Report summarizes one fan-out. Failed deliveries are informational: the
// event and recipient rows are already durable.
type Report struct {
	NotificationID   string   `json:"notification_id"`
	Sent             int      `json:"sent"`
	Failed           int      `json:"failed"`
	FailedRecipients []string `json:"failed_recipients"`
}
