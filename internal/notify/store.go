package notify

import (
	"context"
	"errors"
	"time"

	"rollcall/internal/validate"
)

var (
	// ErrNotFound means no live recipient row matched.
	ErrNotFound = errors.New("notification not found")
	// ErrNoRecipients is returned before any write when the recipient set is empty.
	ErrNoRecipients error = validate.Fail("recipients", "at least one recipient is required")
)

// Store persists events and recipient rows.
type Store interface {
	// Create writes the event and every recipient row atomically.
	Create(ctx context.Context, ev Event, recipients []Recipient) error
	// Inbox lists live (not deleted) notifications for a user, newest first.
	Inbox(ctx context.Context, userID string, unreadOnly bool) ([]InboxItem, error)
	MarkRead(ctx context.Context, notificationID, userID string, at time.Time) error
	// Delete hides a notification for one user only.
	Delete(ctx context.Context, notificationID, userID string) error
	UnreadCount(ctx context.Context, userID string) (int64, error)
}
