package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/store"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := store.NewGorm(store.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	s := NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestGormStoreFanout(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()
	d := &fakeDeliverer{fail: map[string]bool{"s2": true}}
	f := newTestFanout(s, d)

	draft := quizDraft()
	draft.Priority = PriorityHigh
	draft.Data = map[string]string{"k": "v"}
	rep, err := f.Send(ctx, draft, []string{"s1", "s2", "s3", "s1"})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, []string{"s2"}, rep.FailedRecipients)

	for _, u := range []string{"s1", "s2", "s3"} {
		n, err := s.UnreadCount(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, u)
	}

	inbox, err := s.Inbox(ctx, "s2", true)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	got := inbox[0]
	assert.Equal(t, rep.NotificationID, got.ID)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, EntityRef{Type: "quiz", ID: "q1"}, got.Entity)
	assert.Equal(t, map[string]string{"k": "v"}, got.Data)
	assert.True(t, got.CreatedAt.Equal(sentAt))
	assert.False(t, got.IsRead)
}

func TestGormStoreRecipientRows(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()
	f := newTestFanout(s, &fakeDeliverer{})

	first, err := f.Send(ctx, quizDraft(), []string{"s1", "s2"})
	require.NoError(t, err)
	later := quizDraft()
	later.Title = "Second quiz"
	f.now = func() time.Time { return sentAt.Add(time.Minute) }
	second, err := f.Send(ctx, later, []string{"s1"})
	require.NoError(t, err)

	inbox, err := s.Inbox(ctx, "s1", false)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, second.NotificationID, inbox[0].ID)
	assert.Equal(t, first.NotificationID, inbox[1].ID)

	readAt := sentAt.Add(time.Hour)
	require.NoError(t, s.MarkRead(ctx, first.NotificationID, "s1", readAt))
	require.NoError(t, s.MarkRead(ctx, first.NotificationID, "s1", readAt))

	unread, err := s.Inbox(ctx, "s1", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, second.NotificationID, unread[0].ID)

	n, err := s.UnreadCount(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Delete(ctx, first.NotificationID, "s2"))
	assert.ErrorIs(t, s.Delete(ctx, first.NotificationID, "s2"), ErrNotFound)
	assert.ErrorIs(t, s.MarkRead(ctx, first.NotificationID, "s2", readAt), ErrNotFound)
	assert.ErrorIs(t, s.MarkRead(ctx, "missing", "s1", readAt), ErrNotFound)

	inbox, err = s.Inbox(ctx, "s1", false)
	require.NoError(t, err)
	assert.Len(t, inbox, 2)
}

func TestGormStoreCreateIsAtomic(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()
	ev := Event{
		ID: "n1", Type: TypeFeeUpdate, Title: "Fees", Priority: PriorityLow,
		CreatedBy: "admin", Target: Target{Kind: TargetList}, CreatedAt: sentAt,
	}
	// a repeated primary key fails the recipient batch after the event row
	rows := []Recipient{
		{NotificationID: "n1", UserID: "u1", CreatedAt: sentAt},
		{NotificationID: "n1", UserID: "u1", CreatedAt: sentAt},
	}
	require.Error(t, s.Create(ctx, ev, rows))

	var count int64
	require.NoError(t, s.db.Model(&notificationModel{}).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, s.Create(ctx, ev, rows[:1]))
	require.NoError(t, s.db.Model(&notificationModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGormStoreReportsDatabaseErrors(t *testing.T) {
	s := newGormStore(t)
	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = s.UnreadCount(context.Background(), "s1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
