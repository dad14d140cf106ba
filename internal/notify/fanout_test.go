package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/validate"
)

var sentAt = time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)

type delivery struct {
	userID string
	data   map[string]string
}

// fakeDeliverer fails or panics for configured users and records the rest.
type fakeDeliverer struct {
	mu      sync.Mutex
	calls   []delivery
	fail    map[string]bool
	panicOn map[string]bool

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (d *fakeDeliverer) Deliver(_ context.Context, userID, _, _ string, data map[string]string) error {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	d.calls = append(d.calls, delivery{userID: userID, data: data})
	d.mu.Unlock()

	if d.panicOn[userID] {
		panic("boom")
	}
	if d.fail[userID] {
		return errors.New("device unreachable")
	}
	return nil
}

func (d *fakeDeliverer) users() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.userID)
	}
	return out
}

func quizDraft() EventDraft {
	return EventDraft{
		Type:      TypeQuizAdded,
		Title:     "New quiz",
		Message:   "Chapter 3 quiz is up",
		Entity:    EntityRef{Type: "quiz", ID: "q1"},
		CreatedBy: "teacher-1",
	}
}

func newTestFanout(store Store, d Deliverer, opts ...Option) *Fanout {
	log, _ := test.NewNullLogger()
	opts = append([]Option{WithClock(func() time.Time { return sentAt })}, opts...)
	return NewFanout(store, d, log, opts...)
}

func TestSendIsolatesFailures(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
	}{
		{"sequential", 1},
		{"pooled", 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			d := &fakeDeliverer{fail: map[string]bool{"s3": true}, panicOn: map[string]bool{"s5": true}}
			f := newTestFanout(store, d, WithConcurrency(tc.concurrency))

			ids := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
			rep, err := f.Send(context.Background(), quizDraft(), ids)
			require.NoError(t, err)

			assert.Equal(t, 4, rep.Sent)
			assert.Equal(t, 2, rep.Failed)
			assert.Equal(t, []string{"s3", "s5"}, rep.FailedRecipients)
			assert.ElementsMatch(t, ids, d.users())
			assert.Len(t, store.Recipients(rep.NotificationID), 6)
		})
	}
}

func TestSendSingleFailureInLargeBatch(t *testing.T) {
	d := &fakeDeliverer{fail: map[string]bool{"u-17": true}}
	f := newTestFanout(NewMemoryStore(), d)

	var ids []string
	for i := 0; i < 40; i++ {
		ids = append(ids, "u-"+string(rune('0'+i/10))+string(rune('0'+i%10)))
	}
	ids[17] = "u-17"

	rep, err := f.Send(context.Background(), quizDraft(), ids)
	require.NoError(t, err)
	assert.Equal(t, 39, rep.Sent)
	assert.Equal(t, []string{"u-17"}, rep.FailedRecipients)
	assert.Equal(t, ids, d.users())
}

func TestSendDeduplicatesRecipients(t *testing.T) {
	store := NewMemoryStore()
	d := &fakeDeliverer{}
	f := newTestFanout(store, d)

	rep, err := f.Send(context.Background(), quizDraft(), []string{"b", " a", "b", "", "a ", "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Sent)
	assert.Equal(t, []string{"b", "a", "c"}, d.users())

	rows := store.Recipients(rep.NotificationID)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.False(t, r.IsRead)
		assert.False(t, r.IsDeleted)
		assert.Equal(t, sentAt, r.CreatedAt)
	}

	ev, ok := store.Event(rep.NotificationID)
	require.True(t, ok)
	assert.Equal(t, PriorityMedium, ev.Priority)
	assert.Equal(t, TargetList, ev.Target.Kind)
}

func TestSendPayload(t *testing.T) {
	d := &fakeDeliverer{}
	f := newTestFanout(NewMemoryStore(), d)

	draft := quizDraft()
	draft.Data = map[string]string{"subject_id": "math"}
	rep, err := f.Send(context.Background(), draft, []string{"s1"})
	require.NoError(t, err)

	require.Len(t, d.calls, 1)
	data := d.calls[0].data
	assert.Equal(t, rep.NotificationID, data["notification_id"])
	assert.Equal(t, "quiz_added", data["type"])
	assert.Equal(t, "q1", data["entity_id"])
	assert.Equal(t, "math", data["subject_id"])
}

func TestSendRejectsBeforeWriting(t *testing.T) {
	tests := []struct {
		name  string
		draft func() EventDraft
		ids   []string
	}{
		{"no recipients", quizDraft, []string{" ", ""}},
		{"nil recipients", quizDraft, nil},
		{"missing title", func() EventDraft { d := quizDraft(); d.Title = ""; return d }, []string{"s1"}},
		{"bad type", func() EventDraft { d := quizDraft(); d.Type = "party"; return d }, []string{"s1"}},
		{"bad priority", func() EventDraft { d := quizDraft(); d.Priority = "urgent"; return d }, []string{"s1"}},
		{"missing creator", func() EventDraft { d := quizDraft(); d.CreatedBy = ""; return d }, []string{"s1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			d := &fakeDeliverer{}
			f := newTestFanout(store, d)

			_, err := f.Send(context.Background(), tc.draft(), tc.ids)
			assert.True(t, validate.IsValidation(err), "%v", err)
			assert.Empty(t, d.users())
			assert.Empty(t, store.events)
		})
	}

	_, err := newTestFanout(NewMemoryStore(), &fakeDeliverer{}).Send(context.Background(), quizDraft(), nil)
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestSendStoreFailureSkipsDelivery(t *testing.T) {
	store := NewMemoryStore()
	store.FailCreate = errors.New("db down")
	d := &fakeDeliverer{}
	f := newTestFanout(store, d)

	_, err := f.Send(context.Background(), quizDraft(), []string{"s1", "s2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.FailCreate)
	assert.Empty(t, d.users())
}

func TestSendRespectsConcurrencyLimit(t *testing.T) {
	d := &fakeDeliverer{delay: 5 * time.Millisecond}
	f := newTestFanout(NewMemoryStore(), d, WithConcurrency(3))

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	rep, err := f.Send(context.Background(), quizDraft(), ids)
	require.NoError(t, err)
	assert.Equal(t, 12, rep.Sent)
	assert.LessOrEqual(t, d.maxSeen.Load(), int32(3))

	d2 := &fakeDeliverer{delay: time.Millisecond}
	_, err = newTestFanout(NewMemoryStore(), d2).Send(context.Background(), quizDraft(), ids)
	require.NoError(t, err)
	assert.Equal(t, int32(1), d2.maxSeen.Load())
}

func TestSendSurvivesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var seen []error
	d := DelivererFunc(func(ctx context.Context, _, _, _ string, _ map[string]string) error {
		seen = append(seen, ctx.Err())
		cancel()
		return nil
	})
	rep, err := newTestFanout(NewMemoryStore(), d).Send(ctx, quizDraft(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, []error{nil, nil}, seen)
}

type staticRoster map[string][]string

func (r staticRoster) ClassMembers(_ context.Context, classID string) ([]string, error) {
	m, ok := r[classID]
	if !ok {
		return nil, errors.New("unknown class")
	}
	return m, nil
}

func TestSendToTarget(t *testing.T) {
	store := NewMemoryStore()
	d := &fakeDeliverer{}
	f := newTestFanout(store, d, WithRoster(staticRoster{"c1": {"s2", "s1", "s2"}}))
	ctx := context.Background()

	rep, err := f.SendToTarget(ctx, quizDraft(), Target{Kind: TargetClass, ID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	ev, _ := store.Event(rep.NotificationID)
	assert.Equal(t, Target{Kind: TargetClass, ID: "c1"}, ev.Target)

	rep, err = f.SendToTarget(ctx, quizDraft(), Target{Kind: TargetIndividual, ID: "s9"})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)

	_, err = f.SendToTarget(ctx, quizDraft(), Target{Kind: TargetClass, ID: "nope"})
	assert.Error(t, err)

	_, err = f.SendToTarget(ctx, quizDraft(), Target{Kind: "school", ID: "x"})
	assert.True(t, validate.IsValidation(err))

	_, err = newTestFanout(store, d).SendToTarget(ctx, quizDraft(), Target{Kind: TargetClass, ID: "c1"})
	assert.Error(t, err)
}

func TestRecipientOperationsTouchOneRow(t *testing.T) {
	store := NewMemoryStore()
	f := newTestFanout(store, &fakeDeliverer{})
	ctx := context.Background()

	rep, err := f.Send(ctx, quizDraft(), []string{"s1", "s2"})
	require.NoError(t, err)
	id := rep.NotificationID

	require.NoError(t, f.MarkRead(ctx, id, "s1"))
	n, err := f.UnreadCount(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.UnreadCount(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	inbox, err := f.Inbox(ctx, "s1", false)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.True(t, inbox[0].IsRead)
	require.NotNil(t, inbox[0].ReadAt)
	assert.Equal(t, sentAt, *inbox[0].ReadAt)

	require.NoError(t, f.Delete(ctx, id, "s2"))
	inbox, err = f.Inbox(ctx, "s2", false)
	require.NoError(t, err)
	assert.Empty(t, inbox)
	inbox, err = f.Inbox(ctx, "s1", false)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)

	assert.ErrorIs(t, f.Delete(ctx, id, "s2"), ErrNotFound)
	assert.ErrorIs(t, f.MarkRead(ctx, id, "stranger"), ErrNotFound)
	assert.True(t, validate.IsValidation(f.MarkRead(ctx, "", "s1")))
	_, err = f.Inbox(ctx, " ", true)
	assert.True(t, validate.IsValidation(err))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{}, Dedupe(nil))
	assert.Equal(t, []string{"x", "y"}, Dedupe([]string{"x", "x ", "\ty", ""}))
}
