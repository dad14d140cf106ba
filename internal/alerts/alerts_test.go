package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
)

type sent struct {
	draft notify.EventDraft
	ids   []string
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sent
	err   error
}

func (f *fakeSender) Send(_ context.Context, d notify.EventDraft, ids []string) (notify.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{draft: d, ids: ids})
	if f.err != nil {
		return notify.Report{}, f.err
	}
	return notify.Report{NotificationID: "n", Sent: len(ids)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func sampleAlert() attendance.Alert {
	late := 20
	return attendance.Alert{
		SessionID:  "sess-1",
		ClassID:    "c1",
		SubjectID:  "math",
		Date:       time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		RecorderID: "teacher-1",
		Students: []attendance.AffectedStudent{
			{StudentID: "s2", Status: attendance.StatusLate, LateMinutes: &late},
			{StudentID: "s3", Status: attendance.StatusAbsent},
			{StudentID: "s4", Status: attendance.StatusAbsent},
		},
	}
}

func TestBuild(t *testing.T) {
	batches := Build(sampleAlert())
	require.Len(t, batches, 2)

	absent := batches[0]
	assert.Equal(t, []string{"s3", "s4"}, absent.Recipients)
	assert.Equal(t, notify.PriorityHigh, absent.Draft.Priority)
	assert.Equal(t, notify.TypeAttendanceAlert, absent.Draft.Type)
	assert.Equal(t, notify.EntityRef{Type: "attendance_session", ID: "sess-1"}, absent.Draft.Entity)
	assert.Equal(t, "teacher-1", absent.Draft.CreatedBy)
	assert.Equal(t, "2024-03-04", absent.Draft.Data["date"])

	late := batches[1]
	assert.Equal(t, []string{"s2"}, late.Recipients)
	assert.Equal(t, notify.PriorityMedium, late.Draft.Priority)
	assert.Contains(t, late.Draft.Message, "late")

	assert.Empty(t, Build(attendance.Alert{}))
}

func TestDeliverContinuesAfterFailure(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := &fakeSender{err: errors.New("db down")}

	err := Deliver(context.Background(), s, sampleAlert(), log)
	require.Error(t, err)
	assert.Equal(t, 2, s.count())
}

func TestLocalSinkWait(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := &fakeSender{}
	sink := NewLocalSink(s, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sink.Dispatch(ctx, sampleAlert()))
	cancel()
	require.NoError(t, sink.Dispatch(context.Background(), sampleAlert()))
	sink.Wait()

	assert.Equal(t, 4, s.count())
}

func TestQueueRoundTrip(t *testing.T) {
	log, _ := test.NewNullLogger()
	q := queue.NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, NewQueueSink(q).Dispatch(ctx, sampleAlert()))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: "other", Body: []byte(`{}`)}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeAttendanceAlert, Body: []byte(`nope`)}))

	s := &fakeSender{}
	done := make(chan int)
	go func() {
		n, err := NewConsumer(s, log).Run(ctx, q)
		assert.NoError(t, err)
		done <- n
	}()

	require.Eventually(t, func() bool { return s.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Equal(t, 1, <-done)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{"s3", "s4"}, s.sends[0].ids)
	assert.Equal(t, "c1", s.sends[0].draft.Data["class_id"])
}

func TestQueueSinkOutlivesCanceledRequest(t *testing.T) {
	q := queue.NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewQueueSink(q).Dispatch(ctx, sampleAlert()))

	consumeCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	messages, err := q.Consume(consumeCtx)
	require.NoError(t, err)
	msg := <-messages
	assert.Equal(t, queue.TypeAttendanceAlert, msg.Type)
	var a attendance.Alert
	require.NoError(t, msg.Decode(&a))
	assert.Equal(t, sampleAlert().SessionID, a.SessionID)
}

func TestEndToEndWithFanout(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := notify.NewMemoryStore()
	var mu sync.Mutex
	var delivered []string
	fan := notify.NewFanout(store, notify.DelivererFunc(func(_ context.Context, userID, _, _ string, _ map[string]string) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, userID)
		return nil
	}), log)

	sink := NewLocalSink(fan, log)
	svc := attendance.NewService(attendance.NewMemoryStore(), log, attendance.WithAlertSink(sink))
	_, err := svc.Post(context.Background(), attendance.PostRequest{
		ClassID:   "c1",
		SubjectID: "math",
		Date:      time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Entries: []attendance.Mark{
			{StudentID: "s1", Status: attendance.StatusPresent},
			{StudentID: "s2", Status: attendance.StatusAbsent},
		},
		RecorderID: "teacher-1",
	})
	require.NoError(t, err)
	sink.Wait()

	assert.Equal(t, []string{"s2"}, delivered)
	n, err := fan.UnreadCount(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
