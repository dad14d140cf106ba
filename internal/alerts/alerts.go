// Package alerts turns committed attendance postings into notifications,
// either in-process or through the queue for cmd/worker.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rollcall/internal/attendance"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
)

// Sender is the part of notify.Fanout the bridge needs.
type Sender interface {
	Send(ctx context.Context, draft notify.EventDraft, recipientIDs []string) (notify.Report, error)
}

// Batch is one notification and who receives it.
type Batch struct {
	Draft      notify.EventDraft
	Recipients []string
}

// Build groups the affected students of an alert by status: absent students
// get a high priority notification, late students a medium one.
func Build(a attendance.Alert) []Batch {
	var late, absent []string
	for _, s := range a.Students {
		switch s.Status {
		case attendance.StatusLate:
			late = append(late, s.StudentID)
		case attendance.StatusAbsent:
			absent = append(absent, s.StudentID)
		}
	}

	date := a.Date.Format(attendance.DateLayout)
	draft := func(status attendance.Status, p notify.Priority, title string) notify.EventDraft {
		return notify.EventDraft{
			Type:      notify.TypeAttendanceAlert,
			Title:     title,
			Message:   fmt.Sprintf("You were marked %s for %s on %s.", status, a.SubjectID, date),
			Entity:    notify.EntityRef{Type: "attendance_session", ID: a.SessionID},
			Priority:  p,
			CreatedBy: a.RecorderID,
			Data: map[string]string{
				"class_id":   a.ClassID,
				"subject_id": a.SubjectID,
				"date":       date,
				"status":     string(status),
			},
		}
	}

	var out []Batch
	if len(absent) > 0 {
		out = append(out, Batch{Draft: draft(attendance.StatusAbsent, notify.PriorityHigh, "Marked absent"), Recipients: absent})
	}
	if len(late) > 0 {
		out = append(out, Batch{Draft: draft(attendance.StatusLate, notify.PriorityMedium, "Marked late"), Recipients: late})
	}
	return out
}

// Deliver sends every batch of an alert. A failing batch does not stop the
// next one; the errors are joined.
func Deliver(ctx context.Context, sender Sender, a attendance.Alert, log *logrus.Logger) error {
	var errs []error
	for _, b := range Build(a) {
		rep, err := sender.Send(ctx, b.Draft, b.Recipients)
		lf := logrus.Fields{
			"session_id": a.SessionID,
			"class_id":   a.ClassID,
			"status":     b.Draft.Data["status"],
		}
		if err != nil {
			log.WithFields(lf).WithError(err).Error("attendance alert not recorded")
			errs = append(errs, err)
			continue
		}
		log.WithFields(lf).WithFields(logrus.Fields{
			"notification_id": rep.NotificationID,
			"sent":            rep.Sent,
			"failed":          rep.Failed,
		}).Info("attendance alert sent")
	}
	return errors.Join(errs...)
}

// LocalSink fans out in a background goroutine of the same process.
type LocalSink struct {
	sender Sender
	log    *logrus.Logger
	wg     sync.WaitGroup
}

var _ attendance.AlertSink = (*LocalSink)(nil)

func NewLocalSink(sender Sender, log *logrus.Logger) *LocalSink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LocalSink{sender: sender, log: log}
}

// Dispatch returns immediately; the fan-out outlives the request context.
func (s *LocalSink) Dispatch(ctx context.Context, a attendance.Alert) error {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = Deliver(ctx, s.sender, a, s.log)
	}()
	return nil
}

// Wait blocks until every dispatched alert has been fanned out.
func (s *LocalSink) Wait() { s.wg.Wait() }

const publishTimeout = 5 * time.Second

// QueueSink hands alerts to cmd/worker through the queue.
type QueueSink struct {
	q queue.Queue
}

var _ attendance.AlertSink = (*QueueSink)(nil)

func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

// Dispatch publishes the alert. The posting is already committed, so a caller
// that goes away must not drop it; the publish gets its own deadline instead.
func (s *QueueSink) Dispatch(ctx context.Context, a attendance.Alert) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	msg, err := queue.NewMessage(queue.TypeAttendanceAlert, a)
	if err != nil {
		return err
	}
	return s.q.Publish(ctx, msg)
}

// Consumer is the worker side of QueueSink.
type Consumer struct {
	sender Sender
	log    *logrus.Logger
}

func NewConsumer(sender Sender, log *logrus.Logger) *Consumer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{sender: sender, log: log}
}

// Run processes attendance alerts until ctx is done and the queue closes.
// It returns the number of alerts handled.
func (c *Consumer) Run(ctx context.Context, q queue.Queue) (int, error) {
	messages, err := q.Consume(ctx)
	if err != nil {
		return 0, err
	}
	handled := 0
	for msg := range messages {
		if msg.Type != queue.TypeAttendanceAlert {
			c.log.WithField("type", msg.Type).Debug("skipping message")
			continue
		}
		var a attendance.Alert
		if err := msg.Decode(&a); err != nil {
			c.log.WithError(err).Warn("dropping undecodable alert")
			continue
		}
		_ = Deliver(ctx, c.sender, a, c.log)
		handled++
	}
	c.log.WithField("handled", handled).Info("alert consumer stopped")
	return handled, nil
}
