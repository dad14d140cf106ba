package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rollcall/internal/metrics"
	"rollcall/internal/validate"
)

// Deliverer is the push channel. Retries and transport are its concern.
type Deliverer interface {
	Deliver(ctx context.Context, userID, title, body string, data map[string]string) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, userID, title, body string, data map[string]string) error

func (f DelivererFunc) Deliver(ctx context.Context, userID, title, body string, data map[string]string) error {
	return f(ctx, userID, title, body, data)
}

// Roster resolves a class to its student ids.
type Roster interface {
	ClassMembers(ctx context.Context, classID string) ([]string, error)
}

// Fanout records notifications and delivers them one per recipient.
type Fanout struct {
	store       Store
	deliverer   Deliverer
	roster      Roster
	log         *logrus.Logger
	now         func() time.Time
	concurrency int
	metrics     *metrics.Metrics
}

type Option func(*Fanout)

// WithConcurrency bounds parallel deliveries. n <= 1 delivers sequentially.
func WithConcurrency(n int) Option {
	return func(f *Fanout) { f.concurrency = n }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fanout) { f.now = now }
}

// WithRoster enables class targets in SendToTarget.
func WithRoster(r Roster) Option {
	return func(f *Fanout) { f.roster = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fanout) { f.metrics = m }
}

func NewFanout(store Store, deliverer Deliverer, log *logrus.Logger, opts ...Option) *Fanout {
	f := &Fanout{store: store, deliverer: deliverer, log: log, now: time.Now, concurrency: 1}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logrus.StandardLogger()
	}
	return f
}

// Send persists one event plus a recipient row per distinct id, then tries a
// delivery for every recipient. Only validation and persistence failures are
// returned as errors; delivery failures land in the Report.
func (f *Fanout) Send(ctx context.Context, draft EventDraft, recipientIDs []string) (Report, error) {
	return f.send(ctx, draft, Target{Kind: TargetList}, recipientIDs)
}

// SendToTarget resolves the target to user ids now and sends.
func (f *Fanout) SendToTarget(ctx context.Context, draft EventDraft, target Target) (Report, error) {
	if err := validate.Struct(target); err != nil {
		return Report{}, err
	}
	var ids []string
	switch target.Kind {
	case TargetIndividual:
		ids = []string{target.ID}
	case TargetClass:
		if f.roster == nil {
			return Report{}, errors.New("class targets need a roster")
		}
		members, err := f.roster.ClassMembers(ctx, target.ID)
		if err != nil {
			return Report{}, errors.Wrapf(err, "resolving class %s", target.ID)
		}
		ids = members
	}
	return f.send(ctx, draft, target, ids)
}

func (f *Fanout) send(ctx context.Context, draft EventDraft, target Target, recipientIDs []string) (Report, error) {
	started := time.Now()
	if err := validate.Struct(draft); err != nil {
		return Report{}, err
	}
	ids := Dedupe(recipientIDs)
	if len(ids) == 0 {
		return Report{}, ErrNoRecipients
	}
	if draft.Priority == "" {
		draft.Priority = PriorityMedium
	}

	now := f.now().UTC()
	ev := Event{
		ID:        uuid.NewString(),
		Type:      draft.Type,
		Title:     draft.Title,
		Message:   draft.Message,
		Entity:    draft.Entity,
		Priority:  draft.Priority,
		CreatedBy: draft.CreatedBy,
		Target:    target,
		Data:      draft.Data,
		CreatedAt: now,
	}
	recipients := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		recipients = append(recipients, Recipient{NotificationID: ev.ID, UserID: id, CreatedAt: now})
	}

	lf := logrus.Fields{"notification_id": ev.ID, "type": ev.Type}
	if err := f.store.Create(ctx, ev, recipients); err != nil {
		f.log.WithFields(lf).WithError(err).Error("notification not recorded")
		return Report{}, errors.Wrap(err, "recording notification")
	}

	// deliveries run to completion even if the caller goes away
	report := f.deliverAll(context.WithoutCancel(ctx), ev, ids)
	f.metrics.ObserveFanout(time.Since(started))
	f.log.WithFields(lf).WithFields(logrus.Fields{
		"recipients": len(ids),
		"sent":       report.Sent,
		"failed":     report.Failed,
	}).Info("notification fan-out finished")
	return report, nil
}

func (f *Fanout) deliverAll(ctx context.Context, ev Event, ids []string) Report {
	payload := payloadOf(ev)
	results := make([]error, len(ids))

	attempt := func(i int) {
		defer func() {
			if r := recover(); r != nil {
				results[i] = fmt.Errorf("delivery panicked: %v", r)
			}
		}()
		results[i] = f.deliverer.Deliver(ctx, ids[i], ev.Title, ev.Message, payload)
	}

	if f.concurrency <= 1 {
		for i := range ids {
			attempt(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(f.concurrency)
		for i := range ids {
			i := i
			g.Go(func() error {
				attempt(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	report := Report{NotificationID: ev.ID, FailedRecipients: []string{}}
	for i, err := range results {
		f.metrics.Delivery(err == nil)
		if err == nil {
			report.Sent++
			continue
		}
		report.Failed++
		report.FailedRecipients = append(report.FailedRecipients, ids[i])
		f.log.WithFields(logrus.Fields{
			"notification_id": ev.ID,
			"user_id":         ids[i],
		}).WithError(err).Warn("delivery failed")
	}
	return report
}

// payloadOf builds the data sent alongside a push. Each delivery gets the
// same read-only map.
func payloadOf(ev Event) map[string]string {
	data := make(map[string]string, len(ev.Data)+4)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["notification_id"] = ev.ID
	data["type"] = string(ev.Type)
	data["priority"] = string(ev.Priority)
	if ev.Entity.Type != "" {
		data["entity_type"] = ev.Entity.Type
		data["entity_id"] = ev.Entity.ID
	}
	return data
}

// Dedupe trims ids, drops blanks and keeps the first occurrence of each.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Inbox lists a user's live notifications.
func (f *Fanout) Inbox(ctx context.Context, userID string, unreadOnly bool) ([]InboxItem, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validate.Fail("user_id", "this field is required")
	}
	return f.store.Inbox(ctx, userID, unreadOnly)
}

// MarkRead flips one recipient row to read.
func (f *Fanout) MarkRead(ctx context.Context, notificationID, userID string) error {
	if err := requireIDs(notificationID, userID); err != nil {
		return err
	}
	return f.store.MarkRead(ctx, notificationID, userID, f.now().UTC())
}

// Delete hides one notification for one user. Other recipients keep theirs.
func (f *Fanout) Delete(ctx context.Context, notificationID, userID string) error {
	if err := requireIDs(notificationID, userID); err != nil {
		return err
	}
	return f.store.Delete(ctx, notificationID, userID)
}

func (f *Fanout) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, validate.Fail("user_id", "this field is required")
	}
	return f.store.UnreadCount(ctx, userID)
}

func requireIDs(notificationID, userID string) error {
	if strings.TrimSpace(notificationID) == "" {
		return validate.Fail("notification_id", "this field is required")
	}
	if strings.TrimSpace(userID) == "" {
		return validate.Fail("user_id", "this field is required")
	}
	return nil
}
