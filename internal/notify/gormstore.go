package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const recipientBatchSize = 500

type notificationModel struct {
	ID         string            `gorm:"column:id;primaryKey;type:varchar(36)"`
	Type       string            `gorm:"column:type;type:varchar(40);not null"`
	Title      string            `gorm:"column:title;type:varchar(255);not null"`
	Message    string            `gorm:"column:message;type:text"`
	EntityType string            `gorm:"column:entity_type;type:varchar(60)"`
	EntityID   string            `gorm:"column:entity_id;type:varchar(100)"`
	Priority   string            `gorm:"column:priority;type:varchar(10);not null"`
	CreatedBy  string            `gorm:"column:created_by;type:varchar(100);not null"`
	TargetKind string            `gorm:"column:target_kind;type:varchar(20);not null"`
	TargetID   string            `gorm:"column:target_id;type:varchar(100)"`
	Data       map[string]string `gorm:"column:data;type:text;serializer:json"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null;index"`
}

func (notificationModel) TableName() string { return "notifications" }

type recipientModel struct {
	NotificationID string     `gorm:"column:notification_id;primaryKey;type:varchar(36)"`
	UserID         string     `gorm:"column:user_id;primaryKey;type:varchar(100);index"`
	IsRead         bool       `gorm:"column:is_read;not null"`
	IsDeleted      bool       `gorm:"column:is_deleted;not null"`
	ReadAt         *time.Time `gorm:"column:read_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
}

func (recipientModel) TableName() string { return "notification_recipients" }

// GormStore keeps notifications in the notifications and
// notification_recipients tables.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates both tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(&notificationModel{}, &recipientModel{}), "migrating notifications")
}

func (s *GormStore) Create(ctx context.Context, ev Event, recipients []Recipient) error {
	row := notificationModel{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Title:      ev.Title,
		Message:    ev.Message,
		EntityType: ev.Entity.Type,
		EntityID:   ev.Entity.ID,
		Priority:   string(ev.Priority),
		CreatedBy:  ev.CreatedBy,
		TargetKind: string(ev.Target.Kind),
		TargetID:   ev.Target.ID,
		Data:       ev.Data,
		CreatedAt:  ev.CreatedAt,
	}
	rows := make([]recipientModel, 0, len(recipients))
	for _, r := range recipients {
		rows = append(rows, recipientModel{
			NotificationID: r.NotificationID,
			UserID:         r.UserID,
			IsRead:         r.IsRead,
			IsDeleted:      r.IsDeleted,
			ReadAt:         r.ReadAt,
			CreatedAt:      r.CreatedAt,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return errors.Wrap(err, "inserting notification")
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&rows, recipientBatchSize).Error; err != nil {
			return errors.Wrap(err, "inserting recipients")
		}
		return nil
	})
}

func (s *GormStore) Inbox(ctx context.Context, userID string, unreadOnly bool) ([]InboxItem, error) {
	db := s.db.WithContext(ctx)

	q := db.Where("user_id = ? AND is_deleted = ?", userID, false)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var recs []recipientModel
	if err := q.Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "listing recipients")
	}
	if len(recs) == 0 {
		return []InboxItem{}, nil
	}

	ids := make([]string, 0, len(recs))
	byID := make(map[string]recipientModel, len(recs))
	for _, r := range recs {
		ids = append(ids, r.NotificationID)
		byID[r.NotificationID] = r
	}
	var events []notificationModel
	if err := db.Where("id IN ?", ids).Order("created_at DESC").Order("id").Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "listing notifications")
	}

	out := make([]InboxItem, 0, len(events))
	for _, e := range events {
		r := byID[e.ID]
		out = append(out, InboxItem{Event: e.toEvent(), IsRead: r.IsRead, ReadAt: r.ReadAt})
	}
	return out, nil
}

func (s *GormStore) MarkRead(ctx context.Context, notificationID, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&recipientModel{}).
		Where("notification_id = ? AND user_id = ? AND is_deleted = ?", notificationID, userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	if res.Error != nil {
		return errors.Wrap(res.Error, "marking read")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, notificationID, userID string) error {
	res := s.db.WithContext(ctx).Model(&recipientModel{}).
		Where("notification_id = ? AND user_id = ? AND is_deleted = ?", notificationID, userID, false).
		Update("is_deleted", true)
	if res.Error != nil {
		return errors.Wrap(res.Error, "deleting notification")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&recipientModel{}).
		Where("user_id = ? AND is_read = ? AND is_deleted = ?", userID, false, false).
		Count(&n).Error
	return n, errors.Wrap(err, "counting unread")
}

func (m notificationModel) toEvent() Event {
	return Event{
		ID:        m.ID,
		Type:      Type(m.Type),
		Title:     m.Title,
		Message:   m.Message,
		Entity:    EntityRef{Type: m.EntityType, ID: m.EntityID},
		Priority:  Priority(m.Priority),
		CreatedBy: m.CreatedBy,
		Target:    Target{Kind: TargetKind(m.TargetKind), ID: m.TargetID},
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	}
}
