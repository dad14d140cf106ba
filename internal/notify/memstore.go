package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recipientKey struct {
	notificationID string
	userID         string
}

// MemoryStore is an in-process Store for dev mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]Event
	recipients map[recipientKey]Recipient

	// FailCreate, when set, makes Create fail without writing.
	FailCreate error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string]Event),
		recipients: make(map[recipientKey]Recipient),
	}
}

func (s *MemoryStore) Create(_ context.Context, ev Event, recipients []Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	s.events[ev.ID] = ev
	for _, r := range recipients {
		s.recipients[recipientKey{r.NotificationID, r.UserID}] = r
	}
	return nil
}

func (s *MemoryStore) Inbox(_ context.Context, userID string, unreadOnly bool) ([]InboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []InboxItem{}
	for k, r := range s.recipients {
		if k.userID != userID || r.IsDeleted || (unreadOnly && r.IsRead) {
			continue
		}
		out = append(out, InboxItem{Event: s.events[k.notificationID], IsRead: r.IsRead, ReadAt: r.ReadAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, notificationID, userID string, at time.Time) error {
	return s.update(notificationID, userID, func(r *Recipient) {
		r.IsRead = true
		r.ReadAt = &at
	})
}

func (s *MemoryStore) Delete(_ context.Context, notificationID, userID string) error {
	return s.update(notificationID, userID, func(r *Recipient) { r.IsDeleted = true })
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k, r := range s.recipients {
		if k.userID == userID && !r.IsRead && !r.IsDeleted {
			n++
		}
	}
	return n, nil
}

// Recipients returns the rows of one event, for tests.
func (s *MemoryStore) Recipients(notificationID string) []Recipient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Recipient
	for k, r := range s.recipients {
		if k.notificationID == notificationID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Event returns a stored event, for tests.
func (s *MemoryStore) Event(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	return ev, ok
}

func (s *MemoryStore) update(notificationID, userID string, fn func(*Recipient)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recipientKey{notificationID, userID}
	r, ok := s.recipients[k]
	if !ok || r.IsDeleted {
		return ErrNotFound
	}
	fn(&r)
	s.recipients[k] = r
	return nil
}
