package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

type postingKey struct {
	classID   string
	subjectID string
	date      string
}

type recordKey struct {
	postingKey
	studentID string
}

// MemoryStore is an in-process Store for dev mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[postingKey]Session
	records  map[recordKey]Record

	// BeforeInsert, when set, is called for every record of a posting before
	// it is staged; returning an error aborts the whole posting.
	BeforeInsert func(i int, r Record) error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[postingKey]Session),
		records:  make(map[recordKey]Record),
	}
}

func keyOf(classID, subjectID string, date time.Time) postingKey {
	return postingKey{classID: classID, subjectID: subjectID, date: DateOf(date).Format(DateLayout)}
}

func (s *MemoryStore) HasPosting(_ context.Context, classID, subjectID string, date time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[keyOf(classID, subjectID, date)]
	return ok, nil
}

func (s *MemoryStore) InsertPosting(_ context.Context, sess Session, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := keyOf(sess.ClassID, sess.SubjectID, sess.Date)
	if _, ok := s.sessions[pk]; ok {
		return ErrAlreadyPosted
	}

	staged := make(map[recordKey]Record, len(records))
	for i, r := range records {
		if s.BeforeInsert != nil {
			if err := s.BeforeInsert(i, r); err != nil {
				return err
			}
		}
		rk := recordKey{postingKey: keyOf(r.ClassID, r.SubjectID, r.Date), studentID: r.StudentID}
		if _, ok := s.records[rk]; ok {
			return ErrAlreadyPosted
		}
		if _, ok := staged[rk]; ok {
			return ErrAlreadyPosted
		}
		staged[rk] = r
	}

	s.sessions[pk] = sess
	for k, r := range staged {
		s.records[k] = r
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, classID, subjectID string, date time.Time) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[keyOf(classID, subjectID, date)]; ok {
		return sess, nil
	}
	return Session{}, ErrNotFound
}

func (s *MemoryStore) ListRecords(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]Record, 0)
	for _, r := range s.records {
		if matches(r, f) {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Date.Equal(res[j].Date) {
			return res[i].Date.After(res[j].Date)
		}
		return res[i].StudentID < res[j].StudentID
	})
	// offset only pages together with a limit, as in Repository
	if f.Limit > 0 && f.Offset > 0 {
		if f.Offset >= len(res) {
			return []Record{}, nil
		}
		res = res[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(res) {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, c Correction) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := recordKey{postingKey: keyOf(c.ClassID, c.SubjectID, c.Date), studentID: c.StudentID}
	r, ok := s.records[rk]
	if !ok {
		return Record{}, ErrNotFound
	}
	r.Status = c.Status
	r.ArrivalTime = c.ArrivalTime
	r.LateMinutes = c.LateMinutes
	by, when := c.CorrectedBy, c.CorrectedAt
	r.CorrectedBy = &by
	r.CorrectedAt = &when
	s.records[rk] = r
	return r, nil
}

// Count returns the number of stored records, for tests.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func matches(r Record, f Filter) bool {
	if f.ClassID != "" && r.ClassID != f.ClassID {
		return false
	}
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if f.StudentID != "" && r.StudentID != f.StudentID {
		return false
	}
	if !f.From.IsZero() && r.Date.Before(DateOf(f.From)) {
		return false
	}
	if !f.To.IsZero() && r.Date.After(DateOf(f.To)) {
		return false
	}
	return true
}
