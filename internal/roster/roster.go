// Package roster resolves class targets to student ids for notifications.
package roster

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rollcall/internal/notify"
)

// Resolver reads class membership from class_students, optionally caching
// each class in a Redis set.
type Resolver struct {
	db    *sql.DB
	cache *redis.Client
	ttl   time.Duration
	log   *logrus.Logger
}

var _ notify.Roster = (*Resolver)(nil)

// NewResolver creates a resolver. cache may be nil.
func NewResolver(db *sql.DB, cache *redis.Client, ttl time.Duration, log *logrus.Logger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{db: db, cache: cache, ttl: ttl, log: log}
}

func cacheKey(classID string) string { return "rollcall:class:" + classID + ":students" }

// ClassMembers returns the sorted student ids of a class. Cache errors fall
// back to the database.
func (r *Resolver) ClassMembers(ctx context.Context, classID string) ([]string, error) {
	if r.cache != nil {
		ids, err := r.cache.SMembers(ctx, cacheKey(classID)).Result()
		if err == nil && len(ids) > 0 {
			sort.Strings(ids)
			return ids, nil
		}
		if err != nil {
			r.log.WithError(err).WithField("class_id", classID).Warn("roster cache read failed")
		}
	}

	ids, err := r.load(ctx, classID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && len(ids) > 0 {
		r.store(ctx, classID, ids)
	}
	return ids, nil
}

func (r *Resolver) load(ctx context.Context, classID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT student_id FROM class_students WHERE class_id = $1 ORDER BY student_id`, classID)
	if err != nil {
		return nil, errors.Wrap(err, "loading class members")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning class member")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "loading class members")
}

func (r *Resolver) store(ctx context.Context, classID string, ids []string) {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	key := cacheKey(classID)
	_, err := r.cache.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.SAdd(ctx, key, members...)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithField("class_id", classID).Warn("roster cache write failed")
	}
}

// Invalidate drops the cached members of a class.
func (r *Resolver) Invalidate(ctx context.Context, classID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, cacheKey(classID)).Err()
}

// Enroll adds students to a class and invalidates its cache entry. Used by
// seeding and tests; roster management itself lives elsewhere.
func (r *Resolver) Enroll(ctx context.Context, classID string, studentIDs ...string) error {
	for _, id := range studentIDs {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO class_students (class_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			classID, id); err != nil {
			return errors.Wrap(err, "enrolling student")
		}
	}
	return r.Invalidate(ctx, classID)
}
