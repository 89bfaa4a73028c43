// Package answercache stores generated answers keyed by a hash of the
// normalized question text. Answers are shared by every free-tier visitor.
package answercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/legalfunnel/internal/metrics"
)

const DefaultTTL = 30 * 24 * time.Hour

var ErrMiss = errors.New("answer cache miss")

type Cache struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func New(db *gorm.DB, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source. Tests only.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = func() time.Time { return now().UTC() }
	return c
}

// Normalize lowercases, trims and collapses runs of whitespace.
func Normalize(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

func Key(question string) string {
	sum := sha256.Sum256([]byte(Normalize(question)))
	return hex.EncodeToString(sum[:])
}

// Lookup is a command, not a query: a hit increments hit_count and stamps
// last_accessed_at before the entry is returned. Expired rows are misses.
func (c *Cache) Lookup(ctx context.Context, question string) (*Entry, error) {
	key := Key(question)
	now := c.now()

	var e Entry
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Entry{}).
			Where("question_hash = ? AND expires_at > ?", key, now).
			Updates(map[string]any{
				"hit_count":        gorm.Expr("hit_count + 1"),
				"last_accessed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrMiss
		}
		return tx.Where("question_hash = ?", key).First(&e).Error
	})
	switch {
	case err == nil:
		metrics.ObserveCacheLookup("hit")
		return &e, nil
	case errors.Is(err, ErrMiss), errors.Is(err, gorm.ErrRecordNotFound):
		metrics.ObserveCacheLookup("miss")
		return nil, ErrMiss
	default:
		metrics.ObserveCacheLookup("error")
		return nil, err
	}
}

// Store upserts the answer. On a hash conflict the answer is overwritten and
// hit_count keeps growing; an expired row gets a fresh TTL window.
func (c *Cache) Store(ctx context.Context, question, answer string) error {
	question = strings.TrimSpace(question)
	if question == "" || strings.TrimSpace(answer) == "" {
		return nil
	}
	now := c.now()
	expires := now.Add(c.ttl)
	e := Entry{
		QuestionHash:   Key(question),
		Question:       question,
		Answer:         answer,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      expires,
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "question_hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"answer":           answer,
			"question":         question,
			"hit_count":        gorm.Expr("hit_count + 1"),
			"last_accessed_at": now,
			"created_at":       gorm.Expr("CASE WHEN expires_at <= ? THEN ? ELSE created_at END", now, now),
			"expires_at":       gorm.Expr("CASE WHEN expires_at <= ? THEN ? ELSE expires_at END", now, expires),
		}),
	}).Create(&e).Error
}

// PurgeExpired deletes every row past its TTL and returns how many went.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	res := c.db.WithContext(ctx).Where("expires_at <= ?", c.now()).Delete(&Entry{})
	return res.RowsAffected, res.Error
}
