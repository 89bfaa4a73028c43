package answercache

import "time"

type Entry struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	QuestionHash   string    `gorm:"type:char(64);uniqueIndex;not null" json:"question_hash"`
	Question       string    `gorm:"type:text;not null" json:"question"`
	Answer         string    `gorm:"type:text;not null" json:"answer"`
	HitCount       int64     `gorm:"not null;default:0" json:"hit_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `gorm:"index;not null" json:"expires_at"`
}

func (Entry) TableName() string { return "chat_cache" }
