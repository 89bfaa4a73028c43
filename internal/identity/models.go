package identity

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

type User struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string     `gorm:"type:varchar(128);not null" json:"name"`
	Email          string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash   string     `gorm:"type:varchar(255);not null" json:"-"`
	Tier           Tier       `gorm:"type:varchar(16);not null;default:free" json:"tier"`
	QuestionsUsed  int        `gorm:"not null;default:0" json:"questions_used"`
	LastQuestionAt *time.Time `json:"last_question_at,omitempty"`
	RegisteredAt   time.Time  `gorm:"autoCreateTime" json:"registered_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }
