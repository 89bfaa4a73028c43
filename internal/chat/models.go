package chat

import "time"

// Session is a free-tier conversation, owned by an account or by an
// anonymous visitor id.
type Session struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID      string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID         *uint64   `gorm:"index" json:"-"`
	AnonymousID    *string   `gorm:"type:varchar(64);index" json:"-"`
	IsAnonymous    bool      `gorm:"not null" json:"is_anonymous"`
	Title          string    `gorm:"type:varchar(255);not null;default:''" json:"title"`
	Provider       string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model          string    `gorm:"type:varchar(64);not null" json:"model"`
	MessageCount   int       `gorm:"not null;default:0" json:"message_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
	Messages       []Message `gorm:"foreignKey:SessionID;references:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string { return "conversation_sessions" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index" json:"session_id"`
	Role      string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	TokenCost int       `gorm:"not null;default:0" json:"token_cost"`
	LatencyMS int64     `gorm:"not null;default:0" json:"latency_ms"`
	CacheHit  bool      `gorm:"not null;default:false" json:"cache_hit"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "conversation_messages" }

func Models() []any { return []any{&Session{}, &Message{}} }

// Owner identifies who a conversation belongs to. A registered user wins
// over the anonymous cookie id.
type Owner struct {
	UserID      *uint64
	AnonymousID string
}

func (o Owner) owns(s *Session) bool {
	if o.UserID != nil {
		return s.UserID != nil && *s.UserID == *o.UserID
	}
	return o.AnonymousID != "" && s.UserID == nil && s.AnonymousID != nil && *s.AnonymousID == o.AnonymousID
}
