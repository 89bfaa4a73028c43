package ledger

import (
	"time"

	"gorm.io/datatypes"
)

type Tier string

const (
	TierClassique Tier = "classique"
	TierPremium   Tier = "premium"
)

func (t Tier) Valid() bool { return t == TierClassique || t == TierPremium }

type Stage string

const (
	StageQuestionnaire    Stage = "questionnaire"
	StageAwaitingOffer    Stage = "awaiting_offer"
	StageAwaitingComments Stage = "awaiting_comments"
	StageReadyForPayment  Stage = "ready_for_payment"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FunnelState is the column set shared by both session tables.
type FunnelState struct {
	SessionUUID         string            `gorm:"type:char(36);uniqueIndex;not null" json:"session_uuid"`
	Email               *string           `gorm:"type:varchar(255);index" json:"email,omitempty"`
	Tier                *Tier             `gorm:"type:varchar(16)" json:"tier,omitempty"`
	PriceCents          int64             `gorm:"not null;default:0" json:"price_cents"`
	Paid                bool              `gorm:"not null;default:false;index" json:"paid"`
	PaymentRef          *string           `gorm:"type:varchar(128)" json:"payment_ref,omitempty"`
	ThreadID            string            `gorm:"type:varchar(128);not null" json:"thread_id"`
	Answers             datatypes.JSONMap `json:"answers,omitempty"`
	Stage               Stage             `gorm:"type:varchar(32);not null" json:"stage"`
	QuestionnaireStep   int               `gorm:"not null;default:0" json:"questionnaire_step"`
	Comments            *string           `gorm:"type:text" json:"comments,omitempty"`
	FirstMessageSent    bool              `gorm:"not null;default:false" json:"first_message_sent"`
	AnalysisEmailSent   bool              `gorm:"not null;default:false" json:"analysis_email_sent"`
	AnalysisEmailSentAt *time.Time        `json:"analysis_email_sent_at,omitempty"`
	PaidAt              *time.Time        `json:"paid_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// PaidSession is where every funnel session starts (paid=false). Moved marks
// a row whose live copy now sits in unpaid_sessions_with_email.
type PaidSession struct {
	ID          uint64        `gorm:"primaryKey;autoIncrement" json:"-"`
	FunnelState `gorm:"embedded"`
	Moved       bool          `gorm:"not null;default:false;index" json:"moved"`
	MovedAt     *time.Time    `json:"moved_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Messages    []PaidMessage `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (PaidSession) TableName() string { return "paid_sessions" }

type PaidMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID uint64    `gorm:"index;not null" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (PaidMessage) TableName() string { return "paid_messages" }

// UnpaidSession holds sessions that gave an email but have not paid.
type UnpaidSession struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"-"`
	FunnelState     `gorm:"embedded"`
	PaymentAttempts int             `gorm:"not null;default:0" json:"payment_attempts"`
	MovedToPaid     bool            `gorm:"not null;default:false;index" json:"moved_to_paid"`
	MovedToPaidAt   *time.Time      `json:"moved_to_paid_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Messages        []UnpaidMessage `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (UnpaidSession) TableName() string { return "unpaid_sessions_with_email" }

type UnpaidMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID uint64    `gorm:"index;not null" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (UnpaidMessage) TableName() string { return "unpaid_messages" }

// Models lists every table owned by the ledger, for migrations.
func Models() []any {
	return []any{&PaidSession{}, &PaidMessage{}, &UnpaidSession{}, &UnpaidMessage{}}
}

type Location string

const (
	LocationPaid   Location = "paid"
	LocationUnpaid Location = "unpaid"
)

type Status string

const (
	StatusCreated       Status = "created"
	StatusEmailCaptured Status = "email_captured"
	StatusPaid          Status = "paid"
)

// Message is a transcript line independent of the table it came from.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolved is the authoritative row for a uuid.
type Resolved struct {
	Location Location
	Paid     *PaidSession
	Unpaid   *UnpaidSession
}

func (r *Resolved) State() *FunnelState {
	if r.Location == LocationUnpaid {
		return &r.Unpaid.FunnelState
	}
	return &r.Paid.FunnelState
}

func (r *Resolved) Status() Status {
	st := r.State()
	switch {
	case st.Paid:
		return StatusPaid
	case st.Email != nil && *st.Email != "":
		return StatusEmailCaptured
	default:
		return StatusCreated
	}
}
