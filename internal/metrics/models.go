package metrics

import "time"

// DailyStatistic holds the funnel counters for one calendar date (UTC).
// Counters only ever grow, and only as side effects of ledger transitions.
type DailyStatistic struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	Date              string    `gorm:"type:varchar(10);uniqueIndex;not null" json:"date"`
	FirstMessages     int64     `gorm:"not null;default:0" json:"first_messages"`
	EmailsCollected   int64     `gorm:"not null;default:0" json:"emails_collected"`
	PaymentsCompleted int64     `gorm:"not null;default:0" json:"payments_completed"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (DailyStatistic) TableName() string { return "session_statistics" }

type Event int

const (
	FirstMessage Event = iota
	EmailCollected
	PaymentCompleted
)

func (e Event) column() string {
	switch e {
	case EmailCollected:
		return "emails_collected"
	case PaymentCompleted:
		return "payments_completed"
	default:
		return "first_messages"
	}
}

func (e Event) String() string {
	switch e {
	case EmailCollected:
		return "email_collected"
	case PaymentCompleted:
		return "payment_completed"
	default:
		return "first_message"
	}
}

const dateLayout = "2006-01-02"

func DateKey(t time.Time) string { return t.UTC().Format(dateLayout) }
