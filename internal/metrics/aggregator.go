package metrics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Aggregator keeps one session_statistics row per day. Writes are meant to
// run inside the caller's transaction so a counter moves only when the
// transition it records commits.
type Aggregator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Increment bumps the counter for e on today's row using tx (or the
// aggregator's own handle when tx is nil).
func (a *Aggregator) Increment(ctx context.Context, tx *gorm.DB, e Event) error {
	if tx == nil {
		tx = a.db
	}
	now := a.now().UTC()
	row := DailyStatistic{Date: DateKey(now), CreatedAt: now, UpdatedAt: now}
	switch e {
	case FirstMessage:
		row.FirstMessages = 1
	case EmailCollected:
		row.EmailsCollected = 1
	case PaymentCompleted:
		row.PaymentsCompleted = 1
	}
	col := e.column()
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			col:          gorm.Expr(col + " + 1"),
			"updated_at": now,
		}),
	}).Create(&row).Error
}

type Report struct {
	Date              string  `json:"date,omitempty"`
	FirstMessages     int64   `json:"first_messages"`
	EmailsCollected   int64   `json:"emails_collected"`
	PaymentsCompleted int64   `json:"payments_completed"`
	EmailRate         float64 `json:"email_rate"`
	PaymentRate       float64 `json:"payment_rate"`
	TotalRate         float64 `json:"total_rate"`
}

func newReport(date string, first, emails, payments int64) Report {
	return Report{
		Date:              date,
		FirstMessages:     first,
		EmailsCollected:   emails,
		PaymentsCompleted: payments,
		EmailRate:         Rate(emails, first),
		PaymentRate:       Rate(payments, emails),
		TotalRate:         Rate(payments, first),
	}
}

// Rate is num/den rounded to four places; a zero denominator yields 0.
func Rate(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), 4).InexactFloat64()
}

// Day returns the report for one date; a day with no activity is all zeros.
func (a *Aggregator) Day(ctx context.Context, day time.Time) (Report, error) {
	key := DateKey(day)
	var rows []DailyStatistic
	if err := a.db.WithContext(ctx).Where("date = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return Report{}, err
	}
	if len(rows) == 0 {
		return newReport(key, 0, 0, 0), nil
	}
	r := rows[0]
	return newReport(key, r.FirstMessages, r.EmailsCollected, r.PaymentsCompleted), nil
}

// Today is Day(now).
func (a *Aggregator) Today(ctx context.Context) (Report, error) {
	return a.Day(ctx, a.now())
}

// DayOverDay returns the report for day and for the day before it.
func (a *Aggregator) DayOverDay(ctx context.Context, day time.Time) (current, previous Report, err error) {
	if current, err = a.Day(ctx, day); err != nil {
		return Report{}, Report{}, err
	}
	if previous, err = a.Day(ctx, day.AddDate(0, 0, -1)); err != nil {
		return Report{}, Report{}, err
	}
	return current, previous, nil
}

// Range returns stored days between from and to inclusive, oldest first.
func (a *Aggregator) Range(ctx context.Context, from, to time.Time) ([]Report, error) {
	var rows []DailyStatistic
	if err := a.db.WithContext(ctx).
		Where("date >= ? AND date <= ?", DateKey(from), DateKey(to)).
		Order("date ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(rows))
	for _, r := range rows {
		out = append(out, newReport(r.Date, r.FirstMessages, r.EmailsCollected, r.PaymentsCompleted))
	}
	return out, nil
}

// Totals sums every day (all-time conversion).
func (a *Aggregator) Totals(ctx context.Context) (Report, error) {
	var sums struct {
		FirstMessages     int64
		EmailsCollected   int64
		PaymentsCompleted int64
	}
	if err := a.db.WithContext(ctx).Model(&DailyStatistic{}).
		Select("COALESCE(SUM(first_messages),0) AS first_messages, " +
			"COALESCE(SUM(emails_collected),0) AS emails_collected, " +
			"COALESCE(SUM(payments_completed),0) AS payments_completed").
		Scan(&sums).Error; err != nil {
		return Report{}, err
	}
	return newReport("", sums.FirstMessages, sums.EmailsCollected, sums.PaymentsCompleted), nil
}
