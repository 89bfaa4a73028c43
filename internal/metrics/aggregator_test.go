package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/legalfunnel/internal/testutil"
)

func newTestAggregator(t *testing.T, now time.Time) *Aggregator {
	t.Helper()
	db := testutil.OpenSQLite(t, &DailyStatistic{})
	return NewAggregator(db).WithClock(func() time.Time { return now })
}

func TestIncrement_UpsertsOneRowPerDay(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a := newTestAggregator(t, day)

	require.NoError(t, a.Increment(ctx, nil, FirstMessage))
	require.NoError(t, a.Increment(ctx, nil, FirstMessage))
	require.NoError(t, a.Increment(ctx, nil, EmailCollected))

	var count int64
	require.NoError(t, a.db.Model(&DailyStatistic{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	r, err := a.Day(ctx, day)
	require.NoError(t, err)
	assert.EqualValues(t, 2, r.FirstMessages)
	assert.EqualValues(t, 1, r.EmailsCollected)
	assert.EqualValues(t, 0, r.PaymentsCompleted)
	assert.Equal(t, 0.5, r.EmailRate)
	assert.Equal(t, 0.0, r.PaymentRate)
}

func TestRate_ZeroDenominator(t *testing.T) {
	assert.Equal(t, 0.0, Rate(3, 0))
	assert.Equal(t, 0.3333, Rate(1, 3))
}

func TestDayOverDayAndTotals(t *testing.T) {
	ctx := context.Background()
	yesterday := time.Date(2026, 3, 13, 23, 0, 0, 0, time.UTC)
	today := yesterday.Add(2 * time.Hour)

	a := newTestAggregator(t, yesterday)
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Increment(ctx, nil, FirstMessage))
	}
	require.NoError(t, a.Increment(ctx, nil, EmailCollected))

	a.WithClock(func() time.Time { return today })
	require.NoError(t, a.Increment(ctx, nil, FirstMessage))
	require.NoError(t, a.Increment(ctx, nil, EmailCollected))
	require.NoError(t, a.Increment(ctx, nil, PaymentCompleted))

	cur, prev, err := a.DayOverDay(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", cur.Date)
	assert.Equal(t, 1.0, cur.TotalRate)
	assert.Equal(t, "2026-03-13", prev.Date)
	assert.Equal(t, 0.25, prev.EmailRate)

	tot, err := a.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, tot.FirstMessages)
	assert.EqualValues(t, 2, tot.EmailsCollected)
	assert.EqualValues(t, 1, tot.PaymentsCompleted)
	assert.Equal(t, 0.5, tot.PaymentRate)
	assert.Equal(t, 0.2, tot.TotalRate)

	days, err := a.Range(ctx, yesterday, today)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2026-03-13", days[0].Date)
}

func TestDay_Empty(t *testing.T) {
	a := newTestAggregator(t, time.Now())
	r, err := a.Today(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.FirstMessages)
	assert.Zero(t, r.TotalRate)
}
