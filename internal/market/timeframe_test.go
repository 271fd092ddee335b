package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)
	assert.Equal(t, int64(3_600_000), tf.StepMillis())

	_, err = ParseTimeframe("1M")
	assert.Error(t, err, "monthly bars have no fixed step")

	_, err = ParseTimeframe("7m")
	assert.Error(t, err)
}

func TestSupportedTimeframesOrdered(t *testing.T) {
	keys := SupportedTimeframes()
	require.NotEmpty(t, keys)
	assert.Equal(t, "1s", keys[0])
	assert.Equal(t, "1w", keys[len(keys)-1])
}

func TestAlignRange(t *testing.T) {
	tf := MustTimeframe("1h")
	hour := time.Hour.Milliseconds()

	start, end := tf.AlignRange(hour+5, 3*hour+1)
	assert.Equal(t, hour, start)
	assert.Equal(t, 4*hour, end)

	start, end = tf.AlignRange(3*hour, hour)
	assert.Equal(t, hour, start)
	assert.Equal(t, 3*hour, end)
}

func TestExpectedCandles(t *testing.T) {
	tf := MustTimeframe("1h")
	hour := time.Hour.Milliseconds()
	assert.Equal(t, int64(100), tf.ExpectedCandles(0, 100*hour))
	assert.Equal(t, int64(0), tf.ExpectedCandles(5*hour, 5*hour))
	assert.Equal(t, int64(0), tf.ExpectedCandles(5*hour, hour))
}

func TestAlignUpDown(t *testing.T) {
	assert.Equal(t, int64(-10), AlignDown(-3, 10))
	assert.Equal(t, int64(20), AlignUp(11, 10))
	assert.Equal(t, int64(20), AlignUp(20, 10))
}

func TestWeeklyGridStartsOnMonday(t *testing.T) {
	step := MustTimeframe("1w").StepMillis()
	monday := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	require.Equal(t, time.Monday, time.UnixMilli(monday).UTC().Weekday())

	assert.Equal(t, monday, AlignDown(monday, step))
	assert.Equal(t, monday, AlignDown(monday+3*24*time.Hour.Milliseconds(), step))
	assert.Equal(t, monday+step, AlignUp(monday+1, step))
	assert.True(t, OnGrid(monday, step))

	thursday := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.False(t, OnGrid(thursday, step), "epoch weekday is not a weekly open")
	assert.Equal(t, time.Monday, time.UnixMilli(AlignDown(0, step)).UTC().Weekday())

	day := MustTimeframe("1d").StepMillis()
	assert.True(t, OnGrid(thursday, day))
	assert.Equal(t, int64(0), GridOrigin(day))
}
