package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/citypulse/trafficflow/internal/models"
)

var testRegions = map[string]string{
	"S1": "R1",
	"S2": "R1",
	"S3": "R2",
}

func newTestAggregator() *Aggregator {
	return NewAggregator(time.Minute, testRegions, slog.Default())
}

func reading(sensorID string, ts time.Time, score float64) *models.ProcessedReading {
	return &models.ProcessedReading{
		ID:              sensorID + ts.Format("150405"),
		SensorID:        sensorID,
		Timestamp:       ts,
		CongestionScore: score,
		ProcessedAt:     ts,
		Status:          models.ReadingStatusValidated,
	}
}

func TestAccumulateSingleReading(t *testing.T) {
	agg := newTestAggregator()
	ts := time.Date(2024, 6, 1, 12, 0, 42, 0, time.UTC)

	require.True(t, agg.Accumulate(reading("S1", ts, 55)))

	flushed := agg.Sweep(ts.Add(2 * time.Minute))
	require.Len(t, flushed, 1)
	require.Equal(t, "R1", flushed[0].RegionID)
	require.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), flushed[0].WindowStart)
	require.Equal(t, 1, flushed[0].MessageCount)
	require.Equal(t, 1, flushed[0].SensorCount)
	require.Equal(t, 55.0, flushed[0].AverageCongestionScore)
}

func TestWindowCountsMessagesAndDistinctSensors(t *testing.T) {
	agg := newTestAggregator()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// two sensors in the same region and window, one reporting twice
	require.True(t, agg.Accumulate(reading("S1", base.Add(5*time.Second), 40)))
	require.True(t, agg.Accumulate(reading("S2", base.Add(20*time.Second), 60)))
	require.True(t, agg.Accumulate(reading("S1", base.Add(45*time.Second), 80)))

	flushed := agg.Sweep(base.Add(2 * time.Minute))
	require.Len(t, flushed, 1)
	require.Equal(t, 3, flushed[0].MessageCount)
	require.Equal(t, 2, flushed[0].SensorCount)
	require.InDelta(t, 60.0, flushed[0].AverageCongestionScore, 1e-9)
}

func TestAverageIsMeanOfContributingScores(t *testing.T) {
	agg := newTestAggregator()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	scoreA := CongestionScore(50.5, 10, 20)
	scoreB := CongestionScore(12.0, 80, 75)
	require.True(t, agg.Accumulate(reading("S1", base.Add(time.Second), scoreA)))
	require.True(t, agg.Accumulate(reading("S2", base.Add(30*time.Second), scoreB)))

	flushed := agg.Sweep(base.Add(90 * time.Second))
	require.Len(t, flushed, 1)
	require.Equal(t, 2, flushed[0].MessageCount)
	require.Equal(t, 2, flushed[0].SensorCount)
	require.InDelta(t, (scoreA+scoreB)/2, flushed[0].AverageCongestionScore, 1e-9)
}

func TestSweepClosesOnlyElapsedWindows(t *testing.T) {
	agg := newTestAggregator()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, agg.Accumulate(reading("S1", base.Add(10*time.Second), 50)))
	require.True(t, agg.Accumulate(reading("S1", base.Add(70*time.Second), 70)))

	// only the first window has fully elapsed at 12:01:30
	flushed := agg.Sweep(base.Add(90 * time.Second))
	require.Len(t, flushed, 1)
	require.Equal(t, base, flushed[0].WindowStart)
	require.Equal(t, 1, agg.OpenWindows())

	flushed = agg.Sweep(base.Add(3 * time.Minute))
	require.Len(t, flushed, 1)
	require.Equal(t, base.Add(time.Minute), flushed[0].WindowStart)
	require.Equal(t, 0, agg.OpenWindows())
}

func TestWindowBoundaryIsHalfOpen(t *testing.T) {
	agg := newTestAggregator()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// 12:00:59.999... belongs to the 12:00 window, 12:01:00 to the next
	require.True(t, agg.Accumulate(reading("S1", base.Add(time.Minute-time.Nanosecond), 40)))
	require.True(t, agg.Accumulate(reading("S2", base.Add(time.Minute), 60)))

	flushed := agg.Sweep(base.Add(time.Minute))
	require.Len(t, flushed, 1)
	require.Equal(t, base, flushed[0].WindowStart)
	require.Equal(t, 1, flushed[0].MessageCount)
}

func TestNoMessageCountsTwice(t *testing.T) {
	agg := newTestAggregator()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, agg.Accumulate(reading("S1", base.Add(time.Second), 50)))
	first := agg.Sweep(base.Add(2 * time.Minute))
	require.Len(t, first, 1)

	// a retired window never resurfaces
	require.Empty(t, agg.Sweep(base.Add(2*time.Minute)))
	require.Empty(t, agg.Sweep(base.Add(time.Hour)))

	// later traffic opens a fresh window rather than reviving the old one
	require.True(t, agg.Accumulate(reading("S1", base.Add(5*time.Minute), 80)))
	second := agg.Sweep(base.Add(time.Hour))
	require.Len(t, second, 1)
	require.Equal(t, base.Add(5*time.Minute), second[0].WindowStart)
	require.Equal(t, 1, second[0].MessageCount)
}

func TestUnmappedSensorSkipsAggregation(t *testing.T) {
	agg := newTestAggregator()
	ts := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)

	require.False(t, agg.Accumulate(reading("S-unknown", ts, 50)))
	require.Equal(t, 0, agg.OpenWindows())
	require.Empty(t, agg.Sweep(ts.Add(time.Hour)))
}

func TestLateReadingForFlushedWindowIsDropped(t *testing.T) {
	agg := newTestAggregator()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, agg.Accumulate(reading("S1", base.Add(10*time.Second), 50)))
	require.Len(t, agg.Sweep(base.Add(2*time.Minute)), 1)

	// straggler for the already flushed window
	require.False(t, agg.Accumulate(reading("S2", base.Add(30*time.Second), 90)))
	require.Equal(t, 0, agg.OpenWindows())

	// the watermark only fences the flushed region
	require.True(t, agg.Accumulate(reading("S3", base.Add(30*time.Second), 90)))
}

func TestZeroContributionWindowsNeverFlush(t *testing.T) {
	agg := newTestAggregator()
	require.Empty(t, agg.Sweep(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))
	require.Empty(t, agg.Sweep(time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)))
}

func TestRegionsAggregateIndependently(t *testing.T) {
	agg := newTestAggregator()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, agg.Accumulate(reading("S1", base.Add(time.Second), 30)))
	require.True(t, agg.Accumulate(reading("S3", base.Add(time.Second), 90)))

	flushed := agg.Sweep(base.Add(2 * time.Minute))
	require.Len(t, flushed, 2)
	require.Equal(t, "R1", flushed[0].RegionID)
	require.Equal(t, 30.0, flushed[0].AverageCongestionScore)
	require.Equal(t, "R2", flushed[1].RegionID)
	require.Equal(t, 90.0, flushed[1].AverageCongestionScore)
}

func TestSweepOutputIsSorted(t *testing.T) {
	agg := NewAggregator(time.Minute, map[string]string{
		"A": "R-alpha", "B": "R-beta", "C": "R-gamma",
	}, slog.Default())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, agg.Accumulate(reading("C", base.Add(time.Second), 10)))
	require.True(t, agg.Accumulate(reading("A", base.Add(61*time.Second), 10)))
	require.True(t, agg.Accumulate(reading("A", base.Add(time.Second), 10)))
	require.True(t, agg.Accumulate(reading("B", base.Add(time.Second), 10)))

	flushed := agg.Sweep(base.Add(time.Hour))
	require.Len(t, flushed, 4)
	require.Equal(t, "R-alpha", flushed[0].RegionID)
	require.Equal(t, base, flushed[0].WindowStart)
	require.Equal(t, "R-alpha", flushed[1].RegionID)
	require.Equal(t, base.Add(time.Minute), flushed[1].WindowStart)
	require.Equal(t, "R-beta", flushed[2].RegionID)
	require.Equal(t, "R-gamma", flushed[3].RegionID)
}

func TestConcurrentAccumulateAndSweep(t *testing.T) {
	regions := make(map[string]string)
	for i := 0; i < 8; i++ {
		regions[fmt.Sprintf("S%d", i)] = fmt.Sprintf("R%d", i%2)
	}
	agg := NewAggregator(time.Minute, regions, slog.Default())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	const perSensor = 200
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(sensor string) {
			defer wg.Done()
			for j := 0; j < perSensor; j++ {
				ts := base.Add(time.Duration(j) * 500 * time.Millisecond)
				agg.Accumulate(reading(sensor, ts, 50))
			}
		}(fmt.Sprintf("S%d", i))
	}

	sweepDone := make(chan []models.RegionalAggregate, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		// sweep concurrently with accumulation; nothing has elapsed yet so
		// this only exercises locking
		agg.Sweep(base)
		sweepDone <- agg.Sweep(base)
	}()
	wg.Wait()
	require.Empty(t, <-sweepDone)

	// every contribution lands in exactly one flushed window
	flushed := agg.Sweep(base.Add(time.Hour))
	total := 0
	for _, a := range flushed {
		total += a.MessageCount
	}
	require.Equal(t, 8*perSensor, total)
}
