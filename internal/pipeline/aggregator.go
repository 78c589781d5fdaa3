package pipeline

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/citypulse/trafficflow/internal/models"
)

// windowKey identifies one open tumbling window. Start is the window start
// in unix seconds so the key stays comparable.
type windowKey struct {
	region string
	start  int64
}

type accumulator struct {
	scoreSum float64
	messages int
	sensors  map[string]struct{}
}

// Aggregator folds processed readings into per-region tumbling windows.
// Safe for concurrent use by the consumer loop and the sweeper.
type Aggregator struct {
	mu         sync.Mutex
	windowSize time.Duration
	regions    map[string]string // sensor id -> region id
	open       map[windowKey]*accumulator
	flushed    map[string]int64 // region id -> latest flushed window start
	log        *slog.Logger
}

func NewAggregator(windowSize time.Duration, sensorRegions map[string]string, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		windowSize: windowSize,
		regions:    sensorRegions,
		open:       make(map[windowKey]*accumulator),
		flushed:    make(map[string]int64),
		log:        logger,
	}
}

// WindowStart floors a reading timestamp to its window boundary in UTC.
func (a *Aggregator) WindowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(a.windowSize)
}

// Accumulate folds one reading into its (region, window) accumulator and
// reports whether it was counted. Readings from unmapped sensors are
// skipped; readings whose window already flushed are dropped. Both are
// logged, neither is an error: the reading itself is already persisted.
func (a *Aggregator) Accumulate(r *models.ProcessedReading) bool {
	region, ok := a.regions[r.SensorID]
	if !ok {
		a.log.Warn("no region mapping for sensor, skipping aggregation",
			"sensor_id", r.SensorID)
		return false
	}

	start := a.WindowStart(r.Timestamp).Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.flushed[region]; ok && start <= last {
		a.log.Warn("reading arrived after its window flushed, dropping from aggregation",
			"sensor_id", r.SensorID,
			"region_id", region,
			"window_start", time.Unix(start, 0).UTC())
		return false
	}

	key := windowKey{region: region, start: start}
	acc := a.open[key]
	if acc == nil {
		acc = &accumulator{sensors: make(map[string]struct{})}
		a.open[key] = acc
	}
	acc.scoreSum += r.CongestionScore
	acc.messages++
	acc.sensors[r.SensorID] = struct{}{}
	return true
}

// Sweep closes every window whose span has fully elapsed at now and returns
// the aggregates ordered by region then window start. Closed windows are
// retired, so a second sweep never reproduces them.
func (a *Aggregator) Sweep(now time.Time) []models.RegionalAggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.RegionalAggregate
	for key, acc := range a.open {
		start := time.Unix(key.start, 0).UTC()
		if start.Add(a.windowSize).After(now) {
			continue
		}
		out = append(out, models.RegionalAggregate{
			RegionID:               key.region,
			WindowStart:            start,
			AverageCongestionScore: acc.scoreSum / float64(acc.messages),
			SensorCount:            len(acc.sensors),
			MessageCount:           acc.messages,
		})
		if last, ok := a.flushed[key.region]; !ok || key.start > last {
			a.flushed[key.region] = key.start
		}
		delete(a.open, key)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegionID != out[j].RegionID {
			return out[i].RegionID < out[j].RegionID
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out
}

// OpenWindows reports how many windows are currently accumulating.
func (a *Aggregator) OpenWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}
