package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/jaswdr/faker"
	"github.com/schollz/progressbar/v3"

	"github.com/citypulse/trafficflow/internal/clock"
	"github.com/citypulse/trafficflow/internal/models"
)

// Generator drives a fabricated sensor fleet, emitting one JSON reading per
// sensor per (jittered) interval. With InvalidRate > 0 a share of payloads
// is deliberately malformed to exercise the pipeline's reject path.
type Generator struct {
	cfg   models.GeneratorConfig
	topic string
	out   OutputDestination
	fleet []*Sensor
	queue *emissionQueue
	rng   *rand.Rand
	clock clock.Clock
	log   *slog.Logger
}

func New(cfg *models.Config, out OutputDestination, clk clock.Clock, logger *slog.Logger) (*Generator, error) {
	seed := cfg.Generator.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	fake := faker.NewWithSeed(rand.NewSource(seed))

	g := &Generator{
		cfg:   cfg.Generator,
		topic: cfg.KafkaTopic,
		out:   out,
		fleet: NewFleet(cfg.Generator, rng, fake),
		queue: newEmissionQueue(),
		rng:   rng,
		clock: clk,
		log:   logger,
	}

	// publish the fleet's mapping so the pipeline can aggregate it
	if cfg.SensorRegionFile != "" {
		if err := models.SaveSensorRegions(cfg.SensorRegionFile, g.RegionMap()); err != nil {
			return nil, fmt.Errorf("failed to save sensor region map: %w", err)
		}
		logger.Info("sensor region map written",
			"file", cfg.SensorRegionFile,
			"sensors", len(g.fleet))
	}

	return g, nil
}

// Fleet exposes the fabricated sensors.
func (g *Generator) Fleet() []*Sensor { return g.fleet }

// RegionMap returns the fleet's sensor to region assignment.
func (g *Generator) RegionMap() map[string]string {
	regions := make(map[string]string, len(g.fleet))
	for _, s := range g.fleet {
		regions[s.ID] = s.RegionID
	}
	return regions
}

// Run emits readings until the configured count is reached or, in continuous
// mode, until ctx is cancelled. Write failures are logged and skipped; the
// producer has its own retries and a generator is allowed to drop data.
func (g *Generator) Run(ctx context.Context) error {
	defer func() {
		if err := g.out.Close(); err != nil {
			g.log.Error("failed to close output", "error", err)
		}
	}()

	if len(g.fleet) == 0 {
		return fmt.Errorf("no sensors configured")
	}

	now := g.clock.Now()
	for _, s := range g.fleet {
		// stagger first emissions across one interval so the fleet does not
		// fire in lockstep
		g.queue.Enqueue(&emission{Due: now.Add(g.jitter()), Sensor: s})
	}

	var bar *progressbar.ProgressBar
	if !g.cfg.Continuous && g.cfg.Count > 0 {
		bar = progressbar.Default(int64(g.cfg.Count), "readings")
	}

	g.log.Info("generation started",
		"sensors", len(g.fleet),
		"interval", g.cfg.Interval,
		"topic", g.topic,
		"continuous", g.cfg.Continuous,
		"invalid_rate", g.cfg.InvalidRate)

	emitted := 0
	for {
		next := g.queue.Peek()
		now = g.clock.Now()
		if next.Due.After(now) {
			select {
			case <-ctx.Done():
				return nil
			case <-g.clock.After(next.Due.Sub(now)):
			}
			continue
		}

		e := g.queue.Dequeue()
		payload, err := g.payloadFor(e.Sensor, now)
		if err != nil {
			g.log.Error("failed to serialize reading", "sensor_id", e.Sensor.ID, "error", err)
		} else if err := g.out.WriteMessage(g.topic, []byte(e.Sensor.ID), payload); err != nil {
			g.log.Error("failed to write reading", "sensor_id", e.Sensor.ID, "error", err)
		} else {
			emitted++
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		g.queue.Enqueue(&emission{Due: e.Due.Add(g.jitter()), Sensor: e.Sensor})

		if !g.cfg.Continuous && g.cfg.Count > 0 && emitted >= g.cfg.Count {
			if bar != nil {
				_ = bar.Finish()
			}
			g.log.Info("generation complete", "readings", emitted)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// jitter spreads emissions to ±20% around the configured interval.
func (g *Generator) jitter() time.Duration {
	base := float64(g.cfg.Interval)
	return time.Duration(base * uniform(g.rng, 0.8, 1.2))
}

func (g *Generator) payloadFor(s *Sensor, at time.Time) ([]byte, error) {
	if g.cfg.InvalidRate > 0 && g.rng.Float64() < g.cfg.InvalidRate {
		return g.corruptPayload(s, at), nil
	}
	return json.Marshal(g.nextReading(s, at))
}

// nextReading samples a plausible observation for s at time at. Pressure
// rises with the city-wide flow level scaled by how hard the sensor's ring
// takes congestion; speed falls and vehicle counts rise with pressure.
func (g *Generator) nextReading(s *Sensor, at time.Time) models.RawReading {
	pressure := math.Min(1, flowLevel(g.rng, at)*s.cluster.rushSensitivity)
	span := s.cluster.speedMax - s.cluster.speedMin

	speed := normalSample(g.rng,
		s.cluster.speedMax-span*pressure,
		span/6,
		5,
		s.cluster.speedMax)

	vehicles := int(math.Round(s.cluster.baseVehicles * (0.5 + 1.5*pressure) * uniform(g.rng, 0.8, 1.2)))
	if vehicles < 0 {
		vehicles = 0
	}

	level := normalSample(g.rng, pressure*100, 10, 0, models.MaxCongestionLevel)

	return models.RawReading{
		SensorID:        s.ID,
		Timestamp:       at.UTC(),
		Location:        s.Location,
		VehicleCount:    vehicles,
		AverageSpeed:    speed,
		CongestionLevel: level,
	}
}

// corruptPayload fabricates the malformed shapes real sensors produce when
// they misbehave: dropped fields, garbage values, truncated writes.
func (g *Generator) corruptPayload(s *Sensor, at time.Time) []byte {
	base := map[string]interface{}{
		"sensor_id": s.ID,
		"timestamp": at.UTC().Format(time.RFC3339),
		"location": map[string]float64{
			"latitude":  s.Location.Latitude,
			"longitude": s.Location.Longitude,
		},
		"vehicle_count":    12,
		"average_speed":    40.0,
		"congestion_level": 30.0,
	}

	switch g.rng.Intn(6) {
	case 0:
		delete(base, "sensor_id")
	case 1:
		base["vehicle_count"] = -7
	case 2:
		base["average_speed"] = 420.0
	case 3:
		base["timestamp"] = "just now"
	case 4:
		delete(base, "location")
	default:
		return []byte(`{"sensor_id":"` + s.ID + `","timest`)
	}

	payload, err := json.Marshal(base)
	if err != nil {
		// map of plain values cannot fail to marshal; satisfy the compiler
		return []byte(`{}`)
	}
	return payload
}
