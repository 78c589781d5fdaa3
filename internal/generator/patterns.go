package generator

import (
	"math"
	"math/rand"
	"time"
)

// flowLevel estimates how loaded the road network is at t on a 0..1 scale.
// Weekday rush hours run hot, nights run near empty, weekends lose the rush
// peaks. Each call samples within the band so sensors disagree a little.
func flowLevel(rng *rand.Rand, t time.Time) float64 {
	hour := t.Hour()
	weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday

	switch {
	case !weekend && ((hour >= 7 && hour <= 9) || (hour >= 16 && hour <= 18)):
		return uniform(rng, 0.7, 1.0)
	case hour >= 22 || hour <= 5:
		return uniform(rng, 0.0, 0.3)
	case weekend && hour >= 10 && hour <= 20:
		return uniform(rng, 0.4, 0.75)
	default:
		return uniform(rng, 0.3, 0.7)
	}
}

func uniform(rng *rand.Rand, min, max float64) float64 {
	return min + rng.Float64()*(max-min)
}

// normalSample draws from N(mean, std) via the Box-Muller transform and
// clamps to [min, max].
func normalSample(rng *rand.Rand, mean, std, min, max float64) float64 {
	u1 := 1 - rng.Float64() // (0, 1], keeps Log finite
	u2 := rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	return math.Max(min, math.Min(max, mean+z*std))
}
