package telemetry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// shiftRule is one gear transition with its speed threshold and the
// per-frame probability of taking it once past the threshold.
type shiftRule struct {
	from, to int
	speed    float64
	prob     float64
}

var upshifts = []shiftRule{
	{1, 2, 20, 0.15},
	{2, 3, 40, 0.12},
	{3, 4, 70, 0.10},
	{4, 5, 100, 0.08},
	{5, 6, 140, 0.06},
}

var downshifts = []shiftRule{
	{6, 5, 120, 0.08},
	{5, 4, 80, 0.10},
	{4, 3, 50, 0.12},
	{3, 2, 25, 0.15},
	{2, 1, 10, 0.20},
}

// Simulator is a fake physics Source for running the daemon without the
// game attached.  It random-walks vehicle speed, shifts gears at
// plausible thresholds, and derives G forces from throttle and brake.
type Simulator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	start   time.Time
	speed   float64 // km/h
	gear    int
	targetV float64
}

// NewSimulator returns a Simulator seeded from seed; use 0 for a
// time-based seed.
func NewSimulator(seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		rng:   rand.New(rand.NewSource(seed)),
		start: time.Now(),
		gear:  1,
	}
}

// Frame implements Source.
func (s *Simulator) Frame() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.targetV == 0 || s.rng.Float64() < 0.02 {
		s.targetV = 50 + s.rng.Float64()*150
	}
	if s.speed < s.targetV {
		s.speed += 1 + s.rng.Float64()*4
	} else {
		s.speed -= 1 + s.rng.Float64()*2
	}
	s.speed = math.Max(0, math.Min(s.speed, 250))

	for _, r := range upshifts {
		if s.gear == r.from && s.speed > r.speed && s.rng.Float64() < r.prob {
			s.gear = r.to
			break
		}
	}
	for _, r := range downshifts {
		if s.gear == r.from && s.speed < r.speed && s.rng.Float64() < r.prob {
			s.gear = r.to
			break
		}
	}

	gas := 0.3 + s.rng.Float64()*0.7
	brake := 0.0
	if s.speed > 100 {
		brake = s.rng.Float64() * 0.3
	}
	elapsed := time.Since(s.start).Seconds()
	return Frame{
		Gear: s.gear,
		AccG: [3]float64{
			s.rng.Float64() - 0.5,
			(s.rng.Float64() - 0.5) * 0.4,
			(gas-brake)*2 + (s.rng.Float64()-0.5)*0.6,
		},
		Pitch: math.Sin(elapsed*0.5) * 0.1,
		Roll:  math.Sin(elapsed*0.8) * 0.05,
	}, nil
}
