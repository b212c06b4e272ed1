/*Package telemetry turns live driving physics into motion commands.

A Source yields physics frames (gear, G forces, body attitude).  The
Monitor watches the stream for gear changes coinciding with an abrupt
longitudinal acceleration change and, when one lands, dispatches a
position command to the rig.
*/
package telemetry

import (
	"context"
	"log"
	"math"

	"golang.org/x/time/rate"
)

// Frame is one physics sample from the simulator.
type Frame struct {
	// Gear is the currently engaged gear.
	Gear int

	// AccG holds the G-force vector: lateral, vertical, longitudinal.
	AccG [3]float64

	// Pitch and Roll are the car body attitude in radians.
	Pitch float64
	Roll  float64
}

// PitchDegrees returns the body pitch in degrees.
func (f Frame) PitchDegrees() float64 { return f.Pitch * 180 / math.Pi }

// RollDegrees returns the body roll in degrees.
func (f Frame) RollDegrees() float64 { return f.Roll * 180 / math.Pi }

// Source produces physics frames.
type Source interface {
	Frame() (Frame, error)
}

// Acceleration change classification.
const (
	AccelNormal   = "normal"
	AccelModerate = "moderate"
	AccelAbrupt   = "abrupt"
)

// Default jerk thresholds, in G per frame.
const (
	DefaultAbruptThreshold   = 0.5
	DefaultModerateThreshold = 0.2
)

// GearChange describes a detected shift.
type GearChange struct {
	From, To int
	Up       bool
}

// Accel describes the longitudinal acceleration analysis of one frame.
type Accel struct {
	Z      float64 // longitudinal G
	Change float64 // |Z - previous Z|
	Factor float64 // scaled change, for display
	Status string  // AccelNormal, AccelModerate or AccelAbrupt
}

// Detector tracks gear and acceleration history across frames.  The zero
// value with thresholds unset uses the defaults.
type Detector struct {
	AbruptThreshold   float64
	ModerateThreshold float64

	prevGear *int
	prevZ    *float64
}

// FeedGear returns the gear change between the previous frame and this
// one, if any.
func (d *Detector) FeedGear(f Frame) (GearChange, bool) {
	prev := d.prevGear
	g := f.Gear
	d.prevGear = &g
	if prev == nil || *prev == g {
		return GearChange{}, false
	}
	return GearChange{From: *prev, To: g, Up: g > *prev}, true
}

// FeedAccel classifies the longitudinal jerk of this frame.
func (d *Detector) FeedAccel(f Frame) Accel {
	abrupt := d.AbruptThreshold
	if abrupt == 0 {
		abrupt = DefaultAbruptThreshold
	}
	moderate := d.ModerateThreshold
	if moderate == 0 {
		moderate = DefaultModerateThreshold
	}
	z := f.AccG[2]
	out := Accel{Z: z, Status: AccelNormal}
	if d.prevZ != nil {
		out.Change = math.Abs(z - *d.prevZ)
		out.Factor = out.Change * 10
		switch {
		case out.Change > abrupt:
			out.Status = AccelAbrupt
		case out.Change > moderate:
			out.Status = AccelModerate
		}
	}
	d.prevZ = &z
	return out
}

// The command dispatched when an upshift lands with an abrupt
// acceleration change.
const (
	KickSpeed = 100
	KickAngle = 105.0
)

// Target consumes dispatched (speed, targetAngle) commands; the device
// registry satisfies it.
type Target interface {
	Dispatch(speed int, angle float64)
}

// monitorHz is how often frames are polled; matches the upstream physics
// update rate.
const monitorHz = 20

// Monitor polls a Source and dispatches commands on qualifying events.
type Monitor struct {
	src Source
	tgt Target
	det Detector

	limiter *rate.Limiter
}

// NewMonitor returns a Monitor reading src and driving tgt.
func NewMonitor(src Source, tgt Target) *Monitor {
	return &Monitor{
		src:     src,
		tgt:     tgt,
		limiter: rate.NewLimiter(rate.Limit(monitorHz), 1),
	}
}

// SetThresholds overrides the jerk classification thresholds.  Call
// before Run; zero values keep the defaults.
func (m *Monitor) SetThresholds(abrupt, moderate float64) {
	m.det.AbruptThreshold = abrupt
	m.det.ModerateThreshold = moderate
}

// Run polls frames until ctx is cancelled.  Frame read errors are logged
// and skipped; the stream owner decides when to give up by cancelling.
func (m *Monitor) Run(ctx context.Context) error {
	log.Println("telemetry monitor started")
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			log.Println("telemetry monitor stopped")
			return ctx.Err()
		}
		f, err := m.src.Frame()
		if err != nil {
			log.Printf("reading physics frame: %v", err)
			continue
		}
		m.Step(f)
	}
}

// Step processes a single frame.  Exposed so tests and replay tooling can
// drive the monitor without the polling loop.
func (m *Monitor) Step(f Frame) {
	change, shifted := m.det.FeedGear(f)
	accel := m.det.FeedAccel(f)
	if !shifted {
		return
	}
	log.Printf("gear change %d -> %d, accel %s (factor %.2f)",
		change.From, change.To, accel.Status, accel.Factor)
	if change.Up && accel.Status == AccelAbrupt {
		m.tgt.Dispatch(KickSpeed, KickAngle)
	}
}
