// Package feedback polls angle sensors and forwards valid samples to the
// motor controllers.  Two sensor families are supported: a potentiometer
// on the actuator shaft and a 3-axis accelerometer used as a tilt sensor.
package feedback

import (
	"errors"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shemas2015/simulator-v4/util"
)

// ErrNoSample is generated when a sensor read yields nothing usable.
// The previous angle is retained; the sample is simply skipped.
var ErrNoSample = errors.New("no valid sample")

// DefaultPeriod is the sampling period; the deployed rigs poll at 10~30 ms.
const DefaultPeriod = 20 * time.Millisecond

// Source produces angle readings in degrees.
type Source interface {
	// Read returns the current angle, or ErrNoSample when the raw
	// reading is invalid and should be discarded.
	Read() (float64, error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func() (float64, error)

// Read implements Source.
func (f SourceFunc) Read() (float64, error) { return f() }

// Potentiometer converts a raw ADC reading to an angle by linear remap of
// the pot's raw range onto 0~180 degrees.
type Potentiometer struct {
	// Raw reads the ADC channel bound to this actuator.
	Raw func() (int, error)

	// RawMin and RawMax bound the usable raw range of the pot.
	RawMin, RawMax int
}

// Read implements Source.  A zero raw reading means the wiper is
// disconnected or the ADC misfired; it is discarded, not treated as 0°.
func (p Potentiometer) Read() (float64, error) {
	raw, err := p.Raw()
	if err != nil {
		return 0, err
	}
	if raw == 0 {
		return 0, ErrNoSample
	}
	span := float64(p.RawMax - p.RawMin)
	if span <= 0 {
		return 0, ErrNoSample
	}
	angle := float64(raw-p.RawMin) / span * 180
	return util.Clamp(angle, 0, 180), nil
}

// IMU converts 3-axis acceleration to a roll-derived tilt angle.
type IMU struct {
	// Raw reads the accelerometer, in any consistent unit.
	Raw func() (x, y, z float64, err error)
}

// Read implements Source.  An all-zero reading means the sensor has not
// produced data yet and is discarded.  Readings near the gimbal-lock axis
// are ambiguous; that shows up as noise, not an error.
func (m IMU) Read() (float64, error) {
	x, y, z, err := m.Raw()
	if err != nil {
		return 0, err
	}
	if x == 0 && y == 0 && z == 0 {
		return 0, ErrNoSample
	}
	return math.Atan2(-x, math.Sqrt(y*y+z*z))*180/math.Pi + 90, nil
}

/*Sampler runs one device's feedback loop.

Each tick it reads the Source and forwards the angle to the sink, which in
practice is motor.(*Controller).Sample.  Stop is deterministic: once it
returns, the sink will not be called again.
*/
type Sampler struct {
	src    Source
	sink   func(float64)
	period time.Duration
	clk    clock.Clock

	done    chan struct{}
	stopped chan struct{}
}

// NewSampler returns an unstarted sampler.  A zero period uses
// DefaultPeriod; a nil clk uses the wall clock.
func NewSampler(src Source, sink func(float64), period time.Duration, clk clock.Clock) *Sampler {
	if period == 0 {
		period = DefaultPeriod
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sampler{
		src:     src,
		sink:    sink,
		period:  period,
		clk:     clk,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	go s.run()
}

// Stop halts the loop and waits for it to exit, so no sample can be
// delivered after Stop returns.  Stop may only be called once.
func (s *Sampler) Stop() {
	close(s.done)
	<-s.stopped
}

func (s *Sampler) run() {
	defer close(s.stopped)
	t := s.clk.Ticker(s.period)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			angle, err := s.src.Read()
			if err != nil {
				continue // stale value retention
			}
			s.sink(angle)
		}
	}
}
