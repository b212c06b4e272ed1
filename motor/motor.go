// Package motor implements the closed loop position regulator for one
// linear actuator.  It is a three state bang-bang controller with a
// deadband and a mandatory dwell in Stopped before the drive direction
// may reverse.
package motor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrInvalidCommand is generated when a command carries an out of
	// range or malformed value.  The command is rejected before any
	// output changes.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrNotArmable is generated when a manual jog is issued while the
	// controller is mid closed-loop cycle.
	ErrNotArmable = errors.New("controller is armed, manual command refused")
)

// Direction is the drive direction of the actuator.
type Direction int

// The three drive states.  Forward and Backward are only reachable from
// Stopped; reversing requires a dwell in Stopped first.
const (
	Stopped Direction = iota
	Forward
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "stopped"
	}
}

// Config holds the control constants for one actuator profile.
type Config struct {
	// DeadbandFine is the tolerance, in degrees, inside which the goal
	// counts as reached once the rig has been positioned initially.
	DeadbandFine float64

	// DeadbandCoarse is the wider tolerance used during the initial
	// positioning phase, before fine control begins.
	DeadbandCoarse float64

	// ReversalPause is the minimum dwell in Stopped before the drive
	// direction may flip.  Protects the H-bridge from an instantaneous
	// current reversal.
	ReversalPause time.Duration
}

// Default control constants.  The pause defaults to the conservative end
// of the observed hardware profiles.
const (
	DefaultDeadbandFine   = 5.0
	DefaultDeadbandCoarse = 10.0
	DefaultReversalPause  = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.DeadbandFine == 0 {
		c.DeadbandFine = DefaultDeadbandFine
	}
	if c.DeadbandCoarse == 0 {
		c.DeadbandCoarse = DefaultDeadbandCoarse
	}
	if c.ReversalPause == 0 {
		c.ReversalPause = DefaultReversalPause
	}
	return c
}

// Driver is the outbound side of the controller.  *comm.Link satisfies it.
type Driver interface {
	// Drive commands the given duty and target; duty 0 means stop.
	Drive(speed int, angle float64) error

	// Jog issues a manual open-loop command, "f" or "b".
	Jog(dir string) error
}

// State is a snapshot of the controller.
type State struct {
	CurrentAngle float64
	TargetAngle  float64
	Speed        int
	Direction    Direction
	Armed        bool
}

/*Controller regulates one actuator to a commanded angle.

Feedback arrives through Sample, which is safe to call from the sampling
goroutine at any rate; only the most recent angle is kept.  The control
decision runs on the controller's own goroutine, so SetTarget returns
immediately and a reversal dwell on one controller never stalls another.
Create Controllers with New and release them with Close.
*/
type Controller struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg Config
	drv Driver

	st     State
	coarse bool // initial positioning, use the wide deadband

	reversal *clock.Timer // pending dwell, nil when none

	samples chan float64 // single slot, latest sample wins
	done    chan struct{}
	closed  bool

	onFault func(error)
}

// New returns a running Controller driving drv.  A nil clk uses the wall
// clock; tests pass a mock.
func New(drv Driver, cfg Config, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	c := &Controller{
		clk:     clk,
		cfg:     cfg.withDefaults(),
		drv:     drv,
		coarse:  true,
		samples: make(chan float64, 1),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// OnFault registers a callback invoked (on its own goroutine) when a drive
// command fails at the transport.  The supervisor uses it to tear the
// device down.
func (c *Controller) OnFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

// SetTarget records a new target and arms the controller.  The effect is
// asynchronous; motion starts on the next feedback sample.
func (c *Controller) SetTarget(speed int, angle float64) error {
	if speed < 0 || speed > 255 {
		return fmt.Errorf("%w: speed %d outside [0,255]", ErrInvalidCommand, speed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrInvalidCommand
	}
	c.st.Speed = speed
	c.st.TargetAngle = angle
	c.st.Armed = true
	return nil
}

// ManualJog issues an open-loop "f" or "b" command, bypassing the
// regulator.  Only legal while the controller is disarmed.
func (c *Controller) ManualJog(dir string) error {
	if dir != "f" && dir != "b" {
		return fmt.Errorf("%w: jog %q, want \"f\" or \"b\"", ErrInvalidCommand, dir)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Armed {
		return ErrNotArmable
	}
	if err := c.drv.Jog(dir); err != nil {
		c.faultLocked(err)
		return err
	}
	return nil
}

// Sample delivers a feedback angle.  Never blocks; if the control loop is
// behind, the newest angle replaces the unconsumed one.
func (c *Controller) Sample(angle float64) {
	for {
		select {
		case c.samples <- angle:
			return
		default:
		}
		select {
		case <-c.samples:
		default:
		}
	}
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Stop zeroes the drive outputs and sets the direction to stopped.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

// Close halts the control loop and cancels any pending reversal dwell.
// The actuator is left stopped.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.st.Armed = false
	if c.reversal != nil {
		c.reversal.Stop()
		c.reversal = nil
	}
	close(c.done)
	c.mu.Unlock()
}

func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			return
		case a := <-c.samples:
			c.mu.Lock()
			c.st.CurrentAngle = a
			c.evaluateLocked()
			c.mu.Unlock()
		}
	}
}

// evaluateLocked is the control decision, invoked on every feedback sample
// while armed.  During a reversal dwell it only records the angle.
func (c *Controller) evaluateLocked() {
	if !c.st.Armed || c.closed || c.reversal != nil {
		return
	}
	diff := c.st.CurrentAngle - c.st.TargetAngle
	db := c.cfg.DeadbandFine
	if c.coarse {
		db = c.cfg.DeadbandCoarse
	}
	if math.Abs(diff) <= db {
		// goal reached, disarm
		c.stopLocked()
		c.st.Armed = false
		c.coarse = false
		return
	}
	want := Backward
	if diff > 0 {
		want = Forward
	}
	if c.st.Direction != Stopped && c.st.Direction != want {
		// direction flip requested; dwell in Stopped first
		c.stopLocked()
		c.reversal = c.clk.AfterFunc(c.cfg.ReversalPause, c.reversalDone)
		return
	}
	c.driveLocked(want)
}

// reversalDone fires when the dwell elapses; the decision is recomputed
// from the latest state rather than replaying the direction that caused
// the dwell, in case the target moved meanwhile.
func (c *Controller) reversalDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reversal = nil
	c.evaluateLocked()
}

func (c *Controller) driveLocked(want Direction) {
	c.st.Direction = want
	if err := c.drv.Drive(c.st.Speed, c.st.TargetAngle); err != nil {
		c.faultLocked(err)
	}
}

func (c *Controller) stopLocked() error {
	c.st.Direction = Stopped
	if err := c.drv.Drive(0, c.st.TargetAngle); err != nil {
		c.faultLocked(err)
		return err
	}
	return nil
}

func (c *Controller) faultLocked(err error) {
	if c.onFault != nil {
		go c.onFault(err)
	}
}
