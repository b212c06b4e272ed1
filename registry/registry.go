/*Package registry tracks which controller board is attached on which serial
port and which logical actuator slot it serves.

The registry owns the whole per-device assembly: the serial link, the
closed loop motor controller, and the feedback sampler.  All mutating
operations run under one lock, so connect, disconnect and assignment are
serialized; state-change notification happens outside the lock so a slow
observer can never stall the control path.
*/
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shemas2015/simulator-v4/comm"
	"github.com/shemas2015/simulator-v4/feedback"
	"github.com/shemas2015/simulator-v4/motor"
)

var (
	// ErrPortUnavailable is generated when a port cannot be opened, or a
	// command names a port or motor that is not connected.
	ErrPortUnavailable = errors.New("port unavailable")

	// ErrAlreadyConnected is generated when Connect is called for a port
	// that is already registered.
	ErrAlreadyConnected = errors.New("port already connected")

	// ErrPositionConflict is generated when an assignment would give two
	// connected devices the same position or motor number.
	ErrPositionConflict = errors.New("position already held by another device")
)

// Position is the logical slot of an actuator, distinct from the physical
// angle it controls.
type Position string

// The two actuator slots of the rig.
const (
	Left  Position = "left"
	Right Position = "right"
)

// positionFor maps a motor number to its conventional slot.
func positionFor(motorNumber int) Position {
	if motorNumber == 0 {
		return Left
	}
	return Right
}

// Command is the most recent accepted (speed, targetAngle) pair.
type Command struct {
	Speed       int     `json:"speed"`
	TargetAngle float64 `json:"targetAngle"`
}

// MotorConnection is the public record of one attached device.
type MotorConnection struct {
	Port        string    `json:"port"`
	Connected   bool      `json:"connected"`
	MotorNumber *int      `json:"motorNumber,omitempty"`
	Position    Position  `json:"position,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastCommand *Command  `json:"lastCommand,omitempty"`
}

// Config holds the per-device construction parameters.
type Config struct {
	// Baud is the serial rate for new links.
	Baud int

	// Control holds the regulator constants.
	Control motor.Config

	// SamplePeriod is the feedback polling period.
	SamplePeriod time.Duration
}

// device is one attached board and the machinery serving it.
type device struct {
	rec     MotorConnection
	link    *comm.Link
	ctl     *motor.Controller
	sampler *feedback.Sampler
	closing bool
}

/*Registry holds one MotorConnection per attached device.

The hook fields may be replaced before first use; tests substitute
in-memory links and sensors, and the daemon binds real sensor profiles.
*/
type Registry struct {
	// OpenLink opens the duplex channel for a port.  The default dials
	// the serial port at the registry's configured baud rate.
	OpenLink func(port string) (*comm.Link, error)

	// Sensor yields the feedback source for a port's device profile.
	// The default source never produces a sample, leaving the device
	// in manual jog mode until a real profile is bound.
	Sensor func(port string) feedback.Source

	// Enumerate lists discoverable serial ports; comm.ListPorts by default.
	Enumerate func() ([]comm.PortInfo, error)

	// OnChange, when set, is invoked after every state change, outside
	// the registry lock.  The broadcaster hangs off this.
	OnChange func()

	cfg Config
	clk clock.Clock

	mu    sync.Mutex
	conns map[string]*device
}

// New returns an empty Registry.  A nil clk uses the wall clock.
func New(cfg Config, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		cfg:   cfg,
		clk:   clk,
		conns: make(map[string]*device),
	}
	r.OpenLink = func(port string) (*comm.Link, error) {
		l := comm.NewLink(port, cfg.Baud)
		if err := l.Open(); err != nil {
			return nil, err
		}
		return l, nil
	}
	r.Sensor = func(string) feedback.Source { return noSource{} }
	r.Enumerate = comm.ListPorts
	return r
}

// noSource is the placeholder feedback source for devices without a bound
// sensor profile; every read is discarded.
type noSource struct{}

func (noSource) Read() (float64, error) { return 0, feedback.ErrNoSample }

// Connect opens the port and registers the device with its control loop
// and feedback sampler already running.
func (r *Registry) Connect(port string) (MotorConnection, error) {
	r.mu.Lock()
	if _, ok := r.conns[port]; ok {
		r.mu.Unlock()
		return MotorConnection{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, port)
	}
	link, err := r.OpenLink(port)
	if err != nil {
		r.mu.Unlock()
		return MotorConnection{}, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, port, err)
	}
	ctl := motor.New(link, r.cfg.Control, r.clk)
	ctl.OnFault(func(ferr error) { r.fault(port, ferr) })
	sampler := feedback.NewSampler(r.Sensor(port), ctl.Sample, r.cfg.SamplePeriod, r.clk)
	sampler.Start()
	dev := &device{
		rec: MotorConnection{
			Port:        port,
			Connected:   true,
			ConnectedAt: time.Now(),
		},
		link:    link,
		ctl:     ctl,
		sampler: sampler,
	}
	r.conns[port] = dev
	rec := dev.rec
	r.mu.Unlock()

	log.Printf("registered connection on %s", port)
	r.notify()
	return rec, nil
}

// AssignMotor binds the device on port to a logical actuator slot and the
// slot's conventional position (0 => left, 1 => right).
func (r *Registry) AssignMotor(port string, motorNumber int) error {
	if motorNumber != 0 && motorNumber != 1 {
		return fmt.Errorf("%w: motor number %d, must be 0 or 1", motor.ErrInvalidCommand, motorNumber)
	}
	r.mu.Lock()
	dev, err := r.liveLocked(port)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for p, other := range r.conns {
		if p == port {
			continue
		}
		if other.rec.MotorNumber != nil && *other.rec.MotorNumber == motorNumber {
			r.mu.Unlock()
			return fmt.Errorf("%w: motor %d on %s", ErrPositionConflict, motorNumber, p)
		}
	}
	// the conventional position default is subject to the same uniqueness
	// rule as an explicit assignment
	pos := dev.rec.Position
	if pos == "" {
		pos = positionFor(motorNumber)
		for p, other := range r.conns {
			if p != port && other.rec.Position == pos {
				r.mu.Unlock()
				return fmt.Errorf("%w: %s held by %s", ErrPositionConflict, pos, p)
			}
		}
	}
	n := motorNumber
	dev.rec.MotorNumber = &n
	dev.rec.Position = pos
	r.mu.Unlock()

	log.Printf("assigned motor %d (%s) to %s", motorNumber, positionFor(motorNumber), port)
	r.notify()
	return nil
}

// AssignPosition sets the device's position; at most one connected device
// may hold each position at any time.
func (r *Registry) AssignPosition(port string, pos Position) error {
	if pos != Left && pos != Right {
		return fmt.Errorf("%w: position %q", motor.ErrInvalidCommand, pos)
	}
	r.mu.Lock()
	dev, err := r.liveLocked(port)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for p, other := range r.conns {
		if p != port && other.rec.Position == pos {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s held by %s", ErrPositionConflict, pos, p)
		}
	}
	dev.rec.Position = pos
	r.mu.Unlock()

	log.Printf("updated motor position for %s: %s", port, pos)
	r.notify()
	return nil
}

// Disconnect removes the device, stopping its sampler and controller and
// releasing the transport.  Once Disconnect returns no further feedback is
// delivered and any pending reversal dwell is cancelled.
func (r *Registry) Disconnect(port string) error {
	r.mu.Lock()
	dev, err := r.liveLocked(port)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	dev.closing = true
	dev.sampler.Stop()
	if serr := dev.ctl.Stop(); serr != nil {
		log.Printf("zeroing outputs on %s: %v", port, serr)
	}
	dev.ctl.Close()
	if cerr := dev.link.Close(); cerr != nil {
		log.Printf("closing link %s: %v", port, cerr)
	}
	delete(r.conns, port)
	r.mu.Unlock()

	log.Printf("unregistered connection on %s", port)
	r.notify()
	return nil
}

// SetTarget commands the actuator in the given slot to an angle.  The
// accepted command is recorded on the connection record.
func (r *Registry) SetTarget(motorNumber, speed int, angle float64) error {
	r.mu.Lock()
	dev := r.byMotorLocked(motorNumber)
	if dev == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: no motor %d", ErrPortUnavailable, motorNumber)
	}
	ctl := dev.ctl
	r.mu.Unlock()

	if err := ctl.SetTarget(speed, angle); err != nil {
		return err
	}
	r.mu.Lock()
	// re-check: the device may have been torn down while unlocked
	if cur, ok := r.conns[dev.rec.Port]; ok && cur == dev {
		dev.rec.LastCommand = &Command{Speed: speed, TargetAngle: angle}
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

// Dispatch sends a target to every device with an assigned slot.  It is
// the sink for externally produced (speed, targetAngle) commands.
func (r *Registry) Dispatch(speed int, angle float64) {
	r.mu.Lock()
	var motors []int
	for _, dev := range r.conns {
		if dev.rec.MotorNumber != nil && !dev.closing {
			motors = append(motors, *dev.rec.MotorNumber)
		}
	}
	r.mu.Unlock()
	for _, m := range motors {
		if err := r.SetTarget(m, speed, angle); err != nil {
			log.Printf("dispatch to motor %d: %v", m, err)
		}
	}
}

// Jog issues a manual open-loop command on the actuator in the given slot.
func (r *Registry) Jog(motorNumber int, dir string) error {
	r.mu.Lock()
	dev := r.byMotorLocked(motorNumber)
	if dev == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: no motor %d", ErrPortUnavailable, motorNumber)
	}
	ctl := dev.ctl
	r.mu.Unlock()
	return ctl.ManualJog(dir)
}

// Controller returns the state of the controller in the given slot.
func (r *Registry) Controller(motorNumber int) (motor.State, error) {
	r.mu.Lock()
	dev := r.byMotorLocked(motorNumber)
	if dev == nil {
		r.mu.Unlock()
		return motor.State{}, fmt.Errorf("%w: no motor %d", ErrPortUnavailable, motorNumber)
	}
	ctl := dev.ctl
	r.mu.Unlock()
	return ctl.State(), nil
}

// Snapshot returns a copy of every connection record, keyed by port.
func (r *Registry) Snapshot() map[string]MotorConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]MotorConnection, len(r.conns))
	for p, dev := range r.conns {
		out[p] = dev.rec
	}
	return out
}

// ListAvailablePorts enumerates discoverable ports that are not already
// connected.  The enumeration is re-run on every call.
func (r *Registry) ListAvailablePorts() ([]comm.PortInfo, error) {
	all, err := r.Enumerate()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]comm.PortInfo, 0, len(all))
	for _, pi := range all {
		if _, taken := r.conns[pi.Device]; !taken {
			out = append(out, pi)
		}
	}
	return out, nil
}

// liveLocked returns the device on port, or ErrPortUnavailable if it is
// absent or mid-teardown.
func (r *Registry) liveLocked(port string) (*device, error) {
	dev, ok := r.conns[port]
	if !ok || dev.closing {
		return nil, fmt.Errorf("%w: %s", ErrPortUnavailable, port)
	}
	return dev, nil
}

func (r *Registry) byMotorLocked(motorNumber int) *device {
	for _, dev := range r.conns {
		if dev.rec.MotorNumber != nil && *dev.rec.MotorNumber == motorNumber && !dev.closing {
			return dev
		}
	}
	return nil
}

// fault handles a transport failure on an active device: the device is
// disconnected and the state change broadcast.  Never silently swallowed.
func (r *Registry) fault(port string, err error) {
	log.Printf("transport fault on %s: %v", port, err)
	if derr := r.Disconnect(port); derr != nil && !errors.Is(derr, ErrPortUnavailable) {
		log.Printf("disconnecting faulted %s: %v", port, derr)
	}
}

func (r *Registry) notify() {
	if r.OnChange != nil {
		r.OnChange()
	}
}
