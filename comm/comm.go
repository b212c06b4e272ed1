/*Package comm talks to the motor controller boards over their serial links.

Each board accepts ASCII command lines and echoes human readable status
lines back.  The command grammar is tiny:

	"<speed>,<targetAngle>\n"  drive command, speed 0~255, angle in degrees
	"f\n" or "b\n"             manual jog, forward or backward

Status lines from the board are not machine parsed; they are drained in the
background and logged so the link never stalls on an unread buffer.

Most usages boil down to:
 1. create a Link with NewLink
 2. Open() it, which retries with exponential backoff and then waits out
    the board reset that opening the port provokes
 3. call Drive or Jog from the control layer
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when the link is used before Open or after Close.
	ErrNotConnected = errors.New("conn is nil, not connected to device")

	// ErrTransport is generated when I/O fails on an active link.  Callers
	// should treat the link as dead and tear it down.
	ErrTransport = errors.New("transport failure on active link")
)

// DefaultBaud is the rate the stock controller sketches run their serial at.
const DefaultBaud = 9600

// DefaultSettle is how long a board takes to come back after the port
// toggles DTR and resets it.
const DefaultSettle = 2 * time.Second

/*Link is a duplex byte channel to one motor controller board.

The zero value is not usable; create Links with NewLink.  A Link is
concurrent safe; writes are serialized by an internal lock so a drive
command and a jog command can never interleave on the wire.
*/
type Link struct {
	// Addr is the filesystem or OS address of the port, e.g.
	// /dev/ttyUSB0 or COM3.
	Addr string

	// Baud is the serial baud rate.
	Baud int

	// Settle is how long Open waits after the port opens before the
	// board is assumed ready.  Zero skips the wait.
	Settle time.Duration

	// Dial opens the underlying byte stream.  It exists so tests can
	// substitute an in-memory pipe; when nil the serial port at Addr
	// is opened.
	Dial func() (io.ReadWriteCloser, error)

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

// NewLink returns a Link for the port at addr.  The link is not open yet.
func NewLink(addr string, baud int) *Link {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &Link{Addr: addr, Baud: baud, Settle: DefaultSettle}
}

// SerialConf yields a serial config for the board with the usual
// 8N1 framing and a read timeout so the drain loop cannot hang forever.
func (l *Link) SerialConf() *serial.Config {
	return &serial.Config{
		Name:        l.Addr,
		Baud:        l.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second,
	}
}

// Open establishes the connection and waits out the board reset, then
// starts the background drain of status lines.
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	// exponential backoff; the cheap USB-serial bridges on these boards
	// do not like being connection thrashed
	op := func() error {
		var (
			conn io.ReadWriteCloser
			err  error
		)
		if l.Dial != nil {
			conn, err = l.Dial()
		} else {
			conn, err = serial.OpenPort(l.SerialConf())
		}
		if err != nil {
			return err
		}
		l.conn = conn
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("open %s: %w", l.Addr, err)
	}
	if l.Settle > 0 {
		time.Sleep(l.Settle) // board resets when the port opens
	}
	go l.drain(l.conn)
	return nil
}

// Close closes the connection, nil-ing the conn variable.  The drain
// goroutine exits on the read error the close provokes.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Connected returns true if the link is open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Drive sends a "<speed>,<targetAngle>" command line to the board.
func (l *Link) Drive(speed int, angle float64) error {
	cmd := strconv.Itoa(speed) + "," + strconv.FormatFloat(angle, 'f', -1, 64)
	return l.send(cmd)
}

// Jog sends a manual jog command, "f" or "b".
func (l *Link) Jog(dir string) error {
	return l.send(dir)
}

func (l *Link) send(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	_, err := l.conn.Write([]byte(cmd + "\n"))
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, l.Addr, err)
	}
	return nil
}

// drain reads status lines from the board and logs them until the
// stream dies.  It holds no lock so a chatty board never blocks writers.
func (l *Link) drain(conn io.Reader) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			log.Printf("%s: %s", l.Addr, line)
		}
	}
}
