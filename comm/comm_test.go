package comm_test

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/shemas2015/simulator-v4/comm"
)

// loopConn is an in-memory stand-in for a serial port; writes are
// recorded, reads end immediately so the drain loop exits.
type loopConn struct {
	mu      sync.Mutex
	written strings.Builder
	failWr  error
	closed  bool
}

func (c *loopConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *loopConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWr != nil {
		return 0, c.failWr
	}
	c.written.Write(p)
	return len(p), nil
}

func (c *loopConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *loopConn) wire() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func openTestLink(t *testing.T, conn *loopConn) *comm.Link {
	t.Helper()
	l := comm.NewLink("FAKE0", 9600)
	l.Settle = 0
	l.Dial = func() (io.ReadWriteCloser, error) { return conn, nil }
	if err := l.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func TestDriveFraming(t *testing.T) {
	conn := &loopConn{}
	l := openTestLink(t, conn)
	defer l.Close()

	if err := l.Drive(80, 90); err != nil {
		t.Fatal(err)
	}
	if err := l.Drive(100, 105.5); err != nil {
		t.Fatal(err)
	}
	want := "80,90\n100,105.5\n"
	if got := conn.wire(); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestJogFraming(t *testing.T) {
	conn := &loopConn{}
	l := openTestLink(t, conn)
	defer l.Close()

	l.Jog("f")
	l.Jog("b")
	if got := conn.wire(); got != "f\nb\n" {
		t.Errorf("wire = %q, want \"f\\nb\\n\"", got)
	}
}

func TestSendBeforeOpen(t *testing.T) {
	l := comm.NewLink("FAKE0", 9600)
	if err := l.Drive(80, 90); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestWriteFailureIsTransportError(t *testing.T) {
	conn := &loopConn{failWr: errors.New("unplugged")}
	l := openTestLink(t, conn)
	defer l.Close()

	err := l.Drive(80, 90)
	if !errors.Is(err, comm.ErrTransport) {
		t.Errorf("error = %v, want ErrTransport", err)
	}
}

func TestCloseReleasesConn(t *testing.T) {
	conn := &loopConn{}
	l := openTestLink(t, conn)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("expected the underlying conn to be closed")
	}
	if l.Connected() {
		t.Error("link still reports connected after Close")
	}
	if err := l.Drive(0, 0); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("drive after close error = %v, want ErrNotConnected", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	conn := &loopConn{}
	l := openTestLink(t, conn)
	defer l.Close()
	if err := l.Open(); err != nil {
		t.Errorf("second Open: %v", err)
	}
}

func TestOpenFailureWrapsAddr(t *testing.T) {
	l := comm.NewLink("FAKE0", 9600)
	l.Settle = 0
	l.Dial = func() (io.ReadWriteCloser, error) { return nil, errors.New("no such port") }
	err := l.Open()
	if err == nil {
		t.Fatal("expected open to fail")
	}
	if !strings.Contains(err.Error(), "FAKE0") {
		t.Errorf("error %q should name the port", err)
	}
}
