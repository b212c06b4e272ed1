package gateway_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"goji.io"

	"github.com/shemas2015/simulator-v4/broadcast"
	"github.com/shemas2015/simulator-v4/comm"
	"github.com/shemas2015/simulator-v4/gateway"
	"github.com/shemas2015/simulator-v4/registry"
	"github.com/shemas2015/simulator-v4/telemetry"
)

// nullConn is an in-memory stand-in for a serial port.
type nullConn struct{}

func (nullConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (nullConn) Write(p []byte) (int, error) { return len(p), nil }
func (nullConn) Close() error                { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{SamplePeriod: 50 * time.Millisecond}, nil)
	reg.OpenLink = func(port string) (*comm.Link, error) {
		l := comm.NewLink(port, 0)
		l.Settle = 0
		l.Dial = func() (io.ReadWriteCloser, error) { return nullConn{}, nil }
		if err := l.Open(); err != nil {
			return nil, err
		}
		return l, nil
	}
	reg.Enumerate = func() ([]comm.PortInfo, error) {
		return []comm.PortInfo{
			{Device: "COM3", Description: "USB Serial"},
			{Device: "COM7", Description: "USB Serial"},
		}, nil
	}
	bc := broadcast.New(reg.Snapshot)
	reg.OnChange = bc.Publish
	gw := gateway.New(reg, bc, telemetry.NewSimulator(1))
	mux := goji.NewMux()
	gw.RT().Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialControl(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/control"), nil)
	if err != nil {
		t.Fatalf("dialing control socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type ack struct {
	Action  string `json:"action"`
	Motor   *int   `json:"motor"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg string) ack {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("writing %s: %v", msg, err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var a ack
	if err := conn.ReadJSON(&a); err != nil {
		t.Fatalf("reading ack for %s: %v", msg, err)
	}
	return a
}

func TestControlConnectRegistersDevice(t *testing.T) {
	srv, reg := newTestServer(t)
	conn := dialControl(t, srv)

	a := roundTrip(t, conn, `{"action":"connect","port":"COM3","motor":0}`)
	if !a.Success || a.Error != "" {
		t.Fatalf("connect ack = %+v", a)
	}
	if a.Motor == nil || *a.Motor != 0 {
		t.Errorf("ack motor = %v, want 0", a.Motor)
	}
	rec, ok := reg.Snapshot()["COM3"]
	if !ok {
		t.Fatal("COM3 not registered")
	}
	if rec.MotorNumber == nil || *rec.MotorNumber != 0 || rec.Position != registry.Left {
		t.Errorf("record = %+v, want motor 0 at left", rec)
	}
}

func TestControlMalformedJSONIsRejected(t *testing.T) {
	srv, reg := newTestServer(t)
	conn := dialControl(t, srv)

	a := roundTrip(t, conn, `{"action":`)
	if a.Success || a.Error != "invalid JSON" {
		t.Errorf("ack = %+v, want invalid JSON failure", a)
	}
	if len(reg.Snapshot()) != 0 {
		t.Error("malformed input mutated registry state")
	}
}

func TestControlUnknownAction(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialControl(t, srv)

	a := roundTrip(t, conn, `{"action":"selfdestruct"}`)
	if a.Success || a.Error == "" {
		t.Errorf("ack = %+v, want failure", a)
	}
}

func TestControlConnectRollsBackOnConflict(t *testing.T) {
	srv, reg := newTestServer(t)
	conn := dialControl(t, srv)

	if a := roundTrip(t, conn, `{"action":"connect","port":"COM3","motor":0}`); !a.Success {
		t.Fatalf("first connect failed: %+v", a)
	}
	a := roundTrip(t, conn, `{"action":"connect","port":"COM7","motor":0}`)
	if a.Success {
		t.Fatal("duplicate motor number accepted")
	}
	if _, ok := reg.Snapshot()["COM7"]; ok {
		t.Error("failed assignment left COM7 connected")
	}
}

func TestControlCommandJogsMotor(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialControl(t, srv)

	roundTrip(t, conn, `{"action":"connect","port":"COM3","motor":1}`)
	if a := roundTrip(t, conn, `{"action":"command","motor":1,"command":"f"}`); !a.Success {
		t.Errorf("jog ack = %+v", a)
	}
	if a := roundTrip(t, conn, `{"action":"command","motor":1,"command":"x"}`); a.Success {
		t.Errorf("bad jog direction accepted: %+v", a)
	}
	if a := roundTrip(t, conn, `{"action":"command","command":"f"}`); a.Success {
		t.Errorf("missing motor accepted: %+v", a)
	}
}

func TestStateSocketInitThenUpdate(t *testing.T) {
	srv, reg := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/state"), nil)
	if err != nil {
		t.Fatalf("dialing state socket: %v", err)
	}
	defer conn.Close()

	var st broadcast.State
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("reading init: %v", err)
	}
	if st.Type != "init" || len(st.Connections) != 0 {
		t.Fatalf("init = %+v", st)
	}

	if _, err := reg.Connect("COM3"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("reading update: %v", err)
	}
	if st.Type != "update" {
		t.Errorf("type = %q, want update", st.Type)
	}
	if _, ok := st.Connections["COM3"]; !ok {
		t.Errorf("update missing COM3: %+v", st.Connections)
	}
}

func TestSetPositionConflictIs409(t *testing.T) {
	srv, reg := newTestServer(t)
	for _, port := range []string{"COM3", "COM7"} {
		if _, err := reg.Connect(port); err != nil {
			t.Fatalf("connect %s: %v", port, err)
		}
	}

	post := func(port, pos string) *http.Response {
		body := bytes.NewBufferString(`{"position":"` + pos + `"}`)
		resp, err := http.Post(srv.URL+"/connections/"+port+"/position", "application/json", body)
		if err != nil {
			t.Fatalf("posting position: %v", err)
		}
		return resp
	}

	resp := post("COM3", "left")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first assignment status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post("COM7", "left")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting assignment status = %d, want 409", resp.StatusCode)
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		t.Errorf("conflict body missing error field: %v %+v", err, e)
	}
}

func TestSetPositionRejectsBadValue(t *testing.T) {
	srv, reg := newTestServer(t)
	if _, err := reg.Connect("COM3"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	body := bytes.NewBufferString(`{"position":"center"}`)
	resp, err := http.Post(srv.URL+"/connections/COM3/position", "application/json", body)
	if err != nil {
		t.Fatalf("posting position: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRemoveConnection(t *testing.T) {
	srv, reg := newTestServer(t)
	if _, err := reg.Connect("COM3"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/connections/COM3", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(reg.Snapshot()) != 0 {
		t.Error("COM3 still registered after delete")
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/connections/COM9", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown port status = %d, want 404", resp.StatusCode)
	}
}

func TestGetConnections(t *testing.T) {
	srv, reg := newTestServer(t)
	if _, err := reg.Connect("COM3"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp, err := http.Get(srv.URL + "/connections")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var snap map[string]registry.MotorConnection
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(snap) != 1 || snap["COM3"].Port != "COM3" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestGetAvailablePortsExcludesConnected(t *testing.T) {
	srv, reg := newTestServer(t)
	if _, err := reg.Connect("COM3"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp, err := http.Get(srv.URL + "/available-ports")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		AvailablePorts []comm.PortInfo `json:"available_ports"`
		Count          int             `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Count != 1 || len(body.AvailablePorts) != 1 || body.AvailablePorts[0].Device != "COM7" {
		t.Errorf("body = %+v, want only COM7", body)
	}
}

func TestStartMonitorIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialControl(t, srv)
	for i := 0; i < 3; i++ {
		if a := roundTrip(t, conn, `{"action":"start"}`); !a.Success {
			t.Fatalf("start %d: %+v", i, a)
		}
	}
}
