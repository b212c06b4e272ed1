/*Package gateway is the external control surface of the rig daemon.

Inbound control travels over a WebSocket as small JSON actions:

	{"action": "connect", "port": "COM3", "motor": 0}
	{"action": "command", "motor": 0, "command": "f"}
	{"action": "start"}

each answered with {action, motor?, success, error?}.  Observers attach to
a second WebSocket and receive full connection-state snapshots from the
broadcaster.  A small REST surface covers position assignment, discovery
and teardown.
*/
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"goji.io/pat"

	"github.com/shemas2015/simulator-v4/broadcast"
	"github.com/shemas2015/simulator-v4/comm"
	"github.com/shemas2015/simulator-v4/motor"
	"github.com/shemas2015/simulator-v4/registry"
	"github.com/shemas2015/simulator-v4/server"
	"github.com/shemas2015/simulator-v4/telemetry"
)

// Gateway translates external requests into registry and controller calls.
type Gateway struct {
	reg *registry.Registry
	bc  *broadcast.Broadcaster
	src telemetry.Source

	// AbruptG and ModerateG, when non-zero, override the monitor's jerk
	// thresholds.  Set before the first "start" action.
	AbruptG   float64
	ModerateG float64

	upgrader websocket.Upgrader

	mu      sync.Mutex
	monitor context.CancelFunc // non-nil once started
}

// New returns a Gateway over reg and bc.  src feeds the telemetry monitor
// launched by the "start" action.
func New(reg *registry.Registry, bc *broadcast.Broadcaster, src telemetry.Source) *Gateway {
	return &Gateway{
		reg: reg,
		bc:  bc,
		src: src,
		// the dashboard is served from another origin during development
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

var _ server.HTTPer = (*Gateway)(nil)

// RT yields the gateway's route table.
func (g *Gateway) RT() server.RouteTable {
	return server.RouteTable{
		pat.Get("/ws/control"): g.ControlSocket,
		pat.Get("/ws/state"):   g.StateSocket,

		pat.Get("/connections"):                 g.GetConnections,
		pat.Post("/connections/:port/position"): g.SetPosition,
		pat.Delete("/connections/:port"):        g.RemoveConnection,

		pat.Get("/available-ports"): g.GetAvailablePorts,
	}
}

// request is one inbound control message.
type request struct {
	Action  string `json:"action"`
	Port    string `json:"port,omitempty"`
	Motor   *int   `json:"motor,omitempty"`
	Command string `json:"command,omitempty"`
}

// response echoes the action with the outcome.
type response struct {
	Action  string `json:"action"`
	Motor   *int   `json:"motor,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ControlSocket serves the inbound control WebSocket.
func (g *Gateway) ControlSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("control socket upgrade: %v", err)
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		resp := g.handle(data)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// handle executes one control request.  Malformed input yields a negative
// acknowledgment and mutates nothing.
func (g *Gateway) handle(data []byte) response {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return response{Success: false, Error: "invalid JSON"}
	}
	resp := response{Action: req.Action, Motor: req.Motor}
	var err error
	switch req.Action {
	case "connect":
		err = g.connect(req)
	case "command":
		err = g.command(req)
	case "start":
		g.StartMonitor()
	default:
		err = errors.New("unknown action")
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Success = true
	return resp
}

func (g *Gateway) connect(req request) error {
	if req.Port == "" || req.Motor == nil {
		return errors.New("port and motor are required")
	}
	if _, err := g.reg.Connect(req.Port); err != nil {
		return err
	}
	if err := g.reg.AssignMotor(req.Port, *req.Motor); err != nil {
		// keep connect+assign atomic from the client's point of view
		if derr := g.reg.Disconnect(req.Port); derr != nil {
			log.Printf("rolling back %s: %v", req.Port, derr)
		}
		return err
	}
	return nil
}

func (g *Gateway) command(req request) error {
	if req.Motor == nil {
		return errors.New("motor is required")
	}
	return g.reg.Jog(*req.Motor, req.Command)
}

// StartMonitor launches the telemetry monitor loop.  Idempotent.
func (g *Gateway) StartMonitor() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.monitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.monitor = cancel
	mon := telemetry.NewMonitor(g.src, g.reg)
	if g.AbruptG != 0 || g.ModerateG != 0 {
		mon.SetThresholds(g.AbruptG, g.ModerateG)
	}
	go mon.Run(ctx)
}

// StopMonitor cancels the monitor loop if it is running.
func (g *Gateway) StopMonitor() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.monitor != nil {
		g.monitor()
		g.monitor = nil
	}
}

// StateSocket serves the push feed; every connected client receives an
// init snapshot and then a full snapshot per state change.
func (g *Gateway) StateSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("state socket upgrade: %v", err)
		return
	}
	defer conn.Close()
	ch, unsub := g.bc.Subscribe()
	defer unsub()

	// surface client disconnects as a closed channel
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case payload, ok := <-ch:
			if !ok {
				// broadcaster dropped us as too slow
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// GetConnections returns every connection record, keyed by port.
func (g *Gateway) GetConnections(w http.ResponseWriter, r *http.Request) {
	server.JSON(w, http.StatusOK, g.reg.Snapshot())
}

// positionBody is the body of POST /connections/{port}/position.
type positionBody struct {
	Position registry.Position `json:"position"`
}

// SetPosition assigns the left/right slot of a connected device.
func (g *Gateway) SetPosition(w http.ResponseWriter, r *http.Request) {
	port := pat.Param(r, "port")
	var body positionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		server.Error(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	defer r.Body.Close()
	if err := g.reg.AssignPosition(port, body.Position); err != nil {
		server.Error(w, errStatus(err), err)
		return
	}
	server.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RemoveConnection disconnects the device on the named port.
func (g *Gateway) RemoveConnection(w http.ResponseWriter, r *http.Request) {
	port := pat.Param(r, "port")
	if err := g.reg.Disconnect(port); err != nil {
		server.Error(w, errStatus(err), err)
		return
	}
	server.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetAvailablePorts lists discoverable, unconnected ports.
func (g *Gateway) GetAvailablePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := g.reg.ListAvailablePorts()
	if err != nil {
		server.Error(w, http.StatusInternalServerError, err)
		return
	}
	server.JSON(w, http.StatusOK, map[string]interface{}{
		"available_ports": ports,
		"count":           len(ports),
	})
}

// errStatus maps the error taxonomy onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrPortUnavailable):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyConnected),
		errors.Is(err, registry.ErrPositionConflict),
		errors.Is(err, motor.ErrNotArmable):
		return http.StatusConflict
	case errors.Is(err, motor.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, comm.ErrTransport):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
