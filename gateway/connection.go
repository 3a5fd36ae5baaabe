package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/webshell-gateway/webshell/auth"
	"github.com/webshell-gateway/webshell/ptyshell"
	"github.com/webshell-gateway/webshell/sshshell"
	"github.com/webshell-gateway/webshell/terminal"
)

// outboundQueueDepth bounds the per-connection outbound envelope queue. On
// overflow the connection is dropped rather than blocking a backend reader,
// per spec §4.5's backpressure guidance.
const outboundQueueDepth = 256

// connection is the MessageGateway's per-socket state: one inbound reader,
// one outbound sender, and the set of terminal ids this socket has opened or
// attached to (needed so disconnect can Detach them cleanly).
type connection struct {
	id        string
	conn      *websocket.Conn
	principal auth.Principal
	manager   *terminal.Manager
	log       *logrus.Entry

	outbound chan []byte
	owned    map[string]bool
}

func newConnection(conn *websocket.Conn, principal auth.Principal, manager *terminal.Manager, log *logrus.Logger) *connection {
	id := uuid.NewString()
	return &connection{
		id:        id,
		conn:      conn,
		principal: principal,
		manager:   manager,
		log: log.WithFields(logrus.Fields{
			"conn_id":  id,
			"username": principal.Username,
		}),
		outbound: make(chan []byte, outboundQueueDepth),
		owned:    make(map[string]bool),
	}
}

// Output implements terminal.OutputSink: encodes a shell.output envelope and
// enqueues it. A full queue drops the connection instead of blocking.
func (c *connection) Output(id string, data []byte) {
	c.enqueue(TypeShellOutput, shellOutputData{ID: id, Output: string(data)})
}

// Exit implements terminal.OutputSink.
func (c *connection) Exit(id string, code int) {
	c.enqueue(TypeShellExit, shellExitData{ID: id, Code: &code})
}

func (c *connection) enqueue(typ string, data interface{}) {
	payload, err := encodeEnvelope(typ, data)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode outbound envelope")
		return
	}
	select {
	case c.outbound <- payload:
	default:
		c.log.Warn("outbound queue full, dropping connection")
		c.conn.Close()
	}
}

// run drives the connection until the socket closes: a sender goroutine
// drains the outbound queue while this goroutine reads inbound frames.
func (c *connection) run() {
	done := make(chan struct{})
	go c.senderLoop(done)
	defer close(done)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("read loop exiting")
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}

	c.teardown()
}

func (c *connection) senderLoop(done <-chan struct{}) {
	for {
		select {
		case payload := <-c.outbound:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.WithError(err).Debug("sender loop exiting on write error")
				c.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch decodes one inbound frame and routes it by tag. Malformed
// payloads, misrouted directions (server→client tags arriving from the
// client), and term.input/term.resize/term.close against an id this
// connection hasn't opened or attached to (c.owned, populated only after
// this connection's manager.Create succeeds or manager.Attach's owner check
// succeeds) are dropped silently, per spec §4.5/§3.
func (c *connection) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case TypeTerminalOpen:
		var d terminalOpenData
		if json.Unmarshal(env.Data, &d) != nil {
			return
		}
		c.handleOpen(d)
	case TypeTerminalInput:
		var d terminalInputData
		if json.Unmarshal(env.Data, &d) != nil || !c.owned[d.ID] {
			return
		}
		if err := c.manager.SendInput(d.ID, []byte(d.Input)); err != nil {
			c.log.WithError(err).WithField("terminal_id", d.ID).Debug("send_input failed")
		}
	case TypeTerminalResize:
		var d terminalResizeData
		if json.Unmarshal(env.Data, &d) != nil || !c.owned[d.ID] {
			return
		}
		if err := c.manager.Resize(d.ID, d.Cols, d.Rows); err != nil {
			c.log.WithError(err).WithField("terminal_id", d.ID).Debug("resize failed")
		}
	case TypeTerminalClose:
		var d terminalCloseData
		if json.Unmarshal(env.Data, &d) != nil || !c.owned[d.ID] {
			return
		}
		if err := c.manager.Close(d.ID); err != nil {
			c.log.WithError(err).WithField("terminal_id", d.ID).Debug("close failed")
		}
		delete(c.owned, d.ID)
	default:
		// shell.output / shell.exit arriving from a client, or an unknown
		// tag, are misrouted or malformed; drop silently per spec §3.
	}
}

// handleOpen either attaches to an existing terminal (reconnect) or creates
// a new one, spawning the local or remote backend per the principal's
// target.
func (c *connection) handleOpen(d terminalOpenData) {
	if _, err := c.manager.Get(d.ID); err == nil {
		if _, err := c.manager.Attach(d.ID, c.principal.Username, c); err != nil {
			c.log.WithError(err).WithField("terminal_id", d.ID).Debug("attach failed")
			return
		}
		if err := c.manager.Resize(d.ID, d.Cols, d.Rows); err != nil {
			c.log.WithError(err).WithField("terminal_id", d.ID).Debug("resize-on-reattach failed")
		}
		c.owned[d.ID] = true
		return
	}

	if err := c.manager.CanCreate(d.ID); err != nil {
		c.log.WithError(err).WithField("terminal_id", d.ID).Debug("create rejected before spawn")
		return
	}

	backend, err := c.spawnBackend(d)
	if err != nil {
		c.log.WithError(err).WithField("terminal_id", d.ID).Warn("failed to spawn backend")
		return
	}

	if _, err := c.manager.Create(d.ID, c.principal.Username, backend, c, d.Cols, d.Rows); err != nil {
		backend.Close()
		c.log.WithError(err).WithField("terminal_id", d.ID).Debug("create failed")
		return
	}
	c.owned[d.ID] = true
}

// spawnBackend starts the local or remote backend for a brand-new terminal.
// It hands the backend a preAttachSink pointed at this same connection
// rather than nil, so any output or exit the shell produces before
// manager.Create registers the terminal still reaches the client instead of
// being read into a sink that drops it.
func (c *connection) spawnBackend(d terminalOpenData) (terminal.Backend, error) {
	target := c.principal.Target
	sink := &preAttachSink{id: d.ID, conn: c}
	if target.Local {
		return ptyshell.Spawn(c.log.Logger, sink, c.manager.WorkspaceDir(), d.Cols, d.Rows)
	}
	return sshshell.Connect(c.log.Logger, target.Host, target.Port, c.principal.Username, target.Auth, sink, d.Cols, d.Rows)
}

// preAttachSink forwards a freshly spawned backend's output straight to the
// connection that requested it, before terminal.Manager.Create has a chance
// to register the terminal and swap the backend onto its own retargetable
// sink.
type preAttachSink struct {
	id   string
	conn *connection
}

func (s *preAttachSink) Output(data []byte) { s.conn.Output(s.id, data) }
func (s *preAttachSink) Exit(code int)      { s.conn.Exit(s.id, code) }

// teardown runs once the read loop exits: every terminal this socket
// attached to is Detached (not closed), so it survives for reconnect per
// spec §4.5 step 5.
func (c *connection) teardown() {
	for id := range c.owned {
		c.manager.Detach(id)
	}
}
