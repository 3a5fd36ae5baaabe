// Package terminal implements spec's SessionManager: the registry of live
// terminal backends (local pty or remote SSH), their ownership, and the
// reconnect-friendly output sink each one exposes.
package terminal

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webshell-gateway/webshell/errs"
)

// Backend is implemented by ptyshell.Shell and sshshell.Shell. Both declare
// their SetSink method against this package's Sink type directly (ptyshell.Sink
// and sshshell.Sink are type aliases for it) so the method signature is
// identical by type, not just by shape: Go requires exact type identity to
// satisfy an interface method, and two independently-declared interface
// types with the same method set don't count as identical.
type Backend interface {
	Write(data []byte) error
	Resize(cols, rows uint16) error
	SetSink(sink Sink)
	Close() error
	Done() <-chan struct{}
}

// Sink is what a Backend delivers output and exit status to. ptyshell and
// sshshell alias their own Sink name to this type rather than declaring
// their own, so their SetSink methods satisfy Backend.SetSink exactly.
type Sink interface {
	Output(data []byte)
	Exit(code int)
}

// OutputSink is supplied by the gateway for a connected terminal; Terminal's
// internal sink forwards to whichever OutputSink is currently Attach-ed.
type OutputSink interface {
	Output(id string, data []byte)
	Exit(id string, code int)
}

// Terminal is one registered session: an id, its owning username, a backend
// process/channel, and the swappable sink that lets a reconnecting socket
// retarget output without restarting the backend.
type Terminal struct {
	id        string
	owner     string
	backend   Backend
	cols      uint16
	rows      uint16
	createdAt time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	connected     bool
	sink          OutputSink
	explicitClose bool
	closeOnce     sync.Once
}

// terminalSink adapts a Terminal into the Backend's Sink interface, letting
// Attach/Detach retarget output without the backend knowing about sinks at
// all.
type terminalSink struct {
	t *Terminal
}

func (ts *terminalSink) Output(data []byte) {
	ts.t.mu.Lock()
	sink := ts.t.sink
	ts.t.lastActivity = time.Now()
	ts.t.mu.Unlock()
	if sink != nil {
		sink.Output(ts.t.id, data)
	}
}

// Exit forwards the backend's exit code to the attached OutputSink on a
// natural process death or a reaper-initiated close. The reaper only closes
// detached terminals, whose sink is nil, so a reap sends no exit envelope.
// An explicit client term.close suppresses it, per §4.5: the client already
// knows it asked for the close.
func (ts *terminalSink) Exit(code int) {
	t := ts.t
	t.mu.Lock()
	sink := t.sink
	explicit := t.explicitClose
	t.mu.Unlock()

	if explicit {
		return
	}
	if sink != nil {
		sink.Exit(t.id, code)
	}
}

// Manager is the SessionManager: a registry of Terminals keyed by id, with a
// soft quota and an idle reaper.
type Manager struct {
	log *logrus.Logger

	mu           sync.RWMutex
	terminals    map[string]*Terminal
	maxTerminals int
	idleTimeout  time.Duration
	workspaceDir string

	stop chan struct{}
	once sync.Once
}

// NewManager constructs a Manager and starts its idle reaper. workspaceDir is
// the PtyManager's working directory for newly spawned local shells; per
// spec §4.1/§4.3 the SessionManager ensures it exists on a best-effort basis
// (a failure here doesn't stop the server, it just falls back to the
// process's own cwd when a shell is later spawned).
func NewManager(log *logrus.Logger, maxTerminals int, idleTimeout time.Duration, workspaceDir string) *Manager {
	if workspaceDir != "" {
		if err := os.MkdirAll(workspaceDir, 0o700); err != nil {
			log.WithError(err).WithField("workspace_dir", workspaceDir).Warn("failed to create workspace directory, falling back to process cwd")
			workspaceDir = ""
		}
	}

	m := &Manager{
		log:          log,
		terminals:    make(map[string]*Terminal),
		maxTerminals: maxTerminals,
		idleTimeout:  idleTimeout,
		workspaceDir: workspaceDir,
		stop:         make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// WorkspaceDir returns the directory new local shells should spawn into.
func (m *Manager) WorkspaceDir() string {
	return m.workspaceDir
}

// Shutdown stops the reaper and closes every registered terminal. Used by
// tests and graceful shutdown.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.stop) })

	m.mu.Lock()
	terms := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terms = append(terms, t)
	}
	m.terminals = make(map[string]*Terminal)
	m.mu.Unlock()

	for _, t := range terms {
		t.backend.Close()
	}
}

// CanCreate reports whether id is free and the soft quota has room, without
// registering anything. The gateway calls this before spawning a backend
// process/SSH connection for a new id, so a client hammering term.open past
// the quota or against a duplicate id doesn't pay spawn cost for a request
// Create would reject anyway. Create still re-checks both conditions itself
// under the same lock, so this is an optimization, not the source of truth.
func (m *Manager) CanCreate(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.terminals[id]; exists {
		return errs.ErrAlreadyExists
	}
	if m.maxTerminals > 0 && len(m.terminals) >= m.maxTerminals {
		return errs.ErrMaxTerminalsReached
	}
	return nil
}

// Create registers a new terminal backed by backend, owned by owner, under
// id, with sink already wired as its active output target. Setting sink
// before backend.SetSink means the first byte the backend reports has
// somewhere to go: the caller spawned backend with its own pre-attach sink
// pointed at the same destination, so no output or exit can fall into the
// gap between process start and registration. Returns ErrAlreadyExists if id
// is taken, or ErrMaxTerminalsReached if the soft quota is hit.
func (m *Manager) Create(id, owner string, backend Backend, sink OutputSink, cols, rows uint16) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.terminals[id]; exists {
		return nil, errs.ErrAlreadyExists
	}
	if m.maxTerminals > 0 && len(m.terminals) >= m.maxTerminals {
		return nil, errs.ErrMaxTerminalsReached
	}

	now := time.Now()
	t := &Terminal{
		id:           id,
		owner:        owner,
		backend:      backend,
		cols:         cols,
		rows:         rows,
		createdAt:    now,
		lastActivity: now,
		connected:    true,
		sink:         sink,
	}
	backend.SetSink(&terminalSink{t: t})

	m.terminals[id] = t

	go m.watchExit(t)

	return t, nil
}

// watchExit removes a terminal from the registry once its backend reports
// done, regardless of which path (explicit close, reap, or natural process
// exit) triggered it.
func (m *Manager) watchExit(t *Terminal) {
	<-t.backend.Done()
	m.mu.Lock()
	if m.terminals[t.id] == t {
		delete(m.terminals, t.id)
	}
	m.mu.Unlock()
}

// Get returns a terminal by id, or ErrNotFound. The caller must also check
// ownership with Terminal.OwnedBy before acting on behalf of a specific
// user.
func (m *Manager) Get(id string) (*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return t, nil
}

// Touch refreshes a terminal's last-activity timestamp, keeping it out of
// the idle reaper.
func (m *Manager) Touch(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
	return nil
}

// Attach binds sink as a terminal's active output target, per spec §9 open
// question (b): the attaching username must match the terminal's owner, or
// ErrNotFound is returned (not ErrAuthFailed, so a mismatch can't be used to
// probe which ids exist under another user).
func (m *Manager) Attach(id, username string, sink OutputSink) (*Terminal, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if t.owner != username {
		return nil, errs.ErrNotFound
	}

	t.mu.Lock()
	t.sink = sink
	t.connected = true
	t.lastActivity = time.Now()
	t.mu.Unlock()

	return t, nil
}

// Detach clears a terminal's active sink without closing its backend,
// leaving it available for a later Attach by the same owner.
func (m *Manager) Detach(id string) {
	t, err := m.Get(id)
	if err != nil {
		return
	}
	t.mu.Lock()
	t.sink = nil
	t.connected = false
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// SendInput forwards data to a terminal's backend.
func (m *Manager) SendInput(id string, data []byte) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := t.backend.Write(data); err != nil {
		return err
	}
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
	return nil
}

// Resize forwards a size change to a terminal's backend.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := t.backend.Resize(cols, rows); err != nil {
		return err
	}
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	t.lastActivity = time.Now()
	t.mu.Unlock()
	return nil
}

// Close terminates a terminal's backend and removes it from the registry.
// Marking explicitClose first means terminalSink.Exit suppresses the
// shell.exit envelope for this closure, per spec §4.5.
func (m *Manager) Close(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.explicitClose = true
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		t.backend.Close()
	})
	return nil
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	if m.idleTimeout <= 0 {
		return
	}

	now := time.Now()
	m.mu.RLock()
	var toClose []*Terminal
	for _, t := range m.terminals {
		t.mu.Lock()
		idle := !t.connected && now.Sub(t.lastActivity) > m.idleTimeout
		t.mu.Unlock()
		if idle {
			toClose = append(toClose, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range toClose {
		m.log.WithField("terminal_id", t.id).Info("reaping idle terminal")
		t.closeOnce.Do(func() {
			t.backend.Close()
		})
	}
}

// ID returns the terminal's id.
func (t *Terminal) ID() string { return t.id }

// Owner returns the username that created the terminal.
func (t *Terminal) Owner() string { return t.owner }

// OwnedBy reports whether username matches the terminal's owner.
func (t *Terminal) OwnedBy(username string) bool { return t.owner == username }

// Size returns the terminal's last-known dimensions.
func (t *Terminal) Size() (cols, rows uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// Connected reports whether a client is currently attached.
func (t *Terminal) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// CreatedAt returns the terminal's creation time.
func (t *Terminal) CreatedAt() time.Time { return t.createdAt }
