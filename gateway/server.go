// Package gateway implements spec's MessageGateway and the HTTP surface
// that fronts it: login/logout/session/config endpoints, the /ws upgrade,
// and static asset serving with SPA fallback.
package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/webshell-gateway/webshell/auth"
	"github.com/webshell-gateway/webshell/config"
	"github.com/webshell-gateway/webshell/sshshell"
	"github.com/webshell-gateway/webshell/terminal"
)

// Server wires Config, AuthGate, and SessionManager behind an HTTP mux.
type Server struct {
	cfg      *config.Config
	gate     *auth.Gate
	manager  *terminal.Manager
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

// New constructs a Server. staticDir may not exist yet; the static handler
// fails per-request, not at construction.
func New(cfg *config.Config, gate *auth.Gate, manager *terminal.Manager, log *logrus.Logger) *Server {
	return &Server{
		cfg:     cfg,
		gate:    gate,
		manager: manager,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Mux builds the HTTP routing table described in spec §6.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.Handle("GET /ws", s.gate.Middleware(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("/", s.staticHandler())

	return mux
}

// Run starts the HTTP listener on Config.Port.
func (s *Server) Run() error {
	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	s.log.WithField("addr", addr).Info("webshell gateway listening")
	return http.ListenAndServe(addr, s.Mux())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

type configResponse struct {
	Host       string `json:"host,omitempty"`
	User       string `json:"user,omitempty"`
	AuthMethod string `json:"auth_method"`
	AutoLogin  bool   `json:"auto_login"`
	IsLocal    bool   `json:"is_local"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	resp := configResponse{
		Host:       s.cfg.Host,
		User:       s.cfg.User,
		AuthMethod: s.cfg.Auth.Kind.String(),
		AutoLogin:  s.cfg.AutoLogin(),
		IsLocal:    s.cfg.IsLocal(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type loginRequest struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool `json:"success"`
}

// handleLogin merges the request body with configured defaults (so an
// empty body authenticates auto-login setups per spec S6), authenticates
// against the local OS for a local target or an SSH dry-run for a remote
// one, and issues the session cookie on success.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // empty body is valid for auto-login

	host := req.Host
	if host == "" {
		host = s.cfg.Host
	}
	username := req.Username
	if username == "" {
		username = s.cfg.User
	}

	authMethod := s.cfg.Auth
	if req.Password != "" {
		authMethod = config.AuthMethod{Kind: config.AuthPassword, Password: req.Password}
	}

	target := auth.Target{
		Local: config.IsLocalHost(host),
		Host:  host,
		Port:  s.cfg.SSHPort,
		Auth:  authMethod,
	}

	var err error
	if target.Local {
		err = s.gate.Authenticate(username, authMethod.Password)
	} else {
		if authErr := s.gate.AuthenticateRemote(username); authErr != nil {
			err = authErr
		} else {
			err = sshshell.TestConnection(target.Host, target.Port, username, target.Auth)
		}
	}

	if err != nil {
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := s.gate.IssueToken(auth.Principal{Username: username, Target: target})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.gate.SetCookie(w, token)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{Success: true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie("webshell_session"); err == nil {
		s.gate.Revoke(cookie.Value)
	}
	s.gate.ClearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	principal, err := s.gate.Authorize(r)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		json.NewEncoder(w).Encode(sessionResponse{Authenticated: false})
		return
	}
	json.NewEncoder(w).Encode(sessionResponse{Authenticated: true, Username: principal.Username})
}

// handleWebSocket upgrades the connection once gate.Middleware (wrapping
// this route in Mux) has already validated the session cookie, per spec
// §4.5 step 1: a missing or invalid token never reaches the gateway.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := newConnection(conn, principal, s.manager, s.log)
	c.run()
}

// staticHandler serves assets from Config.StaticDir with SPA fallback to
// index.html for any GET path that doesn't match a file on disk, matching
// the teacher's http.FileServer approach adapted to a directory on disk
// since no UI assets ship in this repo (spec §1 Non-goals).
func (s *Server) staticHandler() http.Handler {
	fileServer := http.FileServer(http.Dir(s.cfg.StaticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(s.cfg.StaticDir, filepath.Clean(r.URL.Path))
		if _, err := os.Stat(path); err != nil {
			http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}
