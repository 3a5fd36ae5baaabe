// Package auth implements the gateway's AuthGate: OS-native credential
// verification for local sessions, delegation to the SSH handshake for
// remote sessions, and opaque bearer tokens for the browser cookie.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"os/exec"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webshell-gateway/webshell/config"
	"github.com/webshell-gateway/webshell/errs"
)

const (
	cookieName  = "webshell_session"
	tokenMaxAge = 24 * time.Hour
	gcInterval  = time.Hour
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Target is the remote-shell destination resolved at login time (from the
// request body, or from Config's pre-configured values for auto-login).
// term.open uses it to decide whether to spawn a local pty or dial out over
// SSH, without re-deriving it from the request that opened the socket.
type Target struct {
	Local bool
	Host  string
	Port  int
	Auth  config.AuthMethod
}

// Principal is what a validated token resolves to: the authenticated
// username plus the target it logged in against.
type Principal struct {
	Username string
	Target   Target
}

// session is a single issued token's bookkeeping.
type session struct {
	principal Principal
	createdAt time.Time
}

// Gate is the AuthGate described in spec §4.4. It owns the issued-token
// table and the platform-specific local credential check.
type Gate struct {
	log *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]session

	stop chan struct{}
	once sync.Once
}

// NewGate constructs a Gate and starts its background token-expiry sweep.
func NewGate(log *logrus.Logger) *Gate {
	g := &Gate{
		log:      log,
		sessions: make(map[string]session),
		stop:     make(chan struct{}),
	}
	go g.gcLoop()
	return g
}

// Close stops the background expiry sweep. Used by tests and graceful
// shutdown; safe to call more than once.
func (g *Gate) Close() {
	g.once.Do(func() { close(g.stop) })
}

// Authenticate verifies a username/password pair against the local OS, per
// spec §4.4: dscl on Darwin, su on Linux, Unsupported elsewhere. The
// username is restricted to a safe charset before it ever reaches a shelled
// subprocess.
func (g *Gate) Authenticate(username, password string) error {
	if !usernamePattern.MatchString(username) {
		return errs.ErrAuthFailed
	}

	switch runtime.GOOS {
	case "darwin":
		return authenticateDarwin(username, password)
	case "linux":
		return authenticateLinux(username, password)
	default:
		return errs.ErrUnsupported
	}
}

func authenticateDarwin(username, password string) error {
	cmd := exec.Command("dscl", ".", "-authonly", username, password)
	if err := cmd.Run(); err != nil {
		return errs.ErrAuthFailed
	}
	return nil
}

func authenticateLinux(username, password string) error {
	cmd := exec.Command("su", "-c", "true", username)
	cmd.Stdin = bytes.NewBufferString(password + "\n")
	if err := cmd.Run(); err != nil {
		return errs.ErrAuthFailed
	}
	return nil
}

// AuthenticateRemote is a thin marker used by the gateway: remote sessions
// prove identity by completing an SSH handshake (sshshell.Connect), not by a
// local OS check. The gateway calls sshshell.TestConnection directly; this
// method exists so AuthGate's surface matches spec §4.4 in full and so tests
// can exercise the username guard independent of a live SSH server.
func (g *Gate) AuthenticateRemote(username string) error {
	if !usernamePattern.MatchString(username) {
		return errs.ErrAuthFailed
	}
	return nil
}

// IssueToken mints an opaque, high-entropy session token bound to principal
// and stores its hash. The token is the hex-encoded SHA-256 digest of 32
// random bytes plus the current wall-clock nanoseconds. It is returned for
// the caller to place in a cookie; only its own SHA-256 hash is retained
// server-side.
func (g *Gate) IssueToken(principal Principal) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errs.NewIoError("rand.Read", err)
	}

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], uint64(time.Now().UnixNano()))
	raw = append(raw, nonce[:]...)

	digest := sha256.Sum256(raw)
	token := hex.EncodeToString(digest[:])
	hash := hashToken(token)

	g.mu.Lock()
	g.sessions[hash] = session{principal: principal, createdAt: time.Now()}
	g.mu.Unlock()

	return token, nil
}

// Validate returns the principal bound to token, or ErrAuthFailed if the
// token is unknown or past its max age.
func (g *Gate) Validate(token string) (Principal, error) {
	hash := hashToken(token)

	g.mu.RLock()
	s, ok := g.sessions[hash]
	g.mu.RUnlock()

	if !ok {
		return Principal{}, errs.ErrAuthFailed
	}
	if time.Since(s.createdAt) > tokenMaxAge {
		g.mu.Lock()
		delete(g.sessions, hash)
		g.mu.Unlock()
		return Principal{}, errs.ErrAuthFailed
	}
	return s.principal, nil
}

// Revoke destroys a single session's token, used on logout.
func (g *Gate) Revoke(token string) {
	hash := hashToken(token)
	g.mu.Lock()
	delete(g.sessions, hash)
	g.mu.Unlock()
}

// gc sweeps expired tokens. Unexported, but called directly by the package's
// tests so they don't have to wait out the background interval.
func (g *Gate) gc() {
	cutoff := time.Now().Add(-tokenMaxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	for hash, s := range g.sessions {
		if s.createdAt.Before(cutoff) {
			delete(g.sessions, hash)
		}
	}
}

func (g *Gate) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.gc()
		case <-g.stop:
			return
		}
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SetCookie places the session token in an HttpOnly, strict-SameSite cookie.
func (g *Gate) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(tokenMaxAge.Seconds()),
		Path:     "/",
	})
}

// ClearCookie expires the session cookie immediately, used on logout.
func (g *Gate) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   cookieName,
		Value:  "",
		MaxAge: -1,
		Path:   "/",
	})
}

// Authorize extracts and validates the session cookie from a request,
// returning the bound principal.
func (g *Gate) Authorize(r *http.Request) (Principal, error) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return Principal{}, errs.ErrAuthFailed
	}
	return g.Validate(cookie.Value)
}

type principalKey struct{}

// Middleware rejects any request without a valid session cookie, and
// attaches the resolved Principal to the request context for handlers
// further down the chain.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := g.Authorize(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		g.log.WithField("username", principal.Username).Debug("authenticated request")
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext retrieves the Principal set by Middleware.
func PrincipalFromContext(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey{}).(Principal)
	return p, ok
}
