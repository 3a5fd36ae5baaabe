package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webshell-gateway/webshell/errs"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestIssueAndValidateToken(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	token, err := g.IssueToken(Principal{Username: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	principal, err := g.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Username)
}

func TestValidateUnknownToken(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	_, err := g.Validate("not-a-real-token")
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestRevoke(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	token, err := g.IssueToken(Principal{Username: "bob"})
	require.NoError(t, err)

	g.Revoke(token)

	_, err = g.Validate(token)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestTokenEntropyDistinct(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := g.IssueToken(Principal{Username: "carol"})
		require.NoError(t, err)
		require.False(t, seen[token], "token collision")
		seen[token] = true
	}
}

func TestUsernameCharsetGuard(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	err := g.Authenticate("alice; rm -rf /", "whatever")
	assert.ErrorIs(t, err, errs.ErrAuthFailed)

	err = g.AuthenticateRemote("../../etc")
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestSetAndClearCookie(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	rec := httptest.NewRecorder()
	g.SetCookie(rec, "some-token")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)
	assert.Equal(t, "some-token", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	rec = httptest.NewRecorder()
	g.ClearCookie(rec)
	cookies = rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestMiddlewareRejectsMissingCookie(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	called := false
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidCookie(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	token, err := g.IssueToken(Principal{Username: "dana"})
	require.NoError(t, err)

	var seen Principal
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: token})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dana", seen.Username)
}

func TestGcRemovesExpired(t *testing.T) {
	g := NewGate(testLogger())
	defer g.Close()

	token, err := g.IssueToken(Principal{Username: "erin"})
	require.NoError(t, err)

	hash := hashToken(token)
	g.mu.Lock()
	s := g.sessions[hash]
	s.createdAt = s.createdAt.Add(-48 * tokenMaxAge / 24) // force well past max age
	g.sessions[hash] = s
	g.mu.Unlock()

	g.gc()

	g.mu.RLock()
	_, stillStored := g.sessions[hash]
	g.mu.RUnlock()
	assert.False(t, stillStored, "gc should have removed the expired session")

	_, err = g.Validate(token)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}
