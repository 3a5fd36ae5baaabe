package sshshell

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/webshell-gateway/webshell/config"
	"github.com/webshell-gateway/webshell/errs"
)

// recordingSink is shared with integration_test.go.
type recordingSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	exit chan int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{exit: make(chan int, 1)}
}

func (r *recordingSink) Output(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(data)
}

func (r *recordingSink) Exit(code int) {
	r.exit <- code
}

func (r *recordingSink) contains(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Contains(r.buf.String(), s)
}

func TestClientConfigNoAuthMethod(t *testing.T) {
	_, err := clientConfig("alice", config.AuthMethod{Kind: config.AuthNone})
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestClientConfigPassword(t *testing.T) {
	cfg, err := clientConfig("alice", config.AuthMethod{Kind: config.AuthPassword, Password: "hunter2"})
	assert.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.Len(t, cfg.Auth, 1)
}

func TestClientConfigKeyFileMissing(t *testing.T) {
	_, err := clientConfig("alice", config.AuthMethod{Kind: config.AuthKeyFile, KeyPath: "/nonexistent/id_ed25519"})
	assert.Error(t, err)
}

func TestClientConfigKeyDataInvalid(t *testing.T) {
	_, err := clientConfig("alice", config.AuthMethod{Kind: config.AuthKeyData, KeyData: "not a real key"})
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestTestConnectionUnreachableHost(t *testing.T) {
	err := TestConnection("127.0.0.1", 1, "alice", config.AuthMethod{Kind: config.AuthPassword, Password: "x"})
	assert.ErrorIs(t, err, errs.ErrNetworkError)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, -1, exitCode(assert.AnError))
}
