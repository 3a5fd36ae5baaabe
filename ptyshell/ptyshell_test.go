package ptyshell

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func (r *recordingSink) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *recordingSink) Exit(code int) {
	r.exit <- code
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSpawnEchoesInput(t *testing.T) {
	sink := newRecordingSink()
	sh, err := Spawn(testLogger(), sink, "", 80, 24)
	require.NoError(t, err)
	defer sh.Close()

	require.NoError(t, sh.Write([]byte("echo hello-webshell\n")))

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(sink.String()), []byte("hello-webshell"))
	}, 5*time.Second, 50*time.Millisecond)
}

func TestResize(t *testing.T) {
	sink := newRecordingSink()
	sh, err := Spawn(testLogger(), sink, "", 80, 24)
	require.NoError(t, err)
	defer sh.Close()

	err = sh.Resize(120, 40)
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	sink := newRecordingSink()
	sh, err := Spawn(testLogger(), sink, "", 80, 24)
	require.NoError(t, err)

	assert.NoError(t, sh.Close())
	assert.NoError(t, sh.Close())
}

func TestExitReported(t *testing.T) {
	sink := newRecordingSink()
	sh, err := Spawn(testLogger(), sink, "", 80, 24)
	require.NoError(t, err)
	defer sh.Close()

	require.NoError(t, sh.Write([]byte("exit 0\n")))

	select {
	case code := <-sink.exit:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	sink := newRecordingSink()
	sh, err := Spawn(testLogger(), sink, "", 80, 24)
	require.NoError(t, err)
	require.NoError(t, sh.Close())

	<-sh.Done()
	err = sh.Write([]byte("echo late\n"))
	assert.Error(t, err)
}

func TestSetSinkSwapsOutputTarget(t *testing.T) {
	sink1 := newRecordingSink()
	sh, err := Spawn(testLogger(), sink1, "", 80, 24)
	require.NoError(t, err)
	defer sh.Close()

	sink2 := newRecordingSink()
	sh.SetSink(sink2)

	require.NoError(t, sh.Write([]byte("echo after-swap\n")))

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(sink2.String()), []byte("after-swap"))
	}, 5*time.Second, 50*time.Millisecond)
}
