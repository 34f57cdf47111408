package icecast

import (
	"io"
	"net"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeMount(t *testing.T, header Header) (*Mount, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	req := &Request{Method: "PUT", Path: "/live", Header: header, conn: server}
	return newMount("live", req, "dj", nil, mountOptions{logger: testLogger()}), client
}

func readAll(conn net.Conn) <-chan string {
	out := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(conn)
		out <- string(b)
	}()
	return out
}

func TestMountSocketError(t *testing.T) {
	m, client := pipeMount(t, Header{})
	boom := errors.New("connection reset")
	m.src = iotest.ErrReader(boom)

	errs := make(chan error, 1)
	m.OnError(func(err error) { errs <- err })

	resp := readAll(client)
	m.start()

	assert.Equal(t, "HTTP/1.1 500 Oh no bye...\n\n", <-resp)
	<-m.Done()

	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, boom, m.Err())
	assert.Equal(t, boom, <-errs)

	_, err := m.AudioStream().Read(make([]byte, 1))
	assert.Equal(t, boom, err)
}

func TestMountCloseBeforeStart(t *testing.T) {
	m, client := pipeMount(t, Header{})

	var done bool
	m.OnDone(func() { done = true })

	resp := readAll(client)
	require.NoError(t, m.Close())
	assert.Equal(t, "HTTP/1.1 200 Thx bye <3\n\n", <-resp)

	<-m.Done()
	assert.True(t, done)
	assert.Equal(t, StateClosed, m.State())
	assert.False(t, m.Ended())

	// A finished mount runs late hooks at once and ignores further closes.
	ran := false
	m.OnDone(func() { ran = true })
	assert.True(t, ran)
	require.NoError(t, m.Close())

	m.start()
	assert.Equal(t, StateClosed, m.State())
}

func TestMountHeaders(t *testing.T) {
	m, _ := pipeMount(t, Header{
		HeaderContentType: "application/ogg",
		HeaderIcePublic:   "no",
		"ice-name":        "Night Shift",
	})

	assert.Equal(t, "application/ogg", m.Type())
	assert.False(t, m.IsPublic())
	assert.Equal(t, "Night Shift", m.Header("Ice-Name"))
	assert.Equal(t, "dj", m.AuthContext())
	assert.Equal(t, "", m.Title())
	assert.Equal(t, "", m.Album())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "ended", StateEnded.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
