package icecast

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureExtractor keeps everything the metadata branch delivers.
type captureExtractor struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (e *captureExtractor) Extract(_ context.Context, r io.Reader, _ string, _ func(Metadata)) error {
	b, err := io.ReadAll(r)
	e.mu.Lock()
	e.buf.Write(b)
	e.mu.Unlock()
	return err
}

func (e *captureExtractor) bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return bytes.Clone(e.buf.Bytes())
}

func TestBranchesSeeIdenticalBytes(t *testing.T) {
	capture := &captureExtractor{}
	s := newTestServer(t, Config{AudioBufferChunks: 1, MetadataBufferChunks: 1}, WithExtractor(capture))
	mounts := captureMounts(s)

	lead := []byte("sent-with-the-head")
	payload := make([]byte, 640*1024)
	for i := range payload {
		payload[i] = byte(i*7 + i>>9)
	}
	want := append(bytes.Clone(lead), payload...)

	c := dial(t, s)
	c.send(t, putHead("/live.ogg", basic("source", "hackme"), "Content-Type: application/ogg")+string(lead))
	m := nextMount(t, mounts)
	c.continued(t)

	audio := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(m.AudioStream())
		audio <- b
	}()

	_, err := c.Write(payload)
	require.NoError(t, err)
	require.NoError(t, c.Conn.(*net.TCPConn).CloseWrite())

	got := <-audio
	<-m.Done()

	assert.True(t, bytes.Equal(want, got), "audio branch differs")
	assert.True(t, bytes.Equal(want, capture.bytes()), "metadata branch differs")
}
