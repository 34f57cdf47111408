package icecast

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHeadAcrossReads(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader("PUT /live HTTP/1.0\r\nContent-"),
		strings.NewReader("Type: audio/mpeg\r\n"),
		strings.NewReader("\r\nAUDIO"),
	)

	head, rest, err := readHead(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, "PUT /live HTTP/1.0\r\nContent-Type: audio/mpeg\r\n\r\n", string(head))
	assert.Equal(t, "AUDIO", string(rest))
}

func TestReadHeadBareNewlines(t *testing.T) {
	head, rest, err := readHead(strings.NewReader("PUT /live HTTP/1.0\nHost: x\n\nabc\r\n\r\n"), 1024)
	require.NoError(t, err)
	assert.Equal(t, "PUT /live HTTP/1.0\nHost: x\n\n", string(head))
	assert.Equal(t, "abc\r\n\r\n", string(rest))
}

func TestReadHeadTooLarge(t *testing.T) {
	_, _, err := readHead(strings.NewReader(strings.Repeat("a", 4096)), 512)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedHead))
}

func TestReadHeadIncomplete(t *testing.T) {
	_, _, err := readHead(strings.NewReader("PUT /live HTTP/1.0\r\n"), 512)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedHead))
}

func TestReadHeadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := readHead(server, 512)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeTimeout))
}

func TestBuildRequest(t *testing.T) {
	head := "PUT /station/live.ogg?pw=x HTTP/1.1\r\n" +
		"Host: radio.example\r\n" +
		"Content-Type: audio/ogg\r\n" +
		"ICE-Public: 1\r\n" +
		"X-Dup: first\r\n" +
		"x-dup: second\r\n\r\n"

	req, err := buildRequest([]byte(head), nil)
	require.NoError(t, err)

	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "/station/live.ogg", req.Path)
	assert.Equal(t, "station/live.ogg", req.MountID())
	assert.Equal(t, "audio/ogg", req.Header.Get("Content-Type"))
	assert.Equal(t, "1", req.Header[HeaderIcePublic])
	assert.Equal(t, "second", req.Header.Get("x-dup"))
	assert.Equal(t, "radio.example", req.Header.Get("host"))
	assert.Equal(t, "", req.RemoteAddr())
}

func TestBuildRequestMalformed(t *testing.T) {
	_, err := buildRequest([]byte("garbage\r\n\r\n"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedHead))
}

func TestHeadEndPrefersEarliest(t *testing.T) {
	assert.Equal(t, -1, headEnd([]byte("PUT / HTTP/1.0\r\n")))
	assert.Equal(t, 3, headEnd([]byte("a\n\nb\r\n\r\n")))
	assert.Equal(t, 5, headEnd([]byte("a\r\n\r\nb\n\n")))
}
