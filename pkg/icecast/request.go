package icecast

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Header names the ingest protocol reads.
const (
	HeaderAuthorization = "authorization"
	HeaderContentType   = "content-type"
	HeaderUserAgent     = "user-agent"
	HeaderIcePublic     = "ice-public"
)

// Header is a request header map with lower-cased keys. When a header is
// repeated the last value wins.
type Header map[string]string

// Get returns the value of name, matched case-insensitively.
func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Request is a parsed ingest request head.
type Request struct {
	Method string
	// Path is the URL path without query string.
	Path   string
	Header Header

	conn net.Conn
}

// RemoteAddr returns the address of the source client.
func (r *Request) RemoteAddr() string {
	if r.conn == nil {
		return ""
	}
	return r.conn.RemoteAddr().String()
}

// MountID derives the mount identifier from the request path.
func (r *Request) MountID() string {
	return strings.TrimPrefix(r.Path, "/")
}

var (
	crlfTerminator = []byte("\r\n\r\n")
	lfTerminator   = []byte("\n\n")
)

// headEnd returns the offset just past the blank line ending the head, or -1.
func headEnd(buf []byte) int {
	end := -1
	if i := bytes.Index(buf, crlfTerminator); i >= 0 {
		end = i + len(crlfTerminator)
	}
	if i := bytes.Index(buf, lfTerminator); i >= 0 && (end < 0 || i+len(lfTerminator) < end) {
		end = i + len(lfTerminator)
	}
	return end
}

// readHead reads from r until a complete request head has arrived. It returns
// the head and any bytes read past it, which belong to the audio stream.
// Deadlines are the caller's concern; a timeout surfaces as
// ErrHandshakeTimeout.
func readHead(r io.Reader, maxBytes int) (head, rest []byte, err error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)

	for {
		n, rerr := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if end := headEnd(buf); end >= 0 {
			if end > maxBytes {
				return nil, nil, errors.Wrap(ErrMalformedHead, "request head too large")
			}
			return buf[:end], buf[end:], nil
		}
		if len(buf) > maxBytes {
			return nil, nil, errors.Wrap(ErrMalformedHead, "request head too large")
		}

		if rerr != nil {
			var nerr net.Error
			if errors.As(rerr, &nerr) && nerr.Timeout() {
				return nil, nil, errors.Wrap(ErrHandshakeTimeout, rerr.Error())
			}
			return nil, nil, errors.Wrapf(ErrMalformedHead, "incomplete request head: %v", rerr)
		}
	}
}

// buildRequest parses a complete head into a Request bound to conn.
func buildRequest(head []byte, conn net.Conn) (*Request, error) {
	hreq, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedHead, "parse request head: %v", err)
	}

	header := make(Header, len(hreq.Header)+1)
	for k, vs := range hreq.Header {
		if len(vs) == 0 {
			continue
		}
		header[strings.ToLower(k)] = vs[len(vs)-1]
	}
	if hreq.Host != "" {
		header["host"] = hreq.Host
	}

	return &Request{
		Method: hreq.Method,
		Path:   hreq.URL.Path,
		Header: header,
		conn:   conn,
	}, nil
}
