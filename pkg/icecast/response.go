package icecast

import "strconv"

// FormatResponse builds a bare HTTP/1.1 status line. When terminate is set a
// blank line follows, ending the response head.
func FormatResponse(code int, reason string, terminate bool) string {
	s := "HTTP/1.1 " + strconv.Itoa(code) + " " + reason + "\n"
	if terminate {
		s += "\n"
	}
	return s
}
