package icecast

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// Credentials is a decoded Basic authorization.
type Credentials struct {
	Username string
	Password string
}

// DecodeBasic decodes an Authorization header value of the form
// "Basic base64(user:pass)". The "Basic " prefix is optional and matched case
// sensitively. The decoded text is split on the first colon; a value without a
// colon yields an empty password. Padding is optional. Usernames are not
// validated, so an empty username is accepted. It returns false for an empty
// value or invalid base64.
func DecodeBasic(value string) (Credentials, bool) {
	payload := strings.TrimPrefix(value, "Basic ")
	if payload == "" {
		return Credentials{}, false
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients drop the padding.
		if decoded, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return Credentials{}, false
		}
	}

	username, password, _ := strings.Cut(string(decoded), ":")
	return Credentials{Username: username, Password: password}, true
}

// Authenticator approves a source connection. A non-nil context approves the
// request and stays attached to the resulting Mount. A nil context with a nil
// error rejects it with 403. Errors are answered with their HTTPError status,
// or 500 when they carry none.
type Authenticator func(ctx context.Context, creds Credentials, req *Request) (any, error)

// AllowAll approves every request, using the username as the context.
func AllowAll(_ context.Context, creds Credentials, _ *Request) (any, error) {
	return creds.Username, nil
}

// StaticAuthenticator approves requests whose credentials match users, a map
// of username to password. The approved username is the context.
func StaticAuthenticator(users map[string]string) Authenticator {
	known := make(map[string]string, len(users))
	for u, p := range users {
		known[u] = p
	}

	return func(_ context.Context, creds Credentials, _ *Request) (any, error) {
		want, ok := known[creds.Username]
		if !ok {
			return nil, nil
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(creds.Password)) != 1 {
			return nil, nil
		}
		return creds.Username, nil
	}
}
