package icecast

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestDecodeBasic(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  Credentials
		ok    bool
	}{
		{name: "prefixed", value: basic("source", "hackme"), want: Credentials{"source", "hackme"}, ok: true},
		{name: "bare", value: base64.StdEncoding.EncodeToString([]byte("dj:secret")), want: Credentials{"dj", "secret"}, ok: true},
		{name: "colon in password", value: basic("dj", "a:b"), want: Credentials{"dj", "a:b"}, ok: true},
		{name: "no colon", value: "Basic " + base64.StdEncoding.EncodeToString([]byte("dj")), want: Credentials{"dj", ""}, ok: true},
		{name: "empty username", value: basic("", "pw"), want: Credentials{"", "pw"}, ok: true},
		{name: "unpadded", value: "Basic " + base64.RawStdEncoding.EncodeToString([]byte("dj:x")), want: Credentials{"dj", "x"}, ok: true},
		{name: "bare unpadded", value: base64.RawStdEncoding.EncodeToString([]byte("dj:xy")), want: Credentials{"dj", "xy"}, ok: true},
		{name: "empty", value: "", ok: false},
		{name: "prefix only", value: "Basic ", ok: false},
		{name: "invalid base64", value: "Basic !!!", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DecodeBasic(tc.value)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestStaticAuthenticator(t *testing.T) {
	auth := StaticAuthenticator(map[string]string{"source": "hackme"})
	ctx := context.Background()

	got, err := auth(ctx, Credentials{"source", "hackme"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "source", got)

	got, err = auth(ctx, Credentials{"source", "wrong"}, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = auth(ctx, Credentials{"nobody", "hackme"}, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAllowAll(t *testing.T) {
	got, err := AllowAll(context.Background(), Credentials{Username: "dj"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "dj", got)
}
