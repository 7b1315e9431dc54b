package credentials

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("s3cret!"))

	creds, err := Resolve(" https://acme.greythr.com ", "E1234", encoded)
	require.NoError(t, err)
	assert.Equal(t, "E1234", creds.Username)
	assert.Equal(t, "s3cret!", creds.Password)
	assert.Equal(t, "https://acme.greythr.com/", creds.BaseURL)
	assert.Equal(t, "acme.greythr.com", creds.Host())
}

func TestResolveRawEncoding(t *testing.T) {
	encoded := base64.RawStdEncoding.EncodeToString([]byte("ab"))
	creds, err := Resolve("https://acme.greythr.com/", "E1", encoded)
	require.NoError(t, err)
	assert.Equal(t, "ab", creds.Password)
}

func TestResolveRejectsInvalidInput(t *testing.T) {
	good := base64.StdEncoding.EncodeToString([]byte("pw"))
	cases := map[string][3]string{
		"missing url":      {"", "user", good},
		"missing username": {"https://x.example", "", good},
		"missing password": {"https://x.example", "user", ""},
		"bad scheme":       {"ftp://x.example", "user", good},
		"no host":          {"https://", "user", good},
		"not base64":       {"https://x.example", "user", "%%%"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(tc[0], tc[1], tc[2])
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestCredentialsNeverPrintPassword(t *testing.T) {
	creds := Credentials{Username: "u", Password: "hunter2", BaseURL: "https://x.example/"}
	assert.NotContains(t, creds.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", creds), "hunter2")
	assert.NotContains(t, creds.LogValue().String(), "hunter2")
}
