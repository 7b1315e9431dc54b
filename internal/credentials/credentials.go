package credentials

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// ErrInvalidCredentials is wrapped by every Resolve error.
var ErrInvalidCredentials = errors.New("invalid portal credentials")

// Credentials holds the decoded portal login. It is built once at startup and
// passed explicitly to the components that need it.
type Credentials struct {
	Username string
	Password string
	BaseURL  string
}

// Resolve validates the configured portal settings and decodes the base64 password.
func Resolve(baseURL, username, encodedPassword string) (Credentials, error) {
	baseURL = strings.TrimSpace(baseURL)
	username = strings.TrimSpace(username)
	encodedPassword = strings.TrimSpace(encodedPassword)

	if baseURL == "" {
		return Credentials{}, fmt.Errorf("%w: portal url is empty", ErrInvalidCredentials)
	}
	if username == "" {
		return Credentials{}, fmt.Errorf("%w: username is empty", ErrInvalidCredentials)
	}
	if encodedPassword == "" {
		return Credentials{}, fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: parse portal url: %v", ErrInvalidCredentials, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Credentials{}, fmt.Errorf("%w: portal url must be http or https", ErrInvalidCredentials)
	}
	if parsed.Host == "" {
		return Credentials{}, fmt.Errorf("%w: portal url has no host", ErrInvalidCredentials)
	}

	password, err := decodePassword(encodedPassword)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: decode password: %v", ErrInvalidCredentials, err)
	}
	if password == "" {
		return Credentials{}, fmt.Errorf("%w: decoded password is empty", ErrInvalidCredentials)
	}

	return Credentials{
		Username: username,
		Password: password,
		BaseURL:  strings.TrimRight(parsed.String(), "/") + "/",
	}, nil
}

func decodePassword(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(encoded)
		if rawErr != nil {
			return "", err
		}
	}
	return string(data), nil
}

// Host returns the portal host name.
func (c Credentials) Host() string {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %s, BaseURL: %s, Password: [redacted]}", c.Username, c.BaseURL)
}

// LogValue keeps the password out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("base_url", c.BaseURL),
	)
}
