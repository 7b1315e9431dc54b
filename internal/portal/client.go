package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"attendanced/internal/core"
)

const (
	attendancePath = "v3/api/attendance/mark-attendance"
	maxBodyRead    = 64 << 10
	maxBodyExcerpt = 512
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
)

// Client issues attendance calls against the portal's internal API.
type Client struct {
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a client for the portal rooted at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		logger:  logger,
	}
}

// Endpoint returns the attendance URL for action.
func (c *Client) Endpoint(action core.ActionKind) string {
	q := url.Values{}
	q.Set("action", action.PortalAction())
	return c.baseURL + attendancePath + "?" + q.Encode()
}

// Mark sends exactly one attendance request using the transplanted session and
// classifies the response. It never retries.
func (c *Client) Mark(ctx context.Context, client *http.Client, action core.ActionKind) core.Outcome {
	endpoint := c.Endpoint(action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return core.Outcome{Kind: core.OutcomeAPIFailure, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	c.logger.Info("attendance request", "action", action, "method", req.Method, "url", endpoint)
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Warn("attendance request failed", "action", action, "err", err)
		return core.Outcome{Kind: core.OutcomeAPIFailure, Detail: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	if err != nil {
		return core.Outcome{
			Kind:   core.OutcomeAPIFailure,
			Status: resp.StatusCode,
			Detail: fmt.Sprintf("read response: %v", err),
		}
	}
	outcome := Classify(resp.StatusCode, body)
	c.logger.Info("attendance response", "action", action, "status", resp.StatusCode, "outcome", outcome.Kind)
	c.logger.Debug("attendance response body", "action", action, "body", excerpt(body))
	return outcome
}

// Classify maps a raw portal response onto an Outcome. Raw payloads never
// travel past this function except as a truncated excerpt.
func Classify(status int, body []byte) core.Outcome {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.Outcome{
			Kind:   core.OutcomeAuthenticationFailed,
			Status: status,
			Body:   excerpt(body),
			Detail: fmt.Sprintf("portal rejected the session (status %d)", status),
		}
	case status < 200 || status > 299:
		return core.Outcome{
			Kind:   core.OutcomeAPIFailure,
			Status: status,
			Body:   excerpt(body),
			Detail: fmt.Sprintf("portal returned status %d", status),
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return core.Outcome{Kind: core.OutcomeSuccess, Detail: "attendance marked"}
	}
	if !json.Valid(trimmed) {
		return core.Outcome{
			Kind:   core.OutcomeAPIFailure,
			Status: status,
			Body:   excerpt(body),
			Detail: "unrecognized response payload",
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		// Arrays and scalars carry no failure marker.
		return core.Outcome{Kind: core.OutcomeSuccess, Detail: "attendance marked"}
	}
	message := payloadMessage(payload)
	if isAlreadyMarked(payload, message) {
		return core.Outcome{Kind: core.OutcomeAlreadyMarked, Detail: firstNonEmpty(message, "attendance already marked")}
	}
	if isFailurePayload(payload) {
		return core.Outcome{
			Kind:   core.OutcomeAPIFailure,
			Status: status,
			Body:   excerpt(body),
			Detail: firstNonEmpty(message, "portal reported failure"),
		}
	}
	return core.Outcome{Kind: core.OutcomeSuccess, Detail: firstNonEmpty(message, "attendance marked")}
}

func payloadMessage(payload map[string]any) string {
	for _, key := range []string{"message", "msg", "description", "error"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func isAlreadyMarked(payload map[string]any, message string) bool {
	if strings.Contains(strings.ToLower(message), "already") {
		return true
	}
	if v, ok := payload["alreadyMarked"].(bool); ok && v {
		return true
	}
	return false
}

func isFailurePayload(payload map[string]any) bool {
	if v, ok := payload["success"].(bool); ok && !v {
		return true
	}
	if s, ok := payload["status"].(string); ok {
		switch strings.ToLower(s) {
		case "error", "failed", "failure":
			return true
		}
	}
	if s, ok := payload["error"].(string); ok && strings.TrimSpace(s) != "" {
		return true
	}
	return false
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxBodyExcerpt {
		return s
	}
	cut := maxBodyExcerpt
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
