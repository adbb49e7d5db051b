// Package authapi talks to the API gateway's credential refresh endpoint.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	sessionerrors "github.com/alexjbarnes/admin-session/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 1024 * 1024
)

// RefreshRequest is the body sent to the refresh endpoint.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is a successful refresh result. RefreshToken is empty
// when the gateway did not rotate it.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Client calls the refresh endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so refresh tokens never reach a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a refresh client for baseURL+path. If httpClient is
// nil, a client with a 30-second timeout and same-host redirect policy
// is created.
func NewClient(baseURL, path string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// Refresh exchanges a refresh token for new credentials.
//
// Errors wrap one of ErrRefreshRequest (transport), ErrRefreshRejected
// (non-200 or success=false) or ErrRefreshResponse (undecodable body or
// no access token). Callers treat all three the same way.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	if refreshToken == "" {
		return nil, sessionerrors.ErrMissingRefreshToken
	}

	payload, err := json.Marshal(RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sessionerrors.ErrRefreshRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", sessionerrors.ErrRefreshRequest, err)
	}

	if resp.StatusCode != http.StatusOK {
		if msg := errorMessage(body); msg != "" {
			return nil, fmt.Errorf("%w (%d): %s", sessionerrors.ErrRefreshRejected, resp.StatusCode, msg)
		}

		return nil, fmt.Errorf("%w: status %d: %s", sessionerrors.ErrRefreshRejected, resp.StatusCode, sanitizeResponseBody(body))
	}

	// Some gateway handlers answer 200 with {"success": false, ...}.
	if ok := gjson.GetBytes(body, "success"); ok.Exists() && !ok.Bool() {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrRefreshRejected, orDefault(errorMessage(body), "success=false"))
	}

	var out RefreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding: %w", sessionerrors.ErrRefreshResponse, err)
	}

	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in response", sessionerrors.ErrRefreshResponse)
	}

	return &out, nil
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	for _, path := range []string{"error_description", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
			return sanitizeResponseBody([]byte(v.String()))
		}
	}

	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}
