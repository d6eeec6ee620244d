package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Client talks to the conversation backend REST endpoints: paginated
// history fetch and reaction add/remove. The persistent channel is
// handled separately by SyncClient.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userID     string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
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

// NewClient creates an API client for the given backend base URL.
// If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(baseURL, token, userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		userID:     userID,
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

// do sends a request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-User-ID", c.userID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			err := fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
			if isTransientStatus(resp.StatusCode) {
				return &TransientError{Err: err}
			}

			return err
		}

		err := fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// History fetches one page of messages starting at fromSeq. Used
// identically by initial load and by gap recovery.
func (c *Client) History(ctx context.Context, conversationID string, fromSeq int64, limit int) (*HistoryPage, error) {
	endpoint := fmt.Sprintf("/v1/conversations/%s/messages?from_seq=%s&limit=%d",
		url.PathEscape(conversationID),
		strconv.FormatInt(fromSeq, 10),
		limit,
	)

	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, endpoint, &page); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	return &page, nil
}

// AddReaction adds the local user's reaction and returns the
// authoritative reaction list for the message.
func (c *Client) AddReaction(ctx context.Context, conversationID, messageID, emoji string) (*ReactionListResponse, error) {
	endpoint := fmt.Sprintf("/v1/conversations/%s/messages/%s/reactions/%s",
		url.PathEscape(conversationID),
		url.PathEscape(messageID),
		url.PathEscape(emoji),
	)

	var list ReactionListResponse
	if err := c.do(ctx, http.MethodPost, endpoint, &list); err != nil {
		return nil, fmt.Errorf("adding reaction: %w", err)
	}

	return &list, nil
}

// RemoveReaction removes the local user's reaction and returns the
// authoritative reaction list for the message.
func (c *Client) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (*ReactionListResponse, error) {
	endpoint := fmt.Sprintf("/v1/conversations/%s/messages/%s/reactions/%s",
		url.PathEscape(conversationID),
		url.PathEscape(messageID),
		url.PathEscape(emoji),
	)

	var list ReactionListResponse
	if err := c.do(ctx, http.MethodDelete, endpoint, &list); err != nil {
		return nil, fmt.Errorf("removing reaction: %w", err)
	}

	return &list, nil
}
