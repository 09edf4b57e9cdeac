package matrix

import (
	"bytes"
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

	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/models"
	"maunium.net/go/mautrix/id"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// requestTimeout bounds every call except the sync long-poll.
	requestTimeout = 30 * time.Second

	// syncGrace is added to the sync long-poll timeout so the server can
	// answer an expired poll before the client gives up.
	syncGrace = 30 * time.Second

	// maxResponseBytes caps response reads. An initial sync of a large
	// account can be tens of megabytes.
	maxResponseBytes = 64 * 1024 * 1024

	clientAPIPrefix = "/_matrix/client/v3"
)

// Client talks to one homeserver's client-server API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
}

var _ API = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the access token never leaks to
// a third-party domain.
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

// NewClient creates a client for the homeserver at baseURL. If
// httpClient is nil, one with a same-host redirect policy is created;
// per-request deadlines come from contexts so long-polls are not cut
// short by a global client timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.accessToken = token

	return &cp
}

// BaseURL returns the homeserver URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
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

// do sends a request and decodes a 2xx JSON response into result.
//
// Error classification:
//   - network failures, 429, 5xx and M_LIMIT_EXCEEDED are TransientError
//     wrapping ErrTransientNetwork
//   - M_UNKNOWN_TOKEN, M_MISSING_TOKEN and 401 wrap ErrAuthExpired
//   - an undecodable 2xx body wraps ErrMalformedResponse
//
// Every non-2xx response also carries a *MatrixError in its chain.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A cancelled context is the caller stopping us, not the network.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", errs.ErrTransientNetwork, method, path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", errs.ErrTransientNetwork, path, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		me := parseMatrixError(resp.StatusCode, respBody)

		switch {
		case IsAuthError(me):
			return fmt.Errorf("%w: %w", errs.ErrAuthExpired, me)
		case isTransientStatus(resp.StatusCode) || me.Code == ErrCodeLimitExceeded:
			return &TransientError{Err: fmt.Errorf("%w: %w", errs.ErrTransientNetwork, me)}
		default:
			return me
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", errs.ErrMalformedResponse, path, err)
		}
	}

	return nil
}

// Sync performs one /sync long-poll.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	query := url.Values{}
	if req.Since != "" {
		query.Set("since", req.Since)
	}

	query.Set("timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))

	if req.Filter != "" {
		query.Set("filter", req.Filter)
	}

	if req.SetPresence != "" {
		query.Set("set_presence", req.SetPresence)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout+syncGrace)
	defer cancel()

	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, clientAPIPrefix+"/sync", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("syncing: %w", err)
	}

	if resp.NextBatch == "" {
		return nil, fmt.Errorf("syncing: %w: missing next_batch", errs.ErrMalformedResponse)
	}

	return &resp, nil
}

// SendEvent sends a room event with Matrix's idempotent PUT.
func (c *Client) SendEvent(ctx context.Context, roomID id.RoomID, eventType, txnID string, content any) (id.EventID, error) {
	path := fmt.Sprintf("%s/rooms/%s/send/%s/%s",
		clientAPIPrefix,
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(txnID),
	)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var resp SendEventResponse
	if err := c.do(ctx, http.MethodPut, path, nil, content, &resp); err != nil {
		return "", fmt.Errorf("sending %s to %s: %w", eventType, roomID, err)
	}

	return resp.EventID, nil
}

// RedactEvent redacts an event.
func (c *Client) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, txnID, reason string) (id.EventID, error) {
	path := fmt.Sprintf("%s/rooms/%s/redact/%s/%s",
		clientAPIPrefix,
		url.PathEscape(roomID.String()),
		url.PathEscape(eventID.String()),
		url.PathEscape(txnID),
	)

	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var resp SendEventResponse
	if err := c.do(ctx, http.MethodPut, path, nil, body, &resp); err != nil {
		return "", fmt.Errorf("redacting %s in %s: %w", eventID, roomID, err)
	}

	return resp.EventID, nil
}

// SignOut invalidates the client's access token.
func (c *Client) SignOut(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := c.do(ctx, http.MethodPost, clientAPIPrefix+"/logout", nil, map[string]any{}, nil); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// Login authenticates with a password and returns the new device's
// credentials, including any .well-known discovery the server attached.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*models.Credentials, error) {
	body := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": req.User,
		},
		"password": req.Password,
	}
	if req.DeviceID != "" {
		body["device_id"] = req.DeviceID
	}

	if req.InitialDeviceDisplayName != "" {
		body["initial_device_display_name"] = req.InitialDeviceDisplayName
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var creds models.Credentials
	if err := c.do(ctx, http.MethodPost, clientAPIPrefix+"/login", nil, body, &creds); err != nil {
		return nil, fmt.Errorf("logging in as %s: %w", req.User, err)
	}

	if creds.AccessToken == "" || creds.UserID == "" {
		return nil, fmt.Errorf("logging in as %s: %w: missing user_id or access_token", req.User, errs.ErrMalformedResponse)
	}

	return &creds, nil
}

// WellKnown fetches the homeserver's client discovery document.
func (c *Client) WellKnown(ctx context.Context) (*models.WellKnown, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var wk models.WellKnown
	if err := c.do(ctx, http.MethodGet, "/.well-known/matrix/client", nil, nil, &wk); err != nil {
		return nil, fmt.Errorf("fetching well-known: %w", err)
	}

	return &wk, nil
}
