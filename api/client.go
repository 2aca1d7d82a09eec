package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotAuthenticated indicates an authenticated call without credentials.
	ErrNotAuthenticated = errors.New("api: not authenticated")
	// ErrSessionExpired indicates the refresh exchange failed and the session
	// was cleared; the caller must re-authenticate.
	ErrSessionExpired = errors.New("api: session expired")
)

// Error is a failure reported by the backend with an HTTP status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: server returned status %d", e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// CredentialSource supplies and receives the credential pair. The session
// store implements this; the gateway never owns credentials itself.
type CredentialSource interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(accessToken, refreshToken string)
	ClearTokens()
}

// ClientOptions configures the HTTP gateway.
type ClientOptions struct {
	BaseURL     string
	Credentials CredentialSource

	// OnAuthExpired runs after a failed refresh exchange has cleared the
	// credentials. It is the redirect-to-login hook.
	OnAuthExpired func()

	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Client is the single outbound REST channel to the backend.
//
// Every request is augmented with the current access credential when one is
// present. An authorization failure triggers at most one transparent
// refresh-and-retry per original request; the retry flag lives on the call
// frame, so a second authorization failure on the retried request is terminal.
type Client struct {
	baseURL       string
	http          *http.Client
	creds         CredentialSource
	onAuthExpired func()
	log           *zap.SugaredLogger

	// refreshMu makes the refresh exchange single-flight. Concurrent callers
	// that hit a 401 while a refresh is in progress reuse its outcome.
	refreshMu sync.Mutex
}

// NewClient creates the gateway with validated configuration.
func NewClient(options ClientOptions) (*Client, error) {
	if options.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if options.Credentials == nil {
		return nil, errors.New("credential source is required")
	}
	if _, err := url.Parse(options.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		timeout := options.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		baseURL:       strings.TrimRight(options.BaseURL, "/"),
		http:          httpClient,
		creds:         options.Credentials,
		onAuthExpired: options.OnAuthExpired,
		log:           logger,
	}, nil
}

// callFrame carries per-request retry state. Tying the flag to the frame
// rather than to shared client state is what enforces at-most-once refresh.
type callFrame struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	out     any
	retried bool
}

func (c *Client) do(ctx context.Context, frame *callFrame) error {
	req, err := c.buildRequest(ctx, frame)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", frame.method, frame.path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized && !frame.retried && c.creds.RefreshToken() != "" {
		failedToken := req.Header.Get("Authorization")
		if err := c.refreshCredentials(ctx, failedToken); err != nil {
			c.creds.ClearTokens()
			if c.onAuthExpired != nil {
				c.onAuthExpired()
			}
			return fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		frame.retried = true
		return c.do(ctx, frame)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if frame.out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(frame.out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", frame.method, frame.path, err)
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, frame *callFrame) (*http.Request, error) {
	target := c.baseURL + frame.path
	if len(frame.query) > 0 {
		target += "?" + frame.query.Encode()
	}

	var body io.Reader
	if frame.body != nil {
		body = bytes.NewReader(frame.body)
	}

	req, err := http.NewRequestWithContext(ctx, frame.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", frame.method, frame.path, err)
	}
	if frame.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.creds.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// refreshCredentials performs the refresh exchange exactly once even under
// concurrent 401s. failedAuthHeader identifies the credential the caller saw
// rejected; if the stored credential already differs, another caller has
// refreshed in the meantime and the exchange is skipped.
func (c *Client) refreshCredentials(ctx context.Context, failedAuthHeader string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if current := c.creds.AccessToken(); current != "" && "Bearer "+current != failedAuthHeader {
		return nil
	}

	refreshToken := c.creds.RefreshToken()
	if refreshToken == "" {
		return ErrNotAuthenticated
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh exchange: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	var refreshed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if refreshed.AccessToken == "" {
		return errors.New("refresh response carries no access token")
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}

	c.creds.SetTokens(refreshed.AccessToken, refreshed.RefreshToken)
	c.log.Debugw("access credential refreshed")
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil && len(raw) > 0 {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &body) == nil {
			if body.Error != "" {
				apiErr.Message = body.Error
			} else {
				apiErr.Message = body.Message
			}
		}
	}

	return apiErr
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, &callFrame{method: http.MethodGet, path: path, query: query, out: out})
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = raw
	}
	return c.do(ctx, &callFrame{method: http.MethodPost, path: path, body: body, out: out})
}
