package ledger

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/finbridge/ledgerlink/pkg/audit"
)

const loginEndpoint = "/api/v1/auth/login"

// Client talks to a remote ledger deployment. Outbound POST/PUT bodies are
// JSON-serialized, sealed with the shared symmetric key and transmitted as a
// single form field; only the sealed blob ever transits the network.
type Client struct {
	cfg    Config
	cipher Cipher
	audit  audit.Recorder

	httpClient     *http.Client
	insecureClient *http.Client

	// sleep is swapped in tests to observe retry delays.
	sleep func(time.Duration)
}

func New(cfg Config, cipher Cipher, rec audit.Recorder) *Client {
	cfg = cfg.withDefaults()
	if rec == nil {
		rec = audit.Nop()
	}
	return &Client{
		cfg:        cfg,
		cipher:     cipher,
		audit:      rec,
		httpClient: &http.Client{},
		insecureClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		sleep: time.Sleep,
	}
}

// Response is the raw outcome of a successful ledger call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Request performs one logical ledger call with up to MaxRetries attempts.
// A 401 is surfaced as ErrAuthExpired without retrying. Every other failure
// is retried with a linearly increasing delay of RetryDelay * attempt.
// Exhausting all attempts surfaces ErrServiceUnavailable. One audit record
// is written per attempt; audit failures never abort the call.
func (c *Client) Request(ctx context.Context, sys System, token, endpoint string, payload any, method string) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		start := time.Now()
		resp, err := c.do(ctx, sys, token, endpoint, payload, method)
		c.recordAttempt(ctx, sys, method, endpoint, attempt, time.Since(start), payload, resp, err)

		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if err == nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthExpired
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("remote ledger returned %d", resp.StatusCode)
		}
		if attempt < c.cfg.MaxRetries {
			c.sleep(c.cfg.RetryDelay * time.Duration(attempt))
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, lastErr)
}

func (c *Client) do(ctx context.Context, sys System, token, endpoint string, payload any, method string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	contentType := ""
	if payload != nil && (method == http.MethodPost || method == http.MethodPut) {
		plain, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		sealed, err := c.cipher.Encrypt(string(plain))
		if err != nil {
			return nil, fmt.Errorf("seal payload: %w", err)
		}
		form := url.Values{"payload": {sealed}}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(sys.BaseURL, "/")+endpoint, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("content-type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.client(sys).Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: raw}, nil
}

func (c *Client) client(sys System) *http.Client {
	if sys.InsecureTLS {
		return c.insecureClient
	}
	return c.httpClient
}

// maxAuditBodyBytes caps how much of a remote response lands in the audit
// trail.
const maxAuditBodyBytes = 4096

func (c *Client) recordAttempt(ctx context.Context, sys System, method, endpoint string, attempt int, elapsed time.Duration, payload any, resp *Response, err error) {
	before := map[string]any{
		"method":   method,
		"endpoint": endpoint,
		"base_url": sys.BaseURL,
	}
	// The audit trail records the structured plaintext, not the sealed wire
	// form. The login exchange carries credentials and a fresh token, so both
	// of its sides stay out.
	redacted := endpoint == loginEndpoint
	if payload != nil {
		if redacted {
			before["payload"] = "[redacted]"
		} else {
			if r, ok := payload.(auditRedactor); ok {
				payload = r.auditRedacted()
			}
			before["payload"] = payload
		}
	}
	after := map[string]any{
		"attempt":     attempt,
		"duration_ms": elapsed.Milliseconds(),
	}
	if resp != nil {
		after["status"] = resp.StatusCode
		after["response_bytes"] = len(resp.Body)
		if redacted {
			after["response"] = "[redacted]"
		} else {
			after["response"] = truncateBody(resp.Body)
		}
	}
	if err != nil {
		after["error"] = err.Error()
	}
	_ = c.audit.Record(ctx, audit.Stamp(ctx, audit.Record{
		Actor:  audit.ActorSystem,
		Action: "ledger.request",
		Entity: "remote_system",
		Before: before,
		After:  after,
		At:     time.Now().UTC(),
	}))
}

func truncateBody(b []byte) string {
	if len(b) > maxAuditBodyBytes {
		return string(b[:maxAuditBodyBytes]) + "...(truncated)"
	}
	return string(b)
}

// Login is the distinguished unauthenticated call: credentials are sealed
// like any other payload and the response is expected to be plain JSON with
// a token field. Anything else is an authentication failure.
func (c *Client) Login(ctx context.Context, sys System, username, password string) (string, error) {
	payload := map[string]string{"username": username, "password": password}
	resp, err := c.Request(ctx, sys, "", loginEndpoint, payload, http.MethodPost)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			return "", ErrAuthFailed
		}
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || strings.TrimSpace(out.Token) == "" {
		return "", ErrAuthFailed
	}
	return out.Token, nil
}
