package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/types"
)

// Client talks to the control plane on behalf of one agent.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// New builds a Client for the given server base URL. The server's TLS
// certificate is self-signed in the default deployment, so verification
// is disabled; the bearer token is the real authentication.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		logger: log.WithComponent("client"),
	}
}

// SetToken installs the bearer after registration.
func (c *Client) SetToken(token string) {
	c.token = token
}

// apiError mirrors the server's error body.
type apiError struct {
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	RetryAfter time.Duration
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.ErrorKind, e.Message)
}

// retryable reports whether the request should be retried with backoff.
func retryable(err error) bool {
	var ae *apiError
	if ok := asAPIError(err, &ae); ok {
		return ae.StatusCode == http.StatusServiceUnavailable || ae.StatusCode >= 500
	}
	// Network errors retry.
	return err != nil
}

func asAPIError(err error, target **apiError) bool {
	if ae, ok := err.(*apiError); ok {
		*target = ae
		return true
	}
	return false
}

// doJSON performs one request and decodes the response into out when
// non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		ae := &apiError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(ae)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				ae.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return ae
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// doWithRetry wraps doJSON in exponential backoff: 1 s doubling to 60 s,
// bounded by ctx. Retry-After from the server stretches the next wait.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute

	return backoff.Retry(func() error {
		err := c.doJSON(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		var ae *apiError
		if asAPIError(err, &ae) && ae.RetryAfter > 0 {
			c.logger.Warn().Dur("retry_after", ae.RetryAfter).Msg("server asked to back off")
			select {
			case <-time.After(ae.RetryAfter):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		c.logger.Debug().Err(err).Str("path", path).Msg("retrying request")
		return err
	}, backoff.WithContext(bo, ctx))
}

// RegisterRequest is the enrollment payload.
type RegisterRequest struct {
	AgentID    string          `json:"agent_id"`
	Hostname   string          `json:"hostname"`
	PublicKey  string          `json:"public_key"`
	Nonce      string          `json:"nonce"`
	Timestamp  int64           `json:"timestamp"`
	Signature  string          `json:"signature"`
	AdminToken string          `json:"admin_token"`
	Hardware   *types.Hardware `json:"hardware,omitempty"`
}

// RegisterResponse carries the issued bearer.
type RegisterResponse struct {
	AgentID     string `json:"agent_id"`
	BearerToken string `json:"bearer_token"`
}

// Register enrolls this agent. Not retried: enrollment errors need the
// operator.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/clients/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify confirms the stored bearer is still valid.
func (c *Client) Verify(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/client/verify", nil, nil)
}

// PushMetrics ships one batch with retry.
func (c *Client) PushMetrics(ctx context.Context, batch *types.MetricBatch) (*types.BatchResult, error) {
	var res types.BatchResult
	if err := c.doWithRetry(ctx, http.MethodPost, "/api/metrics", batch, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PushLogs ships log entries with retry.
func (c *Client) PushLogs(ctx context.Context, agentID string, entries []types.LogEntry) error {
	body := map[string]any{"agent_id": agentID, "entries": entries}
	return c.doWithRetry(ctx, http.MethodPost, "/api/logs", body, nil)
}

// Command is the wire form of a delivered command: the payload arrives
// as embedded JSON rather than a stored string.
type Command struct {
	CommandID string            `json:"command_id"`
	AgentID   string            `json:"agent_id"`
	Type      types.CommandType `json:"command_type"`
	Payload   json.RawMessage   `json:"payload"`
	Status    string            `json:"status"`
	CreatedAt int64             `json:"created_at"`
}

// FetchCommands claims this agent's pending commands.
func (c *Client) FetchCommands(ctx context.Context, agentID string) ([]Command, error) {
	var resp struct {
		Commands []Command `json:"commands"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/commands/"+agentID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// PostCommandResult reports one command outcome with retry.
func (c *Client) PostCommandResult(ctx context.Context, res *types.CommandResult) error {
	return c.doWithRetry(ctx, http.MethodPost, "/api/command-results", res, nil)
}
