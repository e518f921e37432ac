package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to the daemon over the unix control socket.
type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

// ErrDaemonUnreachable reports that no daemon answered on the socket.
var ErrDaemonUnreachable = errors.New("daemon not reachable")

func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewClientWithHTTP("http://unix", &http.Client{Transport: transport})
}

func NewClientWithHTTP(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	return err
}

func (c *Client) Info(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodGet, "/v1/info", nil)
}

func (c *Client) Pause(ctx context.Context, until time.Time) (Response, error) {
	return c.do(ctx, http.MethodPost, "/v1/pause", PauseRequest{Until: until})
}

func (c *Client) Resume(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodPost, "/v1/resume", nil)
}

func (c *Client) ToggleInhibit(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodPost, "/v1/toggle-inhibit", nil)
}

func (c *Client) Trigger(ctx context.Context, target string) (Response, error) {
	return c.do(ctx, http.MethodPost, "/v1/trigger", TriggerRequest{Target: target})
}

func (c *Client) Actions(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodGet, "/v1/actions", nil)
}

func (c *Client) Profiles(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodGet, "/v1/profiles", nil)
}

func (c *Client) SetProfile(ctx context.Context, name string) (Response, error) {
	return c.do(ctx, http.MethodPost, "/v1/profile", ProfileRequest{Name: name})
}

func (c *Client) Reload(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodPost, "/v1/reload", nil)
}

func (c *Client) Stop(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodPost, "/v1/stop", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return Response{}, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
		}
		return Response{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return out, fmt.Errorf("http %d: %s", resp.StatusCode, out.Message)
	}
	return out, nil
}
