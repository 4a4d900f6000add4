package terminus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/terminus/internal/broker"
	"pkt.systems/terminus/internal/gateway"
	"pkt.systems/terminus/internal/history"
	"pkt.systems/terminus/internal/server"
	"pkt.systems/terminus/internal/tlsmgr"
	"pkt.systems/terminus/internal/transfer"
)

// Session summarizes a live terminal session.
type Session = broker.SessionInfo

// Status is the gateway status report.
type Status = gateway.Status

// TransferReport lists active transfers and recent history.
type TransferReport struct {
	Active  []transfer.Record        `json:"active"`
	History []history.TransferRecord `json:"history"`
}

// APIClient calls the gateway HTTP API.
type APIClient struct {
	base   string
	apiKey string
	http   *http.Client
}

type apiResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// NewAPIClient returns a client for endpoint. The local CA under the
// default TLS directory is trusted besides the system roots.
func NewAPIClient(endpoint, apiKey string) (*APIClient, error) {
	base, err := normalizeHTTPURL(endpoint)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	return &APIClient{
		base:   base,
		apiKey: apiKey,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	pool, err := tlsmgr.ClientRoots(DefaultTLSDir())
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Sessions lists live terminal sessions.
func (c *APIClient) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.do(ctx, http.MethodGet, "/api/sessions", &out)
	return out, err
}

// Transfers returns active transfers and up to limit history records,
// optionally restricted to one backing session.
func (c *APIClient) Transfers(ctx context.Context, sessionID string, limit int) (TransferReport, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	p := "/api/transfers"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	var out TransferReport
	err := c.do(ctx, http.MethodGet, p, &out)
	return out, err
}

// CancelTransfer aborts a transfer by name and reports whether it was
// running.
func (c *APIClient) CancelTransfer(ctx context.Context, name string) (bool, error) {
	var out struct {
		Found bool `json:"found"`
	}
	err := c.do(ctx, http.MethodPost, "/api/transfers/"+url.PathEscape(name)+"/cancel", &out)
	return out.Found, err
}

// Status fetches the gateway status report.
func (c *APIClient) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(server.HeaderAPIKey, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if resp.StatusCode != http.StatusOK || !env.Status {
		msg := env.Message
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

func normalizeHTTPURL(endpoint string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https", "http":
	case "wss":
		parsed.Scheme = "https"
	case "ws":
		parsed.Scheme = "http"
	case "":
		return "", errors.New("endpoint must include scheme")
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}
