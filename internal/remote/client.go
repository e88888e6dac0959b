package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rtbfoundry/bankerd/internal/ledger"
)

// StatusError reports a non-2xx response from the remote banker.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote banker returned %d: %s", e.Status, e.Body)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxConnections bounds the idle connection pool to the banker host.
	MaxConnections int
	// TCPNoDelay disables Nagle's algorithm on banker connections when true.
	TCPNoDelay bool
}

// Client issues JSON requests to the remote banker. Callers treat every
// method as a single request/response exchange; there are no retries here.
type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("banker url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse banker url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("banker url must be http or https, got %q", cfg.BaseURL)
	}

	conns := cfg.MaxConnections
	if conns <= 0 {
		conns = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		MaxIdleConns:        conns,
		MaxIdleConnsPerHost: conns,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(cfg.TCPNoDelay)
			}
			return conn, nil
		},
	}

	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

type registerRequest struct {
	AccountName string `json:"accountName"`
	AccountType string `json:"accountType"`
}

// RegisterAccount creates the account on the remote banker and returns the
// ledger snapshot from the response body.
func (c *Client) RegisterAccount(ctx context.Context, name, accountType string) ([]byte, error) {
	return c.post(ctx, "/accounts", registerRequest{AccountName: name, AccountType: accountType})
}

// FetchAccount retrieves the authoritative snapshot for a single account.
// Keys are hierarchical paths and go into the URL verbatim.
func (c *Client) FetchAccount(ctx context.Context, key string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/accounts/"+key, nil)
}

// SpendUpdate pushes the full local ledger and returns the remote's raw
// per-account status mapping.
func (c *Client) SpendUpdate(ctx context.Context, records []ledger.Record) ([]byte, error) {
	return c.post(ctx, "/spendupdate", records)
}

// Reauthorize pulls authorized balances and rates for the given keys.
func (c *Client) Reauthorize(ctx context.Context, keys []string) ([]byte, error) {
	return c.post(ctx, "/reauthorize/1", keys)
}

// SetRate pushes a corrected rate cap, in micro-USD, for one account.
func (c *Client) SetRate(ctx context.Context, key string, microUSD int64) error {
	payload := map[string]int64{"USD/1M": microUSD}
	_, err := c.post(ctx, "/accounts/"+key+"/rate", payload)
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	u := strings.TrimRight(c.base.String(), "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
