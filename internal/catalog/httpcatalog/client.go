// Package httpcatalog talks to the upstream catalog over a small JSON HTTP API:
//
//	GET  {base}/changes?since=N  -> {"current_cursor": N, "changed_ids": [..]}
//	POST {base}/metadata {"ids": [..]} -> {"packages": {"<id>": {..attribute tree..}}}
//	GET  {base}/health           -> 2xx when the upstream can serve requests
package httpcatalog

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

	"buildrelay/internal/catalog"
	logx "buildrelay/pkg/logx"
)

const (
	DefaultTimeout = 15 * time.Second
	maxBody        = 8 << 20
)

var ErrNoBaseURL = errors.New("httpcatalog: base url is required")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Code, e.Body)
}

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client implements catalog.ChangeFeed and catalog.Metadata.
type Client struct {
	base *url.URL
	hc   *http.Client
	ua   string
	log  logx.Logger
}

var (
	_ catalog.ChangeFeed = (*Client)(nil)
	_ catalog.Metadata   = (*Client)(nil)
)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpcatalog: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpcatalog: unsupported scheme %q", u.Scheme)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "buildrelay"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{base: u, hc: hc, ua: ua, log: log}, nil
}

type changesResponse struct {
	CurrentCursor uint64              `json:"current_cursor"`
	ChangedIDs    []catalog.PackageID `json:"changed_ids"`
}

func (c *Client) ChangesSince(ctx context.Context, cursor uint64) (catalog.ChangeSet, error) {
	q := url.Values{"since": {strconv.FormatUint(cursor, 10)}}
	var resp changesResponse
	if err := c.do(ctx, "changes", http.MethodGet, "/changes", q, nil, &resp); err != nil {
		return catalog.ChangeSet{}, err
	}
	return catalog.ChangeSet{CurrentCursor: resp.CurrentCursor, PackageIDs: resp.ChangedIDs}, nil
}

type metadataRequest struct {
	IDs []catalog.PackageID `json:"ids"`
}

type metadataResponse struct {
	Packages map[string]any `json:"packages"`
}

func (c *Client) BatchMetadata(ctx context.Context, ids []catalog.PackageID) (map[catalog.PackageID]*catalog.Node, error) {
	out := map[catalog.PackageID]*catalog.Node{}
	if len(ids) == 0 {
		return out, nil
	}
	var resp metadataResponse
	if err := c.do(ctx, "metadata", http.MethodPost, "/metadata", nil, metadataRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	for key, raw := range resp.Packages {
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			c.log.Debug("skipping package with bad id", logx.String("id", key))
			continue
		}
		out[catalog.PackageID(id)] = catalog.NodeFromJSON(key, raw)
	}
	return out, nil
}

// Ping checks that the upstream answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBody))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
