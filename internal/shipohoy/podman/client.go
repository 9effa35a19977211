package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
)

const apiPrefix = "/v4.0.0"

// APIError is a non-2xx answer from the Podman service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("podman api %d: %s", e.Status, e.Message)
}

// client speaks the libpod/compat HTTP API over a unix socket or TCP.
type client struct {
	address string
	base    url.URL
	http    *http.Client
}

func newClient(address string) (*client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("podman address is required")
	}
	transport := &http.Transport{DisableCompression: true}
	base := url.URL{Scheme: "http", Host: "podman"}
	switch {
	case strings.HasPrefix(address, "unix://"):
		socket := strings.TrimPrefix(address, "unix://")
		if socket == "" {
			return nil, errors.New("podman socket path is required")
		}
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	default:
		raw := strings.TrimPrefix(address, "tcp://")
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("podman address: %w", err)
		}
		base = *parsed
	}
	return &client{address: address, base: base, http: &http.Client{Transport: transport}}, nil
}

func (c *client) ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/libpod/_ping", nil, nil, nil)
}

// do issues one request. The caller owns the response body.
func (c *client) do(ctx context.Context, method, endpoint string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	target := c.base
	target.Path = path.Join(c.base.Path, apiPrefix, endpoint)
	target.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// call issues a request and decodes a JSON answer into out when non-nil.
func (c *client) call(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	res, err := c.do(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func readAPIError(res *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	var decoded struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &decoded) == nil && decoded.Message != "" {
		msg = decoded.Message
	}
	if msg == "" {
		msg = res.Status
	}
	return &APIError{Status: res.StatusCode, Message: msg}
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// candidateAddresses lists the configured address followed by the usual
// rootless and rootful socket locations.
func candidateAddresses(primary string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(primary)
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		add("unix://" + path.Join(dir, "podman", "podman.sock"))
	}
	add(fmt.Sprintf("unix:///run/user/%d/podman/podman.sock", os.Getuid()))
	add("unix:///run/podman/podman.sock")
	return out
}
