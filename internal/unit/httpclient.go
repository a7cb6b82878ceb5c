package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ExitCodeTrailer carries the command exit code at the end of an exec
// response stream.
const ExitCodeTrailer = "X-Exit-Code"

// HTTPConfig configures the control-plane HTTP client.
type HTTPConfig struct {
	BaseURL     string
	CallTimeout time.Duration
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:     "http://127.0.0.1:8801",
		CallTimeout: 10 * time.Second,
	}
}

// HTTPControlPlane talks to the cluster's unit control plane over its HTTP
// API. Exec responses stream; every other call is bounded by CallTimeout.
type HTTPControlPlane struct {
	baseURL string
	cfg     HTTPConfig
	client  *http.Client
}

func NewHTTPControlPlane(cfg HTTPConfig) (*HTTPControlPlane, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: empty base url", ErrUnitUnreachable)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultHTTPConfig().CallTimeout
	}
	return &HTTPControlPlane{
		baseURL: base,
		cfg:     cfg,
		client:  &http.Client{},
	}, nil
}

// CreateUnit provisions a named unit. A conflict on an existing unit is
// treated as success: the caller resolves reuse via UnitStatus.
func (p *HTTPControlPlane) CreateUnit(ctx context.Context, name string, spec Spec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodPut, "/v1/units/"+url.PathEscape(name), nil, body)
	if err != nil {
		return err
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	default:
		return statusError("create unit", name, resp)
	}
}

// DeleteUnit removes a named unit; deleting an absent unit is a no-op.
func (p *HTTPControlPlane) DeleteUnit(ctx context.Context, name string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/v1/units/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return err
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusError("delete unit", name, resp)
	}
}

func (p *HTTPControlPlane) UnitStatus(ctx context.Context, name string) (Status, error) {
	resp, err := p.do(ctx, http.MethodGet, "/v1/units/"+url.PathEscape(name)+"/status", nil, nil)
	if err != nil {
		return "", err
	}
	defer drainClose(resp)
	if resp.StatusCode == http.StatusNotFound {
		return StatusAbsent, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("unit status", name, resp)
	}
	var out struct {
		Status Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("unit: decode status for %q: %w", name, err)
	}
	switch out.Status {
	case StatusPending, StatusReady, StatusUnhealthy, StatusAbsent:
		return out.Status, nil
	default:
		return "", fmt.Errorf("unit: unknown status %q for %q", out.Status, name)
	}
}

func (p *HTTPControlPlane) ListUnits(ctx context.Context, prefix string) ([]string, error) {
	query := url.Values{}
	if strings.TrimSpace(prefix) != "" {
		query.Set("prefix", strings.TrimSpace(prefix))
	}
	resp, err := p.do(ctx, http.MethodGet, "/v1/units", query, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list units", prefix, resp)
	}
	var out struct {
		Units []string `json:"units"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("unit: decode unit list: %w", err)
	}
	return out.Units, nil
}

// Exec starts one shell command inside the unit and returns its combined
// output stream. The exit code arrives as a response trailer once the
// stream is fully drained. The stream is bounded by ctx, not CallTimeout.
func (p *HTTPControlPlane) Exec(ctx context.Context, name, command string) (ExecStream, error) {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/units/"+url.PathEscape(name)+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: exec on %q: %v", ErrUnitUnreachable, name, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		drainClose(resp)
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		defer drainClose(resp)
		return nil, statusError("exec", name, resp)
	}
	return &httpExecStream{resp: resp, exitCode: -1}, nil
}

func (p *HTTPControlPlane) ReadFile(ctx context.Context, name, path string) ([]byte, error) {
	query := url.Values{"path": {path}}
	resp, err := p.do(ctx, http.MethodGet, "/v1/units/"+url.PathEscape(name)+"/files", query, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnitNotFound, name, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("read file", name, resp)
	}
	return io.ReadAll(resp.Body)
}

func (p *HTTPControlPlane) WriteFile(ctx context.Context, name, path string, data []byte) error {
	query := url.Values{"path": {path}}
	resp, err := p.do(ctx, http.MethodPut, "/v1/units/"+url.PathEscape(name)+"/files", query, data)
	if err != nil {
		return err
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	default:
		return statusError("write file", name, resp)
	}
}

func (p *HTTPControlPlane) ListFiles(ctx context.Context, name, path string) ([]FileEntry, error) {
	query := url.Values{}
	if strings.TrimSpace(path) != "" {
		query.Set("path", strings.TrimSpace(path))
	}
	resp, err := p.do(ctx, http.MethodGet, "/v1/units/"+url.PathEscape(name)+"/tree", query, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list files", name, resp)
	}
	var out struct {
		Entries []FileEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("unit: decode file listing for %q: %w", name, err)
	}
	return out.Entries, nil
}

func (p *HTTPControlPlane) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	target := p.baseURL + path
	if len(query) > 0 {
		target = target + "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, reader)
	if err != nil {
		cancel()
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnitUnreachable, method, path, err)
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

type httpExecStream struct {
	resp     *http.Response
	exitCode int
	sawEOF   bool
}

func (s *httpExecStream) Read(p []byte) (int, error) {
	n, err := s.resp.Body.Read(p)
	if err == io.EOF && !s.sawEOF {
		s.sawEOF = true
		if raw := strings.TrimSpace(s.resp.Trailer.Get(ExitCodeTrailer)); raw != "" {
			if code, convErr := strconv.Atoi(raw); convErr == nil {
				s.exitCode = code
			}
		} else {
			s.exitCode = 0
		}
	}
	return n, err
}

func (s *httpExecStream) Close() error {
	return s.resp.Body.Close()
}

// ExitCode returns the command exit code, or -1 while the stream is open.
func (s *httpExecStream) ExitCode() int {
	if !s.sawEOF {
		return -1
	}
	return s.exitCode
}

func statusError(op, subject string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unit: %s %q: unexpected status %d: %s",
		op, subject, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
