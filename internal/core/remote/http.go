package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/credentials"
)

const maxBodyBytes = 4 << 20

// HTTPConfig configures the JSON-over-HTTP broker adapter.
type HTTPConfig struct {
	BaseURL       string
	LoginPath     string
	LogoutPath    string
	PingPath      string
	SessionHeader string
	UserAgent     string
	Timeout       time.Duration
	// Endpoints maps endpoint names to request paths. Unmapped names become
	// "/" + name with dots replaced by slashes.
	Endpoints map[string]string
}

// HTTPService talks to the broker over HTTP with a cookie-backed session.
type HTTPService struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client

	mu      sync.RWMutex
	session Connection
}

type loginRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	OneTimePassword string `json:"oneTimePassword,omitempty"`
	Account         string `json:"account,omitempty"`
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
	Account   string `json:"account"`
}

// NewHTTPService creates an HTTP broker adapter.
func NewHTTPService(cfg HTTPConfig) (*HTTPService, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, core.NewError(core.KindConfiguration, "remote.http", fmt.Sprintf("invalid base url %q", cfg.BaseURL))
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.LogoutPath == "" {
		cfg.LogoutPath = "/logout"
	}
	if cfg.PingPath == "" {
		cfg.PingPath = "/ping"
	}
	if cfg.SessionHeader == "" {
		cfg.SessionHeader = "X-Session-Id"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &HTTPService{
		cfg:  cfg,
		base: base,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Jar:       jar,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Connect logs in and keeps the session id for later requests.
func (s *HTTPService) Connect(ctx context.Context, login credentials.Login) (Connection, error) {
	body := loginRequest{
		Username:        login.Username,
		Password:        login.Password,
		OneTimePassword: login.OneTimeCode,
		Account:         login.Account,
	}

	var out loginResponse
	if err := s.do(ctx, "remote.connect", PhaseConnect, http.MethodPost, s.cfg.LoginPath, body, &out); err != nil {
		return Connection{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return Connection{}, core.NewError(core.KindMalformedResponse, "remote.connect", "login response has no session id")
	}

	conn := Connection{SessionID: out.SessionID, Account: out.Account}
	if conn.Account == "" {
		conn.Account = login.Account
	}

	s.mu.Lock()
	s.session = conn
	s.mu.Unlock()
	return conn, nil
}

// Disconnect logs out and forgets the session.
func (s *HTTPService) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	had := s.session.SessionID != ""
	s.mu.Unlock()
	if !had {
		return nil
	}

	err := s.do(ctx, "remote.disconnect", PhaseOperation, http.MethodPost, s.cfg.LogoutPath, nil, nil)

	s.mu.Lock()
	s.session = Connection{}
	s.mu.Unlock()

	if core.KindOf(err) == core.KindSessionExpired {
		return nil
	}
	return err
}

// Ping verifies the session is still accepted.
func (s *HTTPService) Ping(ctx context.Context) error {
	return s.do(ctx, "remote.ping", PhaseOperation, http.MethodGet, s.cfg.PingPath, nil, nil)
}

// Invoke performs a GET against the path mapped to endpoint and returns the raw JSON body.
func (s *HTTPService) Invoke(ctx context.Context, endpoint string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := s.GetJSON(ctx, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJSON fetches endpoint with query parameters and decodes the response into out.
func (s *HTTPService) GetJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	path := s.pathFor(endpoint)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return s.do(ctx, endpoint, PhaseOperation, http.MethodGet, path, nil, out)
}

// PostJSON sends body to endpoint and decodes the response into out.
func (s *HTTPService) PostJSON(ctx context.Context, endpoint string, body any, out any) error {
	return s.do(ctx, endpoint, PhaseOperation, http.MethodPost, s.pathFor(endpoint), body, out)
}

func (s *HTTPService) pathFor(endpoint string) string {
	if path, ok := s.cfg.Endpoints[endpoint]; ok {
		return path
	}
	return "/" + strings.ReplaceAll(strings.Trim(endpoint, "."), ".", "/")
}

func (s *HTTPService) do(ctx context.Context, op string, phase Phase, method, path string, body any, out any) error {
	target, err := url.Parse(strings.TrimRight(s.base.String(), "/") + "/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		return core.WrapError(core.KindInvalidRequest, op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return core.WrapError(core.KindInvalidRequest, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return core.WrapError(core.KindInvalidRequest, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	s.mu.RLock()
	if s.session.SessionID != "" {
		req.Header.Set(s.cfg.SessionHeader, s.session.SessionID)
	}
	s.mu.RUnlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return classifyTransport(ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ClassifyStatus(op, phase, resp, string(data))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		if out != nil {
			return core.NewError(core.KindMalformedResponse, op, "empty response body")
		}
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		if !json.Valid(data) {
			return core.NewError(core.KindMalformedResponse, op, "response is not valid json")
		}
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.WrapError(core.KindMalformedResponse, op, err)
	}
	return nil
}

func classifyTransport(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return core.AsError(op, ctxErr)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return core.WrapError(core.KindTimeout, op, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return core.WrapError(core.KindNetwork, op, err)
	}
	domainErr := core.AsError(op, err)
	if domainErr.Kind == core.KindUnknown {
		domainErr.Kind = core.KindNetwork
	}
	return domainErr
}
