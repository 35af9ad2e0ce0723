package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-rider-client/credstore"
	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// StatusSessionExpired is what the order service answers when the access
	// credential has expired. Only bodies carrying CodeExpired are recoverable.
	StatusSessionExpired = 419
	CodeExpired          = "expired"

	PathRefreshToken = "/refreshToken"

	headerRequestID  = "X-Request-ID"
	contentTypeJSON  = "application/json; charset=utf-8"
	maxResponseBytes = 8 << 20
	refreshKey       = "refresh"
)

// Request is one call to the order service, relative to the base URL.
type Request struct {
	Method      string
	Path        string
	Body        any // JSON encoded unless it is already []byte
	ContentType string
	Header      http.Header
}

// Response is a fully read answer from the order service.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
}

// TokenGrant is the payload of a successful refresh.
type TokenGrant struct {
	AccessToken string `json:"accessToken"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the data member of the response envelope into out.
func (r *Response) Decode(out any) error {
	var env envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("decode response: empty data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// Gateway sends every request to the order service. Authenticated requests
// carry the session's access credential and survive its expiry through a
// single-flight refresh-and-retry.
type Gateway struct {
	baseURL      string
	httpClient   *http.Client
	session      *sessions.State
	store        credstore.Store
	logger       zerolog.Logger
	refreshGroup singleflight.Group

	hooksMu    sync.Mutex
	onTeardown []func(error)
}

// Option defines a function type to modify the Gateway instance.
type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.httpClient = &http.Client{Timeout: d}
	}
}

func New(baseURL string, session *sessions.State, store credstore.Store, options ...Option) (*Gateway, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("[NewGateway] baseURL is required")
	}
	if session == nil {
		return nil, fmt.Errorf("[NewGateway] session is required")
	}
	if store == nil {
		return nil, fmt.Errorf("[NewGateway] credential store is required")
	}

	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		session:    session,
		store:      store,
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// OnTeardown registers fn to run after an irrecoverable refresh failure has
// destroyed the session.
func (g *Gateway) OnTeardown(fn func(cause error)) {
	g.hooksMu.Lock()
	defer g.hooksMu.Unlock()
	g.onTeardown = append(g.onTeardown, fn)
}

// Send performs an authenticated request. Errors:
//   - ErrNotAuthenticated when there is no session;
//   - ErrSessionExpired when the session could not be refreshed;
//   - ErrNetwork wrapping transport failures;
//   - *StatusError for every other non-2xx answer, together with the response.
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	tok, generation := g.session.AccessTokenWithGeneration()
	if tok == nil {
		return nil, errors.Wrapf(errors.ErrNotAuthenticated, "%s %s", req.Method, req.Path)
	}

	resp, err := g.do(ctx, req, body, contentType, tok)
	if err != nil {
		return nil, err
	}
	if !isSessionExpired(resp) {
		return resp, statusError(req, resp)
	}

	g.logger.Debug().
		Str("request_id", resp.RequestID).
		Str("path", req.Path).
		Msg("access token expired, refreshing")

	tok, err = g.refresh(ctx, generation)
	if err != nil {
		return nil, err
	}

	resp, err = g.do(ctx, req, body, contentType, tok)
	if err != nil {
		return nil, err
	}
	if isSessionExpired(resp) {
		return nil, errors.Wrapf(errors.ErrSessionExpired, "%s %s rejected the refreshed token", req.Method, req.Path)
	}
	return resp, statusError(req, resp)
}

// Do sends an authenticated request and decodes the data envelope into out.
// A nil out discards the payload.
func (g *Gateway) Do(ctx context.Context, req Request, out any) error {
	resp, err := g.Send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// SendAnonymous performs a request without any credential and without the
// refresh protocol, for endpoints such as login.
func (g *Gateway) SendAnonymous(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.do(ctx, req, body, contentType, nil)
	if err != nil {
		return nil, err
	}
	return resp, statusError(req, resp)
}

// RefreshAccessToken exchanges a refresh credential for a new access
// credential. It does not touch the session.
func (g *Gateway) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	req := Request{Method: http.MethodPost, Path: PathRefreshToken}
	resp, err := g.do(ctx, req, nil, "", &oauth2.Token{AccessToken: refreshToken, TokenType: "Bearer"})
	if err != nil {
		return nil, err
	}
	if err := statusError(req, resp); err != nil {
		return nil, err
	}

	var grant TokenGrant
	if err := resp.Decode(&grant); err != nil {
		return nil, errors.Wrapf(err, "[Gateway RefreshAccessToken]")
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("[Gateway RefreshAccessToken] empty access token")
	}
	return &grant, nil
}

func (g *Gateway) do(ctx context.Context, req Request, body []byte, contentType string, tok *oauth2.Token) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.baseURL+req.Path, reader)
	if err != nil {
		return nil, fmt.Errorf("[Gateway] build %s %s: %w", req.Method, req.Path, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	requestID := uuid.New().String()
	httpReq.Header.Set(headerRequestID, requestID)
	if tok != nil {
		tok.SetAuthHeader(httpReq)
	}

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", errors.ErrNetwork, req.Method, req.Path, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s %s: %w", errors.ErrNetwork, req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %w", errors.ErrNetwork, req.Method, req.Path, err)
	}

	g.logger.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", httpResp.StatusCode).
		Msg("order service response")

	return &Response{
		Status:    httpResp.StatusCode,
		Header:    httpResp.Header,
		Body:      respBody,
		RequestID: requestID,
	}, nil
}

func encodeBody(req Request) ([]byte, string, error) {
	switch b := req.Body.(type) {
	case nil:
		return nil, req.ContentType, nil
	case []byte:
		return b, req.ContentType, nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("[Gateway] encode %s %s body: %w", req.Method, req.Path, err)
		}
		contentType := req.ContentType
		if contentType == "" {
			contentType = contentTypeJSON
		}
		return encoded, contentType, nil
	}
}

func isSessionExpired(resp *Response) bool {
	if resp.Status != StatusSessionExpired {
		return false
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return false
	}
	return env.Code == CodeExpired
}

func statusError(req Request, resp *Response) error {
	if resp.Status < 400 {
		return nil
	}
	se := &StatusError{Method: req.Method, Path: req.Path, Status: resp.Status}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err == nil {
		se.Code = env.Code
		se.Message = env.Message
	}
	return se
}
