// Package remote is the HTTP client of the habit API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/quanta/habitsync/internal/models"
)

// TokenProvider supplies the bearer token attached to every request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// ErrUnreplayable marks a queued mutation that can never be sent as
// recorded, such as a corrupt payload.
var ErrUnreplayable = errors.New("mutation cannot be replayed")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// RemoteError is any failure of a call to the API: a transport error
// (Err set) or a non-2xx status.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Permanent reports a rejection that replaying the same request cannot
// fix.
func (e *RemoteError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// NotFound reports a 404 response.
func (e *RemoteError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// IsPermanent reports whether err is a permanent RemoteError or an
// unreplayable mutation.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrUnreplayable) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.Permanent()
}

// IsNotFound reports whether err is a 404 RemoteError.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.NotFound()
}

// Client talks to the REST API rooted at baseURL, e.g.
// "https://habits.example.com/api".
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
}

// New returns a client. A nil httpClient uses http.DefaultClient and a nil
// tokens sends unauthenticated requests.
func New(baseURL string, httpClient *http.Client, tokens TokenProvider) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
	}
}

// Create sends POST /{kind}/ and returns the server's canonical entity.
func (c *Client) Create(ctx context.Context, e models.Entity) (models.Entity, error) {
	return c.write(ctx, http.MethodPost, "/"+string(e.Kind)+"/", e)
}

// Update sends PUT /{kind}/{id}/ and returns the server's canonical entity.
func (c *Client) Update(ctx context.Context, e models.Entity) (models.Entity, error) {
	return c.write(ctx, http.MethodPut, entityPath(e.Kind, e.ID), e)
}

// Delete sends DELETE /{kind}/{id}/.
func (c *Client) Delete(ctx context.Context, kind models.Kind, id string) error {
	return c.do(ctx, http.MethodDelete, entityPath(kind, id), nil, nil)
}

// Get fetches one entity.
func (c *Client) Get(ctx context.Context, kind models.Kind, id string) (models.Entity, error) {
	var e models.Entity
	if err := c.do(ctx, http.MethodGet, entityPath(kind, id), nil, &e); err != nil {
		return models.Entity{}, err
	}
	e.Kind = kind
	return e, nil
}

// List fetches every entity of kind owned by ownerID.
func (c *Client) List(ctx context.Context, kind models.Kind, ownerID string) ([]models.Entity, error) {
	path := "/" + string(kind) + "/"
	if ownerID != "" {
		path += "?" + url.Values{"user_id": {ownerID}}.Encode()
	}
	var out []models.Entity
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Kind = kind
	}
	return out, nil
}

// Replay sends a queued mutation. It returns the canonical entity for
// creates and updates when the server answered with one.
func (c *Client) Replay(ctx context.Context, m models.Mutation) (*models.Entity, error) {
	if m.Op == models.OpDelete {
		return nil, c.Delete(ctx, m.Kind, m.EntityID)
	}

	var e models.Entity
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			return nil, fmt.Errorf("%w: decode queued payload %d: %v", ErrUnreplayable, m.Seq, err)
		}
	}
	e.Kind = m.Kind
	e.ID = m.EntityID

	var (
		out models.Entity
		err error
	)
	switch m.Op {
	case models.OpCreate:
		out, err = c.Create(ctx, e)
	case models.OpUpdate:
		out, err = c.Update(ctx, e)
	default:
		return nil, fmt.Errorf("%w: replay %d: unknown operation %q", ErrUnreplayable, m.Seq, m.Op)
	}
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// Health reports whether the API answers GET /health/.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/", nil, nil)
}

// Register creates an account and returns its id and bearer token.
func (c *Client) Register(ctx context.Context, login string) (userID, token string, err error) {
	var resp struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/register", map[string]string{"login": login}, &resp); err != nil {
		return "", "", err
	}
	return resp.UserID, resp.Token, nil
}

func (c *Client) write(ctx context.Context, method, path string, e models.Entity) (models.Entity, error) {
	var out models.Entity
	if err := c.do(ctx, method, path, e, &out); err != nil {
		return models.Entity{}, err
	}
	if out.ID != "" {
		out.Kind = e.Kind
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	fail := func(err error) error {
		return &RemoteError{Method: method, Path: path, Err: err}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fail(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fail(fmt.Errorf("load token: %w", err))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &RemoteError{Method: method, Path: path, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("invalid response: %w", err)}
	}
	return nil
}

func entityPath(kind models.Kind, id string) string {
	return "/" + string(kind) + "/" + url.PathEscape(id) + "/"
}
