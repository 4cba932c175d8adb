package main

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
	"time"

	"feedgraph/internal/models"
	"feedgraph/internal/server"
	"feedgraph/internal/service"

	"github.com/gorilla/websocket"
)

// apiClient talks to a feedgraph gateway.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

func newAPIClient(rawURL, token string) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", rawURL)
	}
	return &apiClient{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiError is a non-2xx gateway response.
type apiError struct {
	Status int
	models.ErrorResponse
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Status, e.ErrorResponse.Error)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (c *apiClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
			apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) issueToken(ctx context.Context, pub string) (*server.TokenResponse, error) {
	var out server.TokenResponse
	var body any
	if pub != "" {
		body = map[string]string{"pub": pub}
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) publish(ctx context.Context, in service.PublishInput) (*models.Result, error) {
	var out models.Result
	body := map[string]string{"text": in.Text, "media": in.Media, "replyTo": in.ReplyTo}
	if err := c.do(ctx, http.MethodPost, "/api/posts", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) result(ctx context.Context, method, path string) (*models.Result, error) {
	var out models.Result
	if err := c.do(ctx, method, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) posts(ctx context.Context, path string, q url.Values) ([]models.Post, error) {
	var out []models.Post
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) profile(ctx context.Context, pub string) (*models.Profile, error) {
	var out models.Profile
	if err := c.do(ctx, http.MethodGet, "/api/users/"+pub+"/profile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) updateProfile(ctx context.Context, in service.ProfileUpdate) (*models.Profile, error) {
	var out models.Profile
	if err := c.do(ctx, http.MethodPut, "/api/profile", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// tail streams events from a WebSocket feed until ctx ends, the server
// closes the stream or fn returns an error.
func (c *apiClient) tail(ctx context.Context, path string, fn func(server.StreamEvent) error) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + path
	if c.token != "" {
		u.RawQuery = url.Values{"token": {c.token}}.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", path, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", path, err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var ev server.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, errStopTail) {
				return nil
			}
			return err
		}
	}
}

var errStopTail = errors.New("stop tail")
