package main

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

	"github.com/gorilla/websocket"

	"auditbuddy/internal/domain"
)

// apiError is the server's error body.
type apiError struct {
	Code       string `json:"error"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

type client struct {
	base string
	user string
	http *http.Client
}

func newClient(base, user string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		user: user,
		http: &http.Client{Timeout: 6 * time.Minute},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil || ae.Code == "" {
			return resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return resp.StatusCode, &ae
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) submit(ctx context.Context, target string, wait bool, timeout time.Duration) (*domain.Audit, error) {
	path := "/audits"
	if wait {
		q := url.Values{}
		q.Set("wait", "true")
		if timeout > 0 {
			q.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
		}
		path += "?" + q.Encode()
	}
	var a domain.Audit
	if _, err := c.do(ctx, http.MethodPost, path, map[string]string{"url": target}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *client) status(ctx context.Context, id string) (*domain.Audit, error) {
	var a domain.Audit
	if _, err := c.do(ctx, http.MethodGet, "/audits/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *client) cancel(ctx context.Context, id string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/audits/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

func (c *client) rerun(ctx context.Context, id string) (*domain.Audit, error) {
	var a domain.Audit
	if _, err := c.do(ctx, http.MethodPost, "/audits/"+url.PathEscape(id)+"/rerun", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *client) list(ctx context.Context, limit int) ([]*domain.Audit, error) {
	var out struct {
		Audits []*domain.Audit `json:"audits"`
	}
	path := "/audits"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Audits, nil
}

func (c *client) profile(ctx context.Context, name string) (*domain.Profile, error) {
	var p domain.Profile
	if _, err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(name), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// watch streams progress events to fn until the server closes the stream.
func (c *client) watch(ctx context.Context, id string, fn func(domain.ProgressEvent)) error {
	target, err := eventsURL(c.base, id)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.user != "" {
		header.Set("X-User-ID", c.user)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("audit %s not found", id)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		var ev domain.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}

// eventsURL maps the API base URL onto the websocket progress endpoint.
func eventsURL(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/audits/" + url.PathEscape(id) + "/events"
	return u.String(), nil
}
