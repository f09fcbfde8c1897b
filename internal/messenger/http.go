package messenger

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// HTTPClient talks to a messaging bridge sidecar over HTTP and receives
// pushed session events over a websocket.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	dialer  websocket.Dialer
}

func NewHTTPClient(baseURL string, rps float64) *HTTPClient {
	if rps <= 0 {
		rps = 5
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type loginRequest struct {
	Credential string       `json:"credential"`
	Options    LoginOptions `json:"options"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
}

type sendRequest struct {
	Text     string `json:"text"`
	ThreadID string `json:"thread_id"`
}

func (c *HTTPClient) Login(ctx context.Context, credential string, opts LoginOptions, done func(Session, error)) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/login", loginRequest{Credential: credential, Options: opts})
	if err != nil {
		done(nil, err)
		return
	}
	go func() {
		var out loginResponse
		if err := c.do(req, &out); err != nil {
			done(nil, fmt.Errorf("login: %w", err))
			return
		}
		if strings.TrimSpace(out.SessionID) == "" {
			done(nil, errors.New("login: bridge returned empty session id"))
			return
		}
		done(newHTTPSession(c, out.SessionID), nil)
	}()
}

func (c *HTTPClient) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("messenger http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) eventsURL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

type httpSession struct {
	client *HTTPClient
	id     string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newHTTPSession(c *HTTPClient, id string) *httpSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpSession{client: c, id: id, ctx: ctx, cancel: cancel, conns: make(map[*websocket.Conn]struct{})}
}

func (s *httpSession) path(suffix string) string {
	return "/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *httpSession) SendMessage(text, threadID string, done func(error)) error {
	req, err := s.client.newJSONRequest(context.Background(), http.MethodPost, s.path("/messages"), sendRequest{Text: text, ThreadID: threadID})
	if err != nil {
		return err
	}
	go func() {
		done(s.client.do(req, nil))
	}()
	return nil
}

func (s *httpSession) GetThreadInfo(threadID string, done func(ThreadInfo, error)) error {
	req, err := s.client.newJSONRequest(context.Background(), http.MethodGet, s.path("/threads/"+url.PathEscape(threadID)), nil)
	if err != nil {
		return err
	}
	go func() {
		var info ThreadInfo
		err := s.client.do(req, &info)
		done(info, err)
	}()
	return nil
}

// Listen subscribes to the session event stream in the background. Dial and
// read failures reach handler once, unless the session was closed first.
func (s *httpSession) Listen(handler func(Event, error)) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	wsURL, err := s.client.eventsURL(s.id)
	if err != nil {
		return fmt.Errorf("events url: %w", err)
	}
	if handler == nil {
		handler = func(Event, error) {}
	}
	go s.readEvents(wsURL, handler)
	return nil
}

func (s *httpSession) readEvents(wsURL string, handler func(Event, error)) {
	conn, resp, err := s.client.dialer.DialContext(s.ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if s.ctx.Err() == nil {
			handler(Event{}, fmt.Errorf("dial events: %w", err))
		}
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	for {
		var evt Event
		if err := conn.ReadJSON(&evt); err != nil {
			if s.ctx.Err() == nil {
				handler(Event{}, err)
			}
			return
		}
		handler(evt, nil)
	}
}

func (s *httpSession) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *httpSession) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Close drops the local event streams. The bridge session stays signed in.
func (s *httpSession) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	return nil
}
