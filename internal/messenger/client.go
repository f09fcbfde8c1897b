// Package messenger is the boundary to the external messaging service. Every
// operation completes through a callback that may run on any goroutine, so
// callers are expected to hop back onto their own control flow.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrSessionClosed = errors.New("session closed")

// LoginOptions is forwarded verbatim to the remote login.
type LoginOptions struct {
	LogLevel   string `json:"logLevel"`
	ForceLogin bool   `json:"forceLogin"`
	SelfListen bool   `json:"selfListen"`
}

func DefaultLoginOptions() LoginOptions {
	return LoginOptions{LogLevel: "silent", ForceLogin: true, SelfListen: false}
}

type ThreadInfo struct {
	ID   string `json:"threadID"`
	Name string `json:"name"`
}

// Event is something the remote side pushed to a listening session.
type Event struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadID,omitempty"`
	Body     string `json:"body,omitempty"`
}

// Session is an authenticated handle. There is no logout: a discarded
// session leaves the credential valid for the next login.
type Session interface {
	// SendMessage returns an error only when the call could not be issued at
	// all. Delivery outcome is reported through done.
	SendMessage(text, threadID string, done func(error)) error
	GetThreadInfo(threadID string, done func(ThreadInfo, error)) error
	Listen(handler func(Event, error)) error
	// Close releases local resources such as event streams. It does not sign
	// out of the remote service.
	Close() error
}

type Client interface {
	Login(ctx context.Context, credential string, opts LoginOptions, done func(Session, error))
}

type Config struct {
	Mode    string
	HTTPURL string
	RPS     float64
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "mock"
	}

	switch mode {
	case "mock":
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("messenger HTTP url is required for http mode")
		}
		return NewHTTPClient(cfg.HTTPURL, cfg.RPS), nil
	default:
		return nil, fmt.Errorf("unsupported messenger mode %q", cfg.Mode)
	}
}
