package messenger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrEmptyCredential = errors.New("empty credential")

// SentMessage is one send recorded by MockClient.
type SentMessage struct {
	ThreadID string
	Text     string
}

// MockClient accepts any non-empty credential and records every send. It is
// the local default when no messaging bridge is configured.
type MockClient struct {
	mu     sync.Mutex
	logins int
	closed int
	sent   []SentMessage
}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Login(ctx context.Context, credential string, _ LoginOptions, done func(Session, error)) {
	if err := ctx.Err(); err != nil {
		done(nil, err)
		return
	}
	if strings.TrimSpace(credential) == "" {
		done(nil, ErrEmptyCredential)
		return
	}
	c.mu.Lock()
	c.logins++
	c.mu.Unlock()
	done(&mockSession{client: c}, nil)
}

func (c *MockClient) Logins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins
}

// Closed counts sessions released with Close.
func (c *MockClient) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

type mockSession struct {
	client *MockClient
}

func (s *mockSession) SendMessage(text, threadID string, done func(error)) error {
	s.client.mu.Lock()
	s.client.sent = append(s.client.sent, SentMessage{ThreadID: threadID, Text: text})
	s.client.mu.Unlock()
	done(nil)
	return nil
}

func (s *mockSession) GetThreadInfo(threadID string, done func(ThreadInfo, error)) error {
	done(ThreadInfo{ID: threadID, Name: fmt.Sprintf("Thread %s", threadID)}, nil)
	return nil
}

func (s *mockSession) Listen(func(Event, error)) error { return nil }

func (s *mockSession) Close() error {
	s.client.mu.Lock()
	s.client.closed++
	s.client.mu.Unlock()
	return nil
}
