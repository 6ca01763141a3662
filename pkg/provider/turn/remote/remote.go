// Package remote provides a turn.Classifier that calls an HTTP end-of-turn
// service.
//
// The service receives {"messages": [{"role", "content"}]} and answers
// {"end_of_turn": bool}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
)

const maxResponseBytes = 64 << 10

// Option is a functional option for Classifier.
type Option func(*Classifier)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Classifier) {
		cl.client = c
	}
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) Option {
	return func(cl *Classifier) {
		cl.header.Set(key, value)
	}
}

// Classifier implements turn.Classifier over HTTP.
type Classifier struct {
	endpoint string
	client   *http.Client
	header   http.Header
}

// New creates a Classifier posting to endpoint.
func New(endpoint string, opts ...Option) (*Classifier, error) {
	if endpoint == "" {
		return nil, errors.New("remote turn: endpoint must not be empty")
	}
	c := &Classifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		header:   http.Header{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

var _ turn.Classifier = (*Classifier)(nil)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Messages []wireMessage `json:"messages"`
}

// EndOfTurn implements turn.Classifier.
func (c *Classifier) EndOfTurn(ctx context.Context, messages []llm.Message) (bool, error) {
	req := request{Messages: make([]wireMessage, len(messages))}
	for i, m := range messages {
		req.Messages[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("remote turn: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("remote turn: build request: %w", err)
	}
	httpReq.Header = c.header.Clone()
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("remote turn: post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("remote turn: read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("remote turn: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return turn.ParseVerdict(raw)
}
