// Package remote provides a reply.Generator that posts turns to an HTTP
// response service and returns the service body unchanged.
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

	"github.com/MrWong99/voxgate/pkg/provider/reply"
)

const maxResponseBytes = 1 << 20

// Option is a functional option for Generator.
type Option func(*Generator)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) {
		g.client = c
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(g *Generator) {
		g.header.Set(key, value)
	}
}

// Generator implements reply.Generator over HTTP.
type Generator struct {
	endpoint string
	client   *http.Client
	header   http.Header
}

// New creates a Generator posting to endpoint.
func New(endpoint string, opts ...Option) (*Generator, error) {
	if endpoint == "" {
		return nil, errors.New("remote reply: endpoint must not be empty")
	}
	g := &Generator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		header:   http.Header{},
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

var _ reply.Generator = (*Generator)(nil)

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Message      string         `json:"message"`
	InputChannel string         `json:"input_channel"`
	History      []historyEntry `json:"history"`
}

// Generate implements reply.Generator.
func (g *Generator) Generate(ctx context.Context, req reply.Request) ([]byte, error) {
	wire := request{
		Message:      req.Message,
		InputChannel: string(req.InputChannel),
		History:      make([]historyEntry, len(req.History)),
	}
	for i, m := range req.History {
		wire.History[i] = historyEntry{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("remote reply: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote reply: build request: %w", err)
	}
	httpReq.Header = g.header.Clone()
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote reply: post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("remote reply: read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("remote reply: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return raw, nil
}
