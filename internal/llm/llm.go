// Package llm holds the streaming language-model clients used by the dialogue engine.
package llm

import (
	"context"
	"errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request is one streamed completion.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Stream yields text deltas. Recv returns io.EOF once the completion is done.
// Close releases the underlying connection. Recv and Close are called from one
// goroutine; cancel the request context to interrupt a blocked Recv.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client is safe for concurrent use by many call sessions.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

var ErrMissingKey = errors.New("llm: api key missing")
