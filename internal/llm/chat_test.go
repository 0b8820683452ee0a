package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, s Stream) (string, error) {
	t.Helper()
	defer s.Close()
	var sb strings.Builder
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(d)
	}
}

func TestChatClient_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Stream(ctx, Request{}); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestChatClient_StreamsDeltas(t *testing.T) {
	var got chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":" there."}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient("key", "gpt-test")
	c.BaseURL = srv.URL + "/v1"
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := c.Stream(ctx, Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}, {Role: RoleUser, Content: "hours?"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := collect(t, s)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if text != "Hello there." {
		t.Fatalf("unexpected text %q", text)
	}
	if !got.Stream || got.Model != "gpt-test" || len(got.Messages) != 4 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestChatClient_HTTPFailures(t *testing.T) {
	cases := []struct {
		name       string
		handler    http.HandlerFunc
		streamFail bool
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }, true},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "data: not-json\n\n") }, false},
		{"truncated", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		}, false},
		{"error_event", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model")
			c.HTTPClient = &http.Client{Timeout: 1 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.URL.Scheme = "http"
				req.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(req)
			})}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			s, err := c.Stream(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			if tc.streamFail {
				if err == nil {
					t.Fatalf("expected error; got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("stream: %v", err)
			}
			if _, err := collect(t, s); err == nil {
				t.Fatalf("expected recv error; got nil")
			}
		})
	}
}

func TestChatClient_CancelUnblocksRecv(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewOpenAIClient("key", "m")
	c.BaseURL = srv.URL
	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Stream(ctx, Request{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()
	if d, err := s.Recv(); err != nil || d != "Hi" {
		t.Fatalf("first delta: %q %v", d, err)
	}
	start := time.Now()
	cancel()
	if _, err := s.Recv(); err == nil {
		t.Fatalf("expected error after cancel")
	}
	if d := time.Since(start); d > 300*time.Millisecond {
		t.Fatalf("cancel took %v", d)
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
