package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rcourtman/vigil/internal/circuit"
)

// seqProvider replays a scripted sequence of responses.
type seqProvider struct {
	replies []string
	errs    []error
	calls   int
	last    *ChatRequest
}

func (s *seqProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	i := s.calls
	s.calls++
	s.last = req
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	reply := ""
	if i < len(s.replies) {
		reply = s.replies[i]
	}
	return &ChatResponse{Content: reply, Model: "seq"}, nil
}

func (s *seqProvider) Name() string { return "seq" }

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"bare object", `{"a":1}`, false},
		{"prose wrapped", `Sure! Here you go: {"a":1} Let me know.`, false},
		{"fenced", "```json\n{\"a\":1}\n```", false},
		{"fenced no lang", "```\n{\"a\":1}\n```", false},
		{"no object", "I cannot answer that.", true},
		{"broken json", `{"a":`, true},
		{"nested braces", `{"outer":{"inner":2}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractJSON(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestStrictJSONPassThrough(t *testing.T) {
	inner := &seqProvider{replies: []string{`{"ok":true}`}}
	p := Chain(inner, WithStrictJSON())

	resp, err := p.Chat(context.Background(), &ChatRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != `{"ok":true}` || inner.calls != 1 {
		t.Fatalf("content=%q calls=%d", resp.Content, inner.calls)
	}
}

func TestStrictJSONRepairRoundTrip(t *testing.T) {
	inner := &seqProvider{replies: []string{"garbage reply", `{"ok":true}`}}
	p := Chain(inner, WithStrictJSON())

	resp, err := p.Chat(context.Background(), &ChatRequest{Prompt: "analyze this"})
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Fatalf("calls = %d, want 2", inner.calls)
	}
	if resp.Content != `{"ok":true}` {
		t.Fatalf("content = %q", resp.Content)
	}
	// The repair prompt includes the malformed reply.
	if inner.last == nil || inner.last.Prompt == "analyze this" {
		t.Fatal("repair request must carry a corrective prompt")
	}
}

func TestStrictJSONSecondFailureFails(t *testing.T) {
	inner := &seqProvider{replies: []string{"garbage", "still garbage"}}
	p := Chain(inner, WithStrictJSON())

	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected failure after failed repair")
	}
	if inner.calls != 2 {
		t.Fatalf("calls = %d, want exactly one repair round-trip", inner.calls)
	}
}

func TestResilienceRetriesTransient(t *testing.T) {
	inner := &seqProvider{
		errs:    []error{errors.New("connection refused"), errors.New("connection refused"), nil},
		replies: []string{"", "", `{"ok":true}`},
	}
	b := circuit.NewBreaker("test", circuit.Config{FailureThreshold: 10})
	p := Chain(inner, WithResilience(b, 3, time.Second))

	resp, err := p.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls != 3 || resp.Content != `{"ok":true}` {
		t.Fatalf("calls=%d content=%q", inner.calls, resp.Content)
	}
}

func TestResilienceDoesNotRetryInvalid(t *testing.T) {
	inner := &seqProvider{errs: []error{errors.New("400 bad request")}}
	b := circuit.NewBreaker("test", circuit.Config{FailureThreshold: 10})
	p := Chain(inner, WithResilience(b, 5, time.Second))

	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("invalid request retried %d times", inner.calls)
	}
}

func TestResilienceDoesNotRetryFatal(t *testing.T) {
	inner := &seqProvider{errs: []error{errors.New("401 unauthorized")}}
	b := circuit.NewBreaker("test", circuit.Config{FailureThreshold: 10})
	p := Chain(inner, WithResilience(b, 5, time.Second))

	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("fatal error retried %d times", inner.calls)
	}
}

func TestResilienceRespectsOpenBreaker(t *testing.T) {
	inner := &seqProvider{replies: []string{`{"ok":true}`}}
	b := circuit.NewBreaker("test", circuit.Config{
		FailureThreshold: 1,
		InitialBackoff:   time.Hour,
	})
	b.RecordFailure(errors.New("down"))
	p := Chain(inner, WithResilience(b, 1, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := p.Chat(ctx, &ChatRequest{}); err == nil {
		t.Fatal("open breaker must fail the call")
	}
	if inner.calls != 0 {
		t.Fatalf("provider reached through open breaker %d times", inner.calls)
	}
}

func TestChainOrder(t *testing.T) {
	// Resilience outside strict-JSON: a transient error is retried before
	// any JSON validation happens.
	inner := &seqProvider{
		errs:    []error{errors.New("timeout"), nil},
		replies: []string{"", `{"ok":true}`},
	}
	b := circuit.NewBreaker("test", circuit.Config{FailureThreshold: 10})
	p := Chain(inner, WithResilience(b, 2, time.Second), WithStrictJSON())

	resp, err := p.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != `{"ok":true}` {
		t.Fatalf("content = %q", resp.Content)
	}
}
