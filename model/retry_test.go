package model

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestCompleteWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	p := NewMockProvider("flaky").
		FailNext(&ProviderError{Provider: "mock", Err: errors.New("rate limited")}).
		Script(Response{Text: "ok", FinishReason: "stop"})

	resp, err := CompleteWithRetry(context.Background(), p, Request{}, fastRetry(3), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q", resp.Text)
	}
	if p.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2", p.CallCount())
	}
}

func TestCompleteWithRetry_ExhaustionWrapsLastError(t *testing.T) {
	p := NewMockProvider("down")
	for i := 0; i < 3; i++ {
		p.FailNext(errors.New("unreachable"))
	}

	_, err := CompleteWithRetry(context.Background(), p, Request{}, fastRetry(2), nil)
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if !IsProviderError(err) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if p.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2", p.CallCount())
	}
}

func TestCompleteWithRetry_RespectsContextCancellation(t *testing.T) {
	p := NewMockProvider("slow")
	for i := 0; i < 5; i++ {
		p.FailNext(errors.New("unreachable"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CompleteWithRetry(ctx, p, Request{}, fastRetry(5), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestComplete_DiscardsPartialChunks(t *testing.T) {
	p := NewMockProvider("streamer").Script(Response{Text: "hello", FinishReason: "stop"})

	resp, err := Complete(context.Background(), p, Request{Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Partial {
		t.Fatal("final response must not be partial")
	}
	if resp.Text != "hello" {
		t.Fatalf("text = %q", resp.Text)
	}
}
