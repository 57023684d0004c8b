package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestKindRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindNetwork, true},
		{KindTimeout, true},
		{KindRateLimit, true},
		{KindAuth, false},
		{KindFatal, false},
	}
	for _, tc := range cases {
		if got := tc.kind.Retryable(); got != tc.want {
			t.Errorf("%s.Retryable() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestClassify_WrappedError(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("engine: %w", New(KindAuth, "deepgram: open stream", cause))

	c := Classify(err)
	if c.Kind != KindAuth {
		t.Fatalf("kind = %s, want AUTH", c.Kind)
	}
	if c.Retryable {
		t.Fatal("auth errors must not be retryable")
	}
	if !errors.Is(err, cause) {
		t.Fatal("classification must not break the error chain")
	}
}

func TestClassify_RetryAfter(t *testing.T) {
	err := RateLimited("openai: completion", 2*time.Second, errors.New("429"))
	c := Classify(err)
	if c.Kind != KindRateLimit || !c.Retryable {
		t.Fatalf("classification = %+v, want retryable RATE_LIMIT", c)
	}
	if c.RetryAfter != 2*time.Second {
		t.Fatalf("retryAfter = %v, want 2s", c.RetryAfter)
	}
}

func TestClassify_StdlibSentinels(t *testing.T) {
	if c := Classify(context.DeadlineExceeded); c.Kind != KindTimeout {
		t.Fatalf("deadline kind = %s, want TIMEOUT", c.Kind)
	}
	opErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	if c := Classify(opErr); c.Kind != KindNetwork {
		t.Fatalf("net.OpError kind = %s, want NETWORK", c.Kind)
	}
	if c := Classify(errors.New("mystery")); c.Kind != KindTransient || !c.Retryable {
		t.Fatalf("unknown error = %+v, want retryable TRANSIENT", c)
	}
}

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimit},
		{408, KindTimeout},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindFatal},
		{418, KindFatal},
	}
	for _, tc := range cases {
		if got := FromStatus("op", tc.status, nil).Kind; got != tc.want {
			t.Errorf("FromStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}
