package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CivicNotice/internal/errors"
)

func TestPersonaSystemPrompt(t *testing.T) {
	p := Persona{Role: "Public Notice Generator", Goal: "Write notices", Backstory: "Seasoned clerk."}
	prompt := p.SystemPrompt()

	assert.Contains(t, prompt, "You are Public Notice Generator.")
	assert.Contains(t, prompt, "Your personal goal is: Write notices")
	assert.Contains(t, prompt, "Seasoned clerk.")
	assert.Contains(t, prompt, "do not hand it off")

	p.AllowDelegation = true
	assert.NotContains(t, p.SystemPrompt(), "do not hand it off")
}

func TestEchoClientReturnsPrompt(t *testing.T) {
	resp, err := EchoClient{}.Complete(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
}

func newTestRetry(next Client, attempts int) *RetryClient {
	c := NewRetryClient(next, RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond}).(*RetryClient)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestRetryClientRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	next := ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("503 unavailable")
		}
		return &Response{Text: "ok"}, nil
	})

	resp, err := newTestRetry(next, 3).Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, calls)
}

func TestRetryClientReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	next := ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, errors.New("still down")
	})

	_, err := newTestRetry(next, 2).Complete(context.Background(), Request{})
	require.EqualError(t, err, "still down")
	assert.Equal(t, 2, calls)
}

func TestRetryClientSkipsNonRetryableErrors(t *testing.T) {
	calls := 0
	next := ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bad api key")
	})

	_, err := newTestRetry(next, 5).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryClientStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	next := ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		cancel()
		return nil, ctx.Err()
	})

	_, err := newTestRetry(next, 5).Complete(ctx, Request{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewRetryClientWithoutRetriesReturnsNext(t *testing.T) {
	next := EchoClient{}
	assert.Equal(t, Client(next), NewRetryClient(next, RetryPolicy{MaxAttempts: 1}))
}
