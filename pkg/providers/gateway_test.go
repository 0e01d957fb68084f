package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	calls int
	last  ChatRequest
	resp  *LLMResponse
	err   error
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (*LLMResponse, error) {
	s.calls++
	s.last = req
	return s.resp, s.err
}

func (s *stubProvider) GetDefaultModel() string { return "stub-default" }

func TestProviderGateway_Complete(t *testing.T) {
	p := &stubProvider{resp: &LLMResponse{Content: "  再见!  ", FinishReason: "stop"}}
	gw := NewGateway(p, "glm-4-flash", 256, 0.5)

	reply, err := gw.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "再见!", reply)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, "glm-4-flash", p.last.Model)
	assert.Equal(t, 256, p.last.MaxTokens)
	assert.Equal(t, 0.5, p.last.Temperature)
	assert.Len(t, p.last.Messages, 1)
}

func TestProviderGateway_EmptyReplyIsError(t *testing.T) {
	p := &stubProvider{resp: &LLMResponse{Content: "   "}}
	gw := NewGateway(p, "", 0, 0.5)

	_, err := gw.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
	assert.Equal(t, "stub-default", gw.Model())
}

func TestProviderGateway_PropagatesWithoutRetry(t *testing.T) {
	p := &stubProvider{err: &GatewayError{Provider: ProviderZhipu, Status: 500, Body: "boom"}}
	gw := NewGateway(p, "m", 0, 0.5)

	_, err := gw.Complete(context.Background(), nil)
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, 500, gwErr.Status)
	assert.Equal(t, 1, p.calls)
}

func TestTransportError_Unwraps(t *testing.T) {
	err := &TransportError{Provider: ProviderZhipu, Op: "send request", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "zhipu send request")
}

func TestGatewayFunc(t *testing.T) {
	var gw CompletionGateway = GatewayFunc(func(ctx context.Context, messages []Message) (string, error) {
		return messages[len(messages)-1].Content, nil
	})
	reply, err := gw.Complete(context.Background(), []Message{{Role: RoleUser, Content: "echo"}})
	require.NoError(t, err)
	assert.Equal(t, "echo", reply)
}
