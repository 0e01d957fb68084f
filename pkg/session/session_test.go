package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/roleplay/pkg/providers"
)

// scriptedGateway replies from a fixed list and records every payload.
type scriptedGateway struct {
	replies  []string
	errs     []error
	payloads [][]providers.Message
}

func (g *scriptedGateway) Complete(ctx context.Context, messages []providers.Message) (string, error) {
	i := len(g.payloads)
	g.payloads = append(g.payloads, messages)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return fmt.Sprintf("reply %d", i+1), nil
}

func (g *scriptedGateway) calls() int { return len(g.payloads) }

func TestNew_IdleWithSystemMessage(t *testing.T) {
	s := New("persona", &scriptedGateway{}, nil)

	assert.Equal(t, StateIdle, s.State())
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, providers.RoleSystem, s.Messages()[0].Role)
	assert.Equal(t, "persona", s.SystemPrompt())

	s.Start()
	assert.Equal(t, StateAwaitingUserInput, s.State())
}

func TestNew_NoSystemPrompt(t *testing.T) {
	gw := &scriptedGateway{}
	s := New("  ", gw, nil)
	assert.Empty(t, s.Messages())

	_, err := s.Advance(context.Background(), "你好")
	require.NoError(t, err)
	assert.Equal(t, providers.RoleUser, gw.payloads[0][0].Role)
}

func TestAdvance_OrderingOverRounds(t *testing.T) {
	gw := &scriptedGateway{}
	s := New("sys", gw, nil)

	const n = 4
	for i := 1; i <= n; i++ {
		round, err := s.Advance(context.Background(), fmt.Sprintf("问题%d", i))
		require.NoError(t, err)
		assert.False(t, round.ShouldEnd)
		assert.True(t, round.Called)
	}

	msgs := s.Messages()
	require.Len(t, msgs, 1+2*n)
	assert.Equal(t, providers.RoleSystem, msgs[0].Role)
	for i := 1; i <= n; i++ {
		user, assistant := msgs[2*i-1], msgs[2*i]
		assert.Equal(t, providers.Message{Role: providers.RoleUser, Content: fmt.Sprintf("问题%d", i)}, user)
		assert.Equal(t, providers.Message{Role: providers.RoleAssistant, Content: fmt.Sprintf("reply %d", i)}, assistant)
	}
	assert.Equal(t, n, s.Rounds())
	assert.Equal(t, n, gw.calls())

	// the system message is sent first and exactly once
	last := gw.payloads[n-1]
	assert.Equal(t, providers.RoleSystem, last[0].Role)
	for _, m := range last[1:] {
		assert.NotEqual(t, providers.RoleSystem, m.Role)
	}
}

func TestAdvance_UserExitSkipsGateway(t *testing.T) {
	gw := &scriptedGateway{}
	s := New("sys", gw, nil)

	_, err := s.Advance(context.Background(), "你好")
	require.NoError(t, err)

	round, err := s.Advance(context.Background(), "再见")
	require.NoError(t, err)
	assert.True(t, round.ShouldEnd)
	assert.False(t, round.Called)
	assert.Equal(t, EndUserExit, round.Reason)
	assert.Equal(t, 1, gw.calls())
	assert.True(t, s.Ended())
	assert.Len(t, s.Messages(), 3)
}

func TestAdvance_PaddedExitWord(t *testing.T) {
	gw := &scriptedGateway{}
	s := New("sys", gw, nil)

	round, err := s.Advance(context.Background(), "  退出  ")
	require.NoError(t, err)
	assert.True(t, round.ShouldEnd)
	assert.Zero(t, gw.calls())
	assert.Equal(t, EndUserExit, s.EndReason())
}

func TestAdvance_ModelSignalsEnd(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"再见!"}}
	s := New("sys", gw, nil)

	round, err := s.Advance(context.Background(), "我要走了")
	require.NoError(t, err)
	assert.True(t, round.ShouldEnd)
	assert.Equal(t, EndModelSignaled, round.Reason)
	assert.Equal(t, "再见!", round.Reply)
	assert.True(t, s.Ended())
	assert.Len(t, s.Messages(), 3)

	_, err = s.Advance(context.Background(), "还在吗")
	assert.ErrorIs(t, err, ErrEnded)
	assert.Equal(t, 1, gw.calls())
}

func TestAdvance_MentionDoesNotEnd(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"再见，我们以后再聊"}}
	s := New("sys", gw, nil)

	round, err := s.Advance(context.Background(), "拜拜")
	require.NoError(t, err)
	assert.False(t, round.ShouldEnd)
	assert.False(t, s.Ended())
}

func TestAdvance_EmptyInputRejected(t *testing.T) {
	gw := &scriptedGateway{}
	s := New("sys", gw, nil)

	for _, in := range []string{"", "   ", "\n\t"} {
		_, err := s.Advance(context.Background(), in)
		assert.ErrorIs(t, err, ErrEmptyInput)
	}
	assert.Zero(t, gw.calls())
	assert.Len(t, s.Messages(), 1)
	assert.Equal(t, StateAwaitingUserInput, s.State())
}

func TestAdvance_GatewayFailureRollsBack(t *testing.T) {
	gwErr := &providers.GatewayError{Provider: "zhipu", Status: 500, Body: "overloaded"}
	gw := &scriptedGateway{errs: []error{nil, gwErr}}
	s := New("sys", gw, nil)

	_, err := s.Advance(context.Background(), "第一句")
	require.NoError(t, err)
	before := s.Messages()

	round, err := s.Advance(context.Background(), "第二句")
	require.Error(t, err)
	var target *providers.GatewayError
	assert.True(t, errors.As(err, &target))
	assert.True(t, round.Called)
	assert.Equal(t, before, s.Messages())
	assert.Equal(t, StateAwaitingUserInput, s.State())
	assert.EqualError(t, err, "complete round 2: "+gwErr.Error())
	assert.ErrorIs(t, s.LastErr(), gwErr)

	// manual retry of the same input succeeds
	round, err = s.Advance(context.Background(), "第二句")
	require.NoError(t, err)
	assert.Equal(t, "reply 3", round.Reply)
	assert.Len(t, s.Messages(), 5)
	assert.NoError(t, s.LastErr())
}

func TestAdvance_EmptyReplyRollsBack(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"   "}}
	s := New("sys", gw, nil)

	_, err := s.Advance(context.Background(), "你好")
	assert.ErrorIs(t, err, providers.ErrEmptyCompletion)
	assert.Len(t, s.Messages(), 1)
}

func TestAdvance_CancelledContextRollsBack(t *testing.T) {
	gw := providers.GatewayFunc(func(ctx context.Context, _ []providers.Message) (string, error) {
		<-ctx.Done()
		return "", &providers.TransportError{Provider: "zhipu", Op: "send request", Err: ctx.Err()}
	})
	s := New("sys", gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Advance(ctx, "你好")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, s.Messages(), 1)
	assert.False(t, s.Ended())
}

func TestAbort(t *testing.T) {
	s := New("sys", &scriptedGateway{}, nil)
	cause := errors.New("network down")

	s.Abort(cause)
	assert.True(t, s.Ended())
	assert.Equal(t, EndAborted, s.EndReason())
	assert.Equal(t, cause, s.LastErr())

	s.Abort(errors.New("second"))
	assert.Equal(t, cause, s.LastErr())
}

func TestPayload_HistoryWindow(t *testing.T) {
	gw := &scriptedGateway{}
	s := New("sys", gw, nil, WithHistoryWindow(3), WithID("abc"))
	assert.Equal(t, "abc", s.ID())

	for i := 0; i < 3; i++ {
		_, err := s.Advance(context.Background(), fmt.Sprintf("u%d", i))
		require.NoError(t, err)
	}

	// third request: sys + last 3 of [u0 a0 u1 a1 u2]
	third := gw.payloads[2]
	require.Len(t, third, 4)
	assert.Equal(t, "sys", third[0].Content)
	assert.Equal(t, []string{"u1", "reply 2", "u2"}, []string{third[1].Content, third[2].Content, third[3].Content})
	assert.Len(t, s.Messages(), 7)
}

func TestMessages_ReturnsCopy(t *testing.T) {
	s := New("sys", &scriptedGateway{}, nil)
	msgs := s.Messages()
	msgs[0].Content = "mutated"
	assert.Equal(t, "sys", s.SystemPrompt())
}

type reentrantGateway struct {
	s   *Session
	err error
}

func (g *reentrantGateway) Complete(ctx context.Context, _ []providers.Message) (string, error) {
	_, g.err = g.s.Advance(ctx, "nested")
	return "ok", nil
}

func TestAdvance_RejectsReentry(t *testing.T) {
	gw := &reentrantGateway{}
	s := New("sys", gw, nil)
	gw.s = s

	_, err := s.Advance(context.Background(), "outer")
	require.NoError(t, err)
	assert.ErrorIs(t, gw.err, ErrRoundInProgress)
	assert.Len(t, s.Messages(), 3)
}

type guessPolicy struct{}

func (guessPolicy) UserExit(string) bool            { return false }
func (guessPolicy) ModelExit(string) bool           { return false }
func (guessPolicy) RoundEnds(input, _ string) bool { return input == "答案" }

func TestAdvance_PolicyEnd(t *testing.T) {
	s := New("sys", &scriptedGateway{}, guessPolicy{})

	round, err := s.Advance(context.Background(), "答案")
	require.NoError(t, err)
	assert.True(t, round.ShouldEnd)
	assert.Equal(t, EndPolicy, round.Reason)
	assert.Len(t, s.Messages(), 3)
}
