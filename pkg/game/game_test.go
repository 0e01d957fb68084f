package game

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/roleplay/pkg/providers"
	"github.com/dotsetgreg/roleplay/pkg/session"
)

func fixed(i int) func(int) int {
	return func(n int) int { return i % n }
}

func TestNew_PicksFromPair(t *testing.T) {
	g, err := New(DefaultPairs, fixed(1))
	require.NoError(t, err)

	assert.Equal(t, Pair{"保安", "保镖"}, g.Pair())
	assert.Equal(t, "保镖", g.Secret())
	assert.Contains(t, g.Hint(), "保安")
	assert.Contains(t, g.Hint(), "保镖")
	assert.Equal(t, "游戏结束！正确答案是：保镖", g.Reveal())
}

func TestNew_RandomSecretIsCandidate(t *testing.T) {
	for i := 0; i < 20; i++ {
		g, err := New(DefaultPairs, nil)
		require.NoError(t, err)
		assert.Contains(t, g.Pair(), g.Secret())
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New([]Pair{{"小丑", " "}}, fixed(0))
	assert.Error(t, err)
}

func TestSystemPrompt(t *testing.T) {
	g, err := New([]Pair{{"小丑", "人质"}}, fixed(0))
	require.NoError(t, err)

	prompt := g.SystemPrompt()
	assert.Contains(t, prompt, "你的身份是：小丑")
	assert.Contains(t, prompt, `只回复"再见"来结束游戏`)
	assert.NotContains(t, prompt, "%!")
}

func TestPolicy(t *testing.T) {
	g, err := New([]Pair{{"小丑", "人质"}}, fixed(0))
	require.NoError(t, err)
	p := g.Policy()

	assert.True(t, p.UserExit(" 不玩了 "))
	assert.False(t, p.UserExit("再见"))
	assert.True(t, p.RoundEnds("你是小丑吗", "嘿嘿"))
	assert.True(t, p.RoundEnds("你是谁", "再见"))
	assert.False(t, p.RoundEnds("你是人质吗", "我喜欢表演，喜欢让别人笑"))
	assert.False(t, p.RoundEnds("你是谁", "我不能告诉你，再多问几个问题吧，不然就再见了"))
	assert.True(t, g.Guessed("小丑！"))
}

func TestNewSession_GuessEndsGame(t *testing.T) {
	g, err := New([]Pair{{"小丑", "人质"}}, fixed(1))
	require.NoError(t, err)

	calls := 0
	gw := providers.GatewayFunc(func(ctx context.Context, msgs []providers.Message) (string, error) {
		calls++
		if msgs[0].Role != providers.RoleSystem {
			t.Errorf("expected system prompt first")
		}
		return "我现在的处境可不太妙……", nil
	})
	s := g.NewSession(gw)

	round, err := s.Advance(context.Background(), "你在马戏团工作吗")
	require.NoError(t, err)
	assert.False(t, round.ShouldEnd)

	round, err = s.Advance(context.Background(), "你是人质")
	require.NoError(t, err)
	assert.True(t, round.ShouldEnd)
	assert.Equal(t, session.EndPolicy, round.Reason)
	assert.Equal(t, 2, calls)
}
