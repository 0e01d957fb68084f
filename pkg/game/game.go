// Package game implements the "who's the spy" guessing game: the model
// secretly plays one of two similar roles and the user asks questions until
// they name it.
package game

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"github.com/dotsetgreg/roleplay/pkg/providers"
	"github.com/dotsetgreg/roleplay/pkg/session"
	"github.com/dotsetgreg/roleplay/pkg/termination"
)

// Pair is two roles close enough that telling them apart takes questions.
type Pair [2]string

var DefaultPairs = []Pair{
	{"小丑", "人质"},
	{"保安", "保镖"},
}

// ExitWords end a game from the user side.
var ExitWords = []string{"退出", "结束", "不玩了", "exit", "quit"}

const promptTemplate = `你正在玩"谁是卧底"游戏。你的身份是：%[1]s
游戏规则：
1. 用户会通过提问来猜测你的身份
2. 你要通过描述自己的特征、感受、处境来暗示，但绝对不能直接说出"%[1]s"这个词
3. 不要直接回答"是"或"否"，而是通过描述特征让用户自己判断
4. 不要说"我不是XX"这种直接否定，而是说"我更像是..."来描述
5. 不要提及其他可能的身份选项
6. 当用户准确说出"%[1]s"这个词时，你只回复"%[2]s"来结束游戏
7. 保持神秘感，让游戏有趣

现在开始游戏，用户会开始提问。保持角色，通过描述特征来暗示，不要直接否定或肯定。`

// Game is one round of the guessing game.
type Game struct {
	pair   Pair
	secret string
	policy *policy
}

// New starts a game on a pair chosen by pick, which returns an index in
// [0, n). A nil pick uses math/rand.
func New(pairs []Pair, pick func(n int) int) (*Game, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("game: no role pairs configured")
	}
	if pick == nil {
		pick = rand.Intn
	}
	pair := pairs[pick(len(pairs))]
	for _, r := range pair {
		if strings.TrimSpace(r) == "" {
			return nil, fmt.Errorf("game: pair %v has an empty role", pair)
		}
	}
	secret := pair[pick(2)]

	base := termination.NewDetector()
	base.ExitWords = slices.Clone(ExitWords)
	g := &Game{pair: pair, secret: secret}
	g.policy = &policy{base: base, guessed: g.Guessed}
	return g, nil
}

func (g *Game) Secret() string { return g.secret }
func (g *Game) Pair() Pair     { return g.pair }

func (g *Game) SystemPrompt() string {
	return fmt.Sprintf(promptTemplate, g.secret, g.policy.base.Token)
}

// Policy ends the game when the user quits, when the model answers with the
// termination token, or when the user's input names the secret role.
func (g *Game) Policy() termination.Policy {
	return g.policy
}

// Hint is shown to the player before the first question.
func (g *Game) Hint() string {
	return fmt.Sprintf("提示：角色可能是 %s 或 %s", g.pair[0], g.pair[1])
}

// Reveal announces the answer once the game is over.
func (g *Game) Reveal() string {
	return "游戏结束！正确答案是：" + g.secret
}

// Guessed reports whether input names the secret role.
func (g *Game) Guessed(input string) bool {
	return strings.Contains(input, g.secret)
}

// NewSession seeds a conversation with the game prompt and policy.
func (g *Game) NewSession(gateway providers.CompletionGateway, opts ...session.Option) *session.Session {
	return session.New(g.SystemPrompt(), gateway, g.policy, opts...)
}

type policy struct {
	base    *termination.Detector
	guessed func(input string) bool
}

func (p *policy) UserExit(input string) bool  { return p.base.UserExit(input) }
func (p *policy) ModelExit(reply string) bool { return p.base.ModelExit(reply) }

func (p *policy) RoundEnds(input, reply string) bool {
	return p.base.RoundEnds(input, reply) || p.guessed(input)
}
