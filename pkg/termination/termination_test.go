package termination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelExit(t *testing.T) {
	d := NewDetector()

	cases := []struct {
		reply string
		want  bool
	}{
		{"再见", true},
		{"再见！", true},
		{"再见!", true},
		{"  再见 ! ", true},
		{"好的，再见", true},
		{"再见，我们以后再聊", false},
		{"我们下次再见面吧朋友", false},
		{"你好呀", false},
		{"", false},
		{"嗯嗯好的再见", false},
		{"拜拜再见", true},
	}
	for _, tc := range cases {
		t.Run(tc.reply, func(t *testing.T) {
			assert.Equal(t, tc.want, d.ModelExit(tc.reply))
		})
	}
}

func TestCleanReply(t *testing.T) {
	assert.Equal(t, "好的再见", CleanReply(" 好的，再见！ "))
	assert.Equal(t, "ab", CleanReply("a, !b"))
}

func TestUserExit(t *testing.T) {
	d := NewDetector()

	assert.True(t, d.UserExit("  退出  "))
	assert.True(t, d.UserExit("exit"))
	assert.True(t, d.UserExit("再见\n"))
	assert.False(t, d.UserExit("我要退出了"))
	assert.False(t, d.UserExit("EXIT"))
	assert.False(t, d.UserExit(""))
}

func TestRoundEnds(t *testing.T) {
	d := NewDetector()

	assert.True(t, d.RoundEnds("你好", "再见!"))
	assert.True(t, d.RoundEnds("quit", "你好"))
	assert.False(t, d.RoundEnds("你好", "你好呀，今天怎么样"))
}

func TestDetectorWithoutToken(t *testing.T) {
	d := &Detector{ExitWords: []string{"bye"}}
	assert.False(t, d.ModelExit(""))
	assert.False(t, d.ModelExit("再见"))
	assert.True(t, d.UserExit("bye"))
}

func TestDefaultExitWordsNotShared(t *testing.T) {
	d := NewDetector()
	d.ExitWords[0] = "changed"
	assert.Equal(t, "再见", DefaultExitWords[0])
}
