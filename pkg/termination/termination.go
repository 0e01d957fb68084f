// Package termination decides when a role-play conversation has reached its
// natural end. Decisions are purely syntactic: exit words typed by the user,
// or the model answering with the agreed termination token.
package termination

import (
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultToken is the reply the model is instructed to give, verbatim,
	// when the conversation should end.
	DefaultToken = "再见"

	// DefaultMaxShortLen is the rune count under which a reply that merely
	// contains the token still counts as a termination signal.
	DefaultMaxShortLen = 5
)

// DefaultExitWords are the inputs that end a conversation from the user side.
var DefaultExitWords = []string{"再见", "退出", "结束", "bye", "exit", "quit"}

// replyNoise is removed from a reply before it is compared with the token.
var replyNoise = strings.NewReplacer(" ", "", "!", "", "！", "", ",", "", "，", "")

// Policy reports whether a conversation should end. UserExit is consulted
// before the model is called; RoundEnds after a reply arrives. ModelExit
// distinguishes a model signal from other reasons RoundEnds may fire.
type Policy interface {
	UserExit(input string) bool
	ModelExit(reply string) bool
	RoundEnds(input, reply string) bool
}

// Detector is the default Policy.
type Detector struct {
	ExitWords   []string
	Token       string
	MaxShortLen int
}

func NewDetector() *Detector {
	return &Detector{
		ExitWords:   slices.Clone(DefaultExitWords),
		Token:       DefaultToken,
		MaxShortLen: DefaultMaxShortLen,
	}
}

// UserExit reports whether the trimmed input is exactly one of the exit
// words. Substrings never match and comparison is case-sensitive.
func (d *Detector) UserExit(input string) bool {
	return slices.Contains(d.ExitWords, strings.TrimSpace(input))
}

// ModelExit reports whether the model signalled the end of the conversation.
// The reply is cleaned of surrounding whitespace, spaces, and ASCII or
// full-width exclamation marks and commas. It fires when the cleaned reply
// equals the token, or is at most MaxShortLen runes and contains it.
func (d *Detector) ModelExit(reply string) bool {
	if d.Token == "" {
		return false
	}
	cleaned := CleanReply(reply)
	if cleaned == d.Token {
		return true
	}
	return utf8.RuneCountInString(cleaned) <= d.MaxShortLen && strings.Contains(cleaned, d.Token)
}

// RoundEnds evaluates both exit rules for a completed round.
func (d *Detector) RoundEnds(input, reply string) bool {
	return d.UserExit(input) || d.ModelExit(reply)
}

// CleanReply applies the normalisation used by ModelExit.
func CleanReply(reply string) string {
	return replyNoise.Replace(strings.TrimSpace(reply))
}
