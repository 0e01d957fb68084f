// Package session runs one role-play conversation: it owns the transcript,
// advances it one round at a time through a completion gateway, and decides
// when the conversation is over.
//
// A Session is not safe for concurrent use. Surfaces that share sessions
// between goroutines serialise access themselves.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/roleplay/pkg/providers"
	"github.com/dotsetgreg/roleplay/pkg/termination"
)

var (
	// ErrEmptyInput rejects whitespace-only input. The transcript is untouched.
	ErrEmptyInput = errors.New("empty input")
	// ErrEnded is returned by Advance once the session has ended.
	ErrEnded = errors.New("session has ended")
	// ErrRoundInProgress is returned when Advance is re-entered.
	ErrRoundInProgress = errors.New("round already in progress")
)

type State int

const (
	StateIdle State = iota
	StateAwaitingUserInput
	StateAwaitingCompletion
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndReason records why a session reached StateEnded.
type EndReason string

const (
	EndNone          EndReason = ""
	EndUserExit      EndReason = "user_exit"
	EndModelSignaled EndReason = "model_signaled"
	EndPolicy        EndReason = "policy"
	EndAborted       EndReason = "aborted"
)

// Round is the result of one Advance call.
type Round struct {
	Input     string
	Reply     string
	ShouldEnd bool
	Reason    EndReason
	// Called reports whether the gateway was invoked for this round.
	Called bool
}

type Option func(*Session)

// WithHistoryWindow limits each request to the system message plus the last
// n transcript messages. n <= 0 sends everything. The transcript itself is
// never truncated.
func WithHistoryWindow(n int) Option {
	return func(s *Session) {
		if n < 0 {
			n = 0
		}
		s.historyWindow = n
	}
}

// WithID sets an identifier used by surfaces and logs.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

type Session struct {
	id            string
	gateway       providers.CompletionGateway
	policy        termination.Policy
	transcript    []providers.Message
	state         State
	reason        EndReason
	lastErr       error
	historyWindow int
	rounds        int
}

// New creates an idle session seeded with systemPrompt. An empty prompt
// leaves the transcript without a system message.
func New(systemPrompt string, gateway providers.CompletionGateway, policy termination.Policy, opts ...Option) *Session {
	if policy == nil {
		policy = termination.NewDetector()
	}
	s := &Session{
		gateway: gateway,
		policy:  policy,
		state:   StateIdle,
	}
	if strings.TrimSpace(systemPrompt) != "" {
		s.transcript = append(s.transcript, providers.Message{Role: providers.RoleSystem, Content: systemPrompt})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start moves an idle session to StateAwaitingUserInput.
func (s *Session) Start() {
	if s.state == StateIdle {
		s.state = StateAwaitingUserInput
	}
}

// Advance runs one round. A user exit word ends the session without calling
// the gateway. Otherwise the user message is appended, the gateway is called
// exactly once, and the reply is appended. If the call fails the round is
// rolled back so the transcript holds only complete rounds, and the session
// stays open for the caller to retry or Abort.
func (s *Session) Advance(ctx context.Context, input string) (Round, error) {
	switch s.state {
	case StateEnded:
		return Round{}, ErrEnded
	case StateAwaitingCompletion:
		return Round{}, ErrRoundInProgress
	case StateIdle:
		s.Start()
	}

	if strings.TrimSpace(input) == "" {
		return Round{}, ErrEmptyInput
	}

	round := Round{Input: input}
	if s.policy.UserExit(input) {
		s.end(EndUserExit)
		round.ShouldEnd = true
		round.Reason = EndUserExit
		return round, nil
	}

	mark := len(s.transcript)
	s.transcript = append(s.transcript, providers.Message{Role: providers.RoleUser, Content: input})
	s.state = StateAwaitingCompletion
	round.Called = true

	reply, err := s.gateway.Complete(ctx, s.Payload())
	if err == nil && strings.TrimSpace(reply) == "" {
		err = providers.ErrEmptyCompletion
	}
	if err != nil {
		clear(s.transcript[mark:])
		s.transcript = s.transcript[:mark]
		s.state = StateAwaitingUserInput
		s.lastErr = err
		return round, fmt.Errorf("complete round %d: %w", s.rounds+1, err)
	}

	s.transcript = append(s.transcript, providers.Message{Role: providers.RoleAssistant, Content: reply})
	s.rounds++
	s.lastErr = nil
	s.state = StateAwaitingUserInput
	round.Reply = reply

	if s.policy.RoundEnds(input, reply) {
		reason := EndPolicy
		if s.policy.ModelExit(reply) {
			reason = EndModelSignaled
		}
		s.end(reason)
		round.ShouldEnd = true
		round.Reason = reason
	}
	return round, nil
}

// Abort ends the session after an unrecovered failure.
func (s *Session) Abort(cause error) {
	if s.state == StateEnded {
		return
	}
	if cause != nil {
		s.lastErr = cause
	}
	s.end(EndAborted)
}

func (s *Session) end(reason EndReason) {
	s.state = StateEnded
	s.reason = reason
}

// Payload is the message list sent to the gateway: the system message, if
// any, followed by the transcript limited to the history window.
func (s *Session) Payload() []providers.Message {
	head := 0
	if len(s.transcript) > 0 && s.transcript[0].Role == providers.RoleSystem {
		head = 1
	}
	rest := s.transcript[head:]
	if s.historyWindow > 0 && len(rest) > s.historyWindow {
		rest = rest[len(rest)-s.historyWindow:]
	}
	out := make([]providers.Message, 0, head+len(rest))
	out = append(out, s.transcript[:head]...)
	return append(out, rest...)
}

// Messages returns a copy of the full transcript.
func (s *Session) Messages() []providers.Message {
	return append([]providers.Message(nil), s.transcript...)
}

func (s *Session) SystemPrompt() string {
	if len(s.transcript) > 0 && s.transcript[0].Role == providers.RoleSystem {
		return s.transcript[0].Content
	}
	return ""
}

func (s *Session) ID() string           { return s.id }
func (s *Session) State() State         { return s.state }
func (s *Session) Ended() bool          { return s.state == StateEnded }
func (s *Session) EndReason() EndReason { return s.reason }
func (s *Session) Rounds() int          { return s.rounds }

// LastErr is the error from the most recent failed round, or the Abort cause.
func (s *Session) LastErr() error { return s.lastErr }
