// Roleplay - persona-driven conversation runtime
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 Roleplay contributors

// Package director multiplexes role-play sessions for shared surfaces. It
// creates a session per conversation on first use, serialises rounds per
// session, records completed exchanges in the chat log, and forgets a
// session once it has ended.
package director

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dotsetgreg/roleplay/pkg/bus"
	"github.com/dotsetgreg/roleplay/pkg/chatlog"
	"github.com/dotsetgreg/roleplay/pkg/logger"
	"github.com/dotsetgreg/roleplay/pkg/memory"
	"github.com/dotsetgreg/roleplay/pkg/persona"
	"github.com/dotsetgreg/roleplay/pkg/providers"
	"github.com/dotsetgreg/roleplay/pkg/session"
)

var (
	// ErrUnknownSession is returned when closing a session that is not active.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionEnded is returned when a client-named session id is reused
	// after its conversation ended.
	ErrSessionEnded = errors.New("session has ended")
)

// Store is the part of the chat log the director writes to.
type Store interface {
	EnsureSession(ctx context.Context, id, channel, chatID, persona string) error
	AppendExchange(ctx context.Context, ex chatlog.Exchange) (chatlog.Exchange, error)
	MarkSessionEnded(ctx context.Context, id, reason string) error
}

type Options struct {
	DefaultPersona string
	HistoryWindow  int
	// Store is optional; without it nothing is logged.
	Store Store
}

// Reply is the outcome of one message sent to a session.
type Reply struct {
	SessionID string            `json:"session_id"`
	Persona   string            `json:"role"`
	Content   string            `json:"response"`
	Ended     bool              `json:"ended"`
	EndReason session.EndReason `json:"end_reason,omitempty"`
	// Fallback is set when the requested persona is unknown and the neutral
	// persona was used instead.
	Fallback bool `json:"fallback,omitempty"`
}

type Director struct {
	builder        *persona.Builder
	memory         *memory.Loader
	gateway        providers.CompletionGateway
	store          Store
	defaultPersona string
	historyWindow  int

	mu       sync.Mutex
	sessions map[string]*entry
	personas map[string]string // chat key -> persona selected with /persona
	ended    map[string]session.EndReason

	running atomic.Bool
}

type entry struct {
	mu      sync.Mutex
	sess    *session.Session
	persona  string
	channel  string
	chatID   string
	fallback bool
	// final marks a session whose id may not be reused once it ends.
	final bool
}

// target describes where a message should go before its session exists.
type target struct {
	key     string
	channel string
	chatID  string
	role    string
	final   bool
}

func New(builder *persona.Builder, loader *memory.Loader, gateway providers.CompletionGateway, opts Options) *Director {
	return &Director{
		builder:        builder,
		memory:         loader,
		gateway:        gateway,
		store:          opts.Store,
		defaultPersona: strings.TrimSpace(opts.DefaultPersona),
		historyWindow:  opts.HistoryWindow,
		sessions:       make(map[string]*entry),
		personas:       make(map[string]string),
		ended:          make(map[string]session.EndReason),
	}
}

// Chat sends message to the session named sessionID, creating it with role
// if it does not exist. An empty sessionID starts a new session. Once a
// session has ended its id is retired and Chat returns ErrSessionEnded.
func (d *Director) Chat(ctx context.Context, sessionID, role, message string) (Reply, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if strings.TrimSpace(role) == "" {
		role = d.defaultPersona
	}
	return d.converse(ctx, target{
		key:     sessionID,
		channel: "http",
		chatID:  sessionID,
		role:    role,
		final:   true,
	}, message)
}

// Close ends an active session as aborted.
func (d *Director) Close(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	e, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	e.mu.Lock()
	e.sess.Abort(nil)
	d.retire(sessionID, e, session.EndAborted)
	e.mu.Unlock()
	d.markEnded(ctx, sessionID, session.EndAborted)
	return nil
}

// Active returns the keys of the sessions currently held, sorted.
func (d *Director) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.sessions))
	for k := range d.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run consumes inbound chat-platform messages until ctx is done or the bus
// is closed, publishing one outbound reply per message.
func (d *Director) Run(ctx context.Context, messageBus *bus.MessageBus) error {
	d.running.Store(true)
	defer d.running.Store(false)

	for {
		msg, ok := messageBus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		out, ok := d.Handle(ctx, msg)
		if !ok {
			continue
		}
		messageBus.PublishOutbound(out)
	}
}

func (d *Director) Running() bool {
	return d.running.Load()
}

// Handle answers one chat-platform message. Commands starting with "/" are
// handled without touching the session.
func (d *Director) Handle(ctx context.Context, msg bus.InboundMessage) (bus.OutboundMessage, bool) {
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID}

	if text, handled := d.handleCommand(ctx, msg); handled {
		out.Content = text
		return out, text != ""
	}

	role := d.personaFor(msg.Channel, msg.ChatID)
	id := Identity{Channel: msg.Channel, ChatID: msg.ChatID, Persona: role}
	if err := id.Validate(); err != nil {
		logger.WarnCF("director", "Dropping message without identity", map[string]any{
			"channel": msg.Channel,
			"error":   err.Error(),
		})
		return out, false
	}

	reply, err := d.converse(ctx, target{
		key:     id.SessionKey(),
		channel: msg.Channel,
		chatID:  msg.ChatID,
		role:    role,
	}, msg.Content)
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return out, false
	case err != nil:
		out.Content = fmt.Sprintf("Error: %v", err)
		return out, true
	}

	out.Content = reply.Content
	out.Ended = reply.Ended
	if out.Content == "" && reply.Ended {
		out.Content = "对话结束"
	}
	return out, true
}

func (d *Director) handleCommand(ctx context.Context, msg bus.InboundMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}
	parts := strings.Fields(content)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/personas":
		var lines []string
		for _, p := range d.builder.Table().List() {
			lines = append(lines, fmt.Sprintf("%s (%s)", p.ID, p.Name))
		}
		return "Personas: " + strings.Join(lines, ", "), true

	case "/persona":
		if len(args) < 1 {
			return fmt.Sprintf("Current persona: %s", d.personaFor(msg.Channel, msg.ChatID)), true
		}
		p, ok := d.builder.Table().Lookup(args[0])
		if !ok {
			return fmt.Sprintf("Unknown persona: %s", args[0]), true
		}
		d.mu.Lock()
		d.personas[chatKey(msg.Channel, msg.ChatID)] = p.ID
		d.mu.Unlock()
		return fmt.Sprintf("Switched persona to %s (%s)", p.ID, p.Name), true

	case "/reset":
		role := d.personaFor(msg.Channel, msg.ChatID)
		key := Identity{Channel: msg.Channel, ChatID: msg.ChatID, Persona: role}.SessionKey()
		if err := d.Close(ctx, key); err != nil {
			return "No active conversation", true
		}
		return "Conversation reset", true
	}
	return "", false
}

func (d *Director) personaFor(channel, chatID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.personas[chatKey(channel, chatID)]; ok {
		return p
	}
	return d.defaultPersona
}

// converse runs one round on the session for t, creating it if needed. A
// failed completion leaves the session open with its transcript unchanged.
func (d *Director) converse(ctx context.Context, t target, message string) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, session.ErrEmptyInput
	}

	e, err := d.lock(ctx, t)
	if err != nil {
		return Reply{SessionID: t.key}, err
	}
	defer e.mu.Unlock()

	reply := Reply{SessionID: t.key, Persona: e.persona, Fallback: e.fallback}
	round, err := e.sess.Advance(ctx, message)
	if err != nil {
		logger.WarnCF("director", "Round failed", map[string]any{
			"session_id": t.key,
			"persona":    e.persona,
			"error":      err.Error(),
		})
		return reply, err
	}

	if round.Called {
		d.appendExchange(ctx, t.key, e.persona, round)
	}
	reply.Content = round.Reply
	if round.ShouldEnd {
		reply.Ended = true
		reply.EndReason = round.Reason
		d.retire(t.key, e, round.Reason)
		d.markEnded(ctx, t.key, round.Reason)
		logger.InfoCF("director", "Session ended", map[string]any{
			"session_id": t.key,
			"reason":     string(round.Reason),
			"rounds":     e.sess.Rounds(),
		})
	}
	return reply, nil
}

// lock returns the live entry for t with its mutex held.
func (d *Director) lock(ctx context.Context, t target) (*entry, error) {
	for {
		e, err := d.entry(ctx, t)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.sess.Ended() {
			return e, nil
		}
		e.mu.Unlock()
		d.forget(t.key, e)
	}
}

func (d *Director) entry(ctx context.Context, t target) (*entry, error) {
	d.mu.Lock()
	if e, ok := d.sessions[t.key]; ok {
		d.mu.Unlock()
		return e, nil
	}
	if reason, ok := d.ended[t.key]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrSessionEnded, t.key, reason)
	}
	d.mu.Unlock()

	e := d.newEntry(t)

	d.mu.Lock()
	if existing, ok := d.sessions[t.key]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	if reason, ok := d.ended[t.key]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrSessionEnded, t.key, reason)
	}
	d.sessions[t.key] = e
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.EnsureSession(ctx, t.key, t.channel, t.chatID, e.persona); err != nil {
			logger.WarnCF("director", "Failed to record session", map[string]any{
				"session_id": t.key,
				"error":      err.Error(),
			})
		}
	}
	logger.InfoCF("director", "Session started", map[string]any{
		"session_id": t.key,
		"persona":    e.persona,
		"fallback":   e.fallback,
	})
	return e, nil
}

func (d *Director) newEntry(t target) *entry {
	role := strings.TrimSpace(t.role)
	fallback := false
	memoryText := ""
	if p, ok := d.builder.Table().Lookup(role); ok {
		role = p.ID
		memoryText = d.memoryText(p.ID)
	} else {
		fallback = true
	}
	prompt := d.builder.BuildOrDefault(role, memoryText)

	sess := session.New(prompt, d.gateway, nil,
		session.WithID(t.key),
		session.WithHistoryWindow(d.historyWindow),
	)
	sess.Start()
	return &entry{
		sess:     sess,
		persona:  role,
		channel:  t.channel,
		chatID:   t.chatID,
		fallback: fallback,
		final:    t.final,
	}
}

func (d *Director) memoryText(roleID string) string {
	if d.memory == nil {
		return ""
	}
	return d.memory.Text(roleID)
}

func (d *Director) forget(key string, e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[key] == e {
		delete(d.sessions, key)
	}
}

// retire forgets an ended session and, for final sessions, blocks its id.
func (d *Director) retire(key string, e *entry, reason session.EndReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[key] == e {
		delete(d.sessions, key)
	}
	if e.final {
		d.ended[key] = reason
	}
}

func (d *Director) appendExchange(ctx context.Context, key, role string, round session.Round) {
	if d.store == nil {
		return
	}
	_, err := d.store.AppendExchange(ctx, chatlog.Exchange{
		SessionID:        key,
		Persona:          role,
		UserMessage:      round.Input,
		AssistantMessage: round.Reply,
	})
	if err != nil {
		logger.WarnCF("director", "Failed to append exchange", map[string]any{
			"session_id": key,
			"error":      err.Error(),
		})
	}
}

func (d *Director) markEnded(ctx context.Context, key string, reason session.EndReason) {
	if d.store == nil {
		return
	}
	if err := d.store.MarkSessionEnded(ctx, key, string(reason)); err != nil {
		logger.WarnCF("director", "Failed to mark session ended", map[string]any{
			"session_id": key,
			"error":      err.Error(),
		})
	}
}
