package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/roleplay/pkg/bus"
)

func TestBaseChannel_IsAllowed(t *testing.T) {
	open := NewBaseChannel("test", bus.NewMessageBus(), nil)
	assert.True(t, open.IsAllowed("anyone"))

	c := NewBaseChannel("test", bus.NewMessageBus(), []string{"123", "@granddaughter", " "})
	assert.True(t, c.IsAllowed("123"))
	assert.True(t, c.IsAllowed("123|someone"))
	assert.True(t, c.IsAllowed("999|granddaughter"))
	assert.False(t, c.IsAllowed("999"))
	assert.False(t, c.IsAllowed("999|stranger"))
}

func TestBaseChannel_HandleMessagePublishes(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := NewBaseChannel("discord", mb, []string{"u1"})

	assert.False(t, c.HandleMessage("u2", "chat", "hi", nil))
	assert.False(t, c.HandleMessage("u1", "chat", "   ", nil))
	require.True(t, c.HandleMessage("u1", "chat", "姥姥好", map[string]string{"is_dm": "true"}))

	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, bus.InboundMessage{
		Channel:  "discord",
		SenderID: "u1",
		ChatID:   "chat",
		Content:  "姥姥好",
		Metadata: map[string]string{"is_dm": "true"},
	}, msg)
}

func TestSplitMessage_Short(t *testing.T) {
	assert.Equal(t, []string{"你好"}, splitMessage("  你好 ", 10))
	assert.Nil(t, splitMessage("   ", 10))
}

func TestSplitMessage_RuneSafe(t *testing.T) {
	content := strings.Repeat("姥", 25)
	chunks := splitMessage(content, 10)

	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, content, strings.Join(chunks, ""))
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	content := "第一行内容比较长的\n第二行"
	chunks := splitMessage(content, 10)

	assert.Equal(t, []string{"第一行内容比较长的", "第二行"}, chunks)
}

func TestSplitMessage_PrefersSpace(t *testing.T) {
	content := "aaaa bbbb cccc dddd"
	chunks := splitMessage(content, 10)

	require.Len(t, chunks, 2)
	assert.Equal(t, "aaaa bbbb", chunks[0])
	assert.Equal(t, "cccc dddd", chunks[1])
}

type fakeChannel struct {
	*BaseChannel
	startErr error
	mu       sync.Mutex
	sent     []bus.OutboundMessage
	stopped  bool
}

func newFakeChannel(name string, mb *bus.MessageBus) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, mb, nil)}
}

func (f *fakeChannel) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.setRunning(true)
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.setRunning(false)
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManager_DispatchesOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	fake := newFakeChannel("fake", mb)

	m := NewManager(mb)
	m.Register(fake)
	require.NoError(t, m.StartAll(context.Background()))

	mb.PublishOutbound(bus.OutboundMessage{Channel: "nowhere", ChatID: "c", Content: "lost"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "fake", ChatID: "c", Content: "再见"})

	require.Eventually(t, func() bool { return fake.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, m.StopAll(context.Background()))
	assert.True(t, fake.stopped)
	assert.False(t, fake.IsRunning())
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	good := newFakeChannel("a-good", mb)
	bad := newFakeChannel("b-bad", mb)
	bad.startErr = errors.New("no token")

	m := NewManager(mb)
	m.Register(good)
	m.Register(bad)

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b-bad")
	assert.True(t, good.stopped)
	assert.Equal(t, []string{"a-good", "b-bad"}, m.Names())
}
