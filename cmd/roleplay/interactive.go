package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/roleplay/pkg/chatlog"
	"github.com/dotsetgreg/roleplay/pkg/logger"
	"github.com/dotsetgreg/roleplay/pkg/session"
)

const userPrompt = "请输入你要说的话："

// lineReader is the interactive input source.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

type readlineReader struct {
	rl *readline.Instance
}

func (r *readlineReader) ReadLine(prompt string) (string, error) {
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

func (r *readlineReader) Close() error { return r.rl.Close() }

type bufioReader struct {
	in  *bufio.Reader
	out io.Writer
}

func (r *bufioReader) ReadLine(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	line, err := r.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *bufioReader) Close() error { return nil }

// newLineReader prefers readline and falls back to plain buffered stdin.
func newLineReader(out io.Writer) lineReader {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          userPrompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".roleplay_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		return &bufioReader{in: bufio.NewReader(os.Stdin), out: out}
	}
	return &readlineReader{rl: rl}
}

// conversation drives one session from a terminal.
type conversation struct {
	sess    *session.Session
	in      lineReader
	out     io.Writer
	speaker string
	// onEnd prints a closing line; defaults to "对话结束".
	onEnd func(round session.Round)
	// store, when set, records every completed exchange.
	store   *chatlog.SQLiteStore
	persona string
}

// run reads lines until the session ends or input is exhausted. A failed
// round asks whether to retry the same input or abort the conversation.
func (c *conversation) run(ctx context.Context) error {
	c.sess.Start()
	for !c.sess.Ended() {
		line, err := c.in.ReadLine(userPrompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.sess.Abort(nil)
				fmt.Fprintln(c.out, "\n对话结束")
				c.markEnded(ctx)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		round, err := c.advance(ctx, line)
		if err != nil {
			c.markEnded(ctx)
			return err
		}
		if round.Reply != "" {
			fmt.Fprintf(c.out, "%s%s\n\n", c.speakerPrefix(), round.Reply)
		}
		if round.ShouldEnd {
			c.end(round)
			c.markEnded(ctx)
			return nil
		}
	}
	return nil
}

// advance runs one round, offering a retry on failure.
func (c *conversation) advance(ctx context.Context, line string) (session.Round, error) {
	for {
		round, err := c.sess.Advance(ctx, line)
		if err == nil {
			if round.Called {
				c.record(ctx, round)
			}
			return round, nil
		}
		fmt.Fprintf(c.out, "发生错误: %v\n", err)

		answer, readErr := c.in.ReadLine("重试? (r=重试 / a=放弃): ")
		if readErr == nil && strings.EqualFold(strings.TrimSpace(answer), "r") {
			continue
		}
		c.sess.Abort(err)
		fmt.Fprintln(c.out, "对话结束")
		return round, fmt.Errorf("conversation aborted: %w", c.sess.LastErr())
	}
}

func (c *conversation) speakerPrefix() string {
	if c.speaker == "" {
		return ""
	}
	return c.speaker + "："
}

func (c *conversation) end(round session.Round) {
	if c.onEnd != nil {
		c.onEnd(round)
		return
	}
	fmt.Fprintln(c.out, "对话结束")
}

func (c *conversation) record(ctx context.Context, round session.Round) {
	if c.store == nil {
		return
	}
	if _, err := c.store.AppendExchange(ctx, chatlog.Exchange{
		SessionID:        c.sess.ID(),
		Persona:          c.persona,
		UserMessage:      round.Input,
		AssistantMessage: round.Reply,
	}); err != nil {
		logger.WarnCF("cli", "Failed to append exchange", map[string]any{"error": err.Error()})
	}
}

func (c *conversation) markEnded(ctx context.Context) {
	if c.store == nil || !c.sess.Ended() {
		return
	}
	if err := c.store.MarkSessionEnded(ctx, c.sess.ID(), string(c.sess.EndReason())); err != nil {
		logger.WarnCF("cli", "Failed to mark session ended", map[string]any{"error": err.Error()})
	}
}
