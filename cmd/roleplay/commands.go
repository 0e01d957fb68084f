package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/dotsetgreg/roleplay/pkg/chatlog"
	"github.com/dotsetgreg/roleplay/pkg/game"
	"github.com/dotsetgreg/roleplay/pkg/logger"
	"github.com/dotsetgreg/roleplay/pkg/memory"
	"github.com/dotsetgreg/roleplay/pkg/persona"
	"github.com/dotsetgreg/roleplay/pkg/session"
)

type chatOptions struct {
	persona   string
	message   string
	sessionID string
	noLog     bool
}

func chatCmd(ctx context.Context, out io.Writer, opts chatOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateRuntimeConfig(cfg, false); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	deps, err := newRuntime(cfg, !opts.noLog)
	if err != nil {
		return err
	}
	defer deps.Close()

	role := strings.TrimSpace(opts.persona)
	if role == "" {
		role = cfg.Session.DefaultPersona
	}
	speaker := role
	memoryText := ""
	if p, ok := deps.table.Lookup(role); ok {
		role, speaker = p.ID, p.Name
		mem := deps.memory.Load(p.ID)
		memoryText = mem.Text
		if mem.Err == nil && mem.Records > 0 {
			fmt.Fprintf(out, "✓ 已加载 %s 的记忆 (%d 条)\n", p.Name, mem.Records)
		}
	} else {
		fmt.Fprintf(out, "Unknown persona %q, using the neutral persona\n", role)
	}
	prompt := deps.builder.BuildOrDefault(role, memoryText)

	sid := strings.TrimSpace(opts.sessionID)
	if sid == "" {
		sid = uuid.NewString()
	}
	sess := session.New(prompt, deps.gateway, nil,
		session.WithID(sid),
		session.WithHistoryWindow(cfg.Session.HistoryWindow),
	)
	if deps.store != nil {
		if err := deps.store.EnsureSession(ctx, sid, "cli", "local", role); err != nil {
			logger.WarnCF("cli", "Failed to record session", map[string]any{"error": err.Error()})
		}
	}

	if strings.TrimSpace(opts.message) != "" {
		return oneShot(ctx, out, sess, deps.store, role, opts.message)
	}

	fmt.Fprintf(out, "%s Interactive mode - persona: %s (输入\"再见\"退出)\n\n", appName, speaker)
	in := newLineReader(out)
	defer in.Close()
	c := &conversation{sess: sess, in: in, out: out, speaker: speaker, store: deps.store, persona: role}
	return c.run(ctx)
}

func oneShot(ctx context.Context, out io.Writer, sess *session.Session, store *chatlog.SQLiteStore, role, message string) error {
	round, err := sess.Advance(ctx, message)
	if err != nil {
		return err
	}
	if round.Called && store != nil {
		if _, err := store.AppendExchange(ctx, chatlog.Exchange{
			SessionID:        sess.ID(),
			Persona:          role,
			UserMessage:      round.Input,
			AssistantMessage: round.Reply,
		}); err != nil {
			logger.WarnCF("cli", "Failed to append exchange", map[string]any{"error": err.Error()})
		}
	}
	if round.Reply != "" {
		fmt.Fprintln(out, round.Reply)
	}
	if round.ShouldEnd {
		fmt.Fprintln(out, "对话结束")
	}
	return nil
}

func gameCmd(ctx context.Context, out io.Writer, noLog bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateRuntimeConfig(cfg, false); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	deps, err := newRuntime(cfg, !noLog)
	if err != nil {
		return err
	}
	defer deps.Close()

	g, err := game.New(game.DefaultPairs, nil)
	if err != nil {
		return err
	}
	sid := uuid.NewString()
	sess := g.NewSession(deps.gateway,
		session.WithID(sid),
		session.WithHistoryWindow(cfg.Session.HistoryWindow),
	)
	if deps.store != nil {
		if err := deps.store.EnsureSession(ctx, sid, "cli", "game", "game:"+g.Secret()); err != nil {
			logger.WarnCF("cli", "Failed to record session", map[string]any{"error": err.Error()})
		}
	}

	printGameRules(out, g)
	in := newLineReader(out)
	defer in.Close()
	c := &conversation{
		sess:    sess,
		in:      in,
		out:     out,
		store:   deps.store,
		persona: "game:" + g.Secret(),
		onEnd: func(session.Round) {
			fmt.Fprintf(out, "\n%s\n", g.Reveal())
		},
	}
	return c.run(ctx)
}

func printGameRules(out io.Writer, g *game.Game) {
	pair := g.Pair()
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out, "欢迎来到'谁是卧底'游戏！")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out, "\n游戏规则：")
	fmt.Fprintf(out, "我会随机选择一个身份（%s或%s）\n", pair[0], pair[1])
	fmt.Fprintln(out, "你需要通过提问来猜测我的身份")
	fmt.Fprintln(out, "我会通过描述特征来暗示，但不会直接说出答案")
	fmt.Fprintln(out, "当你猜对时，我会说'再见'，游戏结束")
	fmt.Fprintln(out, "输入'退出'可以随时退出游戏")
	fmt.Fprintf(out, "%s\n\n", g.Hint())
}

func personasCmd(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	table, err := persona.LoadTable(cfg.PersonaTablePath())
	if err != nil {
		return fmt.Errorf("load persona table: %w", err)
	}

	fmt.Fprintln(out, "Personas:")
	loader := memory.NewLoader(table.MemoryMap(), cfg.MemoryDir())
	for _, p := range table.List() {
		line := fmt.Sprintf("  %-10s %s", p.ID, p.Name)
		if len(p.Aliases) > 0 {
			line += " (" + strings.Join(p.Aliases, ", ") + ")"
		}
		if p.Memory != "" {
			mark := "✗"
			if _, err := os.Stat(loader.Path(p.ID)); err == nil {
				mark = "✓"
			}
			line += fmt.Sprintf("  memory: %s %s", p.Memory, mark)
		}
		if p.ID == cfg.Session.DefaultPersona {
			line += "  [default]"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func historyCmd(ctx context.Context, out io.Writer, sessionID string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := chatlog.NewSQLiteStore(cfg.ChatLogPath())
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	defer store.Close()

	if strings.TrimSpace(sessionID) == "" {
		sessions, err := store.ListSessions(ctx, limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No conversations recorded.")
			return nil
		}
		for _, s := range sessions {
			ended := "open"
			if s.EndReason != "" {
				ended = s.EndReason
			}
			fmt.Fprintf(out, "%s  %-8s %-10s %3d exchanges  %s  %s\n",
				s.ID, s.Channel, s.Persona, s.Exchanges, s.UpdatedAt.Format("2006-01-02 15:04"), ended)
		}
		return nil
	}

	exchanges, err := store.ListExchanges(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	if len(exchanges) == 0 {
		fmt.Fprintf(out, "No exchanges for session %s.\n", sessionID)
		return nil
	}
	for _, ex := range exchanges {
		fmt.Fprintf(out, "[%s] 用户：%s\n", ex.CreatedAt.Format("2006-01-02 15:04:05"), ex.UserMessage)
		fmt.Fprintf(out, "[%s] %s：%s\n\n", ex.CreatedAt.Format("2006-01-02 15:04:05"), ex.Persona, ex.AssistantMessage)
	}
	return nil
}
