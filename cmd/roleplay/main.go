// Roleplay - persona-driven conversation runtime
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 Roleplay contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/roleplay/pkg/bus"
	"github.com/dotsetgreg/roleplay/pkg/channels"
	"github.com/dotsetgreg/roleplay/pkg/chatlog"
	"github.com/dotsetgreg/roleplay/pkg/config"
	"github.com/dotsetgreg/roleplay/pkg/director"
	"github.com/dotsetgreg/roleplay/pkg/logger"
	"github.com/dotsetgreg/roleplay/pkg/memory"
	"github.com/dotsetgreg/roleplay/pkg/persona"
	"github.com/dotsetgreg/roleplay/pkg/providers"
	"github.com/dotsetgreg/roleplay/pkg/server"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "roleplay"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	build = buildTime
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("ROLEPLAY_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".roleplay", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func onboard(in io.Reader, out io.Writer, force bool) error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "Config already exists at %s\n", configPath)
		fmt.Fprint(out, "Overwrite? (y/n): ")
		response, readErr := bufio.NewReader(in).ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read input: %w", readErr)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.MkdirAll(cfg.MemoryDir(), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	fmt.Fprintf(out, "%s is ready!\n", appName)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add your Zhipu API key to", configPath)
	fmt.Fprintln(out, "     or export ROLEPLAY_PROVIDERS_ZHIPU_API_KEY")
	fmt.Fprintf(out, "  2. (Optional) Put persona memory files in %s\n", cfg.MemoryDir())
	fmt.Fprintln(out, "  3. Chat locally: roleplay chat --persona grandma")
	fmt.Fprintln(out, "  4. Play a game: roleplay game")
	fmt.Fprintln(out, "  5. Serve the API: roleplay serve")
	return nil
}

func validateRuntimeConfig(cfg *config.Config, requireDiscord bool) error {
	configPath := getConfigPath()
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return fmt.Errorf("%w; config: %s", err, configPath)
	}
	if requireDiscord && strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required in %s or ROLEPLAY_CHANNELS_DISCORD_TOKEN", configPath)
	}
	return nil
}

// runtimeDeps is everything a surface needs to hold conversations.
type runtimeDeps struct {
	cfg     *config.Config
	table   *persona.Table
	builder *persona.Builder
	memory  *memory.Loader
	gateway providers.CompletionGateway
	store   *chatlog.SQLiteStore
}

func (r *runtimeDeps) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
}

// newRuntime wires the persona table, memory loader, provider gateway and,
// when withStore is set, the chat log.
func newRuntime(cfg *config.Config, withStore bool) (*runtimeDeps, error) {
	table, err := persona.LoadTable(cfg.PersonaTablePath())
	if err != nil {
		return nil, fmt.Errorf("load persona table: %w", err)
	}
	gw, err := providers.NewGatewayFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	deps := &runtimeDeps{
		cfg:     cfg,
		table:   table,
		builder: persona.NewBuilder(table),
		memory:  memory.NewLoader(table.MemoryMap(), cfg.MemoryDir()),
		gateway: gw,
	}
	if withStore {
		store, err := chatlog.NewSQLiteStore(cfg.ChatLogPath())
		if err != nil {
			return nil, fmt.Errorf("open chat log: %w", err)
		}
		deps.store = store
	}

	logger.InfoCF("runtime", "Runtime initialized", map[string]any{
		"provider": providers.ActiveProviderName(cfg),
		"model":    gw.Model(),
		"personas": len(table.List()),
		"chat_log": withStore,
	})
	return deps, nil
}

func (r *runtimeDeps) director() *director.Director {
	opts := director.Options{
		DefaultPersona: r.cfg.Session.DefaultPersona,
		HistoryWindow:  r.cfg.Session.HistoryWindow,
	}
	if r.store != nil {
		opts.Store = r.store
	}
	return director.New(r.builder, r.memory, r.gateway, opts)
}

func serveCmd(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateRuntimeConfig(cfg, false); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	deps, err := newRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	srv := server.New(deps.director(), deps.table, deps.store)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.GatewayAddr()) }()
	fmt.Fprintf(out, "✓ API listening on http://%s (WebSocket: /ws/chat)\n", cfg.GatewayAddr())
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigChan:
	}

	fmt.Fprintln(out, "\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WarnCF("server", "Shutdown failed", map[string]any{"error": err.Error()})
	}
	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

func gatewayCmd(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateRuntimeConfig(cfg, true); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	deps, err := newRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	channelManager, err := channels.NewManagerFromConfig(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(channelManager.Names(), ", "))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	d := deps.director()
	go func() {
		if err := d.Run(ctx, msgBus); err != nil {
			logger.ErrorCF("director", "Director stopped", map[string]any{"error": err.Error()})
		}
	}()
	fmt.Fprintf(out, "✓ Gateway started with default persona %q\n", cfg.Session.DefaultPersona)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(out, "\nShutting down...")
	cancel()
	_ = channelManager.StopAll(context.Background())
	fmt.Fprintln(out, "✓ Gateway stopped")
	return nil
}

func statusCmd(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := getConfigPath()

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(out, "Build: %s\n", build)
	}
	fmt.Fprintln(out)

	check := func(label, path, missing string) {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintln(out, label+":", path, "✓")
		} else {
			fmt.Fprintln(out, label+":", path, missing)
		}
	}
	check("Config", configPath, "✗")
	check("Memory dir", cfg.MemoryDir(), "✗")
	check("Chat log", cfg.ChatLogPath(), "not initialized")
	if p := cfg.PersonaTablePath(); p != "" {
		check("Persona table", p, "✗")
	} else {
		fmt.Fprintln(out, "Persona table: built-in")
	}

	status := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "not set"
	}
	provider, providerReady, mode := providers.ProviderCredentialStatus(cfg)
	discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""

	fmt.Fprintf(out, "Provider: %s\n", provider)
	fmt.Fprintf(out, "Model: %s\n", cfg.Session.Model)
	fmt.Fprintf(out, "Default persona: %s\n", cfg.Session.DefaultPersona)
	if providerReady {
		fmt.Fprintf(out, "Provider credentials: ✓ (%s)\n", mode)
	} else {
		fmt.Fprintln(out, "Provider credentials:", status(false))
	}
	fmt.Fprintln(out, "Discord token:", status(discordReady))
	fmt.Fprintln(out, "Gateway ready:", status(providerReady && discordReady))
	return nil
}
