package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/roleplay/pkg/logger"
)

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "roleplay",
		Short: "Persona-driven role-play conversations over CLI, HTTP, and Discord",
		Long: strings.TrimSpace(`roleplay runs multi-round role-play conversations with an LLM persona.

Use CLI commands to onboard, chat with a persona, play the who's-the-spy
game, serve the HTTP/WebSocket API, run the Discord gateway, and review the
chat log.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newGameCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newPersonasCommand())
	root.AddCommand(newHistoryCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

func enableDebug(cmd *cobra.Command, debug bool) {
	if !debug {
		return
	}
	logger.SetLevel(logger.DEBUG)
	fmt.Fprintln(cmd.ErrOrStderr(), "🔍 Debug mode enabled")
}

func newOnboardCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.roleplay config and memory directory",
		Long:    "Write a default configuration file and create the persona memory directory.",
		Example: "  roleplay onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.InOrStdin(), cmd.OutOrStdout(), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		opts  chatOptions
		debug bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a persona in the terminal",
		Long:  "Run an interactive role-play session, or send a single message with --message.",
		Example: strings.Join([]string{
			"  roleplay chat",
			"  roleplay chat --persona 姥姥",
			"  roleplay chat --persona clown --message \"讲个笑话\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			enableDebug(cmd, debug)
			return chatCmd(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.persona, "persona", "p", "", "Persona id, name, or alias (default from config)")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Session id recorded in the chat log")
	cmd.Flags().BoolVar(&opts.noLog, "no-log", false, "Do not record the conversation in the chat log")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newGameCommand() *cobra.Command {
	var noLog, debug bool
	cmd := &cobra.Command{
		Use:     "game",
		Short:   "Play the who's-the-spy guessing game",
		Long:    "The model secretly plays one of two similar roles; ask questions until you name it.",
		Example: "  roleplay game",
		RunE: func(cmd *cobra.Command, args []string) error {
			enableDebug(cmd, debug)
			return gameCmd(cmd.Context(), cmd.OutOrStdout(), noLog)
		},
	}
	cmd.Flags().BoolVar(&noLog, "no-log", false, "Do not record the game in the chat log")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newServeCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP and WebSocket chat API",
		Long:    "Serve /api/chat, /api/personas, /api/history and /ws/chat on the configured gateway address.",
		Example: "  roleplay serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			enableDebug(cmd, debug)
			return serveCmd(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newGatewayCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway",
		Long:    "Connect to Discord and hold one role-play session per channel and persona.",
		Example: "  roleplay gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			enableDebug(cmd, debug)
			return gatewayCmd(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newPersonasCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "personas",
		Short:   "List the personas in the persona table",
		Example: "  roleplay personas",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return personasCmd(cmd.OutOrStdout())
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show recorded conversations",
		Long:  "Without arguments, list recent sessions. With a session id, print its exchanges.",
		Example: strings.Join([]string{
			"  roleplay history",
			"  roleplay history 3f0c... --limit 20",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			return historyCmd(cmd.Context(), cmd.OutOrStdout(), sessionID, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum rows to show (0 = default)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show config, storage, and credential readiness",
		Example: "  roleplay status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show version information",
		Example: "  roleplay version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
