package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiox-platform/kbchat/internal/audit"
	"github.com/aiox-platform/kbchat/internal/config"
	"github.com/aiox-platform/kbchat/internal/kb"
	"github.com/aiox-platform/kbchat/internal/llm"
	inats "github.com/aiox-platform/kbchat/internal/nats"
)

var rootCmd = &cobra.Command{
	Use:           "kbchat",
	Short:         "kbchat - console assistant with a self-maintaining profile and knowledge base",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat (the default command)",
	RunE:  runChat,
}

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Inspect the knowledge base",
}

var kbPeekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Print the article count and the first articles",
	RunE:  runKBPeek,
}

var kbCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of articles",
	RunE:  runKBCount,
}

var kbAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Follow knowledge base changes published over NATS",
	RunE:  runAuditFollow,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the most recent chat messages kept in Redis",
	RunE:  runHistory,
}

var (
	envFile      string
	peekLimit    int
	historyLimit int
	auditDurable string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before the environment")
	kbPeekCmd.Flags().IntVarP(&peekLimit, "limit", "n", 10, "Number of articles to print")
	kbAuditCmd.Flags().StringVar(&auditDurable, "durable", "", "Durable consumer name (empty follows new events only)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of messages to print")

	kbCmd.AddCommand(kbPeekCmd, kbCountCmd, kbAuditCmd)
	rootCmd.AddCommand(chatCmd, kbCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("kbchat failed", "error", err)
		if llm.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	setupLogger(cfg.Log, os.Stderr)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rt, err := a.newChat()
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled() {
		go func() {
			if err := a.newAdminServer(rt.profiles, rt.history).Run(ctx); err != nil {
				slog.Error("admin server stopped", "error", err)
			}
		}()
	}

	runErr := rt.orch.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())

	// On a fatal exit in-flight consolidation is abandoned; otherwise let it finish.
	drain := 2 * time.Minute
	if llm.IsFatal(runErr) || errors.Is(runErr, context.Canceled) {
		drain = time.Second
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := rt.pool.Close(closeCtx); err != nil {
		slog.Warn("background consolidation abandoned", "error", err)
	}
	if err := a.store.Persist(closeCtx); err != nil {
		slog.Warn("final kb persist failed", "error", err)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func runKBPeek(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return printPeek(cmd.Context(), cmd.OutOrStdout(), a.store, peekLimit)
}

func runKBCount(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.Count(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func printPeek(ctx context.Context, w io.Writer, store kb.Store, limit int) error {
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	articles, err := store.Peek(ctx, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d articles\n", n)
	for _, a := range articles {
		fmt.Fprintf(w, "\n--- %s ---\n%s\n", a.ID, a.Text)
	}
	return nil
}

func runAuditFollow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return errors.New("NATS_URL is not set")
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	nc, err := inats.NewClient(ctx, cfg.NATS)
	if err != nil {
		return err
	}
	defer nc.Close()

	follower := audit.NewFollower(inats.NewConsumerManager(nc.JetStream()), auditDurable)
	return follower.Follow(ctx, audit.NewWriterSink(cmd.OutOrStdout()))
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return errors.New("REDIS_ENABLED is not set; the transcript is only kept in chat log files")
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.transcriptStore().Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		speaker := "USER"
		if e.Role == string(llm.RoleAssistant) {
			speaker = "CHATBOT"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", e.Timestamp.Local().Format(time.DateTime), speaker, e.Content)
	}
	return nil
}

func setupLogger(cfg config.LogConfig, w io.Writer) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	// stdout carries the conversation
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}
