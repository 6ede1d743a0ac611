package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newApp().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func processGlobalFlags(cmd *cobra.Command) error {
	var level slog.Level
	l, _ := cmd.Flags().GetString("log-level")
	if err := level.UnmarshalText([]byte(l)); err != nil {
		return fmt.Errorf("unsupported log-level: %q", l)
	}

	opts := &slog.HandlerOptions{Level: level}
	logFormat, _ := cmd.Flags().GetString("log-format")
	switch logFormat {
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("unsupported log-format: %q", logFormat)
	}
	return nil
}

func newApp() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sockyard",
		Short: "Drive TCP, TLS and UDP sockets from the command line",
		Example: `  Run an echo server:
  $ sockyard listen 127.0.0.1:7000

  Talk to it:
  $ sockyard connect 127.0.0.1:7000 hello

  Listen on a multicast group:
  $ sockyard udp 0.0.0.0:5353 --group 224.0.0.251

  Every flag can also be set with a SOCKYARD_* variable, e.g.
  SOCKYARD_LOG_LEVEL=debug.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Set the logging level [debug, info, warn, error]")
	rootCmd.PersistentFlags().String("log-format", "text", "Set the logging format [text, json]")
	rootCmd.PersistentFlags().String("env-file", "", "Load SOCKYARD_* variables from this file instead of .env")
	rootCmd.PersistentFlags().Bool("wire", false, "Write events to stdout as length-prefixed protobuf frames")
	rootCmd.PersistentFlags().Int("high-water-mark", 0, "Maximum number of events held per socket (0 means the library default)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := loadEnv(cmd); err != nil {
			return err
		}
		return processGlobalFlags(cmd)
	}

	rootCmd.AddCommand(
		newListenCommand(),
		newConnectCommand(),
		newUDPCommand(),
	)
	return rootCmd
}
