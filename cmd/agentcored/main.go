// Command agentcored runs tool-using agent conversations: an in-process
// model loop and out-of-process agent subprocesses behind one session
// surface, streaming canonical events to the terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Global flags (persistent across all commands)
var (
	configPath string
	workDir    string
	verbose    bool
)

// Command-specific flags
var (
	agentID      string
	autoApprove  bool
	approveScope string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "agentcored",
	Short: "Agent conversation core",
	Long: `Runs multi-turn tool-using conversations against a configured model or
an external agent binary. Sessions, tool permissions, and streaming
output are handled uniformly regardless of the backend.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agentcore.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", ".", "Working directory for sessions")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger honoring the verbosity flag.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setupContext creates a cancellable context with signal handling.
func setupContext() (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc

	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
		cancel()
		sig = <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived second signal %v, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
