package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tobwen/voxloop/internal/config"
)

var (
	// Global flags.
	configPath string
	verbose    bool

	// logLevel backs the process logger so hot reloads can change
	// verbosity at runtime.
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "voxloop",
	Short: "Duplex streaming client for conversational voice agents",
	Long: `voxloop - a real-time duplex streaming client for voice agents.

It maintains a long-lived websocket session with a remote conversational
agent: captured audio goes up, agent audio plays back gaplessly, user
barge-in interrupts the agent instantly, tool calls are dispatched to
local or MCP-provided capabilities, and the transcript is assembled from
the streamed text channels.

Examples:
  # Run against the endpoint in voxloop.yaml
  voxloop run

  # Stream a recorded PCM16 file as microphone input
  voxloop run --mic-file dialog.pcm --audio-out reply.pcm`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "voxloop.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// applyLogLevel sets the process log level from config, with --verbose
// forcing debug.
func applyLogLevel(cfg *config.Config) {
	if verbose {
		logLevel.Set(slog.LevelDebug)
		return
	}
	logLevel.Set(cfg.Server.LogLevel.Slog())
}
