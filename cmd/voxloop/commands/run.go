package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tobwen/voxloop/internal/app"
	"github.com/tobwen/voxloop/internal/config"
	"github.com/tobwen/voxloop/internal/transcript"
)

var (
	micFile  string
	audioOut string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the configured agent and stream until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSession(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&micFile, "mic-file", "", "raw PCM16 file streamed as microphone input")
	runCmd.Flags().StringVar(&audioOut, "audio-out", "", "write agent audio as raw PCM16 to this file")
	rootCmd.AddCommand(runCmd)
}

func runSession(parent context.Context) error {
	// The app does not exist yet when the watcher starts; route reloads
	// through an indirection filled in after construction.
	var (
		appMu   sync.Mutex
		running *app.App
	)
	onChange := func(old, new *config.Config) {
		appMu.Lock()
		a := running
		appMu.Unlock()
		if a != nil {
			a.ApplyConfigChange(old, new)
		}
	}

	watcher, err := config.NewWatcher(configPath, onChange)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", configPath)
		}
		return err
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	applyLogLevel(cfg)

	slog.Info("voxloop starting",
		"config", configPath,
		"url", cfg.Session.URL,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collab, cleanup, err := buildCollaborators(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	application, err := app.New(ctx, cfg, collab, app.WithLogLevelVar(logLevel))
	if err != nil {
		return err
	}
	appMu.Lock()
	running = application
	appMu.Unlock()

	// Typed input becomes user text turns.
	go pumpStdin(ctx, application)

	slog.Info("session ready — press Ctrl+C to hang up")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("hanging up")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildCollaborators assembles the mic source, audio output, amplitude sink
// and transcript printer from flags and config.
func buildCollaborators(cfg *config.Config) (app.Collaborators, func(), error) {
	collab := app.Collaborators{
		Transcripts: printTranscript,
		Amplitude: func(level float64) {
			slog.Debug("amplitude", "level", fmt.Sprintf("%.3f", level))
		},
	}
	var closers []func()

	sink, err := newPacedSink(cfg.Audio.SampleRate, audioOut)
	if err != nil {
		return collab, nil, fmt.Errorf("open audio output: %w", err)
	}
	collab.Output = sink
	closers = append(closers, func() { sink.Close() })

	if micFile != "" {
		mic, err := newFileMicSource(micFile, cfg.Audio.SampleRate)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return collab, nil, fmt.Errorf("open mic file: %w", err)
		}
		collab.Mic = mic
	}

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return collab, cleanup, nil
}

// printTranscript renders transcript entries to stdout: partials as a
// carriage-returned live line, finals as a full line.
func printTranscript(e transcript.Entry) {
	switch {
	case e.Final && e.Role == transcript.RoleUser:
		fmt.Printf("\ryou:   %s\n", e.Text)
	case e.Final:
		fmt.Printf("\ragent: %s\n", e.Text)
	default:
		fmt.Printf("\ragent: %s", e.Text)
	}
}

// pumpStdin reads typed lines and submits them as user text turns.
func pumpStdin(ctx context.Context, application *app.App) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := application.SendText(line); err != nil {
			slog.Warn("text send failed", "err", err)
			return
		}
	}
}
