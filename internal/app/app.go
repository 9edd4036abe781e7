// Package app wires all voxloop subsystems into a running streaming client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the microphone pump and observability server
// until the context is cancelled, and Shutdown tears everything down in
// order.
//
// External collaborators — the microphone source, the audio output sink,
// the amplitude sink, and the transcript consumer — are injected through
// the [Collaborators] struct; everything else is constructed from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tobwen/voxloop/internal/config"
	"github.com/tobwen/voxloop/internal/health"
	"github.com/tobwen/voxloop/internal/observe"
	"github.com/tobwen/voxloop/internal/session"
	"github.com/tobwen/voxloop/internal/tooldispatch"
	"github.com/tobwen/voxloop/internal/tooldispatch/mcptools"
	"github.com/tobwen/voxloop/internal/transcript"
	"github.com/tobwen/voxloop/internal/turn"
	"github.com/tobwen/voxloop/internal/wire"
	"github.com/tobwen/voxloop/pkg/audio"
	"github.com/tobwen/voxloop/pkg/lipsync"
	"github.com/tobwen/voxloop/pkg/playback"
	"github.com/tobwen/voxloop/pkg/vad"
)

// MicSource delivers captured microphone audio as fixed-size sample
// buffers. The channel closes when the device is closed.
type MicSource interface {
	// Frames is the stream of captured buffers.
	Frames() <-chan []float32

	// Format describes the capture format of the delivered buffers.
	Format() audio.Format

	Close() error
}

// Collaborators are the external interfaces the streaming client consumes
// and produces through. Output is required; Mic, Amplitude and Transcripts
// may be nil when the embedding application does not need them.
type Collaborators struct {
	// Mic is the microphone sample source. Nil disables upstream audio.
	Mic MicSource

	// Output renders decoded agent audio. Play must block until the chunk
	// has been rendered.
	Output playback.Sink

	// Amplitude receives the lip-sync signal. Nil disables the analyzer.
	Amplitude lipsync.Sink

	// Transcripts receives assembled transcript entries.
	Transcripts transcript.Consumer
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects a pre-populated capability registry instead of
// building one from the MCP server config.
func WithRegistry(r *tooldispatch.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetricsProvider skips otel provider initialisation; used by tests
// that install their own reader.
func WithMetricsProvider() Option {
	return func(a *App) { a.skipProvider = true }
}

// WithLogLevelVar hands the App the level var backing the process logger so
// hot reloads can change verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// App owns all subsystem lifetimes for one streaming session.
type App struct {
	cfg    *config.Config
	collab Collaborators

	client      *session.Client
	scheduler   *playback.Scheduler
	analyzer    *lipsync.Analyzer
	coordinator *turn.Coordinator
	dispatcher  *tooldispatch.Dispatcher
	aggregator  *transcript.Aggregator
	registry    *tooldispatch.Registry
	connector   *mcptools.Connector
	gate        *vad.Gate
	converter   *audio.FormatConverter
	metrics     *observe.Metrics
	levelVar    *slog.LevelVar

	skipProvider bool

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once

	// seq numbers enqueued playback chunks.
	mu  sync.Mutex
	seq uint64
}

// New creates an App by wiring all subsystems together. It connects to the
// configured MCP servers and the remote agent session; on return the
// session is connected and ready.
func New(ctx context.Context, cfg *config.Config, collab Collaborators, opts ...Option) (*App, error) {
	if collab.Output == nil {
		return nil, errors.New("app: an audio output sink is required")
	}
	a := &App{cfg: cfg, collab: collab}
	for _, o := range opts {
		o(a)
	}

	if !a.skipProvider {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return nil, fmt.Errorf("app: init metrics provider: %w", err)
		}
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	}
	a.metrics = observe.DefaultMetrics()

	if err := a.initTools(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.initPipeline()

	if err := a.connect(ctx); err != nil {
		a.runClosers()
		return nil, err
	}
	return a, nil
}

// initTools builds the capability registry, importing tools from every
// configured MCP server.
func (a *App) initTools(ctx context.Context) error {
	if a.registry == nil {
		a.registry = tooldispatch.NewRegistry()
	}
	if len(a.cfg.Tools.MCP) == 0 {
		return nil
	}

	a.connector = mcptools.NewConnector()
	a.closers = append(a.closers, a.connector.Close)

	for _, srv := range a.cfg.Tools.MCP {
		err := a.connector.RegisterServer(ctx, mcptools.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}, a.registry)
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	return nil
}

// initPipeline constructs playback, lip-sync, turn coordination, dispatch
// and transcript assembly, in dependency order.
func (a *App) initPipeline() {
	a.scheduler = playback.New(a.collab.Output)
	a.closers = append(a.closers, a.scheduler.Close)

	if a.collab.Amplitude != nil {
		a.analyzer = lipsync.New(a.scheduler, a.collab.Amplitude)
		a.closers = append(a.closers, a.analyzer.Close)
	}

	a.client = session.New(a.sessionConfig())

	a.coordinator = turn.New(a.scheduler, a.client,
		turn.WithCooldown(a.cfg.Turn.Cooldown()))
	a.closers = append(a.closers, a.coordinator.Close)
	a.scheduler.OnDrained(a.coordinator.PlaybackDrained)

	a.dispatcher = tooldispatch.New(a.registry, a.client,
		tooldispatch.WithSeenCapacity(a.cfg.Tools.SeenCapacity),
		tooldispatch.WithExecuteTimeout(a.cfg.Tools.ExecuteTimeout()),
		tooldispatch.WithVoice(a.cfg.Session.Voice))
	a.closers = append(a.closers, a.dispatcher.Close)

	scanner := transcript.NewScanner(a.registry)
	a.aggregator = transcript.New(a.collab.Transcripts,
		transcript.WithScanner(scanner, a.dispatcher))

	a.gate = vad.New(vad.Config{
		SpeechThreshold:  a.cfg.VAD.SpeechThreshold,
		SilenceThreshold: a.cfg.VAD.SilenceThreshold,
		SpeechFrames:     a.cfg.VAD.SpeechFrames,
		SilenceFrames:    a.cfg.VAD.SilenceFrames,
	})
	a.converter = &audio.FormatConverter{
		Target: audio.Format{
			SampleRate: a.cfg.Audio.SampleRate,
			Channels:   1,
		},
	}

	a.client.SetHooks(a.hooks())
}

// sessionConfig assembles the session config, resolving the API key from
// the environment so it never lives in the config file.
func (a *App) sessionConfig() session.Config {
	return session.Config{
		URL:              a.cfg.Session.URL,
		APIKey:           os.Getenv(a.cfg.Session.APIKeyEnv),
		HandshakeTimeout: a.cfg.Session.ConnectTimeout(),
		Params:           a.sessionParams(a.cfg),
	}
}

// sessionParams builds the negotiated parameter block from cfg.
func (a *App) sessionParams(cfg *config.Config) wire.SessionParams {
	return wire.SessionParams{
		Voice:        cfg.Session.Voice,
		Instructions: cfg.Session.Instructions,
		Tools:        a.registry.Schemas(),
		TurnDetection: &wire.TurnDetection{
			Threshold: cfg.Session.TurnThreshold,
			SilenceMs: cfg.Session.TurnSilenceMs,
		},
		InputFormat:  "pcm16",
		OutputFormat: "pcm16",
	}
}

// hooks builds the inbound dispatch table. All hooks run on the session's
// receive goroutine in arrival order; anything slow is handed off.
func (a *App) hooks() session.Hooks {
	return session.Hooks{
		AudioDelta: a.onAudioDelta,
		TextDelta: func(d wire.TextDelta) {
			a.aggregator.OnDelta(transcript.ChannelText, d.Delta)
		},
		TranscriptDelta: func(d wire.TranscriptDelta) {
			a.aggregator.OnDelta(transcript.ChannelAudio, d.Delta)
		},
		SpeechStarted: a.coordinator.SpeechStarted,
		SpeechStopped: a.coordinator.SpeechStopped,
		TranscriptionCompleted: func(t wire.TranscriptionCompleted) {
			a.aggregator.OnUserTranscription(t.Transcript)
		},
		ToolArgsDelta: func(d wire.ToolArgsDelta) {
			a.dispatcher.OnArgumentDelta(d.CallID, d.Delta)
		},
		ToolArgsDone: func(d wire.ToolArgsDone) {
			a.dispatcher.OnArgumentsDone(d.CallID, d.Name, d.Arguments)
		},
		ItemDone: func(d wire.ItemDone) {
			a.dispatcher.OnItemDone(d.Item)
		},
		ResponseDone: func() {
			a.aggregator.Finalize()
			a.dispatcher.TurnFinished()
			a.scheduler.MarkResponseComplete()
		},
		RemoteError: func(e wire.RemoteError) {
			slog.Error("remote agent error", "code", e.Code, "message", e.Message)
		},
		Disconnected: func(err error) {
			slog.Warn("session disconnected", "err", err)
		},
	}
}

// onAudioDelta decodes an inbound audio frame and feeds playback, turn
// coordination, and the per-turn audio flag. Malformed frames are dropped;
// playback continues with the next.
func (a *App) onAudioDelta(d wire.AudioDelta) {
	samples, err := audio.Decode(d.Audio)
	if err != nil {
		a.metrics.DecodeErrors.Add(context.Background(), 1)
		slog.Warn("dropping malformed audio frame", "err", err)
		return
	}

	if !a.coordinator.AgentAudioArrived() {
		slog.Debug("dropping agent audio while user holds the floor")
		return
	}

	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	a.dispatcher.NoteAudioActivity()
	a.scheduler.Enqueue(audio.Chunk{
		Samples:    samples,
		Seq:        seq,
		Source:     audio.SourceRemoteAgent,
		SampleRate: a.cfg.Audio.SampleRate,
	})
	a.metrics.AudioChunksPlayed.Add(context.Background(), 1)
}

// connect opens the session. The receive loop starts before the handshake
// so no early message is missed.
func (a *App) connect(ctx context.Context) error {
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect session: %w", err)
	}
	a.closers = append(a.closers, a.client.Close)
	slog.Info("session connected", "id", a.client.SessionID())
	return nil
}

// SendText submits a user text turn and asks the agent to respond.
func (a *App) SendText(text string) error {
	if err := a.client.SendText(text); err != nil {
		return err
	}
	return a.client.RequestResponse(a.cfg.Session.Voice)
}

// SessionState exposes the connection state for readiness checks.
func (a *App) SessionState() string {
	return string(a.client.State())
}

// ApplyConfigChange applies a hot reload. Session-parameter changes are
// re-negotiated mid-session; changes that need a reconnect are logged and
// deferred to the next start.
func (a *App) ApplyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionParamsChanged {
		if err := a.client.Reconfigure(a.sessionParams(new)); err != nil {
			slog.Warn("mid-session reconfigure failed", "err", err)
		} else {
			slog.Info("session re-negotiated", "voice", new.Session.Voice)
		}
	}
	if d.CooldownChanged {
		// The coordinator's window is fixed at construction; takes effect
		// on restart.
		slog.Info("cooldown change staged for next start", "cooldown_ms", new.Turn.CooldownMs)
	}
	if d.RestartRequired {
		slog.Warn("config change requires restart to take effect")
	}
	a.cfg = new
}

// Run executes the microphone pump and the observability endpoint until ctx
// is cancelled, then returns the context error.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.collab.Mic != nil {
		g.Go(func() error {
			return a.pumpMic(ctx)
		})
	}

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		health.New(health.SessionChecker(a.SessionState)).Register(mux)
		srv := &http.Server{Addr: addr, Handler: mux}

		g.Go(func() error {
			slog.Info("observability endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: observability server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	slog.Info("voxloop running", "tools", len(a.registry.Names()))
	return g.Wait()
}

// pumpMic converts, gates, encodes and transmits captured audio until ctx
// is cancelled or the source closes. Frames are dropped while the gate is
// closed (no speech) or the mic is muted by the cooldown window.
func (a *App) pumpMic(ctx context.Context) error {
	frames := a.collab.Mic.Frames()
	srcFormat := a.collab.Mic.Format()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				slog.Info("microphone source closed")
				return nil
			}
			samples := a.converter.Convert(frame, srcFormat)
			speaking := a.gate.Process(samples)
			if !speaking || !a.coordinator.MicOpen() {
				continue
			}
			if err := a.client.SendAudioFrame(audio.Encode(samples)); err != nil {
				if errors.Is(err, session.ErrNotConnected) {
					return nil
				}
				slog.Warn("audio frame send failed", "err", err)
			}
		}
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.collab.Mic != nil {
			if err := a.collab.Mic.Close(); err != nil {
				slog.Warn("microphone close error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers unwinds partial initialisation when New fails midway.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("cleanup error", "index", i, "err", err)
		}
	}
}
