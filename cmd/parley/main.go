// Command parley is the main entry point for the Parley voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/asr"
	"github.com/MrWong99/parley/pkg/chat"
	"github.com/MrWong99/parley/pkg/chat/anyllm"
	"github.com/MrWong99/parley/pkg/chat/openai"
	"github.com/MrWong99/parley/pkg/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration (with hot reload) ──────────────────────────────────
	logLevel := &slog.LevelVar{}
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Compare(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.ServerChanged {
			slog.Warn("server.listen_addr/tls changed; restart required to apply")
		}
		if d.ASRChanged || d.LLMChanged || d.TTSChanged || d.SessionChanged {
			slog.Info("provider configuration reloaded; applies to new sessions")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parley",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Websocket endpoint ────────────────────────────────────────────────────
	agent, err := server.New(
		func(ctx context.Context) (server.Conversation, error) {
			return newConversation(watcher.Current(), metrics)
		},
		server.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to create websocket handler", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Routes ────────────────────────────────────────────────────────────────
	// The websocket route bypasses the HTTP middleware so the upgrade can
	// hijack the connection.
	httpMux := http.NewServeMux()
	healthHandler := health.New(
		health.HTTPChecker("tts", nil, cfg.TTS.URL),
	)
	healthHandler.Register(httpMux)
	httpMux.Handle("GET /metrics", promhttp.Handler())

	mux := http.NewServeMux()
	agent.Register(mux)
	mux.Handle("/", observe.Middleware(metrics)(httpMux))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if cfg.Server.TLS != nil {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Per-connection wiring ─────────────────────────────────────────────────────

// newConversation builds the ASR, chat, and TTS clients for one websocket
// connection and composes them into a session. Reading the config here means
// reloads apply to every session opened afterwards.
func newConversation(cfg *config.Config, metrics *observe.Metrics) (server.Conversation, error) {
	var asrOpts []asr.Option
	asrOpts = append(asrOpts,
		asr.WithSampleRate(cfg.ASR.SampleRate),
		asr.WithChannels(cfg.ASR.Channels),
	)
	if cfg.ASR.APIKey != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+cfg.ASR.APIKey)
		asrOpts = append(asrOpts, asr.WithHeader(h))
	}
	transcriber, err := asr.New(cfg.ASR.URL, asrOpts...)
	if err != nil {
		return nil, fmt.Errorf("asr client: %w", err)
	}

	backend, err := newStreamer(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm backend: %w", err)
	}
	var chatOpts []chat.Option
	if cfg.LLM.SystemPrompt != "" {
		chatOpts = append(chatOpts, chat.WithSystemPrompt(cfg.LLM.SystemPrompt))
	}
	if cfg.LLM.Temperature != 0 {
		chatOpts = append(chatOpts, chat.WithTemperature(cfg.LLM.Temperature))
	}
	if cfg.LLM.TopP != 0 {
		chatOpts = append(chatOpts, chat.WithTopP(cfg.LLM.TopP))
	}
	if cfg.LLM.MaxTokens != 0 {
		chatOpts = append(chatOpts, chat.WithMaxTokens(cfg.LLM.MaxTokens))
	}
	streamer, err := chat.New(backend, chatOpts...)
	if err != nil {
		return nil, fmt.Errorf("chat client: %w", err)
	}

	synth, err := tts.New(cfg.TTS.URL, cfg.TTS.Authorization,
		tts.WithModelID(cfg.TTS.ModelID),
		tts.WithVoiceID(cfg.TTS.VoiceID),
		tts.WithSampleRate(cfg.TTS.SampleRate),
		tts.WithTemperature(cfg.TTS.Temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("tts client: %w", err)
	}

	return session.New(transcriber, streamer, synth,
		session.WithMaxHistory(cfg.Session.MaxHistory),
		session.WithCharBudget(cfg.Session.CharBudget),
		session.WithMetrics(metrics),
	)
}

// newStreamer selects the chat backend: the official SDK for OpenAI, the
// any-llm bridge for everything else.
func newStreamer(cfg config.LLMConfig) (chat.Streamer, error) {
	if cfg.Provider == config.ProviderOpenAI {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, cfg.Model, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	return anyllm.New(string(cfg.Provider), cfg.Model, opts...)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", string(cfg.LLM.Provider)+" / "+cfg.LLM.Model)
	printRow("ASR", cfg.ASR.URL)
	printRow("TTS", cfg.TTS.ModelID+" / "+cfg.TTS.VoiceID)
	printRow("History", fmt.Sprintf("%d messages", cfg.Session.MaxHistory))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
