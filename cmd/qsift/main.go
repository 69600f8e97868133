// Command qsift is the real-time spoken-question extraction server.
//
// It captures two PCM audio feeds (the local microphone and the system
// playback), runs them through the configured extraction pipeline, and
// surfaces deduplicated question events over its subscriber API while serving
// /metrics, /healthz, and /readyz over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qsift/qsift/internal/config"
	"github.com/qsift/qsift/internal/detect"
	"github.com/qsift/qsift/internal/health"
	"github.com/qsift/qsift/internal/observe"
	"github.com/qsift/qsift/internal/pipeline"
	"github.com/qsift/qsift/internal/pipeline/directaudio"
	"github.com/qsift/qsift/internal/pipeline/transcribe"
	"github.com/qsift/qsift/internal/question"
	"github.com/qsift/qsift/pkg/audio"
	"github.com/qsift/qsift/pkg/provider/live"
	"github.com/qsift/qsift/pkg/provider/live/gemini"
	"github.com/qsift/qsift/pkg/provider/llm"
	"github.com/qsift/qsift/pkg/provider/llm/anyllm"
	"github.com/qsift/qsift/pkg/provider/llm/openai"
	"github.com/qsift/qsift/pkg/provider/stt"
	"github.com/qsift/qsift/pkg/provider/stt/deepgram"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	pcmPath := flag.String("pcm", "", "optional raw PCM file fed to the pipeline for demonstration (\"-\" for stdin)")
	pcmSource := flag.String("pcm-source", "opponent", "source label for the demo feed: user or opponent")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "qsift: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "qsift: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("qsift starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "qsift",
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

	// ── Backends ──────────────────────────────────────────────────────────────
	backends, err := buildBackends(cfg, metrics)
	if err != nil {
		slog.Error("failed to build pipeline backends", "err", err)
		return 1
	}

	initialMode := pipeline.ModeTranscribe
	if cfg.Pipeline.Mode != "" {
		initialMode, err = pipeline.ParseMode(cfg.Pipeline.Mode)
		if err != nil {
			slog.Error("invalid pipeline mode", "err", err)
			return 1
		}
	}

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch, err := pipeline.New(backends, initialMode, orchestratorOptions(cfg, metrics)...)
	if err != nil {
		slog.Error("failed to build orchestrator", "err", err)
		return 1
	}

	printStartupSummary(cfg, backends)

	if err := orch.Start(ctx); err != nil {
		slog.Error("failed to start pipeline", "err", err)
		return 1
	}

	// ── Question log ──────────────────────────────────────────────────────────
	// The subscriber feed is where a downstream answer generator would attach;
	// here it just mirrors detections to the console.
	events, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go func() {
		for q := range events {
			fmt.Printf("[%s] %s (%.2f, %s)\n", q.Source, q.Text, q.Confidence, q.Provenance)
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := newHTTPServer(cfg.Server.ListenAddr, orch, metrics)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	// ── Demo feeder ───────────────────────────────────────────────────────────
	if *pcmPath != "" {
		src := audio.SourceOpponent
		if *pcmSource == "user" {
			src = audio.SourceUser
		}
		go func() {
			if err := feedPCM(ctx, orch, *pcmPath, src); err != nil {
				slog.Warn("demo feed ended", "err", err)
			}
		}()
	}

	slog.Info("pipeline ready — press Ctrl+C to shut down", "mode", orch.Mode())
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := orch.Stop(); err != nil {
		slog.Error("pipeline stop error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// buildBackends constructs a pipeline backend for every mode whose providers
// are configured. A mode without providers is simply absent from the map; the
// orchestrator rejects switching to it.
func buildBackends(cfg *config.Config, metrics *observe.Metrics) (map[pipeline.Mode]pipeline.Backend, error) {
	backends := make(map[pipeline.Mode]pipeline.Backend)

	if sttProvider, err := buildSTT(cfg.Providers.STT); err != nil {
		return nil, err
	} else if sttProvider != nil {
		llmProvider, err := buildLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, err
		}
		if llmProvider != nil {
			var opts []transcribe.Option
			opts = append(opts, transcribe.WithMetrics(metrics))
			if cfg.Pipeline.Language != "" {
				opts = append(opts, transcribe.WithLanguage(cfg.Pipeline.Language))
			}
			if d := cfg.Pipeline.AccumulatorTimeout(); d > 0 {
				opts = append(opts, transcribe.WithAccumulatorTimeout(d))
			}
			if cfg.Pipeline.EndpointingMs > 0 {
				opts = append(opts, transcribe.WithEndpointing(cfg.Pipeline.EndpointingMs))
			}
			detector := detect.New(llmProvider)
			backends[pipeline.ModeTranscribe] = transcribe.New(sttProvider, detector, opts...)
			slog.Info("backend available", "mode", pipeline.ModeTranscribe,
				"stt", cfg.Providers.STT.Name, "llm", cfg.Providers.LLM.Name)
		}
	}

	if liveProvider, err := buildLive(cfg.Providers.Live); err != nil {
		return nil, err
	} else if liveProvider != nil {
		backends[pipeline.ModeDirectAudio] = directaudio.New(
			liveProvider,
			question.NewValidator(),
			directaudio.WithMetrics(metrics),
		)
		slog.Info("backend available", "mode", pipeline.ModeDirectAudio,
			"live", cfg.Providers.Live.Name)
	}

	if len(backends) == 0 {
		return nil, errors.New("no pipeline backend configured; set providers.stt+providers.llm or providers.live")
	}
	return backends, nil
}

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
}

func buildLive(entry config.ProviderEntry) (live.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "gemini":
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown live provider %q", entry.Name)
	}
}

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	case "anyllm":
		backend := optString(entry.Options, "backend")
		if backend == "" {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
}

// orchestratorOptions translates pipeline tuning values from the config into
// orchestrator options.
func orchestratorOptions(cfg *config.Config, metrics *observe.Metrics) []pipeline.Option {
	opts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if d := cfg.Pipeline.OpenTimeout(); d > 0 {
		opts = append(opts, pipeline.WithOpenTimeout(d))
	}

	var dedupOpts []question.DedupOption
	if d := cfg.Pipeline.DedupWindow(); d > 0 {
		dedupOpts = append(dedupOpts, question.WithWindow(d))
	}
	if cfg.Pipeline.DedupThreshold > 0 {
		dedupOpts = append(dedupOpts, question.WithThreshold(cfg.Pipeline.DedupThreshold))
	}
	if len(dedupOpts) > 0 {
		opts = append(opts, pipeline.WithDedupWindow(question.NewDedupWindow(dedupOpts...)))
	}
	return opts
}

// ── HTTP server ───────────────────────────────────────────────────────────────

func newHTTPServer(addr string, orch *pipeline.Orchestrator, metrics *observe.Metrics) *http.Server {
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	health.New(health.PipelineChecker(orch)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Demo feeder ───────────────────────────────────────────────────────────────

// feedPCM streams a raw 16 kHz s16le mono PCM file into the pipeline at real
// time, one 200 ms frame per tick. Used to demonstrate the pipeline without a
// live capture adapter.
func feedPCM(ctx context.Context, orch *pipeline.Orchestrator, path string, src audio.Source) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open pcm file: %w", err)
		}
		defer f.Close()
		r = f
	}

	frameBytes := audio.SampleRate * 2 * int(audio.ChunkDuration/time.Millisecond) / 1000
	buf := make([]byte, frameBytes)
	ticker := time.NewTicker(audio.ChunkDuration)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			frame := audio.AudioFrame{
				Data:       append([]byte(nil), buf[:n]...),
				Source:     src,
				SampleRate: audio.SampleRate,
				Channels:   audio.Channels,
				Timestamp:  elapsed,
			}
			orch.Feed(frame)
			elapsed += audio.ChunkDuration
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read pcm: %w", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, backends map[pipeline.Mode]pipeline.Backend) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          qsift — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	mode := cfg.Pipeline.Mode
	if mode == "" {
		mode = string(pipeline.ModeTranscribe)
	}
	fmt.Printf("║  Mode            : %-19s ║\n", truncate(mode, 19))
	fmt.Printf("║  Backends        : %-19d ║\n", len(backends))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", truncate(cfg.Server.ListenAddr, 19))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value, 19))
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
