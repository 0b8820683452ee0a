package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/call-receptionist/internal/appointment"
	"github.com/chadiek/call-receptionist/internal/call"
	"github.com/chadiek/call-receptionist/internal/config"
	"github.com/chadiek/call-receptionist/internal/httpserver"
	"github.com/chadiek/call-receptionist/internal/infra/storage"
	"github.com/chadiek/call-receptionist/internal/llm"
	"github.com/chadiek/call-receptionist/internal/mediastream"
	"github.com/chadiek/call-receptionist/internal/metrics"
	"github.com/chadiek/call-receptionist/internal/rtc"
	"github.com/chadiek/call-receptionist/internal/telemetry"
	"github.com/chadiek/call-receptionist/internal/telephony"
	"github.com/chadiek/call-receptionist/internal/transcript"
	"github.com/chadiek/call-receptionist/internal/tts"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("call-receptionist", cfg.OTelTracesStdout, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("receptionist")
	deps, closers, err := buildDeps(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	calls := call.NewManager(cfg.Call(), deps)
	tel := buildTelephony(cfg)
	busCfg := cfg.Bus()
	busCfg.Observer = m

	srv := httpserver.New(cfg, httpserver.Deps{
		RTC: rtc.NewHandler(ctx, calls, rtc.HandlerConfig{
			ICEServersJSON: cfg.ICEServersJSON,
			Bus:            busCfg,
			Password:       cfg.RTCAuthPassword,
			Logger:         logger,
		}),
		Media:   mediastream.NewHandler(ctx, calls, tel, busCfg, logger),
		Metrics: m.Handler(),
		Logger:  logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("addr", cfg.Addr()),
			slog.String("model_provider", cfg.ModelProvider),
			slog.String("tts_provider", cfg.TTSProvider),
			slog.String("telephony_provider", cfg.TelephonyProvider),
			slog.String("assemblyai_key", config.Preview(cfg.AssemblyAIKey)))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received", slog.Int("active_calls", calls.Active()))
	}

	// ctx is canceled now, so live sessions are ending; wait for their archives
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("err", err))
		_ = server.Close()
	}
	if err := calls.Shutdown(shutdownCtx); err != nil {
		logger.Warn("calls still active at shutdown", slog.Any("err", err), slog.Int("active_calls", calls.Active()))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", slog.Any("err", err))
	}
	return nil
}

func buildDeps(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (call.Deps, []io.Closer, error) {
	var closers []io.Closer

	model, err := buildModel(ctx, cfg)
	if err != nil {
		return call.Deps{}, nil, err
	}
	budget, err := llm.NewTokenBudget(cfg.MaxHistoryTokens)
	if err != nil {
		return call.Deps{}, nil, err
	}

	deps := call.Deps{
		Model:       model,
		Recognizer:  transcript.NewAssemblyAI(cfg.AssemblyAIKey, logger),
		Synthesizer: buildSynthesizer(cfg, logger),
		Budget:      budget,
		Observer:    m,
		Logger:      logger,
	}
	if cfg.TelephonyProvider == "nextgenswitch" {
		deps.Tickets = telephony.NewNextGenSwitch(cfg.NextGenSwitchURL, cfg.NextGenSwitchKey, cfg.NextGenSwitchSecret)
	}

	var sb *supabase.Client
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		sb, err = supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, &supabase.ClientOptions{})
		if err != nil {
			return call.Deps{}, nil, fmt.Errorf("supabase client: %w", err)
		}
	}

	var store appointment.Store
	switch cfg.AppointmentStore {
	case "sqlite":
		s, err := appointment.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return call.Deps{}, nil, err
		}
		closers = append(closers, s)
		store = s
	case "supabase":
		store = appointment.NewSupabaseStore(sb, cfg.SupabaseTable)
	}
	if store != nil {
		p := appointment.NewProcessor(store, logger)
		p.OnResult = m.AppointmentResult
		deps.Appointments = p
	}

	if cfg.TranscriptBucket != "" {
		archive, err := storage.NewTranscriptArchive(sb, cfg.TranscriptBucket)
		if err != nil {
			return call.Deps{}, nil, err
		}
		deps.Archive = archive
	}
	return deps, closers, nil
}

func buildModel(ctx context.Context, cfg config.Config) (llm.Client, error) {
	switch cfg.ModelProvider {
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.GeminiKey, cfg.ModelID)
	case "cerebras":
		c := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.ModelID)
		if cfg.ModelBaseURL != "" {
			c.BaseURL = cfg.ModelBaseURL
		}
		return c, nil
	default:
		c := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.ModelID)
		if cfg.ModelBaseURL != "" {
			c.BaseURL = cfg.ModelBaseURL
		}
		return c, nil
	}
}

func buildSynthesizer(cfg config.Config, logger *slog.Logger) tts.Synthesizer {
	if cfg.TTSProvider == "elevenlabs" {
		return tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logger)
	}
	return tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramTTSModel, logger)
}

func buildTelephony(cfg config.Config) telephony.Client {
	switch cfg.TelephonyProvider {
	case "nextgenswitch":
		return telephony.NewNextGenSwitch(cfg.NextGenSwitchURL, cfg.NextGenSwitchKey, cfg.NextGenSwitchSecret)
	case "twilio":
		return telephony.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	default:
		return telephony.Noop{}
	}
}
