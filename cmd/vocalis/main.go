package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antoniostano/vocalis/internal/calls"
	"github.com/antoniostano/vocalis/internal/config"
	"github.com/antoniostano/vocalis/internal/httpapi"
	"github.com/antoniostano/vocalis/internal/observability"
	"github.com/antoniostano/vocalis/internal/rooms"
	"github.com/antoniostano/vocalis/internal/transport"
	"github.com/antoniostano/vocalis/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	ctx := context.Background()
	store, err := calls.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call history store init failed: %v", err)
	}

	sttProvider := buildSTT(cfg, logger)
	ttsProvider := buildTTS(cfg, logger, sttProvider)

	var generate voice.ReplyGenerator
	if cfg.BrainURL != "" {
		generate, err = voice.NewHTTPGenerator(voice.HTTPGeneratorConfig{
			URL:            cfg.BrainURL,
			AuthToken:      cfg.BrainToken,
			RequestTimeout: cfg.GenerateTimeout,
		})
		if err != nil {
			log.Fatalf("reply generator init failed: %v", err)
		}
		logger.Info("reply backend configured", zap.String("url", cfg.BrainURL))
	} else {
		logger.Warn("no BRAIN_URL set, replies disabled")
	}

	var tp voice.Transport
	if cfg.GatewayURL != "" {
		gw, err := transport.NewGateway(transport.GatewayConfig{
			URL:    cfg.GatewayURL,
			Token:  cfg.GatewayToken,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("gateway init failed: %v", err)
		}
		tp = gw
		logger.Info("voice transport: gateway", zap.String("url", cfg.GatewayURL))
	} else {
		tp = voice.NewMockTransport()
		logger.Warn("no GATEWAY_URL set, using loopback transport")
	}

	roomMgr := rooms.NewManager(rooms.Config{
		Transport:       tp,
		STT:             sttProvider,
		Logger:          logger,
		Metrics:         metrics,
		MaxRooms:        cfg.MaxRooms,
		SweepInterval:   cfg.SweepInterval,
		IdleTimeout:     cfg.RoomIdleTimeout,
		MaxParticipants: cfg.MaxParticipants,
		BatchWindow:     cfg.BatchWindow,
		SilenceTimeout:  cfg.SilenceTimeout,
		ReadyTimeout:    cfg.ReadyTimeout,
	})
	callMgr := calls.NewManager(calls.Config{
		Transport:       tp,
		STT:             sttProvider,
		Generate:        generate,
		Logger:          logger,
		Metrics:         metrics,
		Store:           store,
		MaxCalls:        cfg.MaxCalls,
		SweepInterval:   cfg.SweepInterval,
		Retention:       cfg.CallRetention,
		RingTimeout:     cfg.RingTimeout,
		MaxCallDuration: cfg.MaxCallDuration,
		BatchWindow:     cfg.BatchWindow,
		SilenceTimeout:  cfg.SilenceTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	roomMgr.StartSweeper(runCtx)
	callMgr.StartSweeper(runCtx)

	api := httpapi.New(cfg, roomMgr, callMgr, logger).
		WithLatencyWindow(latency).
		WithResponder(generate, ttsProvider)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful http shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	roomMgr.Shutdown(shutdownCtx)
	callMgr.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func buildSTT(cfg config.Config, logger *zap.Logger) voice.STTProvider {
	mode := strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	if mode == "" {
		mode = "auto"
	}

	tryWhisper := func(fatal bool) voice.STTProvider {
		if cfg.WhisperURL == "" {
			if fatal {
				log.Fatalf("STT_PROVIDER=whisper but WHISPER_URL is not set")
			}
			return nil
		}
		p, err := voice.NewWhisperProvider(voice.WhisperConfig{
			URL:       cfg.WhisperURL,
			AuthToken: cfg.WhisperToken,
			Language:  cfg.WhisperLanguage,
			Logger:    logger,
		})
		if err != nil {
			if fatal {
				log.Fatalf("whisper provider init failed: %v", err)
			}
			logger.Warn("whisper provider unavailable", zap.Error(err))
			return nil
		}
		logger.Info("stt provider: whisper", zap.String("url", cfg.WhisperURL))
		return p
	}

	switch mode {
	case "whisper":
		return tryWhisper(true)
	case "mock":
		logger.Info("stt provider: mock")
		return voice.NewMockSTTProvider()
	case "auto":
		if p := tryWhisper(false); p != nil {
			return p
		}
		logger.Warn("stt provider: mock (no whisper endpoint configured)")
		return voice.NewMockSTTProvider()
	default:
		log.Fatalf("invalid STT_PROVIDER: %q (expected auto|whisper|mock)", cfg.STTProvider)
		return nil
	}
}

func buildTTS(cfg config.Config, logger *zap.Logger, stt voice.STTProvider) voice.TTSProvider {
	mode := strings.ToLower(strings.TrimSpace(cfg.TTSProvider))
	if mode == "" {
		mode = "auto"
	}

	buildHTTP := func(fatal bool) voice.TTSProvider {
		if cfg.TTSURL == "" {
			if fatal {
				log.Fatalf("TTS_PROVIDER=http but TTS_URL is not set")
			}
			return nil
		}
		p, err := voice.NewHTTPTTSProvider(voice.HTTPTTSConfig{
			URL:    cfg.TTSURL,
			Logger: logger,
		})
		if err != nil {
			if fatal {
				log.Fatalf("tts provider init failed: %v", err)
			}
			logger.Warn("http tts provider unavailable", zap.Error(err))
			return nil
		}
		logger.Info("tts provider: http", zap.String("url", cfg.TTSURL))
		return p
	}
	buildEleven := func(fatal bool) voice.TTSProvider {
		if cfg.ElevenLabsAPIKey == "" {
			if fatal {
				log.Fatalf("TTS_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
			}
			return nil
		}
		logger.Info("tts provider: elevenlabs streaming")
		return voice.NewElevenLabsTTS(voice.ElevenLabsConfig{APIKey: cfg.ElevenLabsAPIKey})
	}

	switch mode {
	case "http":
		return buildHTTP(true)
	case "elevenlabs":
		return buildEleven(true)
	case "mock":
		logger.Info("tts provider: mock")
		return voice.NewMockTTSProvider()
	case "auto":
		eleven := buildEleven(false)
		fallback := buildHTTP(false)
		switch {
		case eleven != nil && fallback != nil:
			// Primary streaming synthesis with HTTP fallback; the STT side
			// of the pair is single-backend so both slots get the same one.
			logger.Info("tts provider: elevenlabs with http fallback")
			_, tts := voice.NewFailoverProviders(stt, eleven, stt, fallback, cfg.Voice)
			return tts
		case eleven != nil:
			return eleven
		case fallback != nil:
			return fallback
		default:
			logger.Warn("tts provider: mock (no synthesis backend configured)")
			return voice.NewMockTTSProvider()
		}
	default:
		log.Fatalf("invalid TTS_PROVIDER: %q (expected auto|http|elevenlabs|mock)", cfg.TTSProvider)
		return nil
	}
}
