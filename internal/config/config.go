package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config contains all runtime settings for the voice engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	GatewayURL   string
	GatewayToken string

	MaxRooms        int
	MaxCalls        int
	MaxParticipants int

	BatchWindow     time.Duration
	SilenceTimeout  time.Duration
	ReadyTimeout    time.Duration
	RoomIdleTimeout time.Duration
	SweepInterval   time.Duration

	RingTimeout     time.Duration
	MaxCallDuration time.Duration
	CallRetention   time.Duration

	GenerateTimeout time.Duration
	MaxChunkChars   int
	Voice           string

	STTProvider      string
	WhisperURL       string
	WhisperToken     string
	WhisperLanguage  string
	TTSProvider      string
	TTSURL           string
	ElevenLabsAPIKey string

	BrainURL   string
	BrainToken string

	DatabaseURL string
	LogLevel    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "vocalis"),
		GatewayURL:       stringsTrimSpace("GATEWAY_URL"),
		GatewayToken:     stringsTrimSpace("GATEWAY_TOKEN"),
		MaxRooms:         10,
		MaxCalls:         5,
		MaxParticipants:  16,
		BatchWindow:      100 * time.Millisecond,
		SilenceTimeout:   time.Second,
		ReadyTimeout:     30 * time.Second,
		RoomIdleTimeout:  time.Hour,
		SweepInterval:    time.Minute,
		RingTimeout:      30 * time.Second,
		MaxCallDuration:  time.Hour,
		CallRetention:    24 * time.Hour,
		GenerateTimeout:  30 * time.Second,
		MaxChunkChars:    500,
		Voice:            envOrDefault("RESPONDER_VOICE", "default"),
		STTProvider:      envOrDefault("STT_PROVIDER", "auto"),
		WhisperURL:       stringsTrimSpace("WHISPER_URL"),
		WhisperToken:     stringsTrimSpace("WHISPER_AUTH_TOKEN"),
		WhisperLanguage:  envOrDefault("WHISPER_LANGUAGE", "en"),
		TTSProvider:      envOrDefault("TTS_PROVIDER", "auto"),
		TTSURL:           stringsTrimSpace("TTS_URL"),
		ElevenLabsAPIKey: stringsTrimSpace("ELEVENLABS_API_KEY"),
		BrainURL:         stringsTrimSpace("BRAIN_URL"),
		BrainToken:       stringsTrimSpace("BRAIN_AUTH_TOKEN"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		ShutdownTimeout:  15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRooms, err = intFromEnv("VOICE_MAX_ROOMS", cfg.MaxRooms)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCalls, err = intFromEnv("VOICE_MAX_CALLS", cfg.MaxCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxParticipants, err = intFromEnv("VOICE_MAX_PARTICIPANTS", cfg.MaxParticipants)
	if err != nil {
		return Config{}, err
	}
	cfg.BatchWindow, err = durationFromEnv("VOICE_BATCH_WINDOW", cfg.BatchWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceTimeout, err = durationFromEnv("VOICE_SILENCE_TIMEOUT", cfg.SilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadyTimeout, err = durationFromEnv("VOICE_READY_TIMEOUT", cfg.ReadyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RoomIdleTimeout, err = durationFromEnv("VOICE_ROOM_IDLE_TIMEOUT", cfg.RoomIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("VOICE_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.RingTimeout, err = durationFromEnv("CALL_RING_TIMEOUT", cfg.RingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCallDuration, err = durationFromEnv("CALL_MAX_DURATION", cfg.MaxCallDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.CallRetention, err = durationFromEnv("CALL_HISTORY_RETENTION", cfg.CallRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("RESPONDER_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxChunkChars, err = intFromEnv("RESPONDER_MAX_CHUNK_CHARS", cfg.MaxChunkChars)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxRooms <= 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_ROOMS must be positive")
	}
	if cfg.MaxCalls <= 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_CALLS must be positive")
	}
	if cfg.MaxParticipants <= 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_PARTICIPANTS must be positive")
	}
	if cfg.BatchWindow < 10*time.Millisecond {
		return Config{}, fmt.Errorf("VOICE_BATCH_WINDOW must be at least 10ms")
	}
	if cfg.MaxChunkChars <= 0 {
		return Config{}, fmt.Errorf("RESPONDER_MAX_CHUNK_CHARS must be positive")
	}
	if cfg.CallRetention < time.Minute {
		return Config{}, fmt.Errorf("CALL_HISTORY_RETENTION must be at least 1m")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
