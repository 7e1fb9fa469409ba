package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Model providers accepted by MODEL_PROVIDER.
const (
	ModelProviderAuto   = "auto"
	ModelProviderOpenAI = "openai"
	ModelProviderMock   = "mock"
)

// Config contains all runtime settings for the playground agent.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	ModelProvider       string
	OpenAIAPIKey        string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string
	ModelDialAttempts   int

	WeatherBaseURL     string
	WeatherHTTPTimeout time.Duration
	ToolTimeout        time.Duration

	RPCResponseTimeout     time.Duration
	ParticipantWaitTimeout time.Duration
	AgentGreeting          string

	WSInboundRate  float64
	WSInboundBurst int
	// WSIdleTimeout drops a participant connection that answers neither
	// messages nor pings for this long. Pings go out every half period.
	WSIdleTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "playground"),
		AllowAnyOrigin:      false,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "json"),
		ModelProvider:       strings.ToLower(envOrDefault("MODEL_PROVIDER", ModelProviderAuto)),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:   envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel: envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-mini-realtime-preview-2024-12-17"),
		ModelDialAttempts:   3,
		WeatherBaseURL:      envOrDefault("WEATHER_BASE_URL", "https://wttr.in"),
		WeatherHTTPTimeout:  10 * time.Second,
		ToolTimeout:         15 * time.Second,
		RPCResponseTimeout:  10 * time.Second,
		// 0 waits for a participant indefinitely.
		ParticipantWaitTimeout: 0,
		AgentGreeting:          envOrDefault("AGENT_GREETING", "How can I help you today?"),
		WSInboundRate:          20,
		WSInboundBurst:         40,
		WSIdleTimeout:          120 * time.Second,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelDialAttempts, err = intFromEnv("MODEL_DIAL_ATTEMPTS", cfg.ModelDialAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.WeatherHTTPTimeout, err = durationFromEnv("WEATHER_HTTP_TIMEOUT", cfg.WeatherHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RPCResponseTimeout, err = durationFromEnv("RPC_RESPONSE_TIMEOUT", cfg.RPCResponseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ParticipantWaitTimeout, err = durationFromEnv("PARTICIPANT_WAIT_TIMEOUT", cfg.ParticipantWaitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WSInboundRate, err = floatFromEnv("WS_INBOUND_RATE", cfg.WSInboundRate)
	if err != nil {
		return Config{}, err
	}
	cfg.WSInboundBurst, err = intFromEnv("WS_INBOUND_BURST", cfg.WSInboundBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.WSIdleTimeout, err = durationFromEnv("WS_IDLE_TIMEOUT", cfg.WSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	switch cfg.ModelProvider {
	case ModelProviderAuto, ModelProviderOpenAI, ModelProviderMock:
	default:
		return Config{}, fmt.Errorf("MODEL_PROVIDER must be one of auto, openai, mock")
	}
	if cfg.ModelProvider == ModelProviderOpenAI && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required when MODEL_PROVIDER=openai")
	}
	if cfg.ModelDialAttempts <= 0 {
		return Config{}, fmt.Errorf("MODEL_DIAL_ATTEMPTS must be positive")
	}
	if cfg.WeatherHTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("WEATHER_HTTP_TIMEOUT must be positive")
	}
	if cfg.ToolTimeout < 0 {
		return Config{}, fmt.Errorf("TOOL_TIMEOUT must be >= 0")
	}
	if cfg.RPCResponseTimeout < time.Second {
		return Config{}, fmt.Errorf("RPC_RESPONSE_TIMEOUT must be at least 1s")
	}
	if cfg.ParticipantWaitTimeout < 0 {
		return Config{}, fmt.Errorf("PARTICIPANT_WAIT_TIMEOUT must be >= 0")
	}
	if cfg.WSInboundRate < 0 {
		return Config{}, fmt.Errorf("WS_INBOUND_RATE must be >= 0")
	}
	if cfg.WSInboundBurst <= 0 {
		return Config{}, fmt.Errorf("WS_INBOUND_BURST must be positive")
	}
	if cfg.WSIdleTimeout < 2*time.Second {
		return Config{}, fmt.Errorf("WS_IDLE_TIMEOUT must be at least 2s")
	}
	if strings.TrimSpace(cfg.AgentGreeting) == "" {
		return Config{}, fmt.Errorf("AGENT_GREETING must not be blank")
	}

	return cfg, nil
}

// UseMockModel reports whether sessions run against the in-process model.
func (c Config) UseMockModel() bool {
	switch c.ModelProvider {
	case ModelProviderMock:
		return true
	case ModelProviderOpenAI:
		return false
	default:
		return c.OpenAIAPIKey == ""
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s parse error: expected finite number", key)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
