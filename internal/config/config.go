package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice-call service.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	AllowAnyOrigin           bool          `yaml:"allow_any_origin"`
	RateLimitPerSecond       float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst           int           `yaml:"rate_limit_burst"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	OTelEnabled     bool    `yaml:"otel_enabled"`
	OTelEndpoint    string  `yaml:"otel_endpoint"`
	OTelServiceName string  `yaml:"otel_service_name"`
	OTelSampleRate  float64 `yaml:"otel_sample_rate"`

	TurnPostDelay        time.Duration `yaml:"turn_post_delay"`
	TurnAgentTimeout     time.Duration `yaml:"turn_agent_timeout"`
	TurnSynthesisTimeout time.Duration `yaml:"turn_synthesis_timeout"`
	TurnDeliveryMode     string        `yaml:"turn_delivery_mode"`
	TurnMaxConcurrent    int           `yaml:"turn_max_concurrent"`
	OutboundBuffer       int           `yaml:"outbound_buffer"`
	OutboundSendTimeout  time.Duration `yaml:"outbound_send_timeout"`
	RecognizerRestarts   int           `yaml:"recognizer_restarts"`

	VoiceProvider string `yaml:"voice_provider"`

	AliyunAppKey              string        `yaml:"aliyun_app_key"`
	AliyunToken               string        `yaml:"-"`
	AliyunAccessKeyID         string        `yaml:"-"`
	AliyunAccessKeySecret     string        `yaml:"-"`
	AliyunGatewayURL          string        `yaml:"aliyun_gateway_url"`
	AliyunTokenEndpoint       string        `yaml:"aliyun_token_endpoint"`
	AliyunRegion              string        `yaml:"aliyun_region"`
	AliyunVoice               string        `yaml:"aliyun_voice"`
	AliyunSynthesisFormat     string        `yaml:"aliyun_synthesis_format"`
	AliyunMaxSentenceSilence  time.Duration `yaml:"aliyun_max_sentence_silence"`
	AliyunIntermediateResults bool          `yaml:"aliyun_intermediate_results"`
	AliyunPunctuation         bool          `yaml:"aliyun_punctuation"`
	AliyunITN                 bool          `yaml:"aliyun_itn"`

	ElevenLabsAPIKey       string `yaml:"-"`
	ElevenLabsWSBaseURL    string `yaml:"elevenlabs_ws_base_url"`
	ElevenLabsTTSVoice     string `yaml:"elevenlabs_tts_voice_id"`
	ElevenLabsTTSModel     string `yaml:"elevenlabs_tts_model_id"`
	ElevenLabsSTTModel     string `yaml:"elevenlabs_stt_model_id"`
	ElevenLabsOutputFormat string `yaml:"elevenlabs_tts_output_format"`

	AgentMode         string        `yaml:"agent_mode"`
	AgentHTTPURL      string        `yaml:"agent_http_url"`
	AgentTimeout      time.Duration `yaml:"agent_request_timeout"`
	OpenAIAPIKey      string        `yaml:"-"`
	OpenAIBaseURL     string        `yaml:"openai_base_url"`
	OpenAIModel       string        `yaml:"openai_model"`
	SystemPrompt      string        `yaml:"system_prompt"`
	SystemPromptFile  string        `yaml:"system_prompt_file"`
	MemoryHistorySize int           `yaml:"memory_history_size"`

	MemoryBackend   string        `yaml:"memory_backend"`
	DatabaseURL     string        `yaml:"-"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"-"`
	RedisDB         int           `yaml:"redis_db"`
	RedisTTL        time.Duration `yaml:"redis_ttl"`
	MongoURI        string        `yaml:"-"`
	MongoDatabase   string        `yaml:"mongo_database"`
	MongoCollection string        `yaml:"mongo_collection"`
}

// Defaults returns the configuration used when neither a config file nor
// environment overrides are present.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "voicecall",
		RateLimitPerSecond:       20,
		RateLimitBurst:           40,

		LogLevel:  "info",
		LogFormat: "json",

		OTelEndpoint:    "localhost:4317",
		OTelServiceName: "voicecall",
		OTelSampleRate:  1,

		TurnPostDelay:        5 * time.Second,
		TurnAgentTimeout:     60 * time.Second,
		TurnSynthesisTimeout: 30 * time.Second,
		TurnDeliveryMode:     "buffered",
		TurnMaxConcurrent:    64,
		OutboundBuffer:       64,
		OutboundSendTimeout:  2 * time.Second,
		RecognizerRestarts:   3,

		VoiceProvider: "auto",

		AliyunGatewayURL:          "wss://nls-gateway-cn-shanghai.aliyuncs.com/ws/v1",
		AliyunTokenEndpoint:       "https://nls-meta.cn-shanghai.aliyuncs.com/",
		AliyunRegion:              "cn-shanghai",
		AliyunVoice:               "xiaoyun",
		AliyunSynthesisFormat:     "mp3",
		AliyunMaxSentenceSilence:  800 * time.Millisecond,
		AliyunIntermediateResults: true,
		AliyunPunctuation:         true,
		AliyunITN:                 true,

		ElevenLabsWSBaseURL:    "wss://api.elevenlabs.io",
		ElevenLabsTTSVoice:     "cgSgspJ2msm6clMCkdW9",
		ElevenLabsTTSModel:     "eleven_multilingual_v2",
		ElevenLabsSTTModel:     "scribe_v2_realtime",
		ElevenLabsOutputFormat: "pcm_16000",

		AgentMode:         "auto",
		AgentTimeout:      60 * time.Second,
		MemoryHistorySize: 20,

		MemoryBackend:   "auto",
		RedisTTL:        7 * 24 * time.Hour,
		MongoDatabase:   "voicecall",
		MongoCollection: "chat_messages",
	}
}

// Load applies defaults, then the optional APP_CONFIG_FILE overlay, then
// environment variables, and validates the result.
func Load() (Config, error) {
	cfg := Defaults()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return decodeYAML(raw, cfg)
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.OTelEndpoint = envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelServiceName = envOrDefault("OTEL_SERVICE_NAME", cfg.OTelServiceName)
	cfg.TurnDeliveryMode = envOrDefault("TURN_DELIVERY_MODE", cfg.TurnDeliveryMode)

	cfg.VoiceProvider = envOrDefault("VOICE_PROVIDER", cfg.VoiceProvider)
	cfg.AliyunAppKey = envOrDefault("ALIYUN_NLS_APP_KEY", cfg.AliyunAppKey)
	cfg.AliyunToken = envOrDefault("ALIYUN_NLS_TOKEN", cfg.AliyunToken)
	cfg.AliyunAccessKeyID = envOrDefault("ALIYUN_ACCESS_KEY_ID", cfg.AliyunAccessKeyID)
	cfg.AliyunAccessKeySecret = envOrDefault("ALIYUN_ACCESS_KEY_SECRET", cfg.AliyunAccessKeySecret)
	cfg.AliyunGatewayURL = envOrDefault("ALIYUN_NLS_GATEWAY_URL", cfg.AliyunGatewayURL)
	cfg.AliyunTokenEndpoint = envOrDefault("ALIYUN_NLS_TOKEN_ENDPOINT", cfg.AliyunTokenEndpoint)
	cfg.AliyunRegion = envOrDefault("ALIYUN_REGION", cfg.AliyunRegion)
	cfg.AliyunVoice = envOrDefault("ALIYUN_TTS_VOICE", cfg.AliyunVoice)
	cfg.AliyunSynthesisFormat = envOrDefault("ALIYUN_TTS_FORMAT", cfg.AliyunSynthesisFormat)

	cfg.ElevenLabsAPIKey = envOrDefault("ELEVENLABS_API_KEY", cfg.ElevenLabsAPIKey)
	cfg.ElevenLabsWSBaseURL = envOrDefault("ELEVENLABS_WS_BASE_URL", cfg.ElevenLabsWSBaseURL)
	cfg.ElevenLabsTTSVoice = envOrDefault("ELEVENLABS_TTS_VOICE_ID", cfg.ElevenLabsTTSVoice)
	cfg.ElevenLabsTTSModel = envOrDefault("ELEVENLABS_TTS_MODEL_ID", cfg.ElevenLabsTTSModel)
	cfg.ElevenLabsSTTModel = envOrDefault("ELEVENLABS_STT_MODEL_ID", cfg.ElevenLabsSTTModel)
	cfg.ElevenLabsOutputFormat = envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", cfg.ElevenLabsOutputFormat)

	cfg.AgentMode = envOrDefault("AGENT_MODE", cfg.AgentMode)
	cfg.AgentHTTPURL = envOrDefault("AGENT_HTTP_URL", cfg.AgentHTTPURL)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.SystemPrompt = envOrDefault("AGENT_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.SystemPromptFile = envOrDefault("AGENT_SYSTEM_PROMPT_FILE", cfg.SystemPromptFile)

	cfg.MemoryBackend = envOrDefault("MEMORY_BACKEND", cfg.MemoryBackend)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = envOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOrDefault("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.MongoURI = envOrDefault("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = envOrDefault("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.MongoCollection = envOrDefault("MONGO_COLLECTION", cfg.MongoCollection)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"TURN_POST_DELAY", &cfg.TurnPostDelay},
		{"TURN_AGENT_TIMEOUT", &cfg.TurnAgentTimeout},
		{"TURN_SYNTHESIS_TIMEOUT", &cfg.TurnSynthesisTimeout},
		{"OUTBOUND_SEND_TIMEOUT", &cfg.OutboundSendTimeout},
		{"ALIYUN_MAX_SENTENCE_SILENCE", &cfg.AliyunMaxSentenceSilence},
		{"AGENT_REQUEST_TIMEOUT", &cfg.AgentTimeout},
		{"REDIS_TTL", &cfg.RedisTTL},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"APP_RATE_LIMIT_BURST", &cfg.RateLimitBurst},
		{"TURN_MAX_CONCURRENT", &cfg.TurnMaxConcurrent},
		{"OUTBOUND_BUFFER", &cfg.OutboundBuffer},
		{"RECOGNIZER_MAX_RESTARTS", &cfg.RecognizerRestarts},
		{"MEMORY_HISTORY_SIZE", &cfg.MemoryHistorySize},
		{"REDIS_DB", &cfg.RedisDB},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"OTEL_ENABLED", &cfg.OTelEnabled},
		{"ALIYUN_ENABLE_INTERMEDIATE_RESULT", &cfg.AliyunIntermediateResults},
		{"ALIYUN_ENABLE_PUNCTUATION", &cfg.AliyunPunctuation},
		{"ALIYUN_ENABLE_ITN", &cfg.AliyunITN},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return err
		}
	}

	if cfg.RateLimitPerSecond, err = floatFromEnv("APP_RATE_LIMIT_PER_SECOND", cfg.RateLimitPerSecond); err != nil {
		return err
	}
	if cfg.OTelSampleRate, err = floatFromEnv("OTEL_SAMPLE_RATE", cfg.OTelSampleRate); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.TurnPostDelay < 0 {
		return fmt.Errorf("TURN_POST_DELAY must be >= 0")
	}
	if c.TurnAgentTimeout <= 0 {
		return fmt.Errorf("TURN_AGENT_TIMEOUT must be positive")
	}
	if c.TurnSynthesisTimeout <= 0 {
		return fmt.Errorf("TURN_SYNTHESIS_TIMEOUT must be positive")
	}
	switch strings.ToLower(c.TurnDeliveryMode) {
	case "buffered", "stream":
	default:
		return fmt.Errorf("TURN_DELIVERY_MODE must be buffered or stream, got %q", c.TurnDeliveryMode)
	}
	if c.TurnMaxConcurrent <= 0 {
		return fmt.Errorf("TURN_MAX_CONCURRENT must be positive")
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("OUTBOUND_BUFFER must be positive")
	}
	if c.RecognizerRestarts < 0 {
		return fmt.Errorf("RECOGNIZER_MAX_RESTARTS must be >= 0")
	}
	if c.RateLimitPerSecond < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must be >= 0")
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0,1]")
	}
	if err := oneOf("VOICE_PROVIDER", c.VoiceProvider, "auto", "aliyun", "elevenlabs", "mock"); err != nil {
		return err
	}
	if err := oneOf("AGENT_MODE", c.AgentMode, "auto", "openai", "http", "mock"); err != nil {
		return err
	}
	if err := oneOf("MEMORY_BACKEND", c.MemoryBackend, "auto", "memory", "postgres", "redis", "mongo"); err != nil {
		return err
	}
	if c.MemoryHistorySize < 0 {
		return fmt.Errorf("MEMORY_HISTORY_SIZE must be >= 0")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
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
