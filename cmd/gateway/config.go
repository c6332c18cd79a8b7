package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/env"
	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/prompts"
)

type config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Sessions sessionConfig `yaml:"sessions"`
	STT      sttConfig     `yaml:"stt"`
	Dialog   dialogConfig  `yaml:"dialog"`
	TTS      ttsConfig     `yaml:"tts"`
	Tools    toolsConfig   `yaml:"tools"`
	Redis    redisConfig   `yaml:"redis"`
	TraceDB  string        `yaml:"trace_database_url"`
}

type sessionConfig struct {
	MaxConcurrent     int     `yaml:"max_concurrent"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
	TurnCapacity      int     `yaml:"turn_capacity"`
	OutboxSize        int     `yaml:"outbox_size"`
	SampleRate        int     `yaml:"sample_rate"`
	VADFrameMs        int     `yaml:"vad_frame_ms"`
	VADAggressiveness int     `yaml:"vad_aggressiveness"`
	VADThresholdDB    float64 `yaml:"vad_threshold_db"`
	NoiseMinChars     int     `yaml:"noise_min_chars"`
	NoiseMinLetters   int     `yaml:"noise_min_letters"`
}

type sttConfig struct {
	Default        string        `yaml:"default"`
	WhisperURL     string        `yaml:"whisper_url"`
	TranscriberURL string        `yaml:"transcriber_url"`
	StreamURL      string        `yaml:"stream_url"`
	StreamAPIKey   string        `yaml:"stream_api_key"`
	PoolSize       int           `yaml:"pool_size"`
	Timeout        time.Duration `yaml:"timeout"`
}

type dialogConfig struct {
	Default      string  `yaml:"default"`
	SystemPrompt string  `yaml:"system_prompt"`
	LLMProvider  string  `yaml:"llm_provider"`
	LLMBaseURL   string  `yaml:"llm_base_url"`
	LLMAPIKey    string  `yaml:"llm_api_key"`
	LLMModel     string  `yaml:"llm_model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`

	IntentBaseURL  string `yaml:"intent_base_url"`
	IntentAgent    string `yaml:"intent_agent"`
	IntentLanguage string `yaml:"intent_language"`
	IntentToken    string `yaml:"intent_token"`

	QdrantURL      string  `yaml:"qdrant_url"`
	EmbedURL       string  `yaml:"embed_url"`
	EmbeddingModel string  `yaml:"embedding_model"`
	Collection     string  `yaml:"collection"`
	VectorSize     int     `yaml:"vector_size"`
	RAGTopK        int     `yaml:"rag_top_k"`
	RAGThreshold   float64 `yaml:"rag_score_threshold"`

	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ttsConfig struct {
	Default           string        `yaml:"default"`
	PiperURL          string        `yaml:"piper_url"`
	PiperVoice        string        `yaml:"piper_voice"`
	OpenAIURL         string        `yaml:"openai_url"`
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	OpenAIModel       string        `yaml:"openai_model"`
	OpenAIVoice       string        `yaml:"openai_voice"`
	OpenAISpeed       float64       `yaml:"openai_speed"`
	ElevenLabsAPIKey  string        `yaml:"elevenlabs_api_key"`
	ElevenLabsVoiceID string        `yaml:"elevenlabs_voice_id"`
	ElevenLabsModelID string        `yaml:"elevenlabs_model_id"`
	PoolSize          int           `yaml:"pool_size"`
	Timeout           time.Duration `yaml:"timeout"`
}

type toolsConfig struct {
	CatalogURL string        `yaml:"catalog_url"`
	APIKey     string        `yaml:"api_key"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

type redisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"history_ttl"`
}

func defaultConfig() config {
	vad := audio.DefaultVADConfig()
	noise := pipeline.DefaultNoiseFilter()
	return config{
		Port:     "8000",
		LogLevel: "info",
		Sessions: sessionConfig{
			MaxConcurrent:     100,
			MessagesPerSecond: 200,
			MessageBurst:      400,
			TurnCapacity:      100,
			OutboxSize:        64,
			SampleRate:        vad.SampleRate,
			VADFrameMs:        vad.FrameDurationMs,
			VADAggressiveness: vad.Aggressiveness,
			NoiseMinChars:     noise.MinChars,
			NoiseMinLetters:   noise.MinLetters,
		},
		STT: sttConfig{
			Default:  "whisper",
			PoolSize: 50,
			Timeout:  30 * time.Second,
		},
		Dialog: dialogConfig{
			Default:        pipeline.DialogChat,
			SystemPrompt:   prompts.DefaultSystem,
			LLMProvider:    "openai",
			LLMBaseURL:     "http://localhost:11434/v1",
			LLMModel:       "llama3.2:3b",
			MaxTokens:      150,
			IntentLanguage: "pt-BR",
			EmbedURL:       "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
			Collection:     "knowledge_base",
			VectorSize:     768,
			RAGTopK:        3,
			RAGThreshold:   0.7,
			PoolSize:       50,
			Timeout:        30 * time.Second,
		},
		TTS: ttsConfig{
			Default:           "piper",
			PiperURL:          "http://localhost:5100",
			PiperVoice:        "pt_BR-faber-medium",
			OpenAIModel:       "tts-1",
			OpenAIVoice:       "alloy",
			ElevenLabsVoiceID: "21m00Tcm4TlvDq8ikWAM",
			ElevenLabsModelID: "eleven_turbo_v2_5",
			PoolSize:          50,
			Timeout:           30 * time.Second,
		},
		Tools: toolsConfig{RPS: 10, Burst: 20, Timeout: 10 * time.Second},
		Redis: redisConfig{TTL: 24 * time.Hour},
	}
}

// loadConfig layers defaults, the optional YAML file named by
// GATEWAY_CONFIG, and environment overrides, in that order.
func loadConfig() (config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *config) applyEnv() {
	c.Port = env.Str("GATEWAY_PORT", c.Port)
	c.LogLevel = env.Str("LOG_LEVEL", c.LogLevel)
	c.TraceDB = env.Str("TRACE_DATABASE_URL", c.TraceDB)

	s := &c.Sessions
	s.MaxConcurrent = env.Int("MAX_CONCURRENT_SESSIONS", s.MaxConcurrent)
	s.MessagesPerSecond = env.Float("SESSION_MESSAGES_PER_SECOND", s.MessagesPerSecond)
	s.MessageBurst = env.Int("SESSION_MESSAGE_BURST", s.MessageBurst)
	s.TurnCapacity = env.Int("TURN_BUFFER_CAPACITY", s.TurnCapacity)
	s.OutboxSize = env.Int("SESSION_OUTBOX_SIZE", s.OutboxSize)
	s.SampleRate = env.Int("AUDIO_SAMPLE_RATE", s.SampleRate)
	s.VADFrameMs = env.Int("VAD_FRAME_MS", s.VADFrameMs)
	s.VADAggressiveness = env.Int("VAD_AGGRESSIVENESS", s.VADAggressiveness)
	s.VADThresholdDB = env.Float("VAD_SPEECH_THRESHOLD_DB", s.VADThresholdDB)
	s.NoiseMinChars = env.Int("NOISE_MIN_CHARS", s.NoiseMinChars)
	s.NoiseMinLetters = env.Int("NOISE_MIN_LETTERS", s.NoiseMinLetters)

	c.STT.Default = env.Str("STT_DEFAULT", c.STT.Default)
	c.STT.WhisperURL = env.Str("WHISPER_SERVER_URL", c.STT.WhisperURL)
	c.STT.TranscriberURL = env.Str("TRANSCRIBER_URL", c.STT.TranscriberURL)
	c.STT.StreamURL = env.Str("STT_STREAM_URL", c.STT.StreamURL)
	c.STT.StreamAPIKey = env.Str("STT_STREAM_API_KEY", c.STT.StreamAPIKey)
	c.STT.PoolSize = env.Int("ASR_POOL_SIZE", c.STT.PoolSize)
	c.STT.Timeout = env.Duration("ASR_TIMEOUT", c.STT.Timeout)

	d := &c.Dialog
	d.Default = env.Str("DIALOG_DEFAULT", d.Default)
	d.SystemPrompt = env.Str("LLM_SYSTEM_PROMPT", d.SystemPrompt)
	d.LLMProvider = env.Str("LLM_PROVIDER", d.LLMProvider)
	d.LLMBaseURL = env.Str("LLM_BASE_URL", d.LLMBaseURL)
	d.LLMAPIKey = env.Str("LLM_API_KEY", d.LLMAPIKey)
	d.LLMModel = env.Str("LLM_MODEL", d.LLMModel)
	d.MaxTokens = env.Int("LLM_MAX_TOKENS", d.MaxTokens)
	d.Temperature = env.Float("LLM_TEMPERATURE", d.Temperature)
	d.IntentBaseURL = env.Str("INTENT_BASE_URL", d.IntentBaseURL)
	d.IntentAgent = env.Str("INTENT_AGENT", d.IntentAgent)
	d.IntentLanguage = env.Str("INTENT_LANGUAGE", d.IntentLanguage)
	d.IntentToken = env.Str("INTENT_TOKEN", d.IntentToken)
	d.QdrantURL = env.Str("QDRANT_URL", d.QdrantURL)
	d.EmbedURL = env.Str("EMBED_URL", d.EmbedURL)
	d.EmbeddingModel = env.Str("EMBEDDING_MODEL", d.EmbeddingModel)
	d.Collection = env.Str("RAG_COLLECTION", d.Collection)
	d.VectorSize = env.Int("VECTOR_SIZE", d.VectorSize)
	d.RAGTopK = env.Int("RAG_TOP_K", d.RAGTopK)
	d.RAGThreshold = env.Float("RAG_SCORE_THRESHOLD", d.RAGThreshold)
	d.PoolSize = env.Int("LLM_POOL_SIZE", d.PoolSize)
	d.Timeout = env.Duration("DIALOG_TIMEOUT", d.Timeout)

	t := &c.TTS
	t.Default = env.Str("TTS_DEFAULT", t.Default)
	t.PiperURL = env.Str("PIPER_URL", t.PiperURL)
	t.PiperVoice = env.Str("PIPER_VOICE", t.PiperVoice)
	t.OpenAIURL = env.Str("OPENAI_TTS_URL", t.OpenAIURL)
	t.OpenAIAPIKey = env.Str("OPENAI_TTS_API_KEY", t.OpenAIAPIKey)
	t.OpenAIModel = env.Str("OPENAI_TTS_MODEL", t.OpenAIModel)
	t.OpenAIVoice = env.Str("OPENAI_TTS_VOICE", t.OpenAIVoice)
	t.OpenAISpeed = env.Float("OPENAI_TTS_SPEED", t.OpenAISpeed)
	t.ElevenLabsAPIKey = env.Str("ELEVENLABS_API_KEY", t.ElevenLabsAPIKey)
	t.ElevenLabsVoiceID = env.Str("ELEVENLABS_VOICE_ID", t.ElevenLabsVoiceID)
	t.ElevenLabsModelID = env.Str("ELEVENLABS_MODEL_ID", t.ElevenLabsModelID)
	t.PoolSize = env.Int("TTS_POOL_SIZE", t.PoolSize)
	t.Timeout = env.Duration("TTS_TIMEOUT", t.Timeout)

	c.Tools.CatalogURL = env.Str("CATALOG_URL", c.Tools.CatalogURL)
	c.Tools.APIKey = env.Str("CATALOG_API_KEY", c.Tools.APIKey)
	c.Tools.RPS = env.Float("CATALOG_RPS", c.Tools.RPS)
	c.Tools.Burst = env.Int("CATALOG_BURST", c.Tools.Burst)
	c.Tools.Timeout = env.Duration("CATALOG_TIMEOUT", c.Tools.Timeout)

	c.Redis.Addr = env.Str("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env.Str("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.Int("REDIS_DB", c.Redis.DB)
	c.Redis.TTL = env.Duration("HISTORY_TTL", c.Redis.TTL)
}

func (c config) vadConfig() audio.VADConfig {
	return audio.VADConfig{
		SampleRate:        c.Sessions.SampleRate,
		FrameDurationMs:   c.Sessions.VADFrameMs,
		Aggressiveness:    c.Sessions.VADAggressiveness,
		SpeechThresholdDB: c.Sessions.VADThresholdDB,
	}
}

func (c config) audioFormat() audio.Format {
	f := audio.DefaultFormat()
	f.SampleRate = c.Sessions.SampleRate
	return f
}
