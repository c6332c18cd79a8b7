package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG", "")
	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, 100, cfg.Sessions.TurnCapacity)
	assert.Equal(t, 16000, cfg.Sessions.SampleRate)
	assert.Equal(t, 30, cfg.Sessions.VADFrameMs)
	assert.Equal(t, 2, cfg.Sessions.VADAggressiveness)
	assert.Equal(t, 3, cfg.Sessions.NoiseMinChars)
	assert.Equal(t, pipeline.DialogChat, cfg.Dialog.Default)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
sessions:
  max_concurrent: 8
  vad_aggressiveness: 3
dialog:
  default: intent
  intent_base_url: https://dialog.example/v3
  intent_agent: projects/p/agents/a
tts:
  default: openai
  timeout: 5s
redis:
  addr: localhost:6379
  history_ttl: 2h
`), 0o600))

	t.Setenv("GATEWAY_CONFIG", path)
	t.Setenv("GATEWAY_PORT", "9100")
	t.Setenv("VAD_AGGRESSIVENESS", "1")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, 8, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, 1, cfg.Sessions.VADAggressiveness)
	assert.Equal(t, 100, cfg.Sessions.TurnCapacity)
	assert.Equal(t, pipeline.DialogIntent, cfg.Dialog.Default)
	assert.Equal(t, "projects/p/agents/a", cfg.Dialog.IntentAgent)
	assert.Equal(t, "pt-BR", cfg.Dialog.IntentLanguage)
	assert.Equal(t, 5*time.Second, cfg.TTS.Timeout)
	assert.Equal(t, 2*time.Hour, cfg.Redis.TTL)

	vad := cfg.vadConfig()
	assert.Equal(t, 1, vad.Aggressiveness)
	assert.Equal(t, 16000, cfg.audioFormat().SampleRate)
}

func TestLoadConfigBadFile(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loadConfig()
	require.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions: [1, 2"), 0o600))
	t.Setenv("GATEWAY_CONFIG", path)
	_, err = loadConfig()
	require.ErrorContains(t, err, "parse config")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warn").String())
	assert.Equal(t, "INFO", parseLevel("nonsense").String())
}

func TestBuildLLMProvider(t *testing.T) {
	dc := defaultConfig().Dialog
	client := pipeline.NewPooledHTTPClient(1, time.Second)

	assert.IsType(t, &pipeline.AgentLLM{}, buildLLM(dc, client))

	dc.LLMProvider = "anthropic"
	assert.IsType(t, &pipeline.AnthropicLLM{}, buildLLM(dc, client))

	dc.LLMBaseURL = ""
	assert.Nil(t, buildLLM(dc, client))
}
