package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/session"
	"github.com/hubenschmidt/voicechat-gateway/internal/trace"
	"github.com/hubenschmidt/voicechat-gateway/internal/ws"
)

func main() {
	cfg, err := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 15*time.Second)
	asrRouter := buildASR(cfg)
	dialogRouter := buildDialogs(initCtx, cfg)
	ttsRouter := buildTTS(cfg)

	var tools pipeline.ToolInvoker
	if cfg.Tools.CatalogURL != "" {
		tools = pipeline.NewProductClient(cfg.Tools.CatalogURL, cfg.Tools.APIKey, cfg.Tools.RPS, cfg.Tools.Burst,
			pipeline.NewPooledHTTPClient(10, cfg.Tools.Timeout))
		slog.Info("product tools enabled", "catalog", cfg.Tools.CatalogURL)
	}

	var history *pipeline.RedisHistoryStore
	if cfg.Redis.Addr != "" {
		history, err = pipeline.NewRedisHistoryStore(initCtx, pipeline.RedisHistoryConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			slog.Warn("redis history disabled", "error", err)
		}
	}

	var traces *trace.Store
	if cfg.TraceDB != "" {
		traces, err = trace.Open(initCtx, cfg.TraceDB)
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		}
	}
	initCancel()

	regCfg := session.Config{
		ASR:          asrRouter,
		Dialogs:      dialogRouter,
		TTS:          ttsRouter,
		Tools:        tools,
		Traces:       traces,
		VAD:          cfg.vadConfig(),
		Format:       cfg.audioFormat(),
		Noise:        pipeline.NoiseFilter{MinChars: cfg.Sessions.NoiseMinChars, MinLetters: cfg.Sessions.NoiseMinLetters},
		TurnCapacity: cfg.Sessions.TurnCapacity,
		OutboxSize:   cfg.Sessions.OutboxSize,
	}
	if history != nil {
		regCfg.HistoryStore = history
	}
	registry := session.NewRegistry(regCfg)

	handler := ws.NewHandler(ws.HandlerConfig{
		Sessions:          registry,
		MaxConcurrent:     cfg.Sessions.MaxConcurrent,
		MessagesPerSecond: cfg.Sessions.MessagesPerSecond,
		MessageBurst:      cfg.Sessions.MessageBurst,
	})

	mux := http.NewServeMux()
	d := deps{
		registry:   registry,
		asrRouter:  asrRouter,
		dialogs:    dialogRouter,
		ttsRouter:  ttsRouter,
		wsHandler:  handler,
		traceStore: traces,
	}
	if history != nil {
		d.history = history
	}
	registerRoutes(mux, d)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("gateway starting",
		"addr", addr,
		"max_concurrent", cfg.Sessions.MaxConcurrent,
		"stt", asrRouter.Names(),
		"dialog", dialogRouter.Names(),
		"tts", ttsRouter.Names(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = serve(srv, sigCh, func() {
		slog.Info("closing sessions", "sessions", registry.Len())
		registry.CloseAll()
		if history != nil {
			history.Close()
		}
		if traces != nil {
			traces.Close()
		}
	})
	if err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

const shutdownTimeout = 30 * time.Second

// serve runs srv until stop delivers a signal, then shuts the listener down
// and runs teardown. It returns once teardown has finished.
func serve(srv *http.Server, stop <-chan os.Signal, teardown func()) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-stop
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		teardown()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func buildASR(cfg config) *pipeline.ASRRouter {
	httpClient := pipeline.NewPooledHTTPClient(cfg.STT.PoolSize, cfg.STT.Timeout)
	backends := map[string]pipeline.Transcriber{}
	if cfg.STT.WhisperURL != "" {
		backends["whisper"] = pipeline.NewWhisperClient(cfg.STT.WhisperURL, cfg.audioFormat(), httpClient)
	}
	if cfg.STT.TranscriberURL != "" {
		backends["transcriber"] = pipeline.NewTranscriberAPIClient(cfg.STT.TranscriberURL, cfg.audioFormat(), httpClient)
	}
	if cfg.STT.StreamURL != "" {
		backends["stream"] = pipeline.NewStreamingASRClient(cfg.STT.StreamURL, cfg.STT.StreamAPIKey, cfg.STT.Timeout)
	}
	if len(backends) == 0 {
		slog.Warn("no speech-to-text backend configured")
	}
	return pipeline.NewASRRouter(backends, cfg.STT.Default)
}

func buildDialogs(ctx context.Context, cfg config) *pipeline.DialogRouter {
	dc := cfg.Dialog
	httpClient := pipeline.NewPooledHTTPClient(dc.PoolSize, dc.Timeout)
	strategies := map[string]pipeline.DialogStrategy{}

	llm := buildLLM(dc, httpClient)
	if llm != nil {
		strategies[pipeline.DialogChat] = pipeline.Shared(pipeline.NewChatDialog(llm, dc.SystemPrompt))
	}

	if llm != nil && dc.QdrantURL != "" {
		qdrant := pipeline.NewQdrantClient(dc.QdrantURL, httpClient)
		if err := qdrant.EnsureCollection(ctx, dc.Collection, dc.VectorSize); err != nil {
			slog.Warn("qdrant collection", "collection", dc.Collection, "error", err)
		}
		rag := pipeline.NewRAGClient(pipeline.RAGConfig{
			Embedder:       pipeline.NewEmbeddingClient(dc.EmbedURL, dc.EmbeddingModel, httpClient),
			Searcher:       qdrant,
			Collection:     dc.Collection,
			TopK:           dc.RAGTopK,
			ScoreThreshold: dc.RAGThreshold,
		})
		strategies[pipeline.DialogRAG] = pipeline.Shared(pipeline.NewRAGDialog(rag, llm, dc.SystemPrompt))
		slog.Info("rag enabled", "qdrant", dc.QdrantURL, "embedding_model", dc.EmbeddingModel)
	}

	if dc.IntentBaseURL != "" && dc.IntentAgent != "" {
		strategies[pipeline.DialogIntent] = pipeline.NewIntentClient(pipeline.IntentConfig{
			BaseURL:      dc.IntentBaseURL,
			AgentPath:    dc.IntentAgent,
			LanguageCode: dc.IntentLanguage,
			Token:        dc.IntentToken,
		}, httpClient)
	}

	if len(strategies) == 0 {
		slog.Warn("no dialog backend configured")
	}
	return pipeline.NewDialogRouter(strategies, dc.Default)
}

func buildLLM(dc dialogConfig, httpClient *http.Client) pipeline.Completer {
	if dc.LLMBaseURL == "" {
		return nil
	}
	if dc.LLMProvider == "anthropic" {
		return pipeline.NewAnthropicLLM(pipeline.AnthropicConfig{
			BaseURL:     dc.LLMBaseURL,
			APIKey:      dc.LLMAPIKey,
			Model:       dc.LLMModel,
			MaxTokens:   dc.MaxTokens,
			Temperature: dc.Temperature,
		}, httpClient)
	}
	return pipeline.NewAgentLLM(pipeline.AgentLLMConfig{
		Provider:    pipeline.NewOpenAICompatibleProvider(dc.LLMBaseURL, dc.LLMAPIKey),
		Model:       dc.LLMModel,
		MaxTokens:   dc.MaxTokens,
		Temperature: dc.Temperature,
	})
}

func buildTTS(cfg config) *pipeline.TTSRouter {
	tc := cfg.TTS
	httpClient := pipeline.NewPooledHTTPClient(tc.PoolSize, tc.Timeout)
	backends := map[string]pipeline.Synthesizer{}
	if tc.PiperURL != "" {
		backends["piper"] = pipeline.Timed(pipeline.NewPiperSynthesizer(tc.PiperURL, tc.PiperVoice, httpClient))
	}
	if tc.OpenAIURL != "" {
		backends["openai"] = pipeline.Timed(pipeline.NewOpenAISynthesizer(tc.OpenAIURL, tc.OpenAIAPIKey, tc.OpenAIModel, tc.OpenAIVoice, tc.OpenAISpeed, httpClient))
	}
	if tc.ElevenLabsAPIKey != "" {
		backends["elevenlabs"] = pipeline.Timed(pipeline.NewElevenLabsSynthesizer("", tc.ElevenLabsAPIKey, tc.ElevenLabsVoiceID, tc.ElevenLabsModelID, httpClient))
	}
	return pipeline.NewTTSRouter(backends, tc.Default)
}
