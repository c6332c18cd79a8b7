package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
	"github.com/hubenschmidt/voicechat-gateway/internal/prompts"
)

// Dialog strategy names accepted by DialogRouter.
const (
	DialogIntent = "intent"
	DialogRAG    = "rag"
	DialogChat   = "chat"
)

// DialogStrategy hands out a DialogBackend for one session. Strategies that
// keep per-session state on the remote side (intent sessions) bind it here.
type DialogStrategy interface {
	Open(ctx context.Context, sessionID string) (DialogBackend, error)
}

type sharedStrategy struct {
	backend DialogBackend
}

// Shared wraps a stateless backend so every session uses the same instance.
func Shared(b DialogBackend) DialogStrategy {
	return sharedStrategy{backend: b}
}

func (s sharedStrategy) Open(context.Context, string) (DialogBackend, error) {
	return s.backend, nil
}

// DialogRouter selects a dialog strategy by name.
type DialogRouter struct {
	*Router[DialogStrategy]
}

func NewDialogRouter(strategies map[string]DialogStrategy, fallback string) *DialogRouter {
	return &DialogRouter{Router: NewRouter(strategies, fallback)}
}

// ChatDialog is a generic chat-completion backend: history is rendered into
// the prompt and the model's reply is returned verbatim.
type ChatDialog struct {
	llm          Completer
	instructions string
}

func NewChatDialog(llm Completer, systemPrompt string) *ChatDialog {
	return &ChatDialog{llm: llm, instructions: prompts.ForSession(systemPrompt)}
}

func (d *ChatDialog) Converse(ctx context.Context, text string, history []HistoryEntry) (*DialogResult, error) {
	start := time.Now()
	reply, err := d.llm.Complete(ctx, d.instructions, formatInput(history, text))
	if err != nil {
		return nil, fmt.Errorf("chat dialog: %w", err)
	}
	if reply == "" {
		return nil, fmt.Errorf("chat dialog: empty reply")
	}
	return &DialogResult{Text: reply, LatencyMs: float64(time.Since(start).Milliseconds())}, nil
}

// Retriever looks up knowledge base passages relevant to a query.
type Retriever interface {
	RetrieveContext(ctx context.Context, query string) (string, error)
}

// RAGDialog grounds the chat model on retrieved passages. Retrieval failures
// degrade to an ungrounded answer.
type RAGDialog struct {
	retriever    Retriever
	llm          Completer
	instructions string
}

func NewRAGDialog(retriever Retriever, llm Completer, systemPrompt string) *RAGDialog {
	return &RAGDialog{retriever: retriever, llm: llm, instructions: prompts.ForSession(systemPrompt)}
}

func (d *RAGDialog) Converse(ctx context.Context, text string, history []HistoryEntry) (*DialogResult, error) {
	start := time.Now()

	passages, err := d.retriever.RetrieveContext(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rag dialog: %w", ctx.Err())
		}
		metrics.Errors.WithLabelValues("rag", "retrieve").Inc()
		slog.Warn("rag retrieval failed", "error", err)
		passages = ""
	}

	reply, err := d.llm.Complete(ctx, prompts.WithContext(d.instructions, passages), formatInput(history, text))
	if err != nil {
		return nil, fmt.Errorf("rag dialog: %w", err)
	}
	if reply == "" {
		return nil, fmt.Errorf("rag dialog: empty reply")
	}
	return &DialogResult{Text: reply, LatencyMs: float64(time.Since(start).Milliseconds())}, nil
}
