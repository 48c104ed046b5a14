package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"inbox-memory/internal/domain"
)

// ParamGetter returns the parameters that exist among names, keyed by name.
type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// LLMExtractor implements Extractor with one structured chat completion.
// The model and optional pinned instructions are read from the parameter
// store on first use.
type LLMExtractor struct {
	params      ParamGetter
	llm         LLMClient
	paramPrefix string

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	model        string
	instructions string
}

func NewLLMExtractor(p ParamGetter, llm LLMClient, paramPrefix string) (*LLMExtractor, error) {
	if p == nil {
		return nil, errors.New("memory: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("memory: llm client must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("memory: parameter prefix must not be empty")
	}
	return &LLMExtractor{params: p, llm: llm, paramPrefix: paramPrefix}, nil
}

func (e *LLMExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]domain.CandidateFact, error) {
	if ec.Empty() {
		return nil, nil
	}
	if err := e.ensureConfig(ctx); err != nil {
		return nil, err
	}
	raw, err := e.llm.Chat(ctx, e.model, buildExtractionMessages(e.instructions, ec))
	if err != nil {
		return nil, fmt.Errorf("memory: extraction call: %w", err)
	}
	facts, err := parseFacts(raw)
	if err != nil {
		return nil, err
	}
	return facts, nil
}

func (e *LLMExtractor) ensureConfig(ctx context.Context) error {
	e.cacheMu.RLock()
	if e.cacheLoaded {
		e.cacheMu.RUnlock()
		return nil
	}
	e.cacheMu.RUnlock()

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cacheLoaded {
		return nil
	}

	modelName := e.paramPrefix + "/config/openai_model"
	instructionsName := e.paramPrefix + "/extraction_instructions"
	vals, err := e.params.GetParameters(ctx, modelName, instructionsName)
	if err != nil {
		return fmt.Errorf("memory: load extraction parameters: %w", err)
	}
	model := strings.TrimSpace(vals[modelName])
	if model == "" {
		return fmt.Errorf("memory: parameter %s is missing or empty", modelName)
	}

	e.model = model
	e.instructions = vals[instructionsName]
	e.cacheLoaded = true
	return nil
}
