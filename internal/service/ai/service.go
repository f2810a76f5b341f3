package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

// ContinueSentinel instructs the model to extend a truncated response.
const ContinueSentinel = "Continue the previous response exactly where it left off. " +
	"Do not repeat anything already written."

// Error is the typed failure of a completion call.
type Error struct {
	Message string
	Timeout bool
}

func (e *Error) Error() string {
	return e.Message
}

// Params are the tunables of one invocation.
type Params struct {
	Provider    string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Generated is the outcome of one completion call. TokensUsed is a
// character-count heuristic, not an authoritative figure, unless the
// provider reported usage.
type Generated struct {
	Text       string
	TokensUsed int
	Incomplete bool
}

// Service invokes the configured completion providers. One chat model is
// built per provider and reused; generation tunables go in per call.
type Service struct {
	cfg     *config.Config
	timeout time.Duration

	mu     sync.Mutex
	chat   map[string]model.ToolCallingChatModel
	agents map[string]*react.Agent
}

func NewService(cfg *config.Config) *Service {
	timeout := time.Duration(cfg.BasicConfig.InvokeTimeoutSeconds) * time.Second
	return &Service{
		cfg:     cfg,
		timeout: timeout,
		chat:    make(map[string]model.ToolCallingChatModel),
		agents:  make(map[string]*react.Agent),
	}
}

// Invoke performs a single synchronous completion call with a bounded
// timeout. No retry happens here; retry policy belongs to the caller.
func (s *Service) Invoke(ctx context.Context, parts []models.ContentPart, p Params) (*Generated, error) {
	messages, err := convertParts(parts)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	return s.generate(ctx, messages, p)
}

// Continue re-invokes the model with the continuation sentinel appended.
// Callers gate this on the prior response's incomplete flag; the call
// itself is stateless.
func (s *Service) Continue(ctx context.Context, parts []models.ContentPart, priorText string, p Params) (*Generated, error) {
	messages, err := convertParts(parts)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	messages = append(messages,
		&schema.Message{Role: schema.Assistant, Content: priorText},
		&schema.Message{Role: schema.User, Content: ContinueSentinel},
	)
	return s.generate(ctx, messages, p)
}

// GenerateTitle produces a short conversation title for the first turn.
func (s *Service) GenerateTitle(ctx context.Context, userMessage string, p Params) (string, error) {
	messages := []*schema.Message{
		{
			Role: schema.System,
			Content: "You are a conversation title generator. " +
				"Generate a concise title, at most ten words, for a conversation " +
				"opening with the user message. Output only the title.",
		},
		{Role: schema.User, Content: userMessage},
	}
	gen, err := s.generate(ctx, messages, p)
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(gen.Text)
	if title == "" {
		return "New Conversation", nil
	}
	return title, nil
}

func (s *Service) generate(ctx context.Context, messages []*schema.Message, p Params) (*Generated, error) {
	chatModel, agent, err := s.resources(p)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var resp *schema.Message
	if agent != nil {
		resp, err = agent.Generate(invokeCtx, messages)
	} else {
		opts := []model.Option{}
		if p.Temperature > 0 {
			opts = append(opts, model.WithTemperature(p.Temperature))
		}
		if p.MaxTokens > 0 {
			opts = append(opts, model.WithMaxTokens(p.MaxTokens))
		}
		resp, err = chatModel.Generate(invokeCtx, messages, opts...)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Message: "completion timed out", Timeout: true}
		}
		if errors.Is(err, context.Canceled) {
			return nil, &Error{Message: "completion cancelled"}
		}
		return nil, &Error{Message: fmt.Sprintf("completion failed: %v", err)}
	}
	if resp == nil || resp.Content == "" {
		return nil, &Error{Message: "completion returned no content"}
	}

	gen := &Generated{
		Text:       resp.Content,
		TokensUsed: estimateTokens(resp.Content),
	}
	if resp.ResponseMeta != nil {
		if usage := resp.ResponseMeta.Usage; usage != nil && usage.CompletionTokens > 0 {
			gen.TokensUsed = usage.CompletionTokens
		}
		switch strings.ToLower(resp.ResponseMeta.FinishReason) {
		case "length", "max_tokens":
			gen.Incomplete = true
		}
	}
	return gen, nil
}

// resources returns the cached chat model (and react agent when search is
// enabled) for the provider, building them on first use.
func (s *Service) resources(p Params) (model.ToolCallingChatModel, *react.Agent, error) {
	provCfg, ok := s.cfg.Providers[p.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("provider %s not configured", p.Provider)
	}
	modelName := p.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	key := p.Provider + "/" + modelName

	s.mu.Lock()
	defer s.mu.Unlock()
	if chatModel, ok := s.chat[key]; ok {
		return chatModel, s.agents[key], nil
	}

	chatModel, err := newChatModel(p.Provider, modelName, provCfg)
	if err != nil {
		return nil, nil, err
	}

	var agent *react.Agent
	if provCfg.EnableSearch {
		tools := InitToolsChain(provCfg)
		if len(tools) > 0 {
			agent, err = react.NewAgent(context.Background(), &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig: compose.ToolsNodeConfig{
					Tools: tools,
				},
			})
			if err != nil {
				return nil, nil, fmt.Errorf("init react agent: %w", err)
			}
		}
	}

	s.chat[key] = chatModel
	if agent != nil {
		s.agents[key] = agent
	}
	return chatModel, agent, nil
}

func newChatModel(provider, modelName string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// convertParts maps the assembled content parts onto provider messages:
// the leading instruction part becomes the system message, everything else
// one multi-content user message preserving order.
func convertParts(parts []models.ContentPart) ([]*schema.Message, error) {
	if len(parts) == 0 {
		return nil, errors.New("no content parts")
	}
	messages := make([]*schema.Message, 0, 2)
	rest := parts
	if parts[0].Kind == models.PartText {
		messages = append(messages, &schema.Message{Role: schema.System, Content: parts[0].Text})
		rest = parts[1:]
	}

	multi := make([]schema.ChatMessagePart, 0, len(rest))
	for _, part := range rest {
		switch part.Kind {
		case models.PartText:
			multi = append(multi, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case models.PartInlineBinary:
			mp, err := binaryPart(part)
			if err != nil {
				return nil, err
			}
			multi = append(multi, mp)
		default:
			return nil, fmt.Errorf("unknown content part kind %q", part.Kind)
		}
	}
	messages = append(messages, &schema.Message{Role: schema.User, MultiContent: multi})
	return messages, nil
}

func binaryPart(part models.ContentPart) (schema.ChatMessagePart, error) {
	uri := dataURI(part.MimeType, part.Base64)
	switch {
	case strings.HasPrefix(part.MimeType, "image/"):
		return schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{
				URL:      uri,
				MIMEType: part.MimeType,
			},
		}, nil
	case strings.HasPrefix(part.MimeType, "audio/"):
		return schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeAudioURL,
			AudioURL: &schema.ChatMessageAudioURL{
				URL:      uri,
				MIMEType: part.MimeType,
			},
		}, nil
	case strings.HasPrefix(part.MimeType, "video/"):
		return schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeVideoURL,
			VideoURL: &schema.ChatMessageVideoURL{
				URL:      uri,
				MIMEType: part.MimeType,
			},
		}, nil
	default:
		return schema.ChatMessagePart{}, fmt.Errorf("unsupported inline binary type %q", part.MimeType)
	}
}

func dataURI(mimeType, base64Data string) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64Data)
}

// estimateTokens approximates usage from character count.
func estimateTokens(text string) int {
	est := len(text) / 4
	if est == 0 && text != "" {
		est = 1
	}
	return est
}
