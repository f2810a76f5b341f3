package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"chatrelay/internal/attach"
	"chatrelay/internal/config"
	"chatrelay/internal/history"
	"chatrelay/internal/models"
	"chatrelay/internal/prompt"
	"chatrelay/internal/quota"
	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/assistant"
	"chatrelay/internal/worker"
)

// Request body bounds.
const (
	MaxMessageChars = 10000
	MaxTemperature  = 2.0
	MaxTokensCap    = 8192
)

// ChatRequest is the inbound chat body.
type ChatRequest struct {
	Message     string              `json:"message"`
	SessionID   int64               `json:"sessionId,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Settings    *ChatSettings       `json:"settings,omitempty"`
}

// ChatSettings tunes one invocation. Pointer fields distinguish "absent"
// from zero so validation only fires on supplied values.
type ChatSettings struct {
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

// Usage reports quota and token consumption for one accepted message.
type Usage struct {
	MessageCount   int64 `json:"messageCount"`
	RemainingQuota int64 `json:"remainingQuota"`
	TokensUsed     int   `json:"tokensUsed"`
}

// Metadata describes how the response was produced.
type Metadata struct {
	Model            string  `json:"model"`
	Temperature      float32 `json:"temperature"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
	AttachmentCount  int     `json:"attachmentCount"`
}

// ChatResponse is the outbound chat envelope, for success and failure both.
type ChatResponse struct {
	Success    bool         `json:"success"`
	Response   string       `json:"response,omitempty"`
	SessionID  int64        `json:"sessionId,omitempty"`
	MessageID  int64        `json:"messageId,omitempty"`
	Incomplete bool         `json:"incomplete,omitempty"`
	Degraded   bool         `json:"degraded,omitempty"`
	Usage      *Usage       `json:"usage,omitempty"`
	Error      string       `json:"error,omitempty"`
	ErrorType  string       `json:"errorType,omitempty"`
	Fields     []FieldError `json:"fields,omitempty"`
	Metadata   *Metadata    `json:"metadata,omitempty"`
}

// ValidateChatRequest checks the parsed body against the input bounds and
// returns every violation at once.
func ValidateChatRequest(req *ChatRequest) []FieldError {
	var fields []FieldError
	length := utf8.RuneCountInString(req.Message)
	if length == 0 {
		fields = append(fields, FieldError{Field: "message", Message: "message is required"})
	} else if length > MaxMessageChars {
		fields = append(fields, FieldError{
			Field:   "message",
			Message: fmt.Sprintf("message exceeds %d characters", MaxMessageChars),
		})
	}
	if req.SessionID < 0 {
		fields = append(fields, FieldError{Field: "sessionId", Message: "sessionId cannot be negative"})
	}
	if s := req.Settings; s != nil {
		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > MaxTemperature) {
			fields = append(fields, FieldError{
				Field:   "settings.temperature",
				Message: fmt.Sprintf("temperature must be between 0 and %g", MaxTemperature),
			})
		}
		if s.MaxTokens != nil && (*s.MaxTokens < 1 || *s.MaxTokens > MaxTokensCap) {
			fields = append(fields, FieldError{
				Field:   "settings.maxTokens",
				Message: fmt.Sprintf("maxTokens must be between 1 and %d", MaxTokensCap),
			})
		}
	}
	return fields
}

// Invoker is the completion capability the orchestrator calls. Satisfied by
// ai.Service; tests substitute a mock.
type Invoker interface {
	Invoke(ctx context.Context, parts []models.ContentPart, p ai.Params) (*ai.Generated, error)
	Continue(ctx context.Context, parts []models.ContentPart, priorText string, p ai.Params) (*ai.Generated, error)
	GenerateTitle(ctx context.Context, userMessage string, p ai.Params) (string, error)
}

// Orchestrator sequences one chat request through validation, quota,
// attachments, context assembly, invocation and persistence. Each run is
// one-shot; every failure short-circuits into a typed error response.
type Orchestrator struct {
	cfg        *config.Config
	ledger     *quota.Ledger
	processor  *attach.Processor
	assembler  *prompt.Assembler
	invoker    Invoker
	assistant  *assistant.Service
	cache      *history.Cache
	dispatcher *worker.Dispatcher
}

func NewOrchestrator(
	cfg *config.Config,
	ledger *quota.Ledger,
	processor *attach.Processor,
	assembler *prompt.Assembler,
	invoker Invoker,
	store *assistant.Service,
	cache *history.Cache,
	dispatcher *worker.Dispatcher,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		ledger:     ledger,
		processor:  processor,
		assembler:  assembler,
		invoker:    invoker,
		assistant:  store,
		cache:      cache,
		dispatcher: dispatcher,
	}
}

// Run executes the pipeline for one request and always returns a response
// envelope; failures are encoded, never panicked or half-written.
func (o *Orchestrator) Run(ctx context.Context, id models.Identity, req ChatRequest) *ChatResponse {
	start := time.Now()
	params := o.invokeParams(req.Settings)

	// Validating
	if fields := ValidateChatRequest(&req); len(fields) > 0 {
		return o.fail(start, params, &req, validationError(fields...))
	}

	// ResolvingIdentity happened in middleware; enforce sendability here.
	if !id.IsSendable() {
		return o.fail(start, params, &req, &PipelineError{
			Kind:    KindValidation,
			Message: "a login or guest session is required to send messages",
		})
	}

	// CheckingQuota
	decision, err := o.ledger.CheckAndReserve(ctx, id)
	if err != nil {
		return o.fail(start, params, &req, &PipelineError{Kind: KindValidation, Message: err.Error()})
	}
	if !decision.Allowed {
		resp := o.fail(start, params, &req, &PipelineError{
			Kind:    KindQuota,
			Message: "message quota exceeded for the current period",
		})
		resp.Usage = usageFromState(decision.State, 0)
		return resp
	}
	// From here on a slot is held: release it on any failure so a failed
	// generation is never charged.

	// ProcessingAttachments
	processed, err := o.processor.Process(ctx, req.Attachments)
	if err != nil {
		o.ledger.Release(ctx, id)
		kind := KindAttachment
		var attErr *attach.Error
		if !errors.As(err, &attErr) {
			kind = KindServer
		}
		return o.fail(start, params, &req, &PipelineError{Kind: kind, Message: err.Error()})
	}

	// Session resolution: lazy creation for authenticated users, none for
	// guests (their turns are never persisted).
	sessionID, createdSession, perr := o.resolveSession(ctx, id, req.SessionID)
	if perr != nil {
		o.ledger.Release(ctx, id)
		return o.fail(start, params, &req, perr)
	}

	// AssemblingContext
	instruction := o.cfg.BasicConfig.SystemPrompt
	if req.Settings != nil && req.Settings.SystemPrompt != "" {
		instruction = req.Settings.SystemPrompt
	}
	parts := o.assembler.Assemble(ctx, prompt.Request{
		UserID:            id.UserID,
		SessionID:         sessionID,
		SystemInstruction: instruction,
		Message:           req.Message,
		Attachments:       processed,
	})

	// Invoking
	gen, perr := o.invokeThroughPool(ctx, id, func(callCtx context.Context) (*ai.Generated, error) {
		return o.invoker.Invoke(callCtx, parts, params)
	})
	if perr != nil {
		o.ledger.Release(ctx, id)
		return o.fail(start, params, &req, perr)
	}

	// Persisting (authenticated only)
	var messageID int64
	if id.Kind == models.IdentityAuthenticated {
		meta := make([]models.AttachmentMeta, 0, len(processed))
		for _, p := range processed {
			meta = append(meta, p.Meta())
		}
		_, assistantMsg, err := o.assistant.PersistTurn(ctx, assistant.Turn{
			UserID:           id.UserID,
			SessionID:        sessionID,
			UserContent:      req.Message,
			Attachments:      meta,
			AssistantContent: gen.Text,
			Incomplete:       gen.Incomplete,
		})
		if err != nil {
			o.ledger.Release(ctx, id)
			log.Printf("persist turn failed for session %d: %v", sessionID, err)
			return o.fail(start, params, &req, &PipelineError{
				Kind:    KindServer,
				Message: "failed to store the conversation turn",
			})
		}
		messageID = assistantMsg.ID
		o.cache.PublishInvalidation(history.InvalidateMessage{UserID: id.UserID, SessionID: sessionID})
		if createdSession {
			o.titleSession(id.UserID, sessionID, req.Message, params)
		}
	}

	// Commit the reservation; only the upload counter moves here.
	o.ledger.Commit(ctx, id, len(processed) > 0)

	resp := &ChatResponse{
		Success:    true,
		Response:   gen.Text,
		SessionID:  sessionID,
		MessageID:  messageID,
		Incomplete: gen.Incomplete,
		Degraded:   decision.Degraded,
		Usage:      o.usageFor(id, decision, gen.TokensUsed),
		Metadata:   o.metadata(start, params, &req),
	}
	return resp
}

// RunContinuation extends the latest incomplete assistant message of a
// session. Only authenticated identities have persisted messages to extend.
func (o *Orchestrator) RunContinuation(ctx context.Context, id models.Identity, sessionID int64) *ChatResponse {
	start := time.Now()
	params := o.invokeParams(nil)

	if id.Kind != models.IdentityAuthenticated || !id.IsActive {
		return o.fail(start, params, nil, &PipelineError{
			Kind:    KindValidation,
			Message: "continuation requires an authenticated session",
		})
	}
	if sessionID <= 0 {
		return o.fail(start, params, nil, validationError(FieldError{
			Field: "sessionId", Message: "sessionId is required",
		}))
	}

	prior, err := o.assistant.LatestIncompleteMessage(ctx, id.UserID, sessionID)
	if err != nil {
		if errors.Is(err, assistant.ErrNotContinuable) {
			return o.fail(start, params, nil, &PipelineError{
				Kind:    KindValidation,
				Message: "no incomplete response to continue",
			})
		}
		return o.fail(start, params, nil, &PipelineError{Kind: KindServer, Message: "failed to load the conversation"})
	}

	decision, err := o.ledger.CheckAndReserve(ctx, id)
	if err != nil {
		return o.fail(start, params, nil, &PipelineError{Kind: KindValidation, Message: err.Error()})
	}
	if !decision.Allowed {
		resp := o.fail(start, params, nil, &PipelineError{
			Kind:    KindQuota,
			Message: "message quota exceeded for the current period",
		})
		resp.Usage = usageFromState(decision.State, 0)
		return resp
	}

	instruction := o.cfg.BasicConfig.SystemPrompt
	if instruction == "" {
		instruction = prompt.DefaultSystemInstruction
	}
	parts := []models.ContentPart{models.TextPart(instruction)}

	gen, perr := o.invokeThroughPool(ctx, id, func(callCtx context.Context) (*ai.Generated, error) {
		return o.invoker.Continue(callCtx, parts, prior.Content, params)
	})
	if perr != nil {
		o.ledger.Release(ctx, id)
		return o.fail(start, params, nil, perr)
	}

	extended, err := o.assistant.ContinueAssistantMessage(ctx, id.UserID, prior.ID, gen.Text)
	if err != nil {
		o.ledger.Release(ctx, id)
		if errors.Is(err, assistant.ErrNotContinuable) {
			// Another continuation won the race and cleared the flag.
			return o.fail(start, params, nil, &PipelineError{
				Kind:    KindValidation,
				Message: "no incomplete response to continue",
			})
		}
		log.Printf("continuation persist failed for message %d: %v", prior.ID, err)
		return o.fail(start, params, nil, &PipelineError{
			Kind:    KindServer,
			Message: "failed to store the continuation",
		})
	}
	o.cache.PublishInvalidation(history.InvalidateMessage{UserID: id.UserID, SessionID: sessionID})
	o.ledger.Commit(ctx, id, false)

	return &ChatResponse{
		Success:    true,
		Response:   extended.Content,
		SessionID:  sessionID,
		MessageID:  extended.ID,
		Incomplete: gen.Incomplete,
		Degraded:   decision.Degraded,
		Usage:      o.usageFor(id, decision, gen.TokensUsed),
		Metadata:   o.metadata(start, params, nil),
	}
}

type invokeResult struct {
	gen *ai.Generated
	err error
}

// invokeThroughPool runs the completion call on the shared worker pool so
// concurrent users share upstream capacity fairly. The caller's context
// still bounds the wait.
func (o *Orchestrator) invokeThroughPool(ctx context.Context, id models.Identity, call func(context.Context) (*ai.Generated, error)) (*ai.Generated, *PipelineError) {
	done := make(chan invokeResult, 1)
	job := worker.Job{
		UserID: id.UserID,
		Run: func() {
			gen, err := call(ctx)
			done <- invokeResult{gen: gen, err: err}
		},
	}
	if err := o.dispatcher.Submit(job); err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			return nil, &PipelineError{Kind: KindAI, Message: "server is busy, please retry"}
		}
		return nil, &PipelineError{Kind: KindServer, Message: err.Error()}
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, aiPipelineError(res.err)
		}
		return res.gen, nil
	case <-ctx.Done():
		return nil, &PipelineError{Kind: KindAI, Message: "request cancelled before the model responded"}
	}
}

func aiPipelineError(err error) *PipelineError {
	var aiErr *ai.Error
	if errors.As(err, &aiErr) {
		msg := aiErr.Message
		if aiErr.Timeout {
			msg = "the model did not respond in time"
		}
		return &PipelineError{Kind: KindAI, Message: msg}
	}
	return &PipelineError{Kind: KindAI, Message: err.Error()}
}

// resolveSession verifies or lazily creates the persisted session for an
// authenticated request. Guests always run sessionless.
func (o *Orchestrator) resolveSession(ctx context.Context, id models.Identity, sessionID int64) (int64, bool, *PipelineError) {
	if id.Kind != models.IdentityAuthenticated {
		return 0, false, nil
	}
	if sessionID > 0 {
		owned, err := o.assistant.VerifySession(ctx, id.UserID, sessionID)
		if err != nil {
			return 0, false, &PipelineError{Kind: KindServer, Message: "failed to load the session"}
		}
		if !owned {
			return 0, false, validationError(FieldError{Field: "sessionId", Message: "session not found"})
		}
		return sessionID, false, nil
	}
	session, err := o.assistant.CreateSession(ctx, id.UserID, "")
	if err != nil {
		return 0, false, &PipelineError{Kind: KindServer, Message: "failed to create a session"}
	}
	return session.ID, true, nil
}

// titleSession names a fresh session after its opening message, best-effort
// and off the request path.
func (o *Orchestrator) titleSession(userID, sessionID int64, firstMessage string, params ai.Params) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		title, err := o.invoker.GenerateTitle(ctx, firstMessage, params)
		if err != nil || title == "" {
			return
		}
		if err := o.assistant.UpdateSessionTitle(ctx, userID, sessionID, title); err != nil {
			log.Printf("session title update failed for %d: %v", sessionID, err)
		}
	}()
}

func (o *Orchestrator) invokeParams(s *ChatSettings) ai.Params {
	params := ai.Params{}
	if s != nil {
		params.Provider = s.Provider
		params.Model = s.Model
		if s.Temperature != nil {
			params.Temperature = *s.Temperature
		}
		if s.MaxTokens != nil {
			params.MaxTokens = *s.MaxTokens
		}
	}
	if params.Provider == "" {
		for name := range o.cfg.Providers {
			params.Provider = name
			break
		}
	}
	if params.Model == "" {
		if provCfg, ok := o.cfg.Providers[params.Provider]; ok {
			params.Model = provCfg.Model
		}
	}
	return params
}

func (o *Orchestrator) usageFor(id models.Identity, decision quota.Decision, tokens int) *Usage {
	if id.Kind == models.IdentityGuest && decision.Guest != nil {
		return &Usage{
			MessageCount:   decision.Guest.MessageCount,
			RemainingQuota: decision.Guest.Remaining(),
			TokensUsed:     tokens,
		}
	}
	return usageFromState(decision.State, tokens)
}

func usageFromState(state models.QuotaState, tokens int) *Usage {
	return &Usage{
		MessageCount:   state.MessageCount,
		RemainingQuota: state.Remaining(),
		TokensUsed:     tokens,
	}
}

func (o *Orchestrator) metadata(start time.Time, params ai.Params, req *ChatRequest) *Metadata {
	m := &Metadata{
		Model:            params.Model,
		Temperature:      params.Temperature,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if req != nil {
		m.AttachmentCount = len(req.Attachments)
	}
	return m
}

func (o *Orchestrator) fail(start time.Time, params ai.Params, req *ChatRequest, perr *PipelineError) *ChatResponse {
	return &ChatResponse{
		Success:   false,
		Error:     perr.Message,
		ErrorType: perr.Kind,
		Fields:    perr.Fields,
		Metadata:  o.metadata(start, params, req),
	}
}
