package prompt

import (
	"context"
	"fmt"
	"log"

	"chatrelay/internal/attach"
	"chatrelay/internal/history"
	"chatrelay/internal/models"
)

// HistoryLimit bounds how many persisted messages enrich the context.
const HistoryLimit = 20

// DefaultSystemInstruction opens every assembled prompt unless the request
// overrides it.
const DefaultSystemInstruction = "You are a helpful assistant. Answer clearly and concisely, " +
	"using any attached files and prior conversation for context."

// HistorySource retrieves the most recent persisted messages of a session,
// oldest first.
type HistorySource interface {
	RecentMessages(ctx context.Context, userID, sessionID int64, limit int) ([]*models.Message, error)
}

// Assembler builds the ordered content parts for one completion call:
// instruction, history, attachments, current message. The ordering is part
// of the contract; the completion service expects the most recent input
// last.
type Assembler struct {
	source    HistorySource
	cache     *history.Cache
	extractor *attach.Extractor
}

func NewAssembler(source HistorySource, cache *history.Cache, extractor *attach.Extractor) *Assembler {
	return &Assembler{source: source, cache: cache, extractor: extractor}
}

// Request carries everything one assembly needs.
type Request struct {
	UserID            int64
	SessionID         int64 // 0 means no history
	SystemInstruction string
	Message           string
	Attachments       []models.ProcessedAttachment
}

// Assemble builds the part sequence. History retrieval is best-effort: a
// failed lookup logs and degrades to no history rather than aborting.
func (a *Assembler) Assemble(ctx context.Context, req Request) []models.ContentPart {
	instruction := req.SystemInstruction
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}
	parts := make([]models.ContentPart, 0, 2+len(req.Attachments)*2)
	parts = append(parts, models.TextPart(instruction))

	for _, msg := range a.loadHistory(ctx, req.UserID, req.SessionID) {
		parts = append(parts, models.TextPart(fmt.Sprintf("%s: %s", msg.Role, msg.Content)))
	}

	for _, att := range req.Attachments {
		parts = append(parts, a.attachmentParts(ctx, att)...)
	}

	parts = append(parts, models.TextPart(req.Message))
	return parts
}

func (a *Assembler) loadHistory(ctx context.Context, userID, sessionID int64) []*models.Message {
	if sessionID <= 0 || a.source == nil {
		return nil
	}
	if cached, ok := a.cache.LoadHistory(ctx, userID, sessionID); ok {
		return tail(cached, HistoryLimit)
	}
	messages, err := a.source.RecentMessages(ctx, userID, sessionID, HistoryLimit)
	if err != nil {
		log.Printf("history lookup failed for session %d: %v", sessionID, err)
		return nil
	}
	a.cache.CacheHistory(ctx, sessionID, messages)
	return messages
}

func (a *Assembler) attachmentParts(ctx context.Context, att models.ProcessedAttachment) []models.ContentPart {
	switch att.Family {
	case models.MediaImage:
		return []models.ContentPart{
			models.InlineBinaryPart(att.MimeType, att.InlineData),
			models.TextPart(fmt.Sprintf("Analyze the attached image %q.", att.Name)),
		}
	case models.MediaAudio:
		return []models.ContentPart{
			models.InlineBinaryPart(att.MimeType, att.InlineData),
			models.TextPart(fmt.Sprintf("Transcribe and analyze the attached audio %q.", att.Name)),
		}
	case models.MediaVideo:
		return []models.ContentPart{
			models.InlineBinaryPart(att.MimeType, att.InlineData),
			models.TextPart(fmt.Sprintf("Analyze the attached video %q.", att.Name)),
		}
	case models.MediaDocument:
		text, err := a.extractor.ExtractText(ctx, att)
		if err != nil || text == "" {
			if err != nil {
				log.Printf("extract attachment %q failed: %v", att.Name, err)
			}
			return []models.ContentPart{placeholderPart(att)}
		}
		return []models.ContentPart{
			models.TextPart(fmt.Sprintf("Content of attached file %q:\n%s", att.Name, text)),
		}
	default:
		return []models.ContentPart{placeholderPart(att)}
	}
}

func placeholderPart(att models.ProcessedAttachment) models.ContentPart {
	return models.TextPart(fmt.Sprintf(
		"The file %q (%s, %d bytes) was attached but cannot be interpreted directly.",
		att.Name, att.MimeType, att.SizeBytes,
	))
}

func tail(messages []*models.Message, limit int) []*models.Message {
	if len(messages) <= limit {
		return messages
	}
	return messages[len(messages)-limit:]
}
