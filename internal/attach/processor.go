package attach

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatrelay/internal/models"
)

const (
	// MaxAttachmentBytes caps one attachment payload.
	MaxAttachmentBytes = 10 << 20 // 10 MiB

	fetchTimeout = 15 * time.Second
)

// Error names the offending file of a rejected batch. Validation is
// all-or-nothing: the first invalid attachment aborts the whole batch so a
// message is never partially attached.
type Error struct {
	FileName string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("attachment %q rejected: %s", e.FileName, e.Reason)
}

var allowedContentTypes = []string{
	"image/",
	"audio/",
	"video/",
	"text/",
	"application/pdf",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// Processor validates, classifies, and normalizes uploaded attachments.
type Processor struct {
	httpClient *http.Client
}

func NewProcessor() *Processor {
	return &Processor{
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

// Process validates the whole batch fail-fast and normalizes each entry.
// Remote payloads are fetched inline so downstream assembly sees one shape.
func (p *Processor) Process(ctx context.Context, raw []models.Attachment) ([]models.ProcessedAttachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	processed := make([]models.ProcessedAttachment, 0, len(raw))
	for _, att := range raw {
		pa, err := p.processOne(ctx, att)
		if err != nil {
			return nil, err
		}
		processed = append(processed, pa)
	}
	return processed, nil
}

func (p *Processor) processOne(ctx context.Context, att models.Attachment) (models.ProcessedAttachment, error) {
	name := strings.TrimSpace(att.Name)
	if name == "" {
		name = "attachment"
	}
	if att.SizeBytes > MaxAttachmentBytes {
		return models.ProcessedAttachment{}, &Error{FileName: name, Reason: "file too large"}
	}
	mimeType := normalizeMime(att.MimeType)
	if mimeType == "" || !isAllowedContentType(mimeType) {
		return models.ProcessedAttachment{}, &Error{FileName: name, Reason: "unsupported file type"}
	}
	hasInline := att.InlineData != ""
	hasRemote := att.RemoteURL != ""
	if hasInline == hasRemote {
		return models.ProcessedAttachment{}, &Error{FileName: name, Reason: "exactly one of inline data or remote url must be set"}
	}

	inline := att.InlineData
	if hasInline {
		decoded, err := base64.StdEncoding.DecodeString(inline)
		if err != nil {
			return models.ProcessedAttachment{}, &Error{FileName: name, Reason: "inline data is not valid base64"}
		}
		if int64(len(decoded)) > MaxAttachmentBytes {
			return models.ProcessedAttachment{}, &Error{FileName: name, Reason: "file too large"}
		}
	} else {
		data, err := p.fetchRemote(ctx, att.RemoteURL)
		if err != nil {
			return models.ProcessedAttachment{}, &Error{FileName: name, Reason: err.Error()}
		}
		inline = base64.StdEncoding.EncodeToString(data)
	}

	return models.ProcessedAttachment{
		ID:         att.ID,
		Name:       name,
		MimeType:   mimeType,
		SizeBytes:  att.SizeBytes,
		Family:     classify(mimeType),
		InlineData: inline,
		RemoteURL:  att.RemoteURL,
	}, nil
}

func (p *Processor) fetchRemote(ctx context.Context, target string) ([]byte, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, errors.New("invalid remote url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("unsupported url scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch remote payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch remote payload: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read remote payload: %w", err)
	}
	if int64(len(data)) > MaxAttachmentBytes {
		return nil, errors.New("file too large")
	}
	return data, nil
}

// classify buckets a validated mime type by how the completion service can
// consume it. Office formats pass validation but are not directly
// interpretable, so they land in MediaOther.
func classify(mimeType string) models.MediaFamily {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MediaImage
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MediaAudio
	case strings.HasPrefix(mimeType, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(mimeType, "text/"),
		mimeType == "application/pdf",
		mimeType == "application/json":
		return models.MediaDocument
	default:
		return models.MediaOther
	}
}

func normalizeMime(mimeType string) string {
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}
