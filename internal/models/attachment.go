package models

// Attachment is one raw uploaded payload as supplied by the client.
// Exactly one of InlineData (base64) or RemoteURL must be present.
type Attachment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	SizeBytes  int64  `json:"sizeBytes"`
	InlineData string `json:"inlineData,omitempty"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
}

// MediaFamily buckets allow-listed mime types by how the completion
// service can consume them.
type MediaFamily string

const (
	MediaImage    MediaFamily = "image"
	MediaAudio    MediaFamily = "audio"
	MediaVideo    MediaFamily = "video"
	MediaDocument MediaFamily = "document"
	MediaOther    MediaFamily = "other"
)

// ProcessedAttachment is a validated, normalized attachment ready for
// context assembly.
type ProcessedAttachment struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	MimeType   string      `json:"mimeType"`
	SizeBytes  int64       `json:"sizeBytes"`
	Family     MediaFamily `json:"family"`
	InlineData string      `json:"inlineData,omitempty"`
	RemoteURL  string      `json:"remoteUrl,omitempty"`
}

// Meta converts to the slim descriptor persisted with a message.
func (p ProcessedAttachment) Meta() AttachmentMeta {
	return AttachmentMeta{
		ID:        p.ID,
		Name:      p.Name,
		MimeType:  p.MimeType,
		SizeBytes: p.SizeBytes,
	}
}

// ContentPartKind discriminates one structured input unit for the
// completion service.
type ContentPartKind string

const (
	PartText         ContentPartKind = "text"
	PartInlineBinary ContentPartKind = "inline_binary"
)

// ContentPart is constructed fresh per request and never persisted.
type ContentPart struct {
	Kind     ContentPartKind
	Text     string
	MimeType string
	Base64   string
}

// TextPart builds a plain text part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: PartText, Text: text}
}

// InlineBinaryPart builds an inline binary part from base64 data.
func InlineBinaryPart(mimeType, base64Data string) ContentPart {
	return ContentPart{Kind: PartInlineBinary, MimeType: mimeType, Base64: base64Data}
}
