package attach

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"rsc.io/pdf"

	"chatrelay/internal/models"
)

// MaxExtractedChars caps how much document text enters the prompt; longer
// content gets a truncation marker.
const MaxExtractedChars = 5000

// TruncationMarker is appended when extracted text exceeds the cap.
const TruncationMarker = "\n[content truncated]"

// Extractor pulls prompt text out of document attachments. PDFs are read
// directly; everything else textual goes through the document loader.
type Extractor struct {
	loader *file.FileLoader
}

func NewExtractor() *Extractor {
	parserExt, err := parser.NewExtParser(context.Background(), &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		log.Printf("document parser unavailable, falling back to raw text: %v", err)
		return &Extractor{}
	}
	loader, err := file.NewFileLoader(context.Background(), &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		log.Printf("document loader unavailable, falling back to raw text: %v", err)
		return &Extractor{}
	}
	return &Extractor{loader: loader}
}

// ExtractText decodes a document attachment and returns up to
// MaxExtractedChars of its text, with the truncation marker when longer.
func (e *Extractor) ExtractText(ctx context.Context, att models.ProcessedAttachment) (string, error) {
	if att.Family != models.MediaDocument {
		return "", errors.New("attachment is not a document")
	}
	data, err := base64.StdEncoding.DecodeString(att.InlineData)
	if err != nil {
		return "", fmt.Errorf("decode attachment payload: %w", err)
	}

	var text string
	if att.MimeType == "application/pdf" {
		text, err = extractPDFText(data)
	} else {
		text, err = e.extractLoaderText(ctx, att.Name, data)
	}
	if err != nil {
		return "", err
	}
	return capText(text), nil
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var builder strings.Builder
	count := 0
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		for _, item := range page.Content().Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteByte('\n')
			}
			builder.WriteString(chunk)
			count += utf8.RuneCountInString(chunk)
			if count > MaxExtractedChars {
				return builder.String(), nil
			}
		}
	}
	return builder.String(), nil
}

// extractLoaderText round-trips the payload through a temp file so the
// extension-dispatching loader can pick a parser.
func (e *Extractor) extractLoaderText(ctx context.Context, name string, data []byte) (string, error) {
	if e.loader == nil {
		return string(data), nil
	}
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".txt"
	}
	tmp, err := os.CreateTemp("", "attach-*"+ext)
	if err != nil {
		return string(data), nil
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	docs, err := e.loader.Load(ctx, document.Source{URI: tmp.Name()})
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(content)
	}
	return builder.String(), nil
}

func capText(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxExtractedChars {
		return text
	}
	return string(runes[:MaxExtractedChars]) + TruncationMarker
}
