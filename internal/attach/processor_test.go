package attach

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatrelay/internal/models"
)

func inlineAttachment(name, mimeType string, payload []byte) models.Attachment {
	return models.Attachment{
		ID:         "att-" + name,
		Name:       name,
		MimeType:   mimeType,
		SizeBytes:  int64(len(payload)),
		InlineData: base64.StdEncoding.EncodeToString(payload),
	}
}

func TestProcessValidBatch(t *testing.T) {
	p := NewProcessor()
	batch := []models.Attachment{
		inlineAttachment("photo.png", "image/png", []byte("png-bytes")),
		inlineAttachment("notes.txt", "text/plain; charset=utf-8", []byte("hello")),
		inlineAttachment("deck.pptx", "application/vnd.openxmlformats-officedocument.presentationml.presentation", []byte("pptx")),
	}
	processed, err := p.Process(context.Background(), batch)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(processed) != 3 {
		t.Fatalf("processed %d attachments, want 3", len(processed))
	}
	if processed[0].Family != models.MediaImage {
		t.Fatalf("photo family = %s", processed[0].Family)
	}
	if processed[1].Family != models.MediaDocument {
		t.Fatalf("notes family = %s", processed[1].Family)
	}
	if processed[1].MimeType != "text/plain" {
		t.Fatalf("mime not normalized: %s", processed[1].MimeType)
	}
	if processed[2].Family != models.MediaOther {
		t.Fatalf("deck family = %s", processed[2].Family)
	}
}

func TestProcessRejectsOversize(t *testing.T) {
	p := NewProcessor()
	att := inlineAttachment("big.bin", "image/png", []byte("x"))
	att.SizeBytes = 11_000_000
	_, err := p.Process(context.Background(), []models.Attachment{att})
	var attErr *Error
	if !errors.As(err, &attErr) {
		t.Fatalf("expected attachment error, got %v", err)
	}
	if attErr.FileName != "big.bin" {
		t.Fatalf("error names %q, want big.bin", attErr.FileName)
	}
}

func TestProcessRejectsDisallowedMime(t *testing.T) {
	p := NewProcessor()
	att := inlineAttachment("tool.exe", "application/x-msdownload", []byte("mz"))
	if _, err := p.Process(context.Background(), []models.Attachment{att}); err == nil {
		t.Fatalf("expected rejection for disallowed mime type")
	}
}

func TestProcessRejectsAmbiguousPayload(t *testing.T) {
	p := NewProcessor()
	both := inlineAttachment("both.png", "image/png", []byte("x"))
	both.RemoteURL = "https://example.com/x.png"
	if _, err := p.Process(context.Background(), []models.Attachment{both}); err == nil {
		t.Fatalf("expected rejection when both payloads are set")
	}

	neither := models.Attachment{Name: "neither.png", MimeType: "image/png", SizeBytes: 1}
	if _, err := p.Process(context.Background(), []models.Attachment{neither}); err == nil {
		t.Fatalf("expected rejection when no payload is set")
	}
}

func TestProcessFailFastReturnsNoPartialBatch(t *testing.T) {
	p := NewProcessor()
	batch := []models.Attachment{
		inlineAttachment("ok.txt", "text/plain", []byte("fine")),
		inlineAttachment("bad.txt", "text/plain", nil),
	}
	batch[1].InlineData = "%%% not base64 %%%"
	processed, err := p.Process(context.Background(), batch)
	if err == nil {
		t.Fatalf("expected batch rejection")
	}
	if processed != nil {
		t.Fatalf("partial batch returned: %v", processed)
	}
}

func TestProcessFetchesRemotePayload(t *testing.T) {
	payload := []byte("remote image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	p := NewProcessor()
	att := models.Attachment{
		Name:      "remote.png",
		MimeType:  "image/png",
		SizeBytes: int64(len(payload)),
		RemoteURL: srv.URL,
	}
	processed, err := p.Process(context.Background(), []models.Attachment{att})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := base64.StdEncoding.DecodeString(processed[0].InlineData)
	if err != nil || string(got) != string(payload) {
		t.Fatalf("remote payload not inlined: %q err=%v", got, err)
	}
}
