package api

import "net/http"

// Error kinds, in the order the pipeline can produce them.
const (
	KindValidation = "validation_error"
	KindQuota      = "quota_exceeded"
	KindAttachment = "attachment_error"
	KindAI         = "ai_error"
	KindServer     = "server_error"
)

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PipelineError is the typed failure of one pipeline run. Kind selects the
// HTTP status; Message is always safe to return to the caller.
type PipelineError struct {
	Kind    string
	Message string
	Fields  []FieldError
}

func (e *PipelineError) Error() string {
	return e.Message
}

func validationError(fields ...FieldError) *PipelineError {
	msg := "invalid request"
	if len(fields) > 0 {
		msg = fields[0].Message
	}
	return &PipelineError{Kind: KindValidation, Message: msg, Fields: fields}
}

// httpStatus maps an error kind to its response status.
func httpStatus(kind string) int {
	switch kind {
	case KindValidation, KindAttachment:
		return http.StatusBadRequest
	case KindQuota:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
