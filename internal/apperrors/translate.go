package apperrors

import (
	"strings"

	"github.com/google/uuid"
)

const (
	genericTitle          = "Something went wrong"
	genericDescription    = "An unexpected error occurred."
	genericRecommendation = "Try again. If the problem persists, contact support and quote the correlation id."
)

type ErrorTranslation struct {
	Title                 string `json:"title"`
	Description           string `json:"description"`
	SupportRecommendation string `json:"supportRecommendation,omitempty"`
	Retry                 bool   `json:"retry"`
	CorrelationID         string `json:"correlationId"`
}

// Translate turns any failure into operator guidance. It never panics and always
// returns a non-empty correlation id.
func Translate(err error) (out ErrorTranslation) {
	defer func() {
		if recover() != nil {
			out = fallback("", "")
		}
	}()

	structured, ok := As(err)
	if !ok {
		message := ""
		if err != nil {
			message = strings.TrimSpace(err.Error())
		}
		return fallback(message, "")
	}

	correlationID := strings.TrimSpace(structured.CorrelationID)
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}

	code := strings.TrimSpace(structured.Code)
	if entry, known := knownErrors[code]; known {
		return ErrorTranslation{
			Title:                 entry.title,
			Description:           strings.ReplaceAll(entry.description, correlationPlaceholder, correlationID),
			SupportRecommendation: recommendationFor(structured, entry.remediation),
			Retry:                 !entry.terminal,
			CorrelationID:         correlationID,
		}
	}

	translation := fallback(structured.UserMessage, correlationID)
	if structured.OperatorContext != nil && structured.OperatorContext.SupportRecommendation != "" {
		translation.SupportRecommendation = structured.OperatorContext.SupportRecommendation
	}
	return translation
}

// NewCorrelationID returns a random 36-character identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

func recommendationFor(e *CosplansError, tableDefault string) string {
	if e.OperatorContext != nil && strings.TrimSpace(e.OperatorContext.SupportRecommendation) != "" {
		return e.OperatorContext.SupportRecommendation
	}
	return tableDefault
}

func fallback(message, correlationID string) ErrorTranslation {
	if strings.TrimSpace(message) == "" {
		message = genericDescription
	}
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return ErrorTranslation{
		Title:                 genericTitle,
		Description:           message,
		SupportRecommendation: genericRecommendation,
		Retry:                 true,
		CorrelationID:         correlationID,
	}
}
