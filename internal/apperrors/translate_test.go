package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTranslateKnownCode(t *testing.T) {
	err := &CosplansError{
		Code:          CodeAuthInvalidServiceKey,
		Severity:      "warning",
		UserMessage:   "bad key",
		CorrelationID: "corr-123",
	}

	got := Translate(err)
	if got.Title != "Service key rejected" {
		t.Fatalf("title = %q", got.Title)
	}
	if !strings.Contains(got.Description, "corr-123") {
		t.Fatalf("description %q does not contain correlation id", got.Description)
	}
	if strings.Contains(got.Description, correlationPlaceholder) {
		t.Fatalf("description %q still contains placeholder", got.Description)
	}
	if !got.Retry {
		t.Fatal("retry = false, want true")
	}
	if got.CorrelationID != "corr-123" {
		t.Fatalf("correlationId = %q, want corr-123", got.CorrelationID)
	}
	if got.SupportRecommendation == "" {
		t.Fatal("supportRecommendation is empty")
	}
}

func TestTranslateTerminalCodeIsNotRetryable(t *testing.T) {
	got := Translate(New(CodeConnectionFormInvalid, "missing key"))
	if got.Retry {
		t.Fatal("retry = true, want false for terminal configuration error")
	}
	if len(got.CorrelationID) != 36 {
		t.Fatalf("correlationId = %q, want generated 36-char id", got.CorrelationID)
	}
}

func TestTranslateWrappedStructuredError(t *testing.T) {
	inner := New(CodeIncidentNotFound, "no such incident")
	got := Translate(fmt.Errorf("acknowledge: %w", inner))
	if got.Title != "Incident not found" {
		t.Fatalf("title = %q, want Incident not found", got.Title)
	}
	if got.Retry {
		t.Fatal("retry = true, want false")
	}
}

func TestTranslateUnknownCodeWithRecommendation(t *testing.T) {
	err := &CosplansError{
		Code:        "SOMETHING_NEW",
		UserMessage: "The widget exploded",
		OperatorContext: &OperatorContext{
			SupportRecommendation: "Restart the widget",
		},
	}

	got := Translate(err)
	if got.Title != genericTitle {
		t.Fatalf("title = %q, want %q", got.Title, genericTitle)
	}
	if got.Description != "The widget exploded" {
		t.Fatalf("description = %q", got.Description)
	}
	if got.SupportRecommendation != "Restart the widget" {
		t.Fatalf("supportRecommendation = %q", got.SupportRecommendation)
	}
	if !got.Retry {
		t.Fatal("retry = false, want true")
	}
}

func TestTranslateUnstructuredErrors(t *testing.T) {
	var typedNil *CosplansError

	tests := []struct {
		name            string
		err             error
		wantDescription string
	}{
		{name: "plain error", err: errors.New("socket closed"), wantDescription: "socket closed"},
		{name: "nil error", err: nil, wantDescription: genericDescription},
		{name: "empty message", err: errors.New("   "), wantDescription: genericDescription},
		{name: "typed nil", err: typedNil, wantDescription: genericDescription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.err)
			if got.Title != genericTitle {
				t.Fatalf("title = %q", got.Title)
			}
			if got.Description != tt.wantDescription {
				t.Fatalf("description = %q, want %q", got.Description, tt.wantDescription)
			}
			if !got.Retry {
				t.Fatal("retry = false, want true")
			}
			if len(got.CorrelationID) != 36 {
				t.Fatalf("correlationId = %q, want 36 chars", got.CorrelationID)
			}
		})
	}
}

func TestTranslateGeneratesDistinctCorrelationIDs(t *testing.T) {
	a := Translate(errors.New("x"))
	b := Translate(errors.New("x"))
	if a.CorrelationID == b.CorrelationID {
		t.Fatalf("correlation ids should differ, both %q", a.CorrelationID)
	}
}

func TestHTTPStatusAndKind(t *testing.T) {
	if got := HTTPStatus(CodeIncidentNotFound); got != 404 {
		t.Fatalf("HTTPStatus(INCIDENT_NOT_FOUND) = %d, want 404", got)
	}
	if got := HTTPStatus("nope"); got != 500 {
		t.Fatalf("HTTPStatus(unknown) = %d, want 500", got)
	}
	if got := KindOf("HTTP_503"); got != KindConnectivity {
		t.Fatalf("KindOf(HTTP_503) = %s, want connectivity", got)
	}
	if !IsNotFound(New(CodeConnectionNotFound, "gone")) {
		t.Fatal("IsNotFound() = false, want true")
	}
}
