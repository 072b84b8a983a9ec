// Package apperrors holds the failure taxonomy shared by every component and the
// translator that turns failures into operator-facing guidance.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CodeAuthInvalidServiceKey   = "AUTH_INVALID_SERVICE_KEY"
	CodeAuthForbidden           = "AUTH_FORBIDDEN"
	CodeConnectionFormInvalid   = "CONNECTION_FORM_INVALID"
	CodeConnectionNotFound      = "CONNECTION_NOT_FOUND"
	CodeConnectionNotVerified   = "CONNECTION_NOT_VERIFIED"
	CodeIncidentNotFound        = "INCIDENT_NOT_FOUND"
	CodeNetworkTimeout          = "TIMEOUT"
	CodeNetworkError            = "NETWORK_ERROR"
	CodeUpstreamHTTP            = "HTTP_UPSTREAM"
	CodeRepositoryWriteFailed   = "HEALTH_REPOSITORY_WRITE_FAILED"
	CodeRepositoryUnavailable   = "REPOSITORY_UNAVAILABLE"
	CodeHeartbeatUnauthorized   = "HEARTBEAT_UNAUTHORIZED"
	CodeInvalidPayload          = "INVALID_PAYLOAD"
	CodeConfigurationIncomplete = "CONFIGURATION_INCOMPLETE"
)

// Kind groups codes into the four failure families of the taxonomy.
type Kind string

const (
	KindCredential   Kind = "credential"
	KindConnectivity Kind = "connectivity"
	KindNotFound     Kind = "not_found"
	KindInternal     Kind = "internal"
	KindValidation   Kind = "validation"
)

type OperatorContext struct {
	SupportRecommendation string `json:"supportRecommendation,omitempty"`
}

// CosplansError is the structured failure every component raises when it needs to
// surface something to an operator.
type CosplansError struct {
	Code            string           `json:"code"`
	Severity        string           `json:"severity"`
	UserMessage     string           `json:"userMessage"`
	CorrelationID   string           `json:"correlationId,omitempty"`
	OperatorContext *OperatorContext `json:"operatorContext,omitempty"`
	Err             error            `json:"-"`
}

func (e *CosplansError) Error() string {
	msg := e.UserMessage
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CosplansError) Unwrap() error {
	return e.Err
}

// New builds a CosplansError, taking severity from the known-errors table when the code is listed.
func New(code, userMessage string) *CosplansError {
	severity := "error"
	if entry, ok := knownErrors[code]; ok {
		severity = entry.severity
	}
	return &CosplansError{Code: code, Severity: severity, UserMessage: userMessage}
}

// Wrap attaches an underlying cause to a new CosplansError.
func Wrap(code, userMessage string, err error) *CosplansError {
	e := New(code, userMessage)
	e.Err = err
	return e
}

// WithRecommendation sets the operator support recommendation and returns the receiver.
func (e *CosplansError) WithRecommendation(recommendation string) *CosplansError {
	e.OperatorContext = &OperatorContext{SupportRecommendation: recommendation}
	return e
}

// As extracts the first CosplansError in the chain.
func As(err error) (*CosplansError, bool) {
	var target *CosplansError
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or "" for unclassified failures.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return strings.TrimSpace(e.Code)
	}
	return ""
}

func IsNotFound(err error) bool {
	return KindOf(CodeOf(err)) == KindNotFound
}

func KindOf(code string) Kind {
	if entry, ok := knownErrors[code]; ok {
		return entry.kind
	}
	if strings.HasPrefix(code, "HTTP_") {
		return KindConnectivity
	}
	return KindInternal
}
