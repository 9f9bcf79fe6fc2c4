package orchestrator

import (
	"errors"
	"fmt"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/gateway"
)

// Error kinds surfaced in tool results and error events.
const (
	KindAuth              = "auth"
	KindSchema            = "schema"
	KindConfiguration     = "configuration"
	KindProvider          = "provider"
	KindTransport         = "transport"
	KindResolutionWarning = "resolution_warning"
	KindParseError        = "parse_error"
	KindInternal          = "internal"
)

// ClassifiedError carries an error kind plus structured details for the
// client-facing error payload.
type ClassifiedError struct {
	Kind    string
	Message string
	Details map[string]any
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func classified(kind, message string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: message, Err: err}
}

// classifyProviderFailure maps a failed gateway call onto an error kind:
// exhausted transport/5xx retries are "transport", provider-reported
// 4xx errors are "provider", anything else "internal".
func classifyProviderFailure(err error) *ClassifiedError {
	var pe *gateway.ProviderError
	if errors.As(err, &pe) {
		details := map[string]any{
			"provider_key": pe.ProviderKey,
			"action_name":  pe.ActionName,
		}
		if pe.StatusCode != 0 {
			details["status_code"] = pe.StatusCode
		}
		if pe.ProviderPayload != "" {
			details["provider_payload"] = pe.ProviderPayload
		}
		kind := KindProvider
		if pe.Transient() {
			kind = KindTransport
		}
		return &ClassifiedError{Kind: kind, Message: pe.Error(), Details: details, Err: err}
	}
	return classified(KindInternal, "provider call failed", err)
}
