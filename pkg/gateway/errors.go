package gateway

import (
	"errors"
	"fmt"
	"time"
)

// providerPayloadCap bounds how much of a provider error body is kept.
const providerPayloadCap = 4 * 1024

// ProviderError is a failed provider call with enough context to
// classify and surface it: which provider, which action, the HTTP
// status and the (capped) response payload. StatusCode 0 means the
// request never completed (dial, TLS, timeout).
type ProviderError struct {
	ProviderKey     string    `json:"provider_key"`
	ActionName      string    `json:"action_name,omitempty"`
	StatusCode      int       `json:"status_code"`
	ProviderPayload string    `json:"provider_payload,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Err             error     `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s: %s: %v", e.ProviderKey, e.ActionName, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: status %d", e.ProviderKey, e.ActionName, e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying: transport
// failures and 5xx responses. 4xx responses are the caller's fault and
// retrying them is pointless.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IsTransient reports whether err wraps a transient provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient()
}
