package llm

import (
	"fmt"
	"time"
)

// ErrRateLimit indicates the provider returned a rate limit error (429).
type ErrRateLimit struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *ErrRateLimit) Unwrap() error { return e.Err }

// ErrInvalidResponse indicates the provider returned a response that
// cannot be interpreted (no choices, misaligned logprob arrays).
type ErrInvalidResponse struct {
	Err error
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("invalid provider response: %v", e.Err)
}

func (e *ErrInvalidResponse) Unwrap() error { return e.Err }

// ErrProviderUnavailable indicates the provider is down or unreachable.
type ErrProviderUnavailable struct {
	Err error
}

func (e *ErrProviderUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("LLM provider unavailable: %v", e.Err)
	}
	return "LLM provider unavailable"
}

func (e *ErrProviderUnavailable) Unwrap() error { return e.Err }

// ErrMaxTokensExceeded indicates the prompt plus requested tokens do not
// fit the context window.
type ErrMaxTokensExceeded struct {
	Limit int
}

func (e *ErrMaxTokensExceeded) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("request exceeds context length %d", e.Limit)
	}
	return "request exceeds context length"
}

// ErrUnsupported indicates the provider cannot serve a feature at all,
// e.g. logprobs or evaluation of a known text.
type ErrUnsupported struct {
	Provider string
	Feature  string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Provider, e.Feature)
}

// ErrContractViolation indicates the provider returned no or partial
// logprob data where the caller required it.
type ErrContractViolation struct {
	Model  string
	Detail string
}

func (e *ErrContractViolation) Error() string {
	return fmt.Sprintf("provider contract violation (%s): %s", e.Model, e.Detail)
}
