// Package provider wraps the upstream SMS gateway as a narrow capability:
// submit a batch of messages and get per-message outcomes, and query
// delivery status by provider message id.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message is one prepared SMS ready for submission.
type Message struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
	Reference string `json:"reference,omitempty"`
}

// MessageResult is the per-message outcome of a bulk submission. Exactly
// one of MessageID or Error is set.
type MessageResult struct {
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Sent reports whether the provider accepted this message.
func (r MessageResult) Sent() bool { return r.MessageID != "" && r.Error == "" }

// BulkResult is the provider response for one batch submission. Results
// are positionally aligned with the submitted messages.
type BulkResult struct {
	BatchID string          `json:"batchId"`
	Results []MessageResult `json:"messages"`
}

// Client is the consumed provider capability.
type Client interface {
	SendBulk(ctx context.Context, messages []Message) (*BulkResult, error)
	GetStatus(ctx context.Context, providerMessageID string) (string, error)
}

// Error is the closed provider error variant. Retryable is decided at the
// point of creation, never inferred at catch sites.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("provider: %s", e.Message)
}

// NewTransportError wraps a network-level failure; always retryable.
func NewTransportError(cause error) *Error {
	return &Error{Message: cause.Error(), Retryable: true}
}

// NewStatusError classifies an HTTP status: 5xx and 429 are retryable,
// any other 4xx is fatal.
func NewStatusError(statusCode int, message string) *Error {
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests
	return &Error{StatusCode: statusCode, Message: message, Retryable: retryable}
}

// IsRetryable reports whether the error should go back to the queue for
// another attempt. Unclassified errors default to retryable so a transient
// glitch never permanently fails recipients.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return true
}
