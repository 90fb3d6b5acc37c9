package models

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the REST client, live channel and transfers.
var (
	ErrNetworkUnavailable     = errors.New("network unavailable")
	ErrTimeout                = errors.New("request timed out")
	ErrServerRejected         = errors.New("server rejected request")
	ErrNotFound               = errors.New("file not found locally")
	ErrTranslationUnavailable = errors.New("translation unavailable")
	ErrChannelDisconnected    = errors.New("live channel disconnected")

	ErrEmptyMessage      = errors.New("message content is empty")
	ErrInvalidTransition = errors.New("invalid delivery state transition")
	ErrUnknownMessage    = errors.New("message not in timeline")
)

// RejectedError carries the HTTP status of a rejected request. It matches
// ErrServerRejected with errors.Is.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server rejected request: status %d", e.Status)
	}
	return fmt.Sprintf("server rejected request: status %d: %s", e.Status, e.Body)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrServerRejected
}
