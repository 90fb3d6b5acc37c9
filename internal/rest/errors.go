package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"chat-client/internal/models"
)

// Classify maps a transport error onto the failure taxonomy. The original
// error stays in the chain.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrTimeout) || errors.Is(err, models.ErrNetworkUnavailable) ||
		errors.Is(err, models.ErrServerRejected) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", models.ErrNetworkUnavailable, err)
}

func rejected(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &models.RejectedError{Status: resp.StatusCode, Body: string(body)}
}

// outcome labels a call result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrTimeout):
		return "timeout"
	case errors.Is(err, models.ErrServerRejected):
		return "rejected"
	case errors.Is(err, models.ErrNetworkUnavailable):
		return "network"
	default:
		return "error"
	}
}
