package dispatch

import (
	"context"
	"errors"
	"net/http"

	"github.com/mattjoyce/callbackd/internal/queue"
)

// Classify maps the result of one callback to its outcome.
func Classify(statusCode int, err error) queue.Outcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return queue.OutcomeTimeout
		}
		return queue.OutcomeError
	}
	switch statusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return queue.OutcomeDelivered
	default:
		return queue.OutcomeError
	}
}
