package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// maxRetryBackoff caps the exponential backoff so a retry can never be
// pushed past a monitoring blind spot.
const maxRetryBackoff = 60 * time.Minute

// retryBackoff computes the delay before the next attempt:
// min(2^retryCount, 60) minutes.
func retryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 6 { // 2^6 minutes already exceeds the cap
		return maxRetryBackoff
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Minute
	if delay > maxRetryBackoff {
		return maxRetryBackoff
	}
	return delay
}

// Retry schedules another processing attempt for a failed event. force
// bypasses the exhaustion check for explicit operator intervention. The
// returned message explains a refusal precisely so operators can decide
// whether forcing is warranted.
func (s *Service) Retry(ctx context.Context, eventID string, force bool) (bool, string) {
	event, err := s.webhookRepo.GetByID(eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Sprintf("webhook event %s not found", eventID)
		}
		return false, fmt.Sprintf("failed to load webhook event %s: %v", eventID, err)
	}

	if !force && !event.CanRetry() {
		if event.RetryCount >= event.MaxRetries {
			return false, fmt.Sprintf("retry limit reached (%d/%d); use force to override", event.RetryCount, event.MaxRetries)
		}
		return false, fmt.Sprintf("event in status %q is not retryable", event.Status)
	}

	delay := retryBackoff(event.RetryCount)
	nextRetryAt := s.now().UTC().Add(delay)

	if err := s.webhookRepo.IncrementRetry(event.ID, &nextRetryAt); err != nil {
		return false, fmt.Sprintf("failed to record retry attempt: %v", err)
	}

	if err := s.queue.EnqueueWebhookRetry(event.ID, nextRetryAt); err != nil {
		return false, fmt.Sprintf("failed to schedule retry: %v", err)
	}

	log.Infof("[Webhook] Scheduled retry %d/%d of event %s in %s", event.RetryCount+1, event.MaxRetries, event.ID, delay)
	return true, fmt.Sprintf("retry %d/%d scheduled for %s", event.RetryCount+1, event.MaxRetries, nextRetryAt.Format(time.RFC3339))
}
