package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/verifair/kycgate/app/models"
	"github.com/verifair/kycgate/app/repository"
)

// Enqueuer is the deferred-execution contract the service depends on.
// Satisfied by taskqueue.Queue.
type Enqueuer interface {
	EnqueueWebhookProcess(eventID, provider, idempotencyKey string) error
	EnqueueWebhookRetry(eventID string, eta time.Time) error
}

// Archiver copies a processed event's raw payload to cold storage.
type Archiver interface {
	ArchivePayload(ctx context.Context, event *models.WebhookEvent) error
}

// Service is the single write path for webhook events: ingestion,
// processing, and retry orchestration.
type Service struct {
	webhookRepo repository.WebhookRepository
	kycRepo     repository.KYCRepository
	queue       Enqueuer
	archiver    Archiver
	validate    *validator.Validate
	now         func() time.Time
}

// NewService creates a webhook service on top of the given repositories and
// queue.
func NewService(repos *repository.Repositories, queue Enqueuer) *Service {
	return &Service{
		webhookRepo: repos.Webhook,
		kycRepo:     repos.KYC,
		queue:       queue,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// SetArchiver enables best-effort payload archival after processing.
func (s *Service) SetArchiver(archiver Archiver) {
	s.archiver = archiver
}

// Receive accepts one verified callback. The returned bool is true when the
// event was already stored (idempotent receipt); the stored event is
// returned unchanged and no second processing attempt is scheduled.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (*models.WebhookEvent, bool, error) {
	if in.ProviderEventID != "" {
		existing, err := s.webhookRepo.GetByProviderEventID(in.Provider, in.ProviderEventID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check for duplicate event: %w", err)
		}
		if existing != nil {
			log.Infof("[Webhook] Duplicate delivery of %s/%s, returning event %s", in.Provider, in.ProviderEventID, existing.ID)
			return existing, true, nil
		}
	}

	headersJSON := ""
	if in.Headers != nil {
		if raw, err := json.Marshal(in.Headers); err == nil {
			headersJSON = string(raw)
		}
	}

	checkID, userID := extractRelatedIDs(in.RawPayload, in.EventType)

	event := &models.WebhookEvent{
		Provider:          in.Provider,
		EventType:         in.EventType,
		HTTPMethod:        "POST",
		HeadersJSON:       headersJSON,
		RawPayload:        string(in.RawPayload),
		Signature:         in.Signature,
		SignatureVerified: in.SignatureVerified,
		Status:            models.WebhookStatusPending,
		RelatedKYCCheckID: checkID,
		RelatedUserID:     userID,
	}
	if in.ProviderEventID != "" {
		providerEventID := in.ProviderEventID
		event.ProviderEventID = &providerEventID
	}

	if err := s.webhookRepo.Create(event); err != nil {
		// Two deliveries can race past the duplicate check above; the unique
		// index on (provider, provider_event_id) catches the loser.
		if in.ProviderEventID != "" {
			if existing, lookupErr := s.webhookRepo.GetByProviderEventID(in.Provider, in.ProviderEventID); lookupErr == nil && existing != nil {
				log.Infof("[Webhook] Concurrent duplicate delivery of %s/%s, returning event %s", in.Provider, in.ProviderEventID, existing.ID)
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("failed to store webhook event: %w", err)
	}

	idempotencyKey := fmt.Sprintf("webhook_%s_%s_%s", event.ID, event.Provider, event.ReceivedAt.UTC().Format(time.RFC3339))
	if err := s.queue.EnqueueWebhookProcess(event.ID, event.Provider, idempotencyKey); err != nil {
		// A stored event that never gets scheduled is a silent failure mode;
		// mark it failed so the retry sweep can pick it up.
		enqueueErr := fmt.Errorf("failed to enqueue processing job: %w", err)
		details, _ := json.Marshal(map[string]interface{}{"enqueue_error": err.Error()})
		if markErr := s.webhookRepo.MarkFailed(event.ID, enqueueErr.Error(), string(details)); markErr != nil {
			log.Errorf("[Webhook] Failed to mark event %s as failed after enqueue error: %v", event.ID, markErr)
		}
		return event, false, enqueueErr
	}

	log.Infof("[Webhook] Received %s event %s from %s", event.EventType, event.ID, event.Provider)
	return event, false, nil
}

// extractRelatedIDs pulls case and user references out of the raw payload on
// a best-effort basis. Malformed JSON is not an error; the fields stay empty.
func extractRelatedIDs(rawPayload []byte, eventType models.WebhookEventType) (checkID, userID string) {
	var data map[string]interface{}
	if err := json.Unmarshal(rawPayload, &data); err != nil {
		return "", ""
	}

	checkKeys := []string{"check_id", "kyc_check_id"}
	if isKYCEventType(eventType) {
		checkKeys = append(checkKeys, "id")
	}
	for _, key := range checkKeys {
		if value, ok := data[key].(string); ok && value != "" {
			checkID = value
			break
		}
	}

	for _, key := range []string{"user_id", "customer_id"} {
		if value, ok := data[key].(string); ok && value != "" {
			userID = value
			break
		}
	}

	return checkID, userID
}

func isKYCEventType(eventType models.WebhookEventType) bool {
	switch eventType {
	case models.EventTypeKYCStatusUpdate, models.EventTypeKYCDocumentVerified:
		return true
	}
	return false
}

// GetEvent returns a stored event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return s.webhookRepo.GetByID(id)
}

// ListEventsByStatus returns events in the given status, newest first.
func (s *Service) ListEventsByStatus(ctx context.Context, status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error) {
	return s.webhookRepo.GetByStatus(status, offset, limit)
}

// ListEventsByProvider returns events for a provider with an optional status
// filter, newest first.
func (s *Service) ListEventsByProvider(ctx context.Context, provider string, status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error) {
	return s.webhookRepo.GetByProvider(provider, status, offset, limit)
}

// ListEventsByUser returns events linked to a user, newest first.
func (s *Service) ListEventsByUser(ctx context.Context, userID string, offset, limit int) ([]models.WebhookEvent, int64, error) {
	return s.webhookRepo.GetByUser(userID, offset, limit)
}

// ListEventsByCase returns all events recorded against a verification case.
func (s *Service) ListEventsByCase(ctx context.Context, kycCheckID string) ([]models.WebhookEvent, error) {
	return s.webhookRepo.GetByKYCCheck(kycCheckID)
}

// Statistics aggregates processing outcomes over the last days.
func (s *Service) Statistics(ctx context.Context, provider string, days int) (*repository.WebhookStatistics, error) {
	return s.webhookRepo.Statistics(provider, days)
}

// SweepDueRetries re-schedules events whose next retry attempt is due. Called
// by the queue manager's retry ticker.
func (s *Service) SweepDueRetries(limit int) (int, error) {
	events, err := s.webhookRepo.GetEligibleForRetry(limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load retry-eligible events: %w", err)
	}

	scheduled := 0
	for i := range events {
		ok, message := s.Retry(context.Background(), events[i].ID, false)
		if !ok {
			log.Warnf("[Webhook] Sweep could not retry event %s: %s", events[i].ID, message)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// SweepStuckEvents fails events stranded in pending or processing longer
// than olderThan. An event gets stranded when its queue job is lost before
// completion (crashed worker, expired job record); failing it hands the
// event to the retry sweep. Called by the queue manager's stuck ticker.
func (s *Service) SweepStuckEvents(olderThan time.Duration, limit int) (int, error) {
	events, err := s.webhookRepo.GetStuckOlderThan(
		[]models.WebhookStatus{models.WebhookStatusPending, models.WebhookStatusProcessing},
		olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load stuck events: %w", err)
	}

	failed := 0
	for i := range events {
		message := fmt.Sprintf("stuck in status %q for over %s", events[i].Status, olderThan)
		if err := s.webhookRepo.MarkFailed(events[i].ID, message, ""); err != nil {
			log.Errorf("[Webhook] Failed to fail stuck event %s: %v", events[i].ID, err)
			continue
		}
		log.Warnf("[Webhook] Event %s %s; marked failed for retry", events[i].ID, message)
		failed++
	}
	return failed, nil
}

// CleanupOldEvents deletes events past retention. Failed events are kept when
// keepFailed is true.
func (s *Service) CleanupOldEvents(olderThan time.Duration, keepFailed bool) (int64, error) {
	deleted, err := s.webhookRepo.CleanupOld(olderThan, keepFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old webhook events: %w", err)
	}
	if deleted > 0 {
		log.Infof("[Webhook] Cleanup removed %d events older than %s (keepFailed=%t)", deleted, olderThan, keepFailed)
	}
	return deleted, nil
}
