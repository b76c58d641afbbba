package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/google/uuid"

	"github.com/verifair/kycgate/app/models"
	"github.com/verifair/kycgate/app/repository"
)

// fakeWebhookRepo is an in-memory WebhookRepository for service tests.
type fakeWebhookRepo struct {
	mu        sync.Mutex
	events    map[string]*models.WebhookEvent
	createErr error
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{events: make(map[string]*models.WebhookEvent)}
}

func (r *fakeWebhookRepo) Create(event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	if event.MaxRetries == 0 {
		event.MaxRetries = models.DefaultMaxRetries
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = time.Now().UTC()
	}
	if event.ProviderEventID != nil {
		for _, existing := range r.events {
			if existing.Provider == event.Provider &&
				existing.ProviderEventID != nil &&
				*existing.ProviderEventID == *event.ProviderEventID {
				return errors.New("duplicate entry for key ux_webhook_events_provider_event")
			}
		}
	}
	copied := *event
	r.events[event.ID] = &copied
	return nil
}

func (r *fakeWebhookRepo) GetByID(id string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *fakeWebhookRepo) GetByProviderEventID(provider, providerEventID string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.Provider == provider && event.ProviderEventID != nil && *event.ProviderEventID == providerEventID {
			copied := *event
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeWebhookRepo) GetByStatus(status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []models.WebhookEvent
	for _, event := range r.events {
		if event.Status == status {
			events = append(events, *event)
		}
	}
	return events, int64(len(events)), nil
}

func (r *fakeWebhookRepo) GetByProvider(provider string, status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []models.WebhookEvent
	for _, event := range r.events {
		if event.Provider == provider && (status == "" || event.Status == status) {
			events = append(events, *event)
		}
	}
	return events, int64(len(events)), nil
}

func (r *fakeWebhookRepo) GetByKYCCheck(kycCheckID string) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []models.WebhookEvent
	for _, event := range r.events {
		if event.RelatedKYCCheckID == kycCheckID {
			events = append(events, *event)
		}
	}
	return events, nil
}

func (r *fakeWebhookRepo) GetByUser(userID string, offset, limit int) ([]models.WebhookEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []models.WebhookEvent
	for _, event := range r.events {
		if event.RelatedUserID == userID {
			events = append(events, *event)
		}
	}
	return events, int64(len(events)), nil
}

func (r *fakeWebhookRepo) GetStuckOlderThan(statuses []models.WebhookStatus, age time.Duration, limit int) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-age)
	var events []models.WebhookEvent
	for _, event := range r.events {
		for _, status := range statuses {
			if event.Status == status && !event.UpdatedAt.After(cutoff) {
				events = append(events, *event)
				break
			}
		}
	}
	return events, nil
}

func (r *fakeWebhookRepo) GetEligibleForRetry(limit int) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var events []models.WebhookEvent
	for _, event := range r.events {
		if (event.Status == models.WebhookStatusFailed || event.Status == models.WebhookStatusRetrying) &&
			event.RetryCount < event.MaxRetries &&
			(event.NextRetryAt == nil || !now.Before(*event.NextRetryAt)) {
			events = append(events, *event)
		}
	}
	return events, nil
}

func (r *fakeWebhookRepo) MarkProcessing(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if event.Status != models.WebhookStatusPending && event.Status != models.WebhookStatusRetrying {
		return false, nil
	}
	event.MarkProcessing()
	return true, nil
}

func (r *fakeWebhookRepo) MarkProcessed(id, notes, parsedPayloadJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	event.MarkProcessed(notes)
	if parsedPayloadJSON != "" {
		event.ParsedPayloadJSON = parsedPayloadJSON
	}
	return nil
}

func (r *fakeWebhookRepo) MarkFailed(id, errorMessage, errorDetailsJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	event.MarkFailed(errorMessage, nil)
	event.ErrorDetailsJSON = errorDetailsJSON
	return nil
}

func (r *fakeWebhookRepo) IncrementRetry(id string, nextRetryAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	event.IncrementRetry(nextRetryAt)
	return nil
}

func (r *fakeWebhookRepo) SetRelatedIDs(id, kycCheckID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if kycCheckID != "" {
		event.RelatedKYCCheckID = kycCheckID
	}
	if userID != "" {
		event.RelatedUserID = userID
	}
	return nil
}

func (r *fakeWebhookRepo) Statistics(provider string, days int) (*repository.WebhookStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &repository.WebhookStatistics{
		StatusBreakdown: make(map[models.WebhookStatus]int64),
		ProviderStats:   make(map[string]map[models.WebhookStatus]int64),
	}
	for _, event := range r.events {
		if provider != "" && event.Provider != provider {
			continue
		}
		stats.TotalEvents++
		stats.StatusBreakdown[event.Status]++
	}
	stats.ProcessedEvents = stats.StatusBreakdown[models.WebhookStatusProcessed]
	stats.FailedEvents = stats.StatusBreakdown[models.WebhookStatusFailed]
	return stats, nil
}

func (r *fakeWebhookRepo) CleanupOld(olderThan time.Duration, keepFailed bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var deleted int64
	for id, event := range r.events {
		if event.ReceivedAt.Before(cutoff) && !(keepFailed && event.Status == models.WebhookStatusFailed) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *fakeWebhookRepo) get(id string) *models.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[id]
}

// fakeKYCRepo is an in-memory KYCRepository for service tests.
type fakeKYCRepo struct {
	mu         sync.Mutex
	checks     map[string]*models.KYCCheck
	refuseSave bool
}

func newFakeKYCRepo() *fakeKYCRepo {
	return &fakeKYCRepo{checks: make(map[string]*models.KYCCheck)}
}

func (r *fakeKYCRepo) Create(check *models.KYCCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if check.ID == "" {
		check.ID = uuid.New().String()
	}
	copied := *check
	r.checks[check.ID] = &copied
	return nil
}

func (r *fakeKYCRepo) GetByID(id string) (*models.KYCCheck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	check, ok := r.checks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *check
	return &copied, nil
}

func (r *fakeKYCRepo) GetByUser(userID string, offset, limit int) ([]models.KYCCheck, int64, error) {
	return nil, 0, nil
}

func (r *fakeKYCRepo) Save(check *models.KYCCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *check
	r.checks[check.ID] = &copied
	return nil
}

func (r *fakeKYCRepo) SaveWithStatusGuard(check *models.KYCCheck, expectedStatus models.KYCStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuseSave {
		return false, nil
	}
	stored, ok := r.checks[check.ID]
	if !ok || stored.Status != expectedStatus {
		return false, nil
	}
	copied := *check
	r.checks[check.ID] = &copied
	return true, nil
}

func (r *fakeKYCRepo) get(id string) *models.KYCCheck {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checks[id]
}

// fakeEnqueuer records enqueue calls.
type fakeEnqueuer struct {
	mu           sync.Mutex
	processCalls []string
	processKeys  []string
	retryCalls   []string
	retryETAs    []time.Time
	failProcess  bool
	failRetry    bool
}

func (e *fakeEnqueuer) EnqueueWebhookProcess(eventID, provider, idempotencyKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failProcess {
		return errors.New("queue unavailable")
	}
	e.processCalls = append(e.processCalls, eventID)
	e.processKeys = append(e.processKeys, idempotencyKey)
	return nil
}

func (e *fakeEnqueuer) EnqueueWebhookRetry(eventID string, eta time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failRetry {
		return errors.New("queue unavailable")
	}
	e.retryCalls = append(e.retryCalls, eventID)
	e.retryETAs = append(e.retryETAs, eta)
	return nil
}

func newTestService() (*Service, *fakeWebhookRepo, *fakeKYCRepo, *fakeEnqueuer) {
	webhookRepo := newFakeWebhookRepo()
	kycRepo := newFakeKYCRepo()
	queue := &fakeEnqueuer{}
	svc := NewService(&repository.Repositories{Webhook: webhookRepo, KYC: kycRepo}, queue)
	return svc, webhookRepo, kycRepo, queue
}

func statusUpdateBody(checkID, status string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"check_id": checkID,
		"status":   status,
		"result":   map[string]interface{}{"score": 0.97},
	})
	return raw
}

func pendingEvent(repo *fakeWebhookRepo, eventType models.WebhookEventType, rawPayload []byte) *models.WebhookEvent {
	event := &models.WebhookEvent{
		Provider:   "mock_provider_1",
		EventType:  eventType,
		RawPayload: string(rawPayload),
		Status:     models.WebhookStatusPending,
	}
	if err := repo.Create(event); err != nil {
		panic(fmt.Sprintf("failed to seed event: %v", err))
	}
	return event
}

var testCtx = context.Background()
