package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/verifair/kycgate/app/models"
)

// WebhookRepository defines the interface for webhook event store operations
type WebhookRepository interface {
	Create(event *models.WebhookEvent) error
	GetByID(id string) (*models.WebhookEvent, error)
	GetByProviderEventID(provider, providerEventID string) (*models.WebhookEvent, error)
	GetByStatus(status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error)
	GetByProvider(provider string, status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error)
	GetByKYCCheck(kycCheckID string) ([]models.WebhookEvent, error)
	GetByUser(userID string, offset, limit int) ([]models.WebhookEvent, int64, error)
	GetStuckOlderThan(statuses []models.WebhookStatus, age time.Duration, limit int) ([]models.WebhookEvent, error)
	GetEligibleForRetry(limit int) ([]models.WebhookEvent, error)

	// MarkProcessing claims the event for one worker: the transition to
	// processing only succeeds from pending or retrying. Returns false when
	// another worker already owns the event.
	MarkProcessing(id string) (bool, error)
	MarkProcessed(id, notes, parsedPayloadJSON string) error
	MarkFailed(id, errorMessage, errorDetailsJSON string) error
	IncrementRetry(id string, nextRetryAt *time.Time) error
	SetRelatedIDs(id, kycCheckID, userID string) error

	Statistics(provider string, days int) (*WebhookStatistics, error)
	CleanupOld(olderThan time.Duration, keepFailed bool) (int64, error)
}

// KYCRepository defines the interface for verification case operations
type KYCRepository interface {
	Create(check *models.KYCCheck) error
	GetByID(id string) (*models.KYCCheck, error)
	GetByUser(userID string, offset, limit int) ([]models.KYCCheck, int64, error)
	Save(check *models.KYCCheck) error
	// SaveWithStatusGuard persists the case only if its stored status still
	// matches expectedStatus. Returns false when another writer got there
	// first (optimistic concurrency for overlapping webhook deliveries).
	SaveWithStatusGuard(check *models.KYCCheck, expectedStatus models.KYCStatus) (bool, error)
}

// WebhookStatistics aggregates processing outcomes for the operator API
type WebhookStatistics struct {
	TotalEvents     int64                                     `json:"total_events"`
	ProcessedEvents int64                                     `json:"processed_events"`
	FailedEvents    int64                                     `json:"failed_events"`
	PendingEvents   int64                                     `json:"pending_events"`
	RetryingEvents  int64                                     `json:"retrying_events"`
	SuccessRate     float64                                   `json:"success_rate"`
	StatusBreakdown map[models.WebhookStatus]int64            `json:"status_breakdown"`
	ProviderStats   map[string]map[models.WebhookStatus]int64 `json:"provider_stats"`
	AvgProcessingMS *int64                                    `json:"average_processing_time_ms,omitempty"`
}

// Repositories struct holds all repository instances
type Repositories struct {
	Webhook WebhookRepository
	KYC     KYCRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Webhook: NewWebhookRepository(db),
		KYC:     NewKYCRepository(db),
	}
}
