package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookStatus defines the processing lifecycle of a webhook event
type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusProcessed  WebhookStatus = "processed"
	WebhookStatusFailed     WebhookStatus = "failed"
	WebhookStatusRetrying   WebhookStatus = "retrying"
)

// WebhookEventType defines the business category of a webhook event
type WebhookEventType string

const (
	EventTypeKYCStatusUpdate      WebhookEventType = "kyc_status_update"
	EventTypeKYCDocumentVerified  WebhookEventType = "kyc_document_verified"
	EventTypeAMLCheckComplete     WebhookEventType = "aml_check_complete"
	EventTypeVerificationExpired  WebhookEventType = "verification_expired"
	EventTypeManualReviewRequired WebhookEventType = "manual_review_required"
)

// DefaultMaxRetries is the number of processing attempts granted to a new event.
const DefaultMaxRetries = 3

// WebhookEvent stores one inbound provider callback with deduplication
// metadata and its full processing lifecycle. RawPayload is the exact body
// as received and is never mutated after creation. ProviderEventID is NULL
// when the provider supplies no event id; NULLs coexist under the unique
// index, so only id-bearing deliveries deduplicate.
type WebhookEvent struct {
	ID              string           `gorm:"type:char(36);primaryKey" json:"id"`
	Provider        string           `gorm:"type:varchar(100);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID *string          `gorm:"type:varchar(255);index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id,omitempty"`
	EventType       WebhookEventType `gorm:"type:varchar(100);not null;index" json:"event_type"`

	HTTPMethod        string `gorm:"type:varchar(10);not null;default:'POST'" json:"http_method"`
	HeadersJSON       string `gorm:"type:text" json:"headers_json"`
	RawPayload        string `gorm:"type:longtext;not null" json:"raw_payload"`
	ParsedPayloadJSON string `gorm:"type:longtext" json:"parsed_payload_json"`

	Signature         string `gorm:"type:varchar(500)" json:"signature"`
	SignatureVerified bool   `gorm:"default:false;index" json:"signature_verified"`

	Status      WebhookStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	RetryCount  int           `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries  int           `gorm:"not null;default:3" json:"max_retries"`
	NextRetryAt *time.Time    `gorm:"type:timestamp;default:null" json:"next_retry_at,omitempty"`

	ReceivedAt  time.Time  `gorm:"type:timestamp;not null;index" json:"received_at"`
	ProcessedAt *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	FailedAt    *time.Time `gorm:"type:timestamp;default:null" json:"failed_at,omitempty"`

	ErrorMessage     string `gorm:"type:text" json:"error_message"`
	ErrorDetailsJSON string `gorm:"type:text" json:"error_details_json"`
	ProcessingNotes  string `gorm:"type:text" json:"processing_notes"`

	RelatedKYCCheckID string `gorm:"type:varchar(255);index" json:"related_kyc_check_id"`
	RelatedUserID     string `gorm:"type:varchar(255);index" json:"related_user_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns a UUID and stamps ReceivedAt if the caller did not.
func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	return nil
}

// IsProcessed checks if the event has been successfully processed
func (e *WebhookEvent) IsProcessed() bool {
	return e.Status == WebhookStatusProcessed
}

// IsFailed checks if event processing has failed
func (e *WebhookEvent) IsFailed() bool {
	return e.Status == WebhookStatusFailed
}

// CanRetry reports whether the event is still within its retry budget.
func (e *WebhookEvent) CanRetry() bool {
	return (e.Status == WebhookStatusFailed || e.Status == WebhookStatusRetrying) &&
		e.RetryCount < e.MaxRetries
}

// ShouldRetryNow reports whether a retry is both allowed and due.
func (e *WebhookEvent) ShouldRetryNow() bool {
	if !e.CanRetry() {
		return false
	}
	if e.NextRetryAt == nil {
		return true
	}
	return !time.Now().UTC().Before(*e.NextRetryAt)
}

// MarkProcessing updates the event status to processing
func (e *WebhookEvent) MarkProcessing() {
	e.Status = WebhookStatusProcessing
	e.UpdatedAt = time.Now().UTC()
}

// MarkProcessed updates the event status to processed with optional notes
func (e *WebhookEvent) MarkProcessed(notes string) {
	now := time.Now().UTC()
	e.Status = WebhookStatusProcessed
	e.ProcessedAt = &now
	if notes != "" {
		e.ProcessingNotes = notes
	}
}

// MarkFailed updates the event status to failed and records error info.
// details is marshaled into ErrorDetailsJSON; a marshal failure leaves the
// previous details untouched rather than corrupting the record.
func (e *WebhookEvent) MarkFailed(errorMessage string, details map[string]interface{}) {
	now := time.Now().UTC()
	e.Status = WebhookStatusFailed
	e.FailedAt = &now
	e.ErrorMessage = errorMessage
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			e.ErrorDetailsJSON = string(raw)
		}
	}
}

// IncrementRetry advances the retry counter and schedules the next attempt.
func (e *WebhookEvent) IncrementRetry(nextRetryAt *time.Time) {
	e.RetryCount++
	e.Status = WebhookStatusRetrying
	e.NextRetryAt = nextRetryAt
	e.UpdatedAt = time.Now().UTC()
}

// Headers decodes the stored header map
func (e *WebhookEvent) Headers() map[string]string {
	headers := make(map[string]string)
	if e.HeadersJSON != "" {
		_ = json.Unmarshal([]byte(e.HeadersJSON), &headers)
	}
	return headers
}
