package webhook

import (
	"github.com/verifair/kycgate/app/models"
)

// ReceiveInput carries one verified provider callback into the ingestion
// service. SignatureVerified is the verifier's attestation; the service
// trusts it and never re-verifies.
type ReceiveInput struct {
	Provider          string
	EventType         models.WebhookEventType
	Headers           map[string]string
	RawPayload        []byte
	Signature         string
	SignatureVerified bool
	ProviderEventID   string
}

// ProcessingResult reports the outcome of one processing attempt.
type ProcessingResult struct {
	Success          bool     `json:"success"`
	ActionsTaken     []string `json:"actions_taken"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// KYCWebhookPayload is the expected shape of status-update and
// document-verification callbacks. Providers disagree on the case reference
// field name, so all three are accepted.
type KYCWebhookPayload struct {
	CheckID           string                 `json:"check_id"`
	KYCCheckID        string                 `json:"kyc_check_id"`
	ID                string                 `json:"id"`
	UserID            string                 `json:"user_id"`
	Status            string                 `json:"status" validate:"required"`
	Result            map[string]interface{} `json:"result"`
	ProviderReference string                 `json:"provider_reference"`
	RejectionReason   string                 `json:"rejection_reason"`
	Notes             string                 `json:"notes"`
}

// ResolveCheckID returns the first populated case reference field.
func (p *KYCWebhookPayload) ResolveCheckID() string {
	if p.CheckID != "" {
		return p.CheckID
	}
	if p.KYCCheckID != "" {
		return p.KYCCheckID
	}
	return p.ID
}

// AMLWebhookPayload is the expected shape of AML-completion callbacks.
type AMLWebhookPayload struct {
	CheckID    string                 `json:"check_id"`
	KYCCheckID string                 `json:"kyc_check_id"`
	UserID     string                 `json:"user_id"`
	RiskScore  string                 `json:"risk_score" validate:"required"`
	Status     string                 `json:"status"`
	Matches    map[string]interface{} `json:"matches"`
}

// ResolveCheckID returns the first populated case reference field.
func (p *AMLWebhookPayload) ResolveCheckID() string {
	if p.CheckID != "" {
		return p.CheckID
	}
	return p.KYCCheckID
}

// outcomeToStatus maps the fixed provider outcome vocabulary to case
// statuses. Anything outside this map is a processing error, not a no-op.
var outcomeToStatus = map[string]models.KYCStatus{
	"approved":      models.KYCStatusApproved,
	"rejected":      models.KYCStatusRejected,
	"manual_review": models.KYCStatusManualReview,
	"pending":       models.KYCStatusPending,
	"in_progress":   models.KYCStatusInProgress,
}
