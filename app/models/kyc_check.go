package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KYCStatus defines the lifecycle of a verification case
type KYCStatus string

const (
	KYCStatusPending      KYCStatus = "pending"
	KYCStatusInProgress   KYCStatus = "in_progress"
	KYCStatusApproved     KYCStatus = "approved"
	KYCStatusRejected     KYCStatus = "rejected"
	KYCStatusManualReview KYCStatus = "manual_review"
	KYCStatusExpired      KYCStatus = "expired"
)

// kycTransitions is the single source of truth for allowed status changes.
// Rejected and expired are terminal.
var kycTransitions = map[KYCStatus][]KYCStatus{
	KYCStatusPending:      {KYCStatusInProgress, KYCStatusRejected},
	KYCStatusInProgress:   {KYCStatusApproved, KYCStatusRejected, KYCStatusManualReview},
	KYCStatusManualReview: {KYCStatusApproved, KYCStatusRejected},
	KYCStatusApproved:     {KYCStatusExpired},
	KYCStatusRejected:     {},
	KYCStatusExpired:      {},
}

// AllKYCStatuses lists every defined case status (used by tests and the
// operator API for filter validation).
var AllKYCStatuses = []KYCStatus{
	KYCStatusPending,
	KYCStatusInProgress,
	KYCStatusApproved,
	KYCStatusRejected,
	KYCStatusManualReview,
	KYCStatusExpired,
}

// KYCCheck is the long-lived verification case updated by provider callbacks.
type KYCCheck struct {
	ID     string    `gorm:"type:char(36);primaryKey" json:"id"`
	UserID string    `gorm:"type:char(36);not null;index" json:"user_id"`
	Status KYCStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`

	Provider          string `gorm:"type:varchar(100);not null" json:"provider"`
	ProviderReference string `gorm:"type:varchar(255);index" json:"provider_reference"`

	VerificationResultJSON string `gorm:"type:longtext" json:"verification_result_json"`
	RiskScore              string `gorm:"type:varchar(20)" json:"risk_score"`

	SubmittedAt time.Time  `gorm:"type:timestamp;not null" json:"submitted_at"`
	CompletedAt *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`

	Notes           string `gorm:"type:text" json:"notes"`
	RejectionReason string `gorm:"type:varchar(500)" json:"rejection_reason"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns a UUID and stamps SubmittedAt if the caller did not.
func (k *KYCCheck) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.SubmittedAt.IsZero() {
		k.SubmittedAt = time.Now().UTC()
	}
	return nil
}

// IsCompleted checks if the verification reached a terminal outcome
func (k *KYCCheck) IsCompleted() bool {
	return k.Status == KYCStatusApproved ||
		k.Status == KYCStatusRejected ||
		k.Status == KYCStatusExpired
}

// IsPendingReview checks if the case is waiting for a human decision
func (k *KYCCheck) IsPendingReview() bool {
	return k.Status == KYCStatusManualReview
}

// CanTransitionTo is the pure predicate over the transition table. Every
// status mutation must route through it; no code path sets Status directly.
func (k *KYCCheck) CanTransitionTo(newStatus KYCStatus) bool {
	for _, allowed := range kycTransitions[k.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// UpdateStatus applies a validated transition. It refuses (returns false,
// mutates nothing) when the transition table does not allow the change.
// CompletedAt is stamped the first time the case reaches approved or
// rejected and never again.
func (k *KYCCheck) UpdateStatus(newStatus KYCStatus, notes string) bool {
	if !k.CanTransitionTo(newStatus) {
		return false
	}

	k.Status = newStatus
	if notes != "" {
		k.Notes = notes
	}

	if (newStatus == KYCStatusApproved || newStatus == KYCStatusRejected) && k.CompletedAt == nil {
		now := time.Now().UTC()
		k.CompletedAt = &now
	}

	return true
}
