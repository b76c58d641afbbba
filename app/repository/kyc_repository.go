package repository

import (
	"gorm.io/gorm"

	"github.com/verifair/kycgate/app/models"
)

type kycRepository struct {
	db *gorm.DB
}

// NewKYCRepository creates a verification case repository backed by GORM.
func NewKYCRepository(db *gorm.DB) KYCRepository {
	return &kycRepository{db: db}
}

func (r *kycRepository) Create(check *models.KYCCheck) error {
	return r.db.Create(check).Error
}

func (r *kycRepository) GetByID(id string) (*models.KYCCheck, error) {
	var check models.KYCCheck
	if err := r.db.Where("id = ?", id).First(&check).Error; err != nil {
		return nil, err
	}
	return &check, nil
}

func (r *kycRepository) GetByUser(userID string, offset, limit int) ([]models.KYCCheck, int64, error) {
	query := r.db.Model(&models.KYCCheck{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var checks []models.KYCCheck
	err := query.Order("submitted_at DESC").Offset(offset).Limit(limit).Find(&checks).Error
	return checks, total, err
}

func (r *kycRepository) Save(check *models.KYCCheck) error {
	return r.db.Save(check).Error
}

// SaveWithStatusGuard writes the case only if no concurrent writer changed
// its status since it was read. Two overlapping webhook deliveries for the
// same case race on the status column; the loser sees zero rows affected.
func (r *kycRepository) SaveWithStatusGuard(check *models.KYCCheck, expectedStatus models.KYCStatus) (bool, error) {
	result := r.db.Model(&models.KYCCheck{}).
		Where("id = ? AND status = ?", check.ID, expectedStatus).
		Updates(map[string]interface{}{
			"status":                   check.Status,
			"provider_reference":       check.ProviderReference,
			"verification_result_json": check.VerificationResultJSON,
			"risk_score":               check.RiskScore,
			"notes":                    check.Notes,
			"rejection_reason":         check.RejectionReason,
			"completed_at":             check.CompletedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
