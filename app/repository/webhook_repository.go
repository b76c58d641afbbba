package repository

import (
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/verifair/kycgate/app/models"
)

type webhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a webhook event repository backed by GORM.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &webhookRepository{db: db}
}

func (r *webhookRepository) Create(event *models.WebhookEvent) error {
	return r.db.Create(event).Error
}

func (r *webhookRepository) GetByID(id string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.Where("id = ?", id).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookRepository) GetByProviderEventID(provider, providerEventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *webhookRepository) GetByStatus(status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error) {
	query := r.db.Model(&models.WebhookEvent{}).Where("status = ?", status)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.WebhookEvent
	err := query.Order("received_at DESC").Offset(offset).Limit(limit).Find(&events).Error
	return events, total, err
}

func (r *webhookRepository) GetByProvider(provider string, status models.WebhookStatus, offset, limit int) ([]models.WebhookEvent, int64, error) {
	query := r.db.Model(&models.WebhookEvent{}).Where("provider = ?", provider)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.WebhookEvent
	err := query.Order("received_at DESC").Offset(offset).Limit(limit).Find(&events).Error
	return events, total, err
}

func (r *webhookRepository) GetByKYCCheck(kycCheckID string) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.Where("related_kyc_check_id = ?", kycCheckID).
		Order("received_at ASC").
		Find(&events).Error
	return events, err
}

func (r *webhookRepository) GetByUser(userID string, offset, limit int) ([]models.WebhookEvent, int64, error) {
	query := r.db.Model(&models.WebhookEvent{}).Where("related_user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.WebhookEvent
	err := query.Order("received_at DESC").Offset(offset).Limit(limit).Find(&events).Error
	return events, total, err
}

// GetStuckOlderThan returns events stranded in one of the given statuses,
// oldest first. updated_at is bumped by every lifecycle transition, so an
// old value means the event's job was lost before completion.
func (r *webhookRepository) GetStuckOlderThan(statuses []models.WebhookStatus, age time.Duration, limit int) ([]models.WebhookEvent, error) {
	cutoff := time.Now().UTC().Add(-age)
	var events []models.WebhookEvent
	err := r.db.Where("status IN ? AND updated_at <= ?", statuses, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// GetEligibleForRetry returns failed/retrying events within their retry
// budget whose next attempt is due, oldest-due first.
func (r *webhookRepository) GetEligibleForRetry(limit int) ([]models.WebhookEvent, error) {
	now := time.Now().UTC()
	var events []models.WebhookEvent
	err := r.db.
		Where("status IN ?", []models.WebhookStatus{models.WebhookStatusFailed, models.WebhookStatusRetrying}).
		Where("retry_count < max_retries").
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// MarkProcessing claims the event: the status filter makes concurrent
// workers race on the row, and only the winner proceeds.
func (r *webhookRepository) MarkProcessing(id string) (bool, error) {
	result := r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status IN ?", id,
			[]models.WebhookStatus{models.WebhookStatusPending, models.WebhookStatusRetrying}).
		Updates(map[string]interface{}{
			"status":     models.WebhookStatusProcessing,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *webhookRepository) MarkProcessed(id, notes, parsedPayloadJSON string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       models.WebhookStatusProcessed,
		"processed_at": &now,
	}
	if notes != "" {
		updates["processing_notes"] = notes
	}
	if parsedPayloadJSON != "" {
		updates["parsed_payload_json"] = parsedPayloadJSON
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *webhookRepository) MarkFailed(id, errorMessage, errorDetailsJSON string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        models.WebhookStatusFailed,
		"failed_at":     &now,
		"error_message": errorMessage,
	}
	if errorDetailsJSON != "" {
		updates["error_details_json"] = errorDetailsJSON
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *webhookRepository) IncrementRetry(id string, nextRetryAt *time.Time) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"status":        models.WebhookStatusRetrying,
			"next_retry_at": nextRetryAt,
			"updated_at":    time.Now().UTC(),
		}).Error
}

func (r *webhookRepository) SetRelatedIDs(id, kycCheckID, userID string) error {
	updates := map[string]interface{}{}
	if kycCheckID != "" {
		updates["related_kyc_check_id"] = kycCheckID
	}
	if userID != "" {
		updates["related_user_id"] = userID
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *webhookRepository) Statistics(provider string, days int) (*WebhookStatistics, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	base := r.db.Model(&models.WebhookEvent{}).Where("received_at >= ?", cutoff)
	if provider != "" {
		base = base.Where("provider = ?", provider)
	}

	type statusRow struct {
		Status models.WebhookStatus
		Count  int64
	}
	var statusRows []statusRow
	if err := base.Session(&gorm.Session{}).
		Select("status, COUNT(id) AS count").
		Group("status").
		Scan(&statusRows).Error; err != nil {
		return nil, err
	}

	stats := &WebhookStatistics{
		StatusBreakdown: make(map[models.WebhookStatus]int64),
		ProviderStats:   make(map[string]map[models.WebhookStatus]int64),
	}
	for _, row := range statusRows {
		stats.StatusBreakdown[row.Status] = row.Count
		stats.TotalEvents += row.Count
	}
	stats.ProcessedEvents = stats.StatusBreakdown[models.WebhookStatusProcessed]
	stats.FailedEvents = stats.StatusBreakdown[models.WebhookStatusFailed]
	stats.PendingEvents = stats.StatusBreakdown[models.WebhookStatusPending]
	stats.RetryingEvents = stats.StatusBreakdown[models.WebhookStatusRetrying]
	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.ProcessedEvents) / float64(stats.TotalEvents) * 100
	}

	if provider == "" {
		type providerRow struct {
			Provider string
			Status   models.WebhookStatus
			Count    int64
		}
		var providerRows []providerRow
		if err := r.db.Model(&models.WebhookEvent{}).
			Where("received_at >= ?", cutoff).
			Select("provider, status, COUNT(id) AS count").
			Group("provider, status").
			Scan(&providerRows).Error; err != nil {
			return nil, err
		}
		for _, row := range providerRows {
			if stats.ProviderStats[row.Provider] == nil {
				stats.ProviderStats[row.Provider] = make(map[models.WebhookStatus]int64)
			}
			stats.ProviderStats[row.Provider][row.Status] = row.Count
		}
	}

	var avgSeconds sql.NullFloat64
	if err := base.Session(&gorm.Session{}).
		Where("processed_at IS NOT NULL").
		Select("AVG(TIMESTAMPDIFF(SECOND, received_at, processed_at))").
		Scan(&avgSeconds).Error; err != nil {
		return nil, err
	}
	if avgSeconds.Valid {
		ms := int64(avgSeconds.Float64 * 1000)
		stats.AvgProcessingMS = &ms
	}

	return stats, nil
}

// CleanupOld deletes events older than the cutoff. Failed events are kept
// by default so operators do not lose the evidence needed for dispute
// resolution and manual retry.
func (r *webhookRepository) CleanupOld(olderThan time.Duration, keepFailed bool) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := r.db.Where("received_at < ?", cutoff)
	if keepFailed {
		query = query.Where("status <> ?", models.WebhookStatusFailed)
	}

	result := query.Delete(&models.WebhookEvent{})
	return result.RowsAffected, result.Error
}
