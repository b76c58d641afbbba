package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/verifair/kycgate/app/models"
)

// Process runs one processing attempt for a stored event and records the
// outcome on the event. Safe to invoke redundantly: an already-processed
// event is a no-op reported as success.
func (s *Service) Process(ctx context.Context, event *models.WebhookEvent) ProcessingResult {
	start := s.now()
	result := ProcessingResult{
		ActionsTaken: []string{},
		Errors:       []string{},
		Warnings:     []string{},
	}

	finish := func(success bool) ProcessingResult {
		result.Success = success
		result.ProcessingTimeMS = s.now().Sub(start).Milliseconds()
		return result
	}

	if event.IsProcessed() {
		result.Warnings = append(result.Warnings, "event already processed")
		return finish(true)
	}

	// Own the attempt before doing any work. A lost claim means another
	// worker is (or was) processing this event; backing off is correct.
	claimed, err := s.webhookRepo.MarkProcessing(event.ID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to claim event for processing: %v", err))
		return finish(false)
	}
	if !claimed {
		result.Warnings = append(result.Warnings, "event claimed by another worker")
		return finish(true)
	}
	event.MarkProcessing()

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(event.RawPayload), &payload); err != nil {
		message := fmt.Sprintf("failed to parse webhook payload: %v", err)
		result.Errors = append(result.Errors, message)
		s.failEvent(event, message, map[string]interface{}{"parse_error": err.Error()})
		return finish(false)
	}

	parsedJSON := ""
	if raw, err := json.Marshal(payload); err == nil {
		parsedJSON = string(raw)
	}

	switch event.EventType {
	case models.EventTypeKYCStatusUpdate:
		s.handleStatusUpdate(ctx, event, &result)
	case models.EventTypeKYCDocumentVerified:
		s.handleDocumentVerified(ctx, event, &result)
	case models.EventTypeAMLCheckComplete:
		s.handleAMLComplete(ctx, event, &result)
	default:
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no handler for event type %q; event recorded without action", event.EventType))
	}

	if len(result.Errors) > 0 {
		message := strings.Join(result.Errors, "; ")
		s.failEvent(event, message, map[string]interface{}{"errors": result.Errors})
		return finish(false)
	}

	notes := strings.Join(result.ActionsTaken, "; ")
	if err := s.webhookRepo.MarkProcessed(event.ID, notes, parsedJSON); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to mark event processed: %v", err))
		return finish(false)
	}
	event.MarkProcessed(notes)

	if s.archiver != nil {
		if err := s.archiver.ArchivePayload(ctx, event); err != nil {
			log.Warnf("[Webhook] Failed to archive payload of event %s: %v", event.ID, err)
			result.Warnings = append(result.Warnings, "payload archival failed")
		}
	}

	log.Infof("[Webhook] Processed event %s (%s): %s", event.ID, event.EventType, notes)
	return finish(true)
}

func (s *Service) failEvent(event *models.WebhookEvent, message string, details map[string]interface{}) {
	detailsJSON := ""
	if raw, err := json.Marshal(details); err == nil {
		detailsJSON = string(raw)
	}
	if err := s.webhookRepo.MarkFailed(event.ID, message, detailsJSON); err != nil {
		log.Errorf("[Webhook] Failed to mark event %s as failed: %v", event.ID, err)
	}
	event.MarkFailed(message, details)
}

// handleStatusUpdate drives a provider-reported outcome through the case
// state machine.
func (s *Service) handleStatusUpdate(ctx context.Context, event *models.WebhookEvent, result *ProcessingResult) {
	var payload KYCWebhookPayload
	if err := json.Unmarshal([]byte(event.RawPayload), &payload); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid status update payload: %v", err))
		return
	}
	if err := s.validate.Struct(&payload); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid status update payload: %v", err))
		return
	}

	checkID := payload.ResolveCheckID()
	if checkID == "" {
		result.Errors = append(result.Errors, "payload does not reference a verification case")
		return
	}

	check, err := s.kycRepo.GetByID(checkID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("verification case %s not found", checkID))
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to load verification case %s: %v", checkID, err))
		}
		return
	}

	targetStatus, ok := outcomeToStatus[payload.Status]
	if !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("unrecognized status value %q", payload.Status))
		return
	}

	previousStatus := check.Status
	if !check.UpdateStatus(targetStatus, payload.Notes) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("invalid status transition %s -> %s for case %s", previousStatus, targetStatus, checkID))
		return
	}

	if payload.Result != nil {
		if raw, err := json.Marshal(payload.Result); err == nil {
			check.VerificationResultJSON = string(raw)
		}
	}
	if payload.ProviderReference != "" {
		check.ProviderReference = payload.ProviderReference
	}
	if payload.RejectionReason != "" {
		check.RejectionReason = payload.RejectionReason
	}

	saved, err := s.kycRepo.SaveWithStatusGuard(check, previousStatus)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to save verification case %s: %v", checkID, err))
		return
	}
	if !saved {
		result.Errors = append(result.Errors,
			fmt.Sprintf("concurrent update detected for case %s; transition %s -> %s refused", checkID, previousStatus, targetStatus))
		return
	}

	if err := s.webhookRepo.SetRelatedIDs(event.ID, check.ID, check.UserID); err != nil {
		log.Warnf("[Webhook] Failed to link event %s to case %s: %v", event.ID, check.ID, err)
	}

	result.ActionsTaken = append(result.ActionsTaken,
		fmt.Sprintf("updated case %s status %s -> %s", check.ID, previousStatus, check.Status))
	if check.CompletedAt != nil && (check.Status == models.KYCStatusApproved || check.Status == models.KYCStatusRejected) {
		result.ActionsTaken = append(result.ActionsTaken, fmt.Sprintf("case %s completed", check.ID))
	}
}

// handleDocumentVerified records the verification without mutating case
// status. Extension point for per-document tracking.
func (s *Service) handleDocumentVerified(ctx context.Context, event *models.WebhookEvent, result *ProcessingResult) {
	var payload KYCWebhookPayload
	if err := json.Unmarshal([]byte(event.RawPayload), &payload); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid document verification payload: %v", err))
		return
	}

	checkID := payload.ResolveCheckID()
	if checkID != "" {
		if err := s.webhookRepo.SetRelatedIDs(event.ID, checkID, payload.UserID); err != nil {
			log.Warnf("[Webhook] Failed to link event %s to case %s: %v", event.ID, checkID, err)
		}
		result.ActionsTaken = append(result.ActionsTaken,
			fmt.Sprintf("recorded document verification for case %s", checkID))
		return
	}
	result.ActionsTaken = append(result.ActionsTaken, "recorded document verification")
}

// handleAMLComplete records the AML outcome as an action. AML and KYC are
// parallel signals; combining them is a policy decision left to callers.
func (s *Service) handleAMLComplete(ctx context.Context, event *models.WebhookEvent, result *ProcessingResult) {
	var payload AMLWebhookPayload
	if err := json.Unmarshal([]byte(event.RawPayload), &payload); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid AML payload: %v", err))
		return
	}
	if err := s.validate.Struct(&payload); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid AML payload: %v", err))
		return
	}

	checkID := payload.ResolveCheckID()
	if checkID != "" {
		if err := s.webhookRepo.SetRelatedIDs(event.ID, checkID, payload.UserID); err != nil {
			log.Warnf("[Webhook] Failed to link event %s to case %s: %v", event.ID, checkID, err)
		}
	}

	action := fmt.Sprintf("recorded AML result (risk score %s)", payload.RiskScore)
	if payload.Status != "" {
		action = fmt.Sprintf("recorded AML result (risk score %s, status %s)", payload.RiskScore, payload.Status)
	}
	result.ActionsTaken = append(result.ActionsTaken, action)
}
