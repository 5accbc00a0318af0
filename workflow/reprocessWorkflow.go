package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/mmdatafocus/cardrecon_backend/utils"
	"github.com/mmdatafocus/cardrecon_backend/validation"
	"gorm.io/gorm"
)

const reprocessChunkSize = 100

// ReprocessReceipts re-extracts the receipt side from a replacement document,
// diffs it against the session's current records and materializes the result
// as a new delta session linked through ParentSessionId. Old records that a
// revision replaces are marked superseded; resolution history stays intact on
// the superseded rows. Surviving rows revalidate under cfg's thresholds; a
// zero cfg selects the defaults.
func (o *Orchestrator) ReprocessReceipts(ctx context.Context, sessionId uint, newReceiptPath string, cfg ProcessingConfig, closeSource bool, closureReason string) (*ChangeSummary, error) {
	source, err := o.loadSession(sessionId)
	if err != nil {
		return nil, err
	}
	if source.Closed {
		return nil, Rejected(ReasonAlreadyClosed)
	}
	if source.Status == models.SessionStatusProcessing || source.Status == models.SessionStatusPaused {
		return nil, Rejected(ReasonProcessingActive)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if !o.Locks.TryAcquire(sessionId) {
		return nil, Rejected(ReasonAlreadyProcessing)
	}
	defer func() {
		o.Locks.Release(sessionId)
		o.Locks.Cleanup(sessionId)
	}()

	newReceipts, err := o.Extractor.ProcessReceiptDocument(ctx, newReceiptPath)
	if err != nil {
		return nil, fmt.Errorf("extracting replacement receipt document: %w", err)
	}

	var oldRecords []models.EmployeeRecord
	err = o.DB.Where("session_id = ? AND superseded = ?", sessionId, false).
		Order("id ASC").Find(&oldRecords).Error
	if err != nil {
		return nil, err
	}

	diff := o.Detector.DetectChanges(oldRecords, newReceipts)
	summary := &diff
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeReprocessStarted,
		fmt.Sprintf("reprocessing receipts: %d changed, %d new, %d removed, %d unchanged",
			summary.ChangedCount, summary.NewCount, summary.RemovedCount, summary.UnchangedCount), nil)

	delta, err := o.createDeltaSession(ctx, source, newReceiptPath, len(summary.Changes))
	if err != nil {
		return nil, err
	}

	// Any failure past this point must not strand the delta session in
	// PROCESSING with nothing running.
	if err := o.materializeDelta(ctx, sessionId, delta.ID, summary, cfg); err != nil {
		o.failSession(delta.ID, err)
		return nil, err
	}

	if closeSource {
		if closureReason == "" {
			closureReason = fmt.Sprintf("superseded by session %d", delta.ID)
		}
		if err := o.CloseSession(ctx, sessionId, closureReason); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// materializeDelta revalidates the surviving employees, persists the delta
// record set, supersedes the replaced rows and finalizes the delta session.
func (o *Orchestrator) materializeDelta(ctx context.Context, sourceId, deltaId uint, summary *ChangeSummary, cfg ProcessingConfig) error {
	engine := validation.NewEngine(cfg.validationConfig(), o.Logger)
	inputs := make([]validation.EmployeeData, 0, len(summary.Changes))
	for _, change := range summary.Changes {
		if change.Type == ChangeTypeRemoved {
			continue
		}
		inputs = append(inputs, validation.EmployeeData{
			EmployeeID:    change.EmployeeId,
			EmployeeName:  change.EmployeeName,
			CARAmount:     change.OldCAR,
			ReceiptAmount: change.NewReceipt,
		})
	}
	batch := validation.BuildContext(inputs)

	records, supersededIds, err := o.buildDeltaRecords(deltaId, summary, engine, batch)
	if err != nil {
		return err
	}

	_, err = o.Tx.RunBatch(ctx, len(records), reprocessChunkSize, func(tx *gorm.DB, start, end int) error {
		chunk := records[start:end]
		return tx.Create(&chunk).Error
	})
	if err != nil {
		return err
	}

	if len(supersededIds) > 0 {
		err = o.Tx.Run(ctx, func(tx *gorm.DB) error {
			return tx.Model(&models.EmployeeRecord{}).Where("id IN ?", supersededIds).
				Update("superseded", true).Error
		})
		if err != nil {
			return err
		}
	}

	issues := 0
	for _, r := range records {
		if r.ValidationStatus == models.ValidationStatusNeedsAttention {
			issues++
		}
	}
	err = o.Tx.Run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.ReconSession{}).Where("id = ?", deltaId).Updates(map[string]interface{}{
			"status":              models.SessionStatusCompleted,
			"total_employees":     len(records),
			"processed_employees": len(records),
			"progress_percent":    100,
		}).Error
	})
	if err != nil {
		return err
	}

	models.LogActivity(o.DB, o.Logger, deltaId, models.ActivityTypeReprocessDone,
		fmt.Sprintf("delta session built from session %d: %d records, %d need attention", sourceId, len(records), issues), nil)
	return nil
}

func (o *Orchestrator) createDeltaSession(ctx context.Context, source *models.ReconSession, receiptPath string, expected int) (*models.ReconSession, error) {
	delta := &models.ReconSession{
		BusinessId:      source.BusinessId,
		Name:            source.Name + " (reprocessed)",
		Status:          models.SessionStatusProcessing,
		CARFilePath:     source.CARFilePath,
		ReceiptFilePath: receiptPath,
		TotalEmployees:  expected,
		ParentSessionId: utils.Ptr(source.ID),
		CreatedBy:       source.CreatedBy,
	}
	err := o.Tx.Run(ctx, func(tx *gorm.DB) error {
		return tx.Create(delta).Error
	})
	if err != nil {
		return nil, err
	}
	models.LogActivity(o.DB, o.Logger, delta.ID, models.ActivityTypeSessionCreated,
		fmt.Sprintf("delta session created from session %d", source.ID), nil)
	return delta, nil
}

// buildDeltaRecords turns the diff into the delta session's record set.
// Changed and unchanged rows link back to the record they revise; removed
// rows only supersede. Every surviving row is revalidated against the
// replacement receipt amounts.
func (o *Orchestrator) buildDeltaRecords(deltaSessionId uint, summary *ChangeSummary, engine *validation.Engine, batch *validation.Context) ([]models.EmployeeRecord, []uint, error) {
	records := make([]models.EmployeeRecord, 0, len(summary.Changes))
	supersededIds := make([]uint, 0)

	for _, change := range summary.Changes {
		if change.Type == ChangeTypeRemoved {
			if change.OldRecordId != 0 {
				supersededIds = append(supersededIds, change.OldRecordId)
			}
			continue
		}

		emp := validation.EmployeeData{
			EmployeeID:    change.EmployeeId,
			EmployeeName:  change.EmployeeName,
			CARAmount:     change.OldCAR,
			ReceiptAmount: change.NewReceipt,
		}
		result := engine.Validate(emp, batch)
		record, err := buildEmployeeRecord(deltaSessionId, emp, result)
		if err != nil {
			return nil, nil, err
		}
		if change.OldRecordId != 0 {
			record.PreviousRecordId = utils.Ptr(change.OldRecordId)
			supersededIds = append(supersededIds, change.OldRecordId)
		}
		records = append(records, *record)
	}

	return records, supersededIds, nil
}
