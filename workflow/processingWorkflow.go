package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"

	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/mmdatafocus/cardrecon_backend/extraction"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/mmdatafocus/cardrecon_backend/utils"
	"github.com/mmdatafocus/cardrecon_backend/validation"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProcessingConfig is the per-run tuning accepted by Start. Negative values
// are rejected; values outside the operating bounds are clamped.
type ProcessingConfig struct {
	// BatchSize sets the batch boundary for periodic work such as
	// distributed-lock refreshes. Records still persist per employee.
	BatchSize                  int     `json:"batch_size" validate:"min=0"`
	ValidationThresholdDollars float64 `json:"validation_threshold_dollars" validate:"min=0"`
	ValidationThresholdPercent float64 `json:"validation_threshold_percent" validate:"min=0"`
	MaxProcessingTimeSeconds   int     `json:"max_processing_time" validate:"min=0"`
}

const (
	defaultBatchSize         = 50
	maxBatchSize             = 500
	defaultMaxProcessingTime = time.Hour
)

// Normalize validates and clamps the config in place. Zero values select
// defaults.
func (c *ProcessingConfig) Normalize() error {
	if err := utils.ValidateStruct(c); err != nil {
		return Rejected("invalid config: " + err.Error())
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	c.BatchSize = utils.ClampInt(c.BatchSize, 1, maxBatchSize)
	if c.ValidationThresholdDollars == 0 {
		c.ValidationThresholdDollars = 10
	}
	if c.ValidationThresholdPercent == 0 {
		c.ValidationThresholdPercent = 10
	}
	if c.MaxProcessingTimeSeconds == 0 {
		c.MaxProcessingTimeSeconds = int(defaultMaxProcessingTime / time.Second)
	}
	return nil
}

func (c ProcessingConfig) MaxProcessingTime() time.Duration {
	d := time.Duration(c.MaxProcessingTimeSeconds) * time.Second
	return utils.ClampDuration(d, time.Second, 4*time.Hour)
}

func (c ProcessingConfig) validationConfig() validation.Config {
	cfg := validation.DefaultConfig()
	cfg.ThresholdDollars = decimal.NewFromFloat(c.ValidationThresholdDollars)
	cfg.ThresholdPercent = decimal.NewFromFloat(c.ValidationThresholdPercent)
	return cfg
}

// StatusSnapshot is the status-poll payload. It is always well-formed,
// including before processing starts and after terminal states.
type StatusSnapshot struct {
	SessionId        uint                `json:"session_id"`
	Status           string              `json:"status"`
	Closed           bool                `json:"closed"`
	PercentComplete  int                 `json:"percent_complete"`
	Completed        int                 `json:"completed"`
	Processing       int                 `json:"processing"`
	Issues           int                 `json:"issues"`
	Pending          int                 `json:"pending"`
	ErrorMessage     *string             `json:"error_message,omitempty"`
	RecentActivities []models.ActivityLog `json:"recent_activities"`
}

// Orchestrator drives sessions through
// PENDING -> PROCESSING -> (PAUSED <-> PROCESSING) -> COMPLETED/CANCELLED/FAILED.
// One long-lived goroutine runs per active session; control endpoints only
// flip flags in the StateStore and are observed at per-employee checkpoints.
type Orchestrator struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	States    *StateStore
	Locks     *LockManager
	Tx        *AtomicTx
	Extractor extraction.Extractor
	Detector  *ChangeDetector

	// pausePollInterval is how often a paused run re-checks its flags.
	pausePollInterval time.Duration

	// afterEmployee runs after each employee is persisted, before the
	// checkpoint. Tests hook it to exercise checkpoint timing.
	afterEmployee func(index int)
}

func NewOrchestrator(db *gorm.DB, logger *logrus.Logger, extractor extraction.Extractor) *Orchestrator {
	return &Orchestrator{
		DB:                db,
		Logger:            logger,
		States:            NewStateStore(),
		Locks:             NewLockManager(),
		Tx:                NewAtomicTx(db),
		Extractor:         extractor,
		Detector:          NewChangeDetector(),
		pausePollInterval: 100 * time.Millisecond,
	}
}

func (o *Orchestrator) loadSession(sessionId uint) (*models.ReconSession, error) {
	var session models.ReconSession
	err := o.DB.First(&session, sessionId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, Rejected(ReasonNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Start validates preconditions, takes the session lock, moves the session
// to PROCESSING and launches the background run. Extraction happens inside
// the run so Start returns quickly.
func (o *Orchestrator) Start(ctx context.Context, sessionId uint, cfg ProcessingConfig) error {
	session, err := o.loadSession(sessionId)
	if err != nil {
		return err
	}
	if session.Closed {
		return Rejected(ReasonAlreadyClosed)
	}
	if !session.CanStartProcessing() {
		return Rejected(ReasonAlreadyProcessing)
	}
	if !session.HasUploads() {
		return Rejected(ReasonFilesMissing)
	}
	if err := cfg.Normalize(); err != nil {
		return err
	}

	if !o.Locks.TryAcquire(sessionId) {
		return Rejected(ReasonAlreadyProcessing)
	}

	now := time.Now().UTC()
	err = o.Tx.Run(ctx, func(tx *gorm.DB) error {
		// A restart replaces the record set: rows persisted by an earlier
		// cancelled or failed run are superseded so they never double-count
		// in status, listings or exports.
		err := tx.Model(&models.EmployeeRecord{}).
			Where("session_id = ? AND superseded = ?", sessionId, false).
			Update("superseded", true).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).Updates(map[string]interface{}{
			"status":                models.SessionStatusProcessing,
			"processing_started_at": now,
			"processed_employees":   0,
			"progress_percent":      0,
			"error_message":         nil,
		}).Error
	})
	if err != nil {
		o.Locks.Release(sessionId)
		o.Locks.Cleanup(sessionId)
		return err
	}

	o.States.Update(sessionId, func(st *ProcessingState) {
		*st = ProcessingState{Status: models.SessionStatusProcessing}
	})
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeProcessingStarted, "processing started", nil)

	// The run outlives the HTTP request; the watchdog deadline is the only
	// context bound.
	runCtx, cancel := context.WithTimeout(context.Background(), cfg.MaxProcessingTime())
	go func() {
		defer cancel()
		o.runSession(runCtx, sessionId, cfg)
	}()
	return nil
}

// Pause requests a pause. The run observes the flag at its next checkpoint,
// so pollers may briefly still see PROCESSING.
func (o *Orchestrator) Pause(sessionId uint) error {
	session, err := o.loadSession(sessionId)
	if err != nil {
		return err
	}
	if session.Closed {
		return Rejected(ReasonAlreadyClosed)
	}
	if !session.CanPause() {
		return Rejected(ReasonNotProcessing)
	}
	if _, ok := o.States.Get(sessionId); !ok {
		return Rejected(ReasonNotProcessing)
	}
	o.States.Update(sessionId, func(st *ProcessingState) {
		st.ShouldPause = true
	})
	return nil
}

// Resume clears the pause intent and moves the persisted status back to
// PROCESSING; the parked run continues from the next unprocessed employee.
func (o *Orchestrator) Resume(ctx context.Context, sessionId uint) error {
	session, err := o.loadSession(sessionId)
	if err != nil {
		return err
	}
	if session.Closed {
		return Rejected(ReasonAlreadyClosed)
	}
	if !session.CanResume() {
		return Rejected(ReasonNotPaused)
	}

	err = o.Tx.Run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).
			Update("status", models.SessionStatusProcessing).Error
	})
	if err != nil {
		return err
	}
	o.States.Update(sessionId, func(st *ProcessingState) {
		st.ShouldPause = false
		st.Status = models.SessionStatusProcessing
	})
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeProcessingResumed, "processing resumed", nil)
	return nil
}

// Cancel requests cancellation of a processing or paused run. Persisted
// employee records are retained.
func (o *Orchestrator) Cancel(sessionId uint) error {
	session, err := o.loadSession(sessionId)
	if err != nil {
		return err
	}
	if session.Closed {
		return Rejected(ReasonAlreadyClosed)
	}
	if !session.CanCancel() {
		return Rejected(ReasonNotProcessing)
	}
	if _, ok := o.States.Get(sessionId); !ok {
		return Rejected(ReasonNotProcessing)
	}
	o.States.Update(sessionId, func(st *ProcessingState) {
		st.ShouldCancel = true
	})
	return nil
}

// CloseSession permanently bars a session from further processing. An active
// run must be cancelled first.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionId uint, reason string) error {
	session, err := o.loadSession(sessionId)
	if err != nil {
		return err
	}
	if session.Closed {
		return Rejected(ReasonAlreadyClosed)
	}
	if session.Status == models.SessionStatusProcessing || session.Status == models.SessionStatusPaused {
		return Rejected(ReasonProcessingActive)
	}

	err = o.Tx.Run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).Updates(map[string]interface{}{
			"closed":         true,
			"closure_reason": reason,
		}).Error
	})
	if err != nil {
		return err
	}
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeSessionClosed, "session closed: "+reason, nil)
	return nil
}

// GetStatus returns the poll snapshot. Safe to call at any time.
func (o *Orchestrator) GetStatus(sessionId uint) (*StatusSnapshot, error) {
	session, err := o.loadSession(sessionId)
	if err != nil {
		return nil, err
	}

	var issues int64
	err = o.DB.Model(&models.EmployeeRecord{}).
		Where("session_id = ? AND superseded = ? AND validation_status = ?", sessionId, false, models.ValidationStatusNeedsAttention).
		Count(&issues).Error
	if err != nil {
		return nil, err
	}

	activities, err := models.RecentActivities(o.DB, sessionId, 10)
	if err != nil {
		return nil, err
	}

	snapshot := &StatusSnapshot{
		SessionId:        sessionId,
		Status:           session.Status,
		Closed:           session.Closed,
		PercentComplete:  session.ProgressPercent,
		Completed:        session.ProcessedEmployees,
		Issues:           int(issues),
		ErrorMessage:     session.ErrorMessage,
		RecentActivities: activities,
	}
	if session.TotalEmployees > session.ProcessedEmployees {
		snapshot.Pending = session.TotalEmployees - session.ProcessedEmployees
	}
	if state, ok := o.States.Get(sessionId); ok && state.Status == models.SessionStatusProcessing {
		snapshot.Processing = 1
	}
	return snapshot, nil
}

// runSession is the long-lived background task for one session.
func (o *Orchestrator) runSession(ctx context.Context, sessionId uint, cfg ProcessingConfig) {
	defer func() {
		if r := recover(); r != nil {
			o.failSession(sessionId, fmt.Errorf("panic: %v", r))
		}
	}()

	redisLock := ObtainDistributedLock(ctx, o.Logger, sessionId, 30*time.Second)
	defer ReleaseDistributedLock(context.Background(), o.Logger, redisLock)

	session, err := o.loadSession(sessionId)
	if err != nil {
		// Unable to read the session record at all: fatal for this run.
		o.failSession(sessionId, err)
		return
	}

	employees, err := o.extractAndMerge(ctx, session)
	if err != nil {
		o.failSession(sessionId, err)
		return
	}

	total := len(employees)
	err = o.Tx.Run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).
			Update("total_employees", total).Error
	})
	if err != nil {
		o.failSession(sessionId, err)
		return
	}
	o.States.Update(sessionId, func(st *ProcessingState) {
		st.TotalEmployees = total
	})

	engine := validation.NewEngine(cfg.validationConfig(), o.Logger)
	batch := validation.BuildContext(employees)

	for i, emp := range employees {
		if err := o.processEmployee(ctx, sessionId, i, total, emp, engine, batch); err != nil {
			if IsStorageError(err) {
				o.failSession(sessionId, err)
				return
			}
			// Employee-level failure: record it and keep going.
			o.recordEmployeeFailure(ctx, sessionId, i, total, emp, err)
		}

		if o.afterEmployee != nil {
			o.afterEmployee(i)
		}

		// Checkpoint: pause/cancel intent is only observed here, at employee
		// boundaries, never mid-record. The distributed lock is refreshed
		// once per batch rather than per employee.
		refresh := (i+1)%cfg.BatchSize == 0 || i == total-1
		proceed := o.checkpoint(ctx, sessionId, redisLock, refresh)
		if !proceed {
			return
		}
	}

	o.completeSession(sessionId)
}

// checkpoint observes control flags between employees. Returns false when
// the run must stop (the terminal transition has already been persisted).
func (o *Orchestrator) checkpoint(ctx context.Context, sessionId uint, redisLock *redislock.Lock, refresh bool) bool {
	if refresh {
		RefreshDistributedLock(ctx, o.Logger, redisLock, 30*time.Second)
	}

	for {
		state, ok := o.States.Get(sessionId)
		if !ok {
			// State was reset underneath the run; stop quietly, but still
			// release the session lock.
			o.teardown(sessionId)
			return false
		}
		if state.ShouldCancel || ctx.Err() != nil {
			o.cancelSession(sessionId, ctx.Err() != nil)
			return false
		}
		if !state.ShouldPause {
			if state.Status == models.SessionStatusPaused {
				// Resume already persisted PROCESSING; just reflect it here.
				o.States.Update(sessionId, func(st *ProcessingState) {
					st.Status = models.SessionStatusProcessing
				})
			}
			return true
		}

		// Pause requested: persist the effect once, then park.
		if state.Status != models.SessionStatusPaused {
			err := o.Tx.Run(ctx, func(tx *gorm.DB) error {
				return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).
					Update("status", models.SessionStatusPaused).Error
			})
			if err != nil {
				o.failSession(sessionId, err)
				return false
			}
			o.States.Update(sessionId, func(st *ProcessingState) {
				st.Status = models.SessionStatusPaused
			})
			models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeProcessingPaused, "processing paused", nil)
		}

		select {
		case <-ctx.Done():
			o.cancelSession(sessionId, true)
			return false
		case <-time.After(o.pausePollInterval):
		}
	}
}

// processEmployee validates and persists one employee. Storage failures
// surface as StorageError; anything else is an employee-level failure.
func (o *Orchestrator) processEmployee(ctx context.Context, sessionId uint, index, total int, emp validation.EmployeeData, engine *validation.Engine, batch *validation.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("employee %s: panic: %v", emp.EmployeeID, r)
		}
	}()

	result := engine.Validate(emp, batch)
	record, err := buildEmployeeRecord(sessionId, emp, result)
	if err != nil {
		return err
	}

	err = o.Tx.Run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return updateSessionProgress(tx, sessionId, index+1, total)
	})
	if err != nil {
		return err
	}

	o.States.Update(sessionId, func(st *ProcessingState) {
		st.CurrentIndex = index + 1
	})
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeEmployeeProcessed,
		fmt.Sprintf("processed %s (%s)", emp.EmployeeName, result.Status), utils.Ptr(emp.EmployeeID))
	return nil
}

// recordEmployeeFailure marks a failed employee NEEDS_ATTENTION so the job
// can continue. If even this persistence fails, the job fails.
func (o *Orchestrator) recordEmployeeFailure(ctx context.Context, sessionId uint, index, total int, emp validation.EmployeeData, cause error) {
	config.LogError(o.Logger, "processingWorkflow.go", "recordEmployeeFailure",
		fmt.Sprintf("employee %d/%d failed", index+1, total), emp.EmployeeID, cause)

	record := &models.EmployeeRecord{
		SessionId:        sessionId,
		EmployeeId:       emp.EmployeeID,
		EmployeeName:     emp.EmployeeName,
		CARAmount:        emp.CARAmount,
		ReceiptAmount:    emp.ReceiptAmount,
		ValidationStatus: models.ValidationStatusNeedsAttention,
	}
	record.RecalculateDifference()

	err := o.Tx.Run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return updateSessionProgress(tx, sessionId, index+1, total)
	})
	if err != nil {
		o.failSession(sessionId, err)
		return
	}
	o.States.Update(sessionId, func(st *ProcessingState) {
		st.CurrentIndex = index + 1
	})
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeEmployeeFailed,
		fmt.Sprintf("failed to process %s: %v", emp.EmployeeName, cause), utils.Ptr(emp.EmployeeID))
}

func (o *Orchestrator) completeSession(sessionId uint) {
	now := time.Now().UTC()
	err := o.Tx.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).Updates(map[string]interface{}{
			"status":                  models.SessionStatusCompleted,
			"processing_completed_at": now,
			"progress_percent":        100,
		}).Error
	})
	if err != nil {
		o.failSession(sessionId, err)
		return
	}
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeProcessingDone, "processing completed", nil)
	o.teardown(sessionId)
}

func (o *Orchestrator) cancelSession(sessionId uint, byDeadline bool) {
	message := "processing cancelled"
	if byDeadline {
		message = "processing cancelled: watchdog deadline exceeded"
	}
	err := o.Tx.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).
			Update("status", models.SessionStatusCancelled).Error
	})
	if err != nil {
		config.LogError(o.Logger, "processingWorkflow.go", "cancelSession", "persisting cancellation", sessionId, err)
	}
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeProcessingStopped, message, nil)
	o.teardown(sessionId)
}

func (o *Orchestrator) failSession(sessionId uint, cause error) {
	config.LogError(o.Logger, "processingWorkflow.go", "failSession", "processing run failed", sessionId, cause)
	message := cause.Error()
	err := o.Tx.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).Updates(map[string]interface{}{
			"status":        models.SessionStatusFailed,
			"error_message": message,
		}).Error
	})
	if err != nil {
		config.LogError(o.Logger, "processingWorkflow.go", "failSession", "persisting failure state", sessionId, err)
	}
	models.LogActivity(o.DB, o.Logger, sessionId, models.ActivityTypeProcessingFailed, "processing failed: "+message, nil)
	o.teardown(sessionId)
}

// teardown clears transient state and releases the session lock so a new
// run can start immediately.
func (o *Orchestrator) teardown(sessionId uint) {
	o.States.Clear(sessionId)
	o.Locks.Release(sessionId)
	o.Locks.Cleanup(sessionId)
}

// extractAndMerge runs both document extractions and merges the rows into
// one employee list: CAR rows in source order, receipt-only employees
// appended in receipt order. Duplicate rows for the same employee are
// summed.
func (o *Orchestrator) extractAndMerge(ctx context.Context, session *models.ReconSession) ([]validation.EmployeeData, error) {
	carRows, err := o.Extractor.ProcessCARDocument(ctx, session.CARFilePath)
	if err != nil {
		return nil, fmt.Errorf("extracting CAR document: %w", err)
	}
	receiptRows, err := o.Extractor.ProcessReceiptDocument(ctx, session.ReceiptFilePath)
	if err != nil {
		return nil, fmt.Errorf("extracting receipt document: %w", err)
	}
	return MergeExtracted(carRows, receiptRows), nil
}

// MergeExtracted joins the CAR side and the receipt side by employee key.
func MergeExtracted(carRows, receiptRows []extraction.ExtractedEmployee) []validation.EmployeeData {
	merged := make([]validation.EmployeeData, 0, len(carRows))
	index := make(map[string]int, len(carRows))

	for _, row := range carRows {
		key := employeeKey(row.EmployeeID, row.EmployeeName)
		if i, ok := index[key]; ok {
			merged[i].CARAmount = merged[i].CARAmount.Add(row.CARAmount)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, validation.EmployeeData{
			EmployeeID:   row.EmployeeID,
			EmployeeName: row.EmployeeName,
			CARAmount:    row.CARAmount,
			Confidence:   row.Confidence,
		})
	}

	for _, row := range receiptRows {
		key := employeeKey(row.EmployeeID, row.EmployeeName)
		if i, ok := index[key]; ok {
			merged[i].ReceiptAmount = merged[i].ReceiptAmount.Add(row.ReceiptAmount)
			if merged[i].Confidence == nil {
				merged[i].Confidence = row.Confidence
			}
			continue
		}
		index[key] = len(merged)
		merged = append(merged, validation.EmployeeData{
			EmployeeID:    row.EmployeeID,
			EmployeeName:  row.EmployeeName,
			ReceiptAmount: row.ReceiptAmount,
			Confidence:    row.Confidence,
		})
	}

	return merged
}

func marshalFlags(flags validation.Flags) ([]byte, error) {
	data, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("encoding validation flags: %w", err)
	}
	return data, nil
}

func buildEmployeeRecord(sessionId uint, emp validation.EmployeeData, result validation.Result) (*models.EmployeeRecord, error) {
	flagsJSON, err := marshalFlags(result.Flags)
	if err != nil {
		return nil, err
	}
	record := &models.EmployeeRecord{
		SessionId:           sessionId,
		EmployeeId:          emp.EmployeeID,
		EmployeeName:        emp.EmployeeName,
		CARAmount:           emp.CARAmount,
		ReceiptAmount:       emp.ReceiptAmount,
		ValidationStatus:    result.Status,
		ValidationFlagsJSON: flagsJSON,
		Confidence:          emp.Confidence,
	}
	record.RecalculateDifference()
	return record, nil
}

// updateSessionProgress writes the processed count and the clamped progress
// percentage inside the current unit of work.
func updateSessionProgress(tx *gorm.DB, sessionId uint, processed, total int) error {
	percent := 100
	if total > 0 {
		percent = processed * 100 / total
	}
	if percent > 100 {
		percent = 100
	}
	return tx.Model(&models.ReconSession{}).Where("id = ?", sessionId).Updates(map[string]interface{}{
		"processed_employees": processed,
		"progress_percent":    percent,
	}).Error
}
