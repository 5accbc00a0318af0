package models

const (
	SessionStatusPending    = "pending"
	SessionStatusProcessing = "processing"
	SessionStatusPaused     = "paused"
	SessionStatusCompleted  = "completed"
	SessionStatusCancelled  = "cancelled"
	SessionStatusFailed     = "failed"
)

const (
	ValidationStatusValid          = "valid"
	ValidationStatusNeedsAttention = "needs_attention"
	ValidationStatusResolved       = "resolved"
)

const (
	ActivityTypeSessionCreated    = "session_created"
	ActivityTypeFileUploaded      = "file_uploaded"
	ActivityTypeProcessingStarted = "processing_started"
	ActivityTypeEmployeeProcessed = "employee_processed"
	ActivityTypeEmployeeFailed    = "employee_failed"
	ActivityTypeProcessingPaused  = "processing_paused"
	ActivityTypeProcessingResumed = "processing_resumed"
	ActivityTypeProcessingDone    = "processing_completed"
	ActivityTypeProcessingStopped = "processing_cancelled"
	ActivityTypeProcessingFailed  = "processing_failed"
	ActivityTypeRecordResolved    = "record_resolved"
	ActivityTypeSessionClosed     = "session_closed"
	ActivityTypeReprocessStarted  = "reprocess_started"
	ActivityTypeReprocessDone     = "reprocess_completed"
)

// IsTerminalSessionStatus reports whether processing for the status can never
// continue without an explicit new run.
func IsTerminalSessionStatus(status string) bool {
	switch status {
	case SessionStatusCompleted, SessionStatusCancelled, SessionStatusFailed:
		return true
	}
	return false
}
