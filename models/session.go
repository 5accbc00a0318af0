package models

import (
	"time"
)

// ReconSession is one reconciliation job: one CAR statement matched against
// one receipt collection for a business. Sessions are never deleted, only
// closed.
type ReconSession struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;not null" json:"business_id"`
	Name       string `gorm:"size:255" json:"name"`
	Status     string `gorm:"size:20;not null;default:'pending'" json:"status"`

	// Closed is orthogonal to Status: a closed session keeps its last status
	// but rejects every further control operation.
	Closed        bool   `gorm:"not null;default:false" json:"closed"`
	ClosureReason string `gorm:"size:255" json:"closure_reason"`

	CARFilePath     string `gorm:"size:512" json:"car_file_path"`
	ReceiptFilePath string `gorm:"size:512" json:"receipt_file_path"`

	TotalEmployees     int `gorm:"not null;default:0" json:"total_employees"`
	ProcessedEmployees int `gorm:"not null;default:0" json:"processed_employees"`
	ProgressPercent    int `gorm:"not null;default:0" json:"progress_percent"`

	// ParentSessionId links a delta-reprocessing session to the session whose
	// records it was compared against.
	ParentSessionId *uint `gorm:"index" json:"parent_session_id"`

	ErrorMessage *string `gorm:"type:text" json:"error_message"`

	CreatedBy             string     `gorm:"size:100" json:"created_by"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *ReconSession) HasUploads() bool {
	return s.CARFilePath != "" && s.ReceiptFilePath != ""
}

func (s *ReconSession) CanPause() bool {
	return !s.Closed && s.Status == SessionStatusProcessing
}

func (s *ReconSession) CanResume() bool {
	return !s.Closed && s.Status == SessionStatusPaused
}

func (s *ReconSession) CanCancel() bool {
	return !s.Closed && (s.Status == SessionStatusProcessing || s.Status == SessionStatusPaused)
}

func (s *ReconSession) CanStartProcessing() bool {
	return !s.Closed && (s.Status == SessionStatusPending || IsTerminalSessionStatus(s.Status))
}
