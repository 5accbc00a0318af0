package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EmployeeRecord is one employee's reconciliation outcome inside a session.
// Superseded revisions are kept for audit and delta comparison; the current
// revision is the one with Superseded=false.
type EmployeeRecord struct {
	ID        uint `gorm:"primary_key" json:"id"`
	SessionId uint `gorm:"index;not null" json:"session_id"`

	EmployeeId   string `gorm:"size:100;index" json:"employee_id"`
	EmployeeName string `gorm:"size:255;not null" json:"employee_name"`

	CARAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"car_amount"`
	ReceiptAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"receipt_amount"`
	Difference    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"difference"`

	ValidationStatus    string  `gorm:"size:20;not null;default:'valid'" json:"validation_status"`
	ValidationFlagsJSON []byte  `gorm:"type:json" json:"validation_flags"`
	Confidence          *float64 `json:"confidence"`

	ResolvedBy      *string    `gorm:"size:100" json:"resolved_by"`
	ResolutionNotes *string    `gorm:"type:text" json:"resolution_notes"`
	ResolvedAt      *time.Time `json:"resolved_at"`

	// PreviousRecordId links a delta revision to the record it supersedes.
	PreviousRecordId *uint `gorm:"index" json:"previous_record_id"`
	Superseded       bool  `gorm:"not null;default:false" json:"superseded"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecalculateDifference restores the difference invariant. Must be called
// whenever either amount changes.
func (r *EmployeeRecord) RecalculateDifference() {
	r.Difference = r.CARAmount.Sub(r.ReceiptAmount).Abs()
}

// Resolve records a manual resolution. Resolution does not edit amounts, it
// marks the mismatch as reviewed.
func (r *EmployeeRecord) Resolve(resolvedBy, notes string) {
	now := time.Now().UTC()
	r.ValidationStatus = ValidationStatusResolved
	r.ResolvedBy = &resolvedBy
	r.ResolutionNotes = &notes
	r.ResolvedAt = &now
}
