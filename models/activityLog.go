package models

import (
	"time"

	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ActivityLog struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	SessionId    uint      `gorm:"index;not null" json:"session_id"`
	ActivityType string    `gorm:"size:30;not null" json:"activity_type"`
	Message      string    `gorm:"type:text;not null" json:"message"`
	EmployeeId   *string   `gorm:"size:100" json:"employee_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// LogActivity appends an audit entry. Fire-and-forget: a failed audit write
// is logged and swallowed so it can never abort processing.
func LogActivity(db *gorm.DB, logger *logrus.Logger, sessionId uint, activityType string, message string, employeeId *string) {
	entry := ActivityLog{
		SessionId:    sessionId,
		ActivityType: activityType,
		Message:      message,
		EmployeeId:   employeeId,
	}
	if err := db.Create(&entry).Error; err != nil {
		config.LogError(logger, "activityLog.go", "LogActivity", "Creating ActivityLog", entry, err)
	}
}

// RecentActivities returns the newest entries for a session, newest first.
func RecentActivities(db *gorm.DB, sessionId uint, limit int) ([]ActivityLog, error) {
	if limit <= 0 {
		limit = 10
	}
	entries := make([]ActivityLog, 0, limit)
	err := db.Where("session_id = ?", sessionId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
