package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/mmdatafocus/cardrecon_backend/export"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/mmdatafocus/cardrecon_backend/utils"
	"github.com/mmdatafocus/cardrecon_backend/workflow"
	"gorm.io/gorm"
)

type createSessionRequest struct {
	BusinessId string `json:"business_id"`
	Name       string `json:"name"`
	CreatedBy  string `json:"created_by"`
}

type resolveRecordRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

type reprocessRequest struct {
	ReceiptFilePath string                    `json:"receipt_file_path"`
	CloseSource     bool                      `json:"close_source"`
	ClosureReason   string                    `json:"closure_reason"`
	Config          workflow.ProcessingConfig `json:"config"`
}

type closeSessionRequest struct {
	Reason string `json:"reason"`
}

func sessionIdParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// respondWorkflowError maps workflow errors onto HTTP statuses: missing
// sessions are 404, precondition rejections 409, storage exhaustion 503.
func respondWorkflowError(c *gin.Context, err error) {
	var precondition *workflow.PreconditionError
	if errors.As(err, &precondition) {
		status := http.StatusConflict
		if precondition.Reason == workflow.ReasonNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": precondition.Error()})
		return
	}
	if workflow.IsStorageError(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func createSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}
		if req.CreatedBy == "" {
			req.CreatedBy = "System"
		}

		session := &models.ReconSession{
			BusinessId: req.BusinessId,
			Name:       req.Name,
			Status:     models.SessionStatusPending,
			CreatedBy:  req.CreatedBy,
		}
		db := config.GetDB()
		if err := db.WithContext(c.Request.Context()).Create(session).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		models.LogActivity(db, config.GetLogger(), session.ID, models.ActivityTypeSessionCreated, "session created", nil)

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusCreated, gin.H{
			"data":           session,
			"correlation_id": cid,
		})
	}
}

func listSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		query := db.WithContext(c.Request.Context()).Order("id DESC").Limit(100)
		if businessId := c.Query("business_id"); businessId != "" {
			query = query.Where("business_id = ?", businessId)
		}
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}

		var sessions []models.ReconSession
		if err := query.Find(&sessions).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": sessions})
	}
}

func getSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		var session models.ReconSession
		err := config.GetDB().WithContext(c.Request.Context()).First(&session, sessionId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": session})
	}
}

func sessionStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		snapshot, err := orch.GetStatus(sessionId)
		if err != nil {
			respondWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snapshot})
	}
}

func listRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		query := config.GetDB().WithContext(c.Request.Context()).
			Where("session_id = ? AND superseded = ?", sessionId, false).
			Order("id ASC")
		if status := c.Query("validation_status"); status != "" {
			query = query.Where("validation_status = ?", status)
		}

		var records []models.EmployeeRecord
		if err := query.Find(&records).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": records})
	}
}

func startProcessingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		var cfg workflow.ProcessingConfig
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&cfg); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if err := orch.Start(c.Request.Context(), sessionId, cfg); err != nil {
			respondWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"session_id": sessionId, "status": models.SessionStatusProcessing}})
	}
}

func pauseProcessingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		if err := orch.Pause(sessionId); err != nil {
			respondWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"session_id": sessionId, "pause_requested": true}})
	}
}

func resumeProcessingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		if err := orch.Resume(c.Request.Context(), sessionId); err != nil {
			respondWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"session_id": sessionId, "status": models.SessionStatusProcessing}})
	}
}

func cancelProcessingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		if err := orch.Cancel(sessionId); err != nil {
			respondWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"session_id": sessionId, "cancel_requested": true}})
	}
}

func reprocessReceiptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		var req reprocessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.ReceiptFilePath == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "receipt_file_path is required"})
			return
		}

		summary, err := orch.ReprocessReceipts(c.Request.Context(), sessionId, req.ReceiptFilePath, req.Config, req.CloseSource, req.ClosureReason)
		if err != nil {
			respondWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": summary})
	}
}

func closeSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		var req closeSessionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "closed manually"
		}
		if err := orch.CloseSession(c.Request.Context(), sessionId, req.Reason); err != nil {
			respondWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"session_id": sessionId, "closed": true}})
	}
}

func resolveRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		recordId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		var req resolveRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.ResolvedBy == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved_by is required"})
			return
		}

		db := config.GetDB()
		var record models.EmployeeRecord
		err := db.WithContext(c.Request.Context()).First(&record, recordId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if record.ValidationStatus != models.ValidationStatusNeedsAttention {
			c.JSON(http.StatusConflict, gin.H{"error": "record does not need attention"})
			return
		}

		record.Resolve(req.ResolvedBy, req.Notes)
		err = db.WithContext(c.Request.Context()).Model(&record).Updates(map[string]interface{}{
			"validation_status": record.ValidationStatus,
			"resolved_by":       record.ResolvedBy,
			"resolution_notes":  record.ResolutionNotes,
			"resolved_at":       record.ResolvedAt,
		}).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		models.LogActivity(db, config.GetLogger(), record.SessionId, models.ActivityTypeRecordResolved,
			fmt.Sprintf("record resolved by %s", req.ResolvedBy), utils.Ptr(record.EmployeeId))
		c.JSON(http.StatusOK, gin.H{"data": record})
	}
}

func exportSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}
		f, err := export.BuildSessionWorkbook(config.GetDB().WithContext(c.Request.Context()), sessionId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()

		filename := fmt.Sprintf("reconciliation-session-%d-%s.xlsx", sessionId, time.Now().UTC().Format("20060102"))
		c.Writer.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Writer.Header().Set("Content-Disposition", "attachment; filename="+filename)
		if err := f.Write(c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write file"})
		}
	}
}
