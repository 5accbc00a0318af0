package main

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxUploadSizeBytes int64 = 50 * 1024 * 1024

var documentMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/tiff":      true,
}

const (
	documentKindCAR     = "car"
	documentKindReceipt = "receipt"
)

func uploadDir() string {
	dir := strings.TrimSpace(os.Getenv("UPLOAD_DIR"))
	if dir == "" {
		dir = "uploads"
	}
	return dir
}

func extensionForUpload(filename, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		return ext
	}
	switch mimeType {
	case "application/pdf":
		return ".pdf"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/tiff":
		return ".tiff"
	default:
		return ""
	}
}

// uploadDocumentHandler stores a CAR or receipt document for a session.
// Re-uploading replaces the previous path; processing always reads the
// latest one.
func uploadDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		sessionId, ok := sessionIdParam(c)
		if !ok {
			return
		}

		kind := strings.ToLower(strings.TrimSpace(c.PostForm("kind")))
		if kind != documentKindCAR && kind != documentKindReceipt {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be car or receipt"})
			return
		}

		db := config.GetDB()
		var session models.ReconSession
		err := db.WithContext(c.Request.Context()).First(&session, sessionId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if session.Closed {
			c.JSON(http.StatusConflict, gin.H{"error": "session is closed"})
			return
		}
		if session.Status == models.SessionStatusProcessing || session.Status == models.SessionStatusPaused {
			c.JSON(http.StatusConflict, gin.H{"error": "cannot replace documents while processing"})
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if file.Size <= 0 || file.Size > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 50MB limit"})
			return
		}
		mimeType := file.Header.Get("Content-Type")
		if !documentMimeTypes[mimeType] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
			return
		}
		ext := extensionForUpload(file.Filename, mimeType)
		if ext == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file extension is required"})
			return
		}

		dir := filepath.Join(uploadDir(), kind)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare upload directory"})
			return
		}
		storedPath := filepath.Join(dir, uuid.NewString()+ext)
		if err := c.SaveUploadedFile(file, storedPath); err != nil {
			config.LogError(logger, "uploads.go", "uploadDocumentHandler", "SaveUploadedFile", storedPath, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
			return
		}

		column := "car_file_path"
		if kind == documentKindReceipt {
			column = "receipt_file_path"
		}
		err = db.WithContext(c.Request.Context()).Model(&models.ReconSession{}).
			Where("id = ?", sessionId).Update(column, storedPath).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		models.LogActivity(db, logger, sessionId, models.ActivityTypeFileUploaded, kind+" document uploaded", nil)

		logger.WithFields(logrus.Fields{
			"session_id": sessionId,
			"kind":       kind,
			"mime_type":  mimeType,
			"size":       file.Size,
			"path":       storedPath,
		}).Info("[upload.complete]")

		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"session_id": sessionId,
				"kind":       kind,
				"path":       storedPath,
			},
		})
	}
}
