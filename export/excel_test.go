package export

import (
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "export_test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ReconSession{}, &models.EmployeeRecord{}); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func TestBuildSessionWorkbook(t *testing.T) {
	db := openTestDB(t)
	session := &models.ReconSession{
		Name:           "March reconciliation",
		Status:         models.SessionStatusCompleted,
		TotalEmployees: 2, ProcessedEmployees: 2,
		CreatedBy: "tester",
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	records := []models.EmployeeRecord{
		{SessionId: session.ID, EmployeeId: "E-1", EmployeeName: "Alice Chen",
			CARAmount: decimal.NewFromInt(100), ReceiptAmount: decimal.NewFromInt(70),
			Difference: decimal.NewFromInt(30), ValidationStatus: models.ValidationStatusNeedsAttention},
		{SessionId: session.ID, EmployeeId: "E-2", EmployeeName: "Bob Diaz",
			CARAmount: decimal.NewFromInt(80), ReceiptAmount: decimal.NewFromInt(80),
			ValidationStatus: models.ValidationStatusValid},
		// Superseded rows must not export.
		{SessionId: session.ID, EmployeeId: "E-9", EmployeeName: "Old Revision",
			ValidationStatus: models.ValidationStatusValid, Superseded: true},
	}
	for i := range records {
		if err := db.Create(&records[i]).Error; err != nil {
			t.Fatalf("seeding record: %v", err)
		}
	}

	f, err := BuildSessionWorkbook(db, session.ID)
	if err != nil {
		t.Fatalf("building workbook: %v", err)
	}
	defer f.Close()

	name, err := f.GetCellValue(employeeSheet, "B2")
	if err != nil {
		t.Fatalf("reading cell: %v", err)
	}
	if name != "Alice Chen" {
		t.Fatalf("expected first employee row, got %q", name)
	}
	status, _ := f.GetCellValue(employeeSheet, "F2")
	if status != models.ValidationStatusNeedsAttention {
		t.Fatalf("expected needs_attention status cell, got %q", status)
	}
	// Row 4 would be the superseded record; it must be absent.
	if ghost, _ := f.GetCellValue(employeeSheet, "A4"); ghost != "" {
		t.Fatalf("superseded record leaked into export: %q", ghost)
	}

	summarySheet := f.GetSheetName(0)
	title, _ := f.GetCellValue(summarySheet, "B1")
	if title != "March reconciliation" {
		t.Fatalf("summary sheet missing session name, got %q", title)
	}
}

func TestBuildSessionWorkbookMissingSession(t *testing.T) {
	db := openTestDB(t)
	if _, err := BuildSessionWorkbook(db, 42); err == nil {
		t.Fatalf("missing session must error")
	}
}
