package export

import (
	"fmt"

	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const employeeSheet = "Employees"

// BuildSessionWorkbook renders a session and its current (non-superseded)
// records into an xlsx workbook. Caller owns closing the file.
func BuildSessionWorkbook(db *gorm.DB, sessionId uint) (*excelize.File, error) {
	var session models.ReconSession
	if err := db.First(&session, sessionId).Error; err != nil {
		return nil, err
	}

	var records []models.EmployeeRecord
	err := db.Where("session_id = ? AND superseded = ?", sessionId, false).
		Order("id ASC").Find(&records).Error
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	summarySheet := f.GetSheetName(0)
	if _, err := f.NewSheet(employeeSheet); err != nil {
		return nil, err
	}

	writeSummary(f, summarySheet, &session, records)
	writeEmployees(f, records)
	return f, nil
}

func writeSummary(f *excelize.File, sheet string, session *models.ReconSession, records []models.EmployeeRecord) {
	issues := 0
	resolved := 0
	for _, r := range records {
		switch r.ValidationStatus {
		case models.ValidationStatusNeedsAttention:
			issues++
		case models.ValidationStatusResolved:
			resolved++
		}
	}

	rows := [][2]interface{}{
		{"Session", session.Name},
		{"Status", session.Status},
		{"Total Employees", session.TotalEmployees},
		{"Processed", session.ProcessedEmployees},
		{"Needs Attention", issues},
		{"Resolved", resolved},
		{"Created By", session.CreatedBy},
	}
	for i, row := range rows {
		f.SetCellValue(sheet, "A"+fmt.Sprint(i+1), row[0])
		f.SetCellValue(sheet, "B"+fmt.Sprint(i+1), row[1])
	}
}

func writeEmployees(f *excelize.File, records []models.EmployeeRecord) {
	headers := []string{"EmployeeId", "EmployeeName", "CARAmount", "ReceiptAmount", "Difference", "Status", "ResolvedBy", "ResolutionNotes"}
	col := 'A'
	for _, h := range headers {
		f.SetCellValue(employeeSheet, string(col)+"1", h)
		col++
	}

	for i, r := range records {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(employeeSheet, "A"+row, r.EmployeeId)
		f.SetCellValue(employeeSheet, "B"+row, r.EmployeeName)
		f.SetCellValue(employeeSheet, "C"+row, r.CARAmount.InexactFloat64())
		f.SetCellValue(employeeSheet, "D"+row, r.ReceiptAmount.InexactFloat64())
		f.SetCellValue(employeeSheet, "E"+row, r.Difference.InexactFloat64())
		f.SetCellValue(employeeSheet, "F"+row, r.ValidationStatus)
		if r.ResolvedBy != nil {
			f.SetCellValue(employeeSheet, "G"+row, *r.ResolvedBy)
		}
		if r.ResolutionNotes != nil {
			f.SetCellValue(employeeSheet, "H"+row, *r.ResolutionNotes)
		}
	}
}
