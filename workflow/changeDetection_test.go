package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/cardrecon_backend/extraction"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/shopspring/decimal"
)

func oldRecord(id uint, employeeId, name string, car, receipt int64) models.EmployeeRecord {
	return models.EmployeeRecord{
		ID:            id,
		EmployeeId:    employeeId,
		EmployeeName:  name,
		CARAmount:     decimal.NewFromInt(car),
		ReceiptAmount: decimal.NewFromInt(receipt),
	}
}

func newEmployee(employeeId, name string, receipt int64) extraction.ExtractedEmployee {
	return extraction.ExtractedEmployee{
		EmployeeID:    employeeId,
		EmployeeName:  name,
		ReceiptAmount: decimal.NewFromInt(receipt),
	}
}

func changesByType(summary ChangeSummary, changeType string) []EmployeeChange {
	out := make([]EmployeeChange, 0)
	for _, c := range summary.Changes {
		if c.Type == changeType {
			out = append(out, c)
		}
	}
	return out
}

func assertTotals(t *testing.T, summary ChangeSummary) {
	t.Helper()
	if summary.TotalNew != summary.NewCount+summary.ChangedCount+summary.UnchangedCount {
		t.Fatalf("total_new identity broken: %+v", summary)
	}
	if summary.TotalOld != summary.ChangedCount+summary.UnchangedCount+summary.RemovedCount {
		t.Fatalf("total_old identity broken: %+v", summary)
	}
}

func TestDetectChangesClassification(t *testing.T) {
	detector := NewChangeDetector()
	old := []models.EmployeeRecord{
		oldRecord(1, "E-1", "Alice Chen", 100, 100), // amount will change
		oldRecord(2, "E-2", "Bob Diaz", 80, 80),     // unchanged
		oldRecord(3, "E-3", "Cara Singh", 60, 60),   // removed
	}
	updated := []extraction.ExtractedEmployee{
		newEmployee("E-1", "Alice Chen", 130),
		newEmployee("E-2", "Bob Diaz", 80),
		newEmployee("E-4", "Dan Wu", 45),
	}

	summary := detector.DetectChanges(old, updated)

	if summary.ChangedCount != 1 || summary.NewCount != 1 || summary.RemovedCount != 1 || summary.UnchangedCount != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	assertTotals(t, summary)

	changed := changesByType(summary, ChangeTypeChanged)
	if len(changed) != 1 || changed[0].EmployeeId != "E-1" {
		t.Fatalf("expected E-1 changed, got %+v", changed)
	}
	if !changed[0].AmountChanged || changed[0].OldRecordId != 1 {
		t.Fatalf("changed entry must carry old linkage: %+v", changed[0])
	}
	if !changed[0].OldReceipt.Equal(decimal.NewFromInt(100)) || !changed[0].NewReceipt.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("changed entry amounts wrong: %+v", changed[0])
	}

	removed := changesByType(summary, ChangeTypeRemoved)
	if len(removed) != 1 || removed[0].EmployeeId != "E-3" || removed[0].OldRecordId != 3 {
		t.Fatalf("expected E-3 removed, got %+v", removed)
	}

	added := changesByType(summary, ChangeTypeNew)
	if len(added) != 1 || added[0].EmployeeId != "E-4" || added[0].OldRecordId != 0 {
		t.Fatalf("expected E-4 new without linkage, got %+v", added)
	}
}

func TestDetectChangesEpsilonTolerance(t *testing.T) {
	detector := NewChangeDetector()
	old := []models.EmployeeRecord{
		{ID: 1, EmployeeId: "E-1", EmployeeName: "Alice Chen",
			ReceiptAmount: decimal.RequireFromString("100.000")},
	}
	updated := []extraction.ExtractedEmployee{
		{EmployeeID: "E-1", EmployeeName: "Alice Chen",
			ReceiptAmount: decimal.RequireFromString("100.004")},
	}

	summary := detector.DetectChanges(old, updated)
	if summary.UnchangedCount != 1 || summary.ChangedCount != 0 {
		t.Fatalf("sub-epsilon difference must classify unchanged: %+v", summary)
	}
}

func TestDetectChangesEmptySides(t *testing.T) {
	detector := NewChangeDetector()

	summary := detector.DetectChanges(nil, nil)
	if summary.TotalOld != 0 || summary.TotalNew != 0 || len(summary.Changes) != 0 {
		t.Fatalf("empty inputs must produce an empty summary: %+v", summary)
	}

	summary = detector.DetectChanges(nil, []extraction.ExtractedEmployee{newEmployee("E-1", "Alice Chen", 50)})
	if summary.NewCount != 1 {
		t.Fatalf("all-new input misclassified: %+v", summary)
	}
	assertTotals(t, summary)

	summary = detector.DetectChanges([]models.EmployeeRecord{oldRecord(1, "E-1", "Alice Chen", 50, 50)}, nil)
	if summary.RemovedCount != 1 {
		t.Fatalf("all-removed input misclassified: %+v", summary)
	}
	assertTotals(t, summary)
}

func TestDetectChangesNameFallbackMatching(t *testing.T) {
	detector := NewChangeDetector()
	// Old record has no id; new side matches on the normalized name.
	old := []models.EmployeeRecord{oldRecord(1, "", "  Alice   CHEN ", 100, 100)}
	updated := []extraction.ExtractedEmployee{newEmployee("", "alice chen", 100)}

	summary := detector.DetectChanges(old, updated)
	if summary.UnchangedCount != 1 {
		t.Fatalf("name-normalized match failed: %+v", summary)
	}
}

func TestDetectChangesNameFallbackWhenOneSideLacksId(t *testing.T) {
	detector := NewChangeDetector()

	// Re-extraction lost the id: the old record still matches on name.
	old := []models.EmployeeRecord{oldRecord(1, "E-1", "Alice Chen", 100, 100)}
	updated := []extraction.ExtractedEmployee{newEmployee("", "Alice Chen", 100)}

	summary := detector.DetectChanges(old, updated)
	if summary.UnchangedCount != 1 || summary.NewCount != 0 || summary.RemovedCount != 0 {
		t.Fatalf("id-bearing old record must name-match an id-less new row: %+v", summary)
	}
	if summary.Changes[0].OldRecordId != 1 {
		t.Fatalf("match must carry old linkage: %+v", summary.Changes[0])
	}
	assertTotals(t, summary)

	// The mirror case: the old record has no id, the new row gained one.
	old = []models.EmployeeRecord{oldRecord(2, "", "Bob Diaz", 80, 80)}
	updated = []extraction.ExtractedEmployee{newEmployee("E-2", "Bob Diaz", 95)}

	summary = detector.DetectChanges(old, updated)
	if summary.ChangedCount != 1 || summary.NewCount != 0 || summary.RemovedCount != 0 {
		t.Fatalf("id-less old record must name-match an id-bearing new row: %+v", summary)
	}
	assertTotals(t, summary)
}

func TestDetectChangesConflictingIdsNeverNameMatch(t *testing.T) {
	detector := NewChangeDetector()
	// Both sides carry ids and they differ: same name is not enough.
	old := []models.EmployeeRecord{oldRecord(1, "E-1", "Alice Chen", 100, 100)}
	updated := []extraction.ExtractedEmployee{newEmployee("E-9", "Alice Chen", 100)}

	summary := detector.DetectChanges(old, updated)
	if summary.NewCount != 1 || summary.RemovedCount != 1 || summary.UnchangedCount != 0 {
		t.Fatalf("conflicting ids must classify new+removed: %+v", summary)
	}
	assertTotals(t, summary)
}

func TestDetectChangesConsumesOldRecordOnce(t *testing.T) {
	detector := NewChangeDetector()
	old := []models.EmployeeRecord{oldRecord(1, "E-1", "Alice Chen", 100, 100)}
	// Two new rows for the same key: only one can consume the old record.
	updated := []extraction.ExtractedEmployee{
		newEmployee("E-1", "Alice Chen", 100),
		newEmployee("E-1", "Alice Chen", 100),
	}

	summary := detector.DetectChanges(old, updated)
	if summary.UnchangedCount != 1 || summary.NewCount != 1 {
		t.Fatalf("duplicate new keys must not double-consume: %+v", summary)
	}
	assertTotals(t, summary)
}

func TestDetectChangesDuplicateTieBreak(t *testing.T) {
	detector := NewChangeDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := oldRecord(1, "E-1", "Alice Chen", 100, 100)
	older.CreatedAt = base
	newer := oldRecord(2, "E-1", "Alice Chen", 100, 250)
	newer.CreatedAt = base.Add(time.Hour)

	summary := detector.DetectChanges(
		[]models.EmployeeRecord{older, newer},
		[]extraction.ExtractedEmployee{newEmployee("E-1", "Alice Chen", 250)},
	)

	// The newest old record (id 2, receipt 250) is the match, so the new row
	// classifies unchanged and the stale duplicate is removed.
	if summary.UnchangedCount != 1 || summary.RemovedCount != 1 {
		t.Fatalf("tie-break should pick newest record: %+v", summary)
	}
	unchanged := changesByType(summary, ChangeTypeUnchanged)
	if unchanged[0].OldRecordId != 2 {
		t.Fatalf("expected newest record id 2 matched, got %+v", unchanged[0])
	}
}
