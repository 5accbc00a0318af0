package workflow

import (
	"strings"

	"github.com/mmdatafocus/cardrecon_backend/extraction"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/mmdatafocus/cardrecon_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	ChangeTypeNew       = "new"
	ChangeTypeChanged   = "changed"
	ChangeTypeUnchanged = "unchanged"
	ChangeTypeRemoved   = "removed"
)

// EmployeeChange is one employee's classification in a delta run, with the
// old and new receipt amounts when both sides exist.
type EmployeeChange struct {
	Type         string          `json:"type"`
	EmployeeId   string          `json:"employee_id"`
	EmployeeName string          `json:"employee_name"`
	OldReceipt   decimal.Decimal `json:"old_receipt_amount"`
	NewReceipt   decimal.Decimal `json:"new_receipt_amount"`
	OldCAR       decimal.Decimal `json:"old_car_amount"`
	AmountChanged bool           `json:"amount_changed"`

	// OldRecordId links back to the superseded record for changed/unchanged
	// employees; zero for new ones.
	OldRecordId uint `json:"old_record_id,omitempty"`
}

type ChangeSummary struct {
	NewCount       int              `json:"new_count"`
	ChangedCount   int              `json:"changed_count"`
	UnchangedCount int              `json:"unchanged_count"`
	RemovedCount   int              `json:"removed_count"`
	TotalOld       int              `json:"total_old"`
	TotalNew       int              `json:"total_new"`
	Changes        []EmployeeChange `json:"changes"`
}

// ChangeDetector diffs a session's persisted records against a freshly
// extracted receipt dataset.
type ChangeDetector struct {
	// Epsilon is the negligible receipt-amount difference below which an
	// employee counts as unchanged.
	Epsilon decimal.Decimal

	// PreferNewestDuplicate picks the most recently created old record when
	// two old records match one new employee. This tie-break is policy, not
	// contract; it is pinned by a test so a change is a conscious decision.
	PreferNewestDuplicate bool
}

func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{
		Epsilon:               decimal.New(5, -3), // half a cent
		PreferNewestDuplicate: true,
	}
}

func normalizeEmployeeId(id string) string {
	return strings.TrimSpace(strings.ToLower(id))
}

// employeeKey joins extracted rows by identifier when one is present, else by
// the normalized name.
func employeeKey(id, name string) string {
	if id = normalizeEmployeeId(id); id != "" {
		return "id:" + id
	}
	return "name:" + utils.NormalizeName(name)
}

// DetectChanges classifies every employee on the new side as new, changed or
// unchanged, and every unconsumed old record as removed. Each old record is
// consumed by at most one new employee, so the totals always satisfy
// total_new == new+changed+unchanged and total_old == changed+unchanged+removed.
func (d *ChangeDetector) DetectChanges(oldRecords []models.EmployeeRecord, newEmployees []extraction.ExtractedEmployee) ChangeSummary {
	byId := make(map[string][]*models.EmployeeRecord, len(oldRecords))
	byName := make(map[string][]*models.EmployeeRecord, len(oldRecords))
	for i := range oldRecords {
		if id := normalizeEmployeeId(oldRecords[i].EmployeeId); id != "" {
			byId[id] = append(byId[id], &oldRecords[i])
		}
		name := utils.NormalizeName(oldRecords[i].EmployeeName)
		byName[name] = append(byName[name], &oldRecords[i])
	}

	summary := ChangeSummary{
		TotalOld: len(oldRecords),
		TotalNew: len(newEmployees),
		Changes:  make([]EmployeeChange, 0, len(newEmployees)),
	}
	consumed := make(map[uint]bool, len(oldRecords))

	for _, emp := range newEmployees {
		old := d.matchOld(emp, byId, byName, consumed)
		if old == nil {
			summary.NewCount++
			summary.Changes = append(summary.Changes, EmployeeChange{
				Type:         ChangeTypeNew,
				EmployeeId:   emp.EmployeeID,
				EmployeeName: emp.EmployeeName,
				NewReceipt:   emp.ReceiptAmount,
			})
			continue
		}
		consumed[old.ID] = true

		change := EmployeeChange{
			EmployeeId:   emp.EmployeeID,
			EmployeeName: emp.EmployeeName,
			OldReceipt:   old.ReceiptAmount,
			NewReceipt:   emp.ReceiptAmount,
			OldCAR:       old.CARAmount,
			OldRecordId:  old.ID,
		}
		if emp.ReceiptAmount.Sub(old.ReceiptAmount).Abs().GreaterThan(d.Epsilon) {
			change.Type = ChangeTypeChanged
			change.AmountChanged = true
			summary.ChangedCount++
		} else {
			change.Type = ChangeTypeUnchanged
			summary.UnchangedCount++
		}
		summary.Changes = append(summary.Changes, change)
	}

	for i := range oldRecords {
		if consumed[oldRecords[i].ID] {
			continue
		}
		summary.RemovedCount++
		summary.Changes = append(summary.Changes, EmployeeChange{
			Type:         ChangeTypeRemoved,
			EmployeeId:   oldRecords[i].EmployeeId,
			EmployeeName: oldRecords[i].EmployeeName,
			OldReceipt:   oldRecords[i].ReceiptAmount,
			OldCAR:       oldRecords[i].CARAmount,
			OldRecordId:  oldRecords[i].ID,
		})
	}

	return summary
}

// matchOld resolves a new employee against the old side: identifier match
// first, then an exact normalized-name match when the identifier is absent
// on either side. A new row that carries an id never name-matches an old
// record carrying a different id.
func (d *ChangeDetector) matchOld(emp extraction.ExtractedEmployee, byId, byName map[string][]*models.EmployeeRecord, consumed map[uint]bool) *models.EmployeeRecord {
	name := utils.NormalizeName(emp.EmployeeName)
	id := normalizeEmployeeId(emp.EmployeeID)
	if id == "" {
		return d.pickMatch(byName[name], consumed)
	}
	if old := d.pickMatch(byId[id], consumed); old != nil {
		return old
	}
	idless := make([]*models.EmployeeRecord, 0, len(byName[name]))
	for _, c := range byName[name] {
		if normalizeEmployeeId(c.EmployeeId) == "" {
			idless = append(idless, c)
		}
	}
	return d.pickMatch(idless, consumed)
}

// pickMatch chooses among ambiguous duplicate old records: newest CreatedAt
// wins (highest id breaks a same-timestamp tie).
func (d *ChangeDetector) pickMatch(candidates []*models.EmployeeRecord, consumed map[uint]bool) *models.EmployeeRecord {
	var best *models.EmployeeRecord
	for _, c := range candidates {
		if consumed[c.ID] {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if !d.PreferNewestDuplicate {
			continue
		}
		if c.CreatedAt.After(best.CreatedAt) || (c.CreatedAt.Equal(best.CreatedAt) && c.ID > best.ID) {
			best = c
		}
	}
	return best
}
