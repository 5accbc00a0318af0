package validation

import (
	"fmt"
	"strings"

	"github.com/mmdatafocus/cardrecon_backend/utils"
	"github.com/shopspring/decimal"
)

// Config holds the tunables for the built-in rule set. Amount thresholds are
// decimals because they are money.
type Config struct {
	// ThresholdDollars and ThresholdPercent gate AmountMismatch. BOTH must be
	// exceeded for the rule to fire.
	ThresholdDollars decimal.Decimal
	ThresholdPercent decimal.Decimal

	// AmountCeiling triggers PolicyViolation when either amount exceeds it.
	AmountCeiling decimal.Decimal

	// ConfidenceFloor triggers LowConfidence when a score is present below it.
	ConfidenceFloor float64

	// RequiredFields drives IncompleteData. Recognized names: employee_id,
	// employee_name, car_amount, receipt_amount, confidence.
	RequiredFields []string
}

func DefaultConfig() Config {
	return Config{
		ThresholdDollars: decimal.NewFromInt(10),
		ThresholdPercent: decimal.NewFromInt(10),
		AmountCeiling:    decimal.NewFromInt(10000),
		ConfidenceFloor:  0.7,
		RequiredFields:   []string{"employee_name", "car_amount"},
	}
}

const (
	RuleMissingReceipt    = "missing_receipt"
	RuleAmountMismatch    = "amount_mismatch"
	RuleMissingEmployeeID = "missing_employee_id"
	RulePolicyViolation   = "policy_violation"
	RuleDuplicateEmployee = "duplicate_employee"
	RuleLowConfidence     = "low_confidence"
	RuleIncompleteData    = "incomplete_data"
)

type missingReceiptRule struct{ cfg Config }

func (missingReceiptRule) Name() string { return RuleMissingReceipt }
func (missingReceiptRule) Description() string {
	return "card activity exists but no receipt amount was submitted"
}
func (missingReceiptRule) Severity() Severity { return SeverityHigh }

func (r missingReceiptRule) Evaluate(emp EmployeeData, _ *Context) (*Issue, error) {
	if emp.CARAmount.IsPositive() && emp.ReceiptAmount.IsZero() {
		return &Issue{
			Description:    fmt.Sprintf("CAR shows %s but no receipts were submitted", emp.CARAmount.StringFixed(2)),
			Suggestion:     "request receipts from the employee or resolve with a justification",
			FieldsAffected: []string{"receipt_amount"},
			AutoResolvable: false,
		}, nil
	}
	return nil, nil
}

type amountMismatchRule struct{ cfg Config }

func (amountMismatchRule) Name() string { return RuleAmountMismatch }
func (amountMismatchRule) Description() string {
	return "CAR and receipt totals differ beyond both configured thresholds"
}
func (amountMismatchRule) Severity() Severity { return SeverityMedium }

func (r amountMismatchRule) Evaluate(emp EmployeeData, _ *Context) (*Issue, error) {
	diff := emp.CARAmount.Sub(emp.ReceiptAmount).Abs()
	if !diff.GreaterThan(r.cfg.ThresholdDollars) {
		return nil, nil
	}

	base := emp.CARAmount.Abs()
	if base.IsZero() {
		base = emp.ReceiptAmount.Abs()
	}
	if base.IsZero() {
		return nil, nil
	}
	relativePct := diff.Div(base).Mul(decimal.NewFromInt(100))
	// Both gates must trip. A large absolute gap on a huge statement, or a
	// large relative gap on a tiny one, is noise on its own.
	if !relativePct.GreaterThan(r.cfg.ThresholdPercent) {
		return nil, nil
	}

	severity := SeverityMedium
	if diff.GreaterThanOrEqual(r.cfg.ThresholdDollars.Mul(decimal.NewFromInt(5))) {
		severity = SeverityHigh
	}
	return &Issue{
		Severity: severity,
		Description: fmt.Sprintf("CAR amount %s differs from receipt amount %s by %s (%s%%)",
			emp.CARAmount.StringFixed(2), emp.ReceiptAmount.StringFixed(2), diff.StringFixed(2), relativePct.StringFixed(1)),
		Suggestion:     "verify the receipt collection is complete and amounts were extracted correctly",
		FieldsAffected: []string{"car_amount", "receipt_amount"},
		AutoResolvable: false,
		Details: map[string]interface{}{
			"difference":       diff.String(),
			"relative_percent": relativePct.StringFixed(2),
		},
	}, nil
}

type missingEmployeeIDRule struct{}

func (missingEmployeeIDRule) Name() string        { return RuleMissingEmployeeID }
func (missingEmployeeIDRule) Description() string { return "employee identifier is missing" }
func (missingEmployeeIDRule) Severity() Severity  { return SeverityMedium }

func (missingEmployeeIDRule) Evaluate(emp EmployeeData, _ *Context) (*Issue, error) {
	if strings.TrimSpace(emp.EmployeeID) == "" {
		return &Issue{
			Description:    "no employee identifier was extracted; matching falls back to name only",
			Suggestion:     "confirm the employee id on the source document",
			FieldsAffected: []string{"employee_id"},
			AutoResolvable: true,
		}, nil
	}
	return nil, nil
}

type policyViolationRule struct{ cfg Config }

func (policyViolationRule) Name() string { return RulePolicyViolation }
func (policyViolationRule) Description() string {
	return "an amount exceeds the expense policy ceiling"
}
func (policyViolationRule) Severity() Severity { return SeverityHigh }

func (r policyViolationRule) Evaluate(emp EmployeeData, _ *Context) (*Issue, error) {
	fields := make([]string, 0, 2)
	if emp.CARAmount.GreaterThan(r.cfg.AmountCeiling) {
		fields = append(fields, "car_amount")
	}
	if emp.ReceiptAmount.GreaterThan(r.cfg.AmountCeiling) {
		fields = append(fields, "receipt_amount")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &Issue{
		Description:    fmt.Sprintf("amount exceeds the policy ceiling of %s", r.cfg.AmountCeiling.StringFixed(2)),
		Suggestion:     "escalate to the program administrator",
		FieldsAffected: fields,
		AutoResolvable: false,
	}, nil
}

type duplicateEmployeeRule struct{}

func (duplicateEmployeeRule) Name() string { return RuleDuplicateEmployee }
func (duplicateEmployeeRule) Description() string {
	return "another record in the batch has the same employee name"
}
func (duplicateEmployeeRule) Severity() Severity { return SeverityMedium }

func (duplicateEmployeeRule) Evaluate(emp EmployeeData, batch *Context) (*Issue, error) {
	if batch == nil {
		return nil, nil
	}
	name := utils.NormalizeName(emp.EmployeeName)
	if name == "" || batch.NameCounts[name] < 2 {
		return nil, nil
	}
	return &Issue{
		Description:    fmt.Sprintf("%d records in this batch share the name %q", batch.NameCounts[name], emp.EmployeeName),
		Suggestion:     "check whether the rows belong to different employees with the same name",
		FieldsAffected: []string{"employee_name"},
		AutoResolvable: false,
		Details:        map[string]interface{}{"occurrences": batch.NameCounts[name]},
	}, nil
}

type lowConfidenceRule struct{ cfg Config }

func (lowConfidenceRule) Name() string { return RuleLowConfidence }
func (lowConfidenceRule) Description() string {
	return "document extraction confidence is below the configured floor"
}
func (lowConfidenceRule) Severity() Severity { return SeverityLow }

func (r lowConfidenceRule) Evaluate(emp EmployeeData, _ *Context) (*Issue, error) {
	if emp.Confidence == nil || *emp.Confidence >= r.cfg.ConfidenceFloor {
		return nil, nil
	}
	return &Issue{
		Description:    fmt.Sprintf("extraction confidence %.2f is below %.2f", *emp.Confidence, r.cfg.ConfidenceFloor),
		Suggestion:     "spot-check the extracted amounts against the source document",
		FieldsAffected: []string{"confidence"},
		AutoResolvable: true,
		Details:        map[string]interface{}{"confidence": *emp.Confidence},
	}, nil
}

type incompleteDataRule struct{ cfg Config }

func (incompleteDataRule) Name() string        { return RuleIncompleteData }
func (incompleteDataRule) Description() string { return "a required field is missing" }
func (incompleteDataRule) Severity() Severity  { return SeverityMedium }

func (r incompleteDataRule) Evaluate(emp EmployeeData, _ *Context) (*Issue, error) {
	missing := make([]string, 0, len(r.cfg.RequiredFields))
	for _, field := range r.cfg.RequiredFields {
		if !fieldPresent(emp, field) {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return &Issue{
		Description:    "missing required fields: " + strings.Join(missing, ", "),
		Suggestion:     "re-upload the document or correct the extraction",
		FieldsAffected: missing,
		AutoResolvable: false,
		Details:        map[string]interface{}{"missing_fields": missing},
	}, nil
}

func fieldPresent(emp EmployeeData, field string) bool {
	switch field {
	case "employee_id":
		return strings.TrimSpace(emp.EmployeeID) != ""
	case "employee_name":
		return strings.TrimSpace(emp.EmployeeName) != ""
	case "car_amount":
		return !emp.CARAmount.IsZero()
	case "receipt_amount":
		return !emp.ReceiptAmount.IsZero()
	case "confidence":
		return emp.Confidence != nil
	}
	// Unknown field names count as present rather than flagging every record.
	return true
}
