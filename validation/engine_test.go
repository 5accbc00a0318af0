package validation

import (
	"errors"
	"io"
	"testing"

	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func issueTypes(result Result) []string {
	types := make([]string, 0, len(result.Issues))
	for _, issue := range result.Issues {
		types = append(types, issue.Type)
	}
	return types
}

func hasIssue(result Result, ruleName string) bool {
	_, ok := result.Flags.Issues[ruleName]
	return ok
}

func TestValidRecordHasNoIssues(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	result := engine.Validate(EmployeeData{
		EmployeeID:    "E-1",
		EmployeeName:  "Alice Chen",
		CARAmount:     dec(250),
		ReceiptAmount: dec(250),
	}, nil)

	if result.Status != models.ValidationStatusValid {
		t.Fatalf("expected valid status, got %s (issues: %v)", result.Status, issueTypes(result))
	}
	if result.Flags.HasIssues || result.Flags.TotalIssues != 0 {
		t.Fatalf("expected empty flags, got %+v", result.Flags)
	}
	if result.Flags.RequiresReview {
		t.Fatalf("valid record must not require review")
	}
}

func TestAmountMismatchRequiresBothGates(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())

	// Absolute gap above $10 but only 1.5% relative: must not fire.
	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1", EmployeeName: "Alice Chen",
		CARAmount: dec(1000), ReceiptAmount: dec(985),
	}, nil)
	if hasIssue(result, RuleAmountMismatch) {
		t.Fatalf("mismatch fired on absolute gap alone: %v", issueTypes(result))
	}

	// 40% relative gap but only $8 absolute: must not fire.
	result = engine.Validate(EmployeeData{
		EmployeeID: "E-2", EmployeeName: "Bob Diaz",
		CARAmount: dec(20), ReceiptAmount: dec(12),
	}, nil)
	if hasIssue(result, RuleAmountMismatch) {
		t.Fatalf("mismatch fired on relative gap alone: %v", issueTypes(result))
	}

	// Both gates exceeded: fires at medium.
	result = engine.Validate(EmployeeData{
		EmployeeID: "E-3", EmployeeName: "Cara Singh",
		CARAmount: dec(100), ReceiptAmount: dec(70),
	}, nil)
	issue, ok := result.Flags.Issues[RuleAmountMismatch]
	if !ok {
		t.Fatalf("mismatch did not fire with both gates exceeded: %v", issueTypes(result))
	}
	if issue.Severity != SeverityMedium {
		t.Fatalf("expected medium severity for $30 gap, got %s", issue.Severity)
	}
	if result.Status != models.ValidationStatusNeedsAttention {
		t.Fatalf("expected needs_attention, got %s", result.Status)
	}
}

func TestAmountMismatchSeverityEscalation(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	// $60 gap is over 5x the $10 threshold: escalates to high.
	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1", EmployeeName: "Alice Chen",
		CARAmount: dec(200), ReceiptAmount: dec(140),
	}, nil)
	issue, ok := result.Flags.Issues[RuleAmountMismatch]
	if !ok {
		t.Fatalf("mismatch did not fire")
	}
	if issue.Severity != SeverityHigh {
		t.Fatalf("expected high severity, got %s", issue.Severity)
	}
	if result.Flags.HighestSeverity != SeverityHigh {
		t.Fatalf("expected highest severity high, got %s", result.Flags.HighestSeverity)
	}
}

func TestMissingReceiptFires(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1", EmployeeName: "Alice Chen",
		CARAmount: dec(75),
	}, nil)
	issue, ok := result.Flags.Issues[RuleMissingReceipt]
	if !ok {
		t.Fatalf("missing_receipt did not fire: %v", issueTypes(result))
	}
	if issue.Severity != SeverityHigh {
		t.Fatalf("expected high severity, got %s", issue.Severity)
	}
	if issue.AutoResolvable {
		t.Fatalf("missing_receipt must not be auto-resolvable")
	}
}

func TestLowConfidenceIsAutoResolvable(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	confidence := 0.4
	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1", EmployeeName: "Alice Chen",
		CARAmount: dec(50), ReceiptAmount: dec(50),
		Confidence: &confidence,
	}, nil)
	if !hasIssue(result, RuleLowConfidence) {
		t.Fatalf("low_confidence did not fire: %v", issueTypes(result))
	}
	if result.Status != models.ValidationStatusNeedsAttention {
		t.Fatalf("any issue must flag the record, got %s", result.Status)
	}
	// Only auto-resolvable issues present: no manual review required.
	if result.Flags.RequiresReview {
		t.Fatalf("auto-resolvable-only record must not require review: %+v", result.Flags)
	}
}

func TestPolicyViolationCeiling(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1", EmployeeName: "Alice Chen",
		CARAmount: dec(12000), ReceiptAmount: dec(12000),
	}, nil)
	issue, ok := result.Flags.Issues[RulePolicyViolation]
	if !ok {
		t.Fatalf("policy_violation did not fire: %v", issueTypes(result))
	}
	if len(issue.FieldsAffected) != 2 {
		t.Fatalf("expected both amount fields affected, got %v", issue.FieldsAffected)
	}
}

func TestDuplicateEmployeeAcrossBatch(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	batch := []EmployeeData{
		{EmployeeID: "E-1", EmployeeName: "Alice Chen", CARAmount: dec(50), ReceiptAmount: dec(50)},
		{EmployeeID: "E-2", EmployeeName: "alice  chen", CARAmount: dec(80), ReceiptAmount: dec(80)},
		{EmployeeID: "E-3", EmployeeName: "Bob Diaz", CARAmount: dec(60), ReceiptAmount: dec(60)},
	}
	results := engine.ValidateBatch(batch)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// Name normalization makes the first two duplicates of each other.
	if !hasIssue(results[0], RuleDuplicateEmployee) || !hasIssue(results[1], RuleDuplicateEmployee) {
		t.Fatalf("duplicate_employee should fire on both shared-name records")
	}
	if hasIssue(results[2], RuleDuplicateEmployee) {
		t.Fatalf("duplicate_employee fired on a unique name")
	}
}

func TestIncompleteDataMissingName(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1",
		CARAmount:  dec(50), ReceiptAmount: dec(50),
	}, nil)
	if !hasIssue(result, RuleIncompleteData) {
		t.Fatalf("incomplete_data did not fire on missing name: %v", issueTypes(result))
	}
}

type panickingRule struct{}

func (panickingRule) Name() string        { return "panicking_rule" }
func (panickingRule) Description() string { return "always panics" }
func (panickingRule) Severity() Severity  { return SeverityCritical }
func (panickingRule) Evaluate(EmployeeData, *Context) (*Issue, error) {
	panic("boom")
}

type erroringRule struct{}

func (erroringRule) Name() string        { return "erroring_rule" }
func (erroringRule) Description() string { return "always errors" }
func (erroringRule) Severity() Severity  { return SeverityCritical }
func (erroringRule) Evaluate(EmployeeData, *Context) (*Issue, error) {
	return nil, errors.New("rule backend unavailable")
}

func TestBrokenRulesDoNotSinkValidation(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	engine.RegisterRule(panickingRule{})
	engine.RegisterRule(erroringRule{})

	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1", EmployeeName: "Alice Chen",
		CARAmount: dec(100), ReceiptAmount: dec(70),
	}, nil)

	if hasIssue(result, "panicking_rule") || hasIssue(result, "erroring_rule") {
		t.Fatalf("broken rules must evaluate as no-issue: %v", issueTypes(result))
	}
	if !hasIssue(result, RuleAmountMismatch) {
		t.Fatalf("built-in rules must still fire alongside broken ones")
	}
}

type flatFeeRule struct{}

func (flatFeeRule) Name() string        { return "flat_fee_check" }
func (flatFeeRule) Description() string { return "flags suspicious round amounts" }
func (flatFeeRule) Severity() Severity  { return SeverityLow }
func (flatFeeRule) Evaluate(emp EmployeeData, _ *Context) (*Issue, error) {
	if emp.CARAmount.Equal(decimal.NewFromInt(500)) {
		return &Issue{Description: "exactly $500", AutoResolvable: true}, nil
	}
	return nil, nil
}

func TestCustomRuleRunsAfterBuiltins(t *testing.T) {
	engine := NewEngine(DefaultConfig(), testLogger())
	engine.RegisterRule(flatFeeRule{})

	result := engine.Validate(EmployeeData{
		EmployeeID: "E-1", EmployeeName: "Alice Chen",
		CARAmount: dec(500),
	}, nil)

	types := issueTypes(result)
	if len(types) == 0 || types[len(types)-1] != "flat_fee_check" {
		t.Fatalf("custom rule must evaluate after built-ins, got order %v", types)
	}
	issue := result.Flags.Issues["flat_fee_check"]
	if issue.Severity != SeverityLow {
		t.Fatalf("engine must default severity from the rule, got %s", issue.Severity)
	}
	if issue.DetectedAt.IsZero() {
		t.Fatalf("engine must stamp DetectedAt")
	}
}
