package validation

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/mmdatafocus/cardrecon_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// EmployeeData is the merged CAR+receipt view of one employee handed to the
// rule set. It is a plain value: rules never touch storage.
type EmployeeData struct {
	EmployeeID    string
	EmployeeName  string
	CARAmount     decimal.Decimal
	ReceiptAmount decimal.Decimal
	Confidence    *float64
}

type Issue struct {
	Type           string                 `json:"type"`
	Severity       Severity               `json:"severity"`
	Description    string                 `json:"description"`
	Suggestion     string                 `json:"suggestion,omitempty"`
	FieldsAffected []string               `json:"fields_affected,omitempty"`
	AutoResolvable bool                   `json:"auto_resolvable"`
	Details        map[string]interface{} `json:"details,omitempty"`
	DetectedAt     time.Time              `json:"detected_at"`
}

// Flags is the aggregate persisted on EmployeeRecord.ValidationFlagsJSON.
type Flags struct {
	Issues          map[string]Issue `json:"issues"`
	HasIssues       bool             `json:"has_issues"`
	TotalIssues     int              `json:"total_issues"`
	HighestSeverity Severity         `json:"highest_severity,omitempty"`
	RequiresReview  bool             `json:"requires_review"`
}

type Result struct {
	Status string
	Issues []Issue
	Flags  Flags
}

// Context carries cross-record state for batch-scoped rules.
type Context struct {
	// NameCounts maps normalized employee name to its occurrence count in
	// the batch.
	NameCounts map[string]int
}

func BuildContext(employees []EmployeeData) *Context {
	counts := make(map[string]int, len(employees))
	for _, emp := range employees {
		name := utils.NormalizeName(emp.EmployeeName)
		if name == "" {
			continue
		}
		counts[name]++
	}
	return &Context{NameCounts: counts}
}

// Rule is one pluggable validation check. Returning (nil, nil) means the rule
// did not fire.
type Rule interface {
	Name() string
	Description() string
	Severity() Severity
	Evaluate(emp EmployeeData, batch *Context) (*Issue, error)
}

// Engine runs the rule set against employee records. Rules are evaluated in
// registration order so issue ordering and highest_severity are reproducible
// run to run.
type Engine struct {
	cfg    Config
	rules  []Rule
	logger *logrus.Logger
}

func NewEngine(cfg Config, logger *logrus.Logger) *Engine {
	e := &Engine{cfg: cfg, logger: logger}
	e.rules = []Rule{
		missingReceiptRule{cfg: cfg},
		amountMismatchRule{cfg: cfg},
		missingEmployeeIDRule{},
		policyViolationRule{cfg: cfg},
		duplicateEmployeeRule{},
		lowConfidenceRule{cfg: cfg},
		incompleteDataRule{cfg: cfg},
	}
	return e
}

// RegisterRule appends a custom rule after the built-ins.
func (e *Engine) RegisterRule(r Rule) {
	e.rules = append(e.rules, r)
}

func (e *Engine) Validate(emp EmployeeData, batch *Context) Result {
	issues := make([]Issue, 0, 2)
	for _, rule := range e.rules {
		if issue := e.evaluateRule(rule, emp, batch); issue != nil {
			issues = append(issues, *issue)
		}
	}
	return e.aggregate(issues)
}

// ValidateBatch validates every employee with the cross-record context built
// from the whole batch, enabling rules such as duplicate-name detection.
func (e *Engine) ValidateBatch(employees []EmployeeData) []Result {
	batch := BuildContext(employees)
	results := make([]Result, 0, len(employees))
	for _, emp := range employees {
		results = append(results, e.Validate(emp, batch))
	}
	return results
}

// evaluateRule isolates one rule evaluation. A rule that errors or panics is
// treated as "no issue": a broken rule must not sink the batch.
func (e *Engine) evaluateRule(rule Rule, emp EmployeeData, batch *Context) (issue *Issue) {
	defer func() {
		if r := recover(); r != nil {
			config.LogError(e.logger, "engine.go", "evaluateRule", "rule panicked: "+rule.Name(), emp.EmployeeID, fmt.Errorf("%v", r))
			issue = nil
		}
	}()

	result, err := rule.Evaluate(emp, batch)
	if err != nil {
		config.LogError(e.logger, "engine.go", "evaluateRule", "rule failed: "+rule.Name(), emp.EmployeeID, err)
		return nil
	}
	if result == nil {
		return nil
	}
	if result.Type == "" {
		result.Type = rule.Name()
	}
	if result.Severity == "" {
		result.Severity = rule.Severity()
	}
	if result.DetectedAt.IsZero() {
		result.DetectedAt = time.Now().UTC()
	}
	return result
}

func (e *Engine) aggregate(issues []Issue) Result {
	flags := Flags{Issues: map[string]Issue{}}
	for _, issue := range issues {
		flags.Issues[issue.Type] = issue
		if issue.Severity.Rank() > flags.HighestSeverity.Rank() {
			flags.HighestSeverity = issue.Severity
		}
		if !issue.AutoResolvable {
			flags.RequiresReview = true
		}
	}
	flags.HasIssues = len(issues) > 0
	flags.TotalIssues = len(issues)

	status := models.ValidationStatusValid
	if flags.HasIssues {
		status = models.ValidationStatusNeedsAttention
	}
	return Result{Status: status, Issues: issues, Flags: flags}
}
