package extraction

import (
	"context"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ExtractedEmployee is one employee row pulled out of a CAR or receipt PDF.
// CAR documents fill CARAmount, receipt documents fill ReceiptAmount; the
// other amount stays zero until the two sides are merged.
type ExtractedEmployee struct {
	EmployeeID    string          `json:"employee_id"`
	EmployeeName  string          `json:"employee_name"`
	CARAmount     decimal.Decimal `json:"car_amount"`
	ReceiptAmount decimal.Decimal `json:"receipt_amount"`
	Confidence    *float64        `json:"confidence,omitempty"`
}

// Extractor turns an uploaded PDF into employee rows in source order.
// Implementations must preserve the document's row order: processing order
// and progress sequences depend on it.
type Extractor interface {
	ProcessCARDocument(ctx context.Context, path string) ([]ExtractedEmployee, error)
	ProcessReceiptDocument(ctx context.Context, path string) ([]ExtractedEmployee, error)
}

// FromEnv picks the Azure Document Intelligence client when configured and
// falls back to the fixture-based mock otherwise.
func FromEnv(logger *logrus.Logger) Extractor {
	endpoint := strings.TrimSpace(os.Getenv("DOCINTEL_ENDPOINT"))
	key := strings.TrimSpace(os.Getenv("DOCINTEL_API_KEY"))
	if endpoint != "" && key != "" {
		return NewAzureExtractor(endpoint, key, logger)
	}
	logger.Warn("DOCINTEL_ENDPOINT not set; using mock document extractor")
	return NewMockExtractor()
}
