package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// MockExtractor stands in for Azure Document Intelligence in development and
// tests. If the given path is a JSON fixture it is decoded as-is; otherwise a
// deterministic synthetic dataset is produced so uploads of arbitrary PDFs
// still exercise the full pipeline.
type MockExtractor struct {
	// SyntheticCount controls the generated dataset size for non-fixture paths.
	SyntheticCount int
}

func NewMockExtractor() *MockExtractor {
	return &MockExtractor{SyntheticCount: 20}
}

func (m *MockExtractor) ProcessCARDocument(ctx context.Context, path string) ([]ExtractedEmployee, error) {
	if rows, ok, err := m.loadFixture(path); err != nil {
		return nil, err
	} else if ok {
		return rows, nil
	}
	out := make([]ExtractedEmployee, 0, m.SyntheticCount)
	for i := 1; i <= m.SyntheticCount; i++ {
		out = append(out, ExtractedEmployee{
			EmployeeID:   fmt.Sprintf("EMP%03d", i),
			EmployeeName: fmt.Sprintf("Employee %d", i),
			CARAmount:    decimal.NewFromInt(int64(100 + i)),
		})
	}
	return out, nil
}

func (m *MockExtractor) ProcessReceiptDocument(ctx context.Context, path string) ([]ExtractedEmployee, error) {
	if rows, ok, err := m.loadFixture(path); err != nil {
		return nil, err
	} else if ok {
		return rows, nil
	}
	out := make([]ExtractedEmployee, 0, m.SyntheticCount)
	for i := 1; i <= m.SyntheticCount; i++ {
		amount := decimal.NewFromInt(int64(100 + i))
		// Every fifth employee under-submits receipts so demo data always
		// contains a few mismatches.
		if i%5 == 0 {
			amount = amount.Sub(decimal.NewFromInt(30))
		}
		out = append(out, ExtractedEmployee{
			EmployeeID:    fmt.Sprintf("EMP%03d", i),
			EmployeeName:  fmt.Sprintf("Employee %d", i),
			ReceiptAmount: amount,
		})
	}
	return out, nil
}

func (m *MockExtractor) loadFixture(path string) ([]ExtractedEmployee, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Not readable (or a placeholder path): fall back to synthetic data.
		return nil, false, nil
	}
	var rows []ExtractedEmployee
	if err := json.Unmarshal(data, &rows); err != nil {
		// A real PDF upload lands here; the mock cannot parse it.
		return nil, false, nil
	}
	return rows, true, nil
}

// StaticExtractor returns fixed datasets regardless of path. Tests and the
// demo seeder use it to pin exact inputs.
type StaticExtractor struct {
	CAR      []ExtractedEmployee
	Receipts []ExtractedEmployee
}

func (s *StaticExtractor) ProcessCARDocument(ctx context.Context, path string) ([]ExtractedEmployee, error) {
	return s.CAR, nil
}

func (s *StaticExtractor) ProcessReceiptDocument(ctx context.Context, path string) ([]ExtractedEmployee, error) {
	return s.Receipts, nil
}
