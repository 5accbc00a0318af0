package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AzureExtractor calls an Azure Document Intelligence custom model through
// its async submit-then-poll REST flow.
type AzureExtractor struct {
	endpoint string
	apiKey   string
	modelCAR string
	modelRcp string
	http     *http.Client
	logger   *logrus.Logger

	pollInterval time.Duration
	maxPolls     int
}

func NewAzureExtractor(endpoint, apiKey string, logger *logrus.Logger) *AzureExtractor {
	modelCAR := strings.TrimSpace(os.Getenv("DOCINTEL_CAR_MODEL"))
	if modelCAR == "" {
		modelCAR = "prebuilt-layout"
	}
	modelRcp := strings.TrimSpace(os.Getenv("DOCINTEL_RECEIPT_MODEL"))
	if modelRcp == "" {
		modelRcp = "prebuilt-receipt"
	}
	return &AzureExtractor{
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       apiKey,
		modelCAR:     modelCAR,
		modelRcp:     modelRcp,
		http:         &http.Client{Timeout: 60 * time.Second},
		logger:       logger,
		pollInterval: 2 * time.Second,
		maxPolls:     60,
	}
}

type analyzeRow struct {
	EmployeeID   string      `json:"employee_id"`
	EmployeeName string      `json:"employee_name"`
	Amount       json.Number `json:"amount"`
	Confidence   *float64    `json:"confidence"`
}

type analyzeResult struct {
	Status string `json:"status"`
	Result struct {
		Rows []analyzeRow `json:"documents"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AzureExtractor) ProcessCARDocument(ctx context.Context, path string) ([]ExtractedEmployee, error) {
	rows, err := c.analyze(ctx, c.modelCAR, path)
	if err != nil {
		return nil, err
	}
	out := make([]ExtractedEmployee, 0, len(rows))
	for _, row := range rows {
		emp, amount, err := rowToEmployee(row)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"module": "client.go",
				"path":   path,
			}).Warn("skipping unparseable CAR row: " + err.Error())
			continue
		}
		emp.CARAmount = amount
		out = append(out, emp)
	}
	return out, nil
}

func (c *AzureExtractor) ProcessReceiptDocument(ctx context.Context, path string) ([]ExtractedEmployee, error) {
	rows, err := c.analyze(ctx, c.modelRcp, path)
	if err != nil {
		return nil, err
	}
	out := make([]ExtractedEmployee, 0, len(rows))
	for _, row := range rows {
		emp, amount, err := rowToEmployee(row)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"module": "client.go",
				"path":   path,
			}).Warn("skipping unparseable receipt row: " + err.Error())
			continue
		}
		emp.ReceiptAmount = amount
		out = append(out, emp)
	}
	return out, nil
}

func rowToEmployee(row analyzeRow) (ExtractedEmployee, decimal.Decimal, error) {
	amount, err := decimal.NewFromString(row.Amount.String())
	if err != nil {
		return ExtractedEmployee{}, decimal.Zero, fmt.Errorf("amount %q: %w", row.Amount.String(), err)
	}
	return ExtractedEmployee{
		EmployeeID:   strings.TrimSpace(row.EmployeeID),
		EmployeeName: strings.TrimSpace(row.EmployeeName),
		Confidence:   row.Confidence,
	}, amount, nil
}

// analyze submits the document, then polls the Operation-Location URL until
// the service reports a terminal status.
func (c *AzureExtractor) analyze(ctx context.Context, model string, path string) ([]analyzeRow, error) {
	doc, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	submitURL := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=2024-02-29-preview", c.endpoint, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, doc)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("document analyze submit error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return nil, errors.New("document analyze response missing Operation-Location")
	}

	for i := 0; i < c.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		result, err := c.pollOnce(ctx, opURL)
		if err != nil {
			return nil, err
		}
		switch result.Status {
		case "succeeded":
			return result.Result.Rows, nil
		case "failed":
			if result.Error != nil {
				return nil, fmt.Errorf("document analyze failed: %s: %s", result.Error.Code, result.Error.Message)
			}
			return nil, errors.New("document analyze failed")
		}
	}
	return nil, errors.New("document analyze timed out")
}

func (c *AzureExtractor) pollOnce(ctx context.Context, opURL string) (analyzeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
	if err != nil {
		return analyzeResult{}, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return analyzeResult{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return analyzeResult{}, fmt.Errorf("document analyze poll error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed analyzeResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return analyzeResult{}, err
	}
	return parsed, nil
}
