// seed-demo populates a local database with a demo reconciliation session and
// runs it end to end with the mock extractor. Useful for frontend work and
// manual QA without Azure credentials.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/mmdatafocus/cardrecon_backend/extraction"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"github.com/mmdatafocus/cardrecon_backend/workflow"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	models.MigrateTable()

	car := make([]extraction.ExtractedEmployee, 0, 12)
	receipts := make([]extraction.ExtractedEmployee, 0, 12)
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("EMP-%03d", i)
		name := fmt.Sprintf("Demo Employee %d", i)
		amount := decimal.NewFromInt(int64(40 + i*15))
		car = append(car, extraction.ExtractedEmployee{
			EmployeeID:   id,
			EmployeeName: name,
			CARAmount:    amount,
		})
		receiptAmount := amount
		if i%4 == 0 {
			// Every 4th employee is short on receipts to exercise mismatch review.
			receiptAmount = amount.Sub(decimal.NewFromInt(25))
		}
		receipts = append(receipts, extraction.ExtractedEmployee{
			EmployeeID:    id,
			EmployeeName:  name,
			ReceiptAmount: receiptAmount,
		})
	}

	session := &models.ReconSession{
		BusinessId:      "demo-business",
		Name:            "Demo Reconciliation " + time.Now().UTC().Format("2006-01-02"),
		Status:          models.SessionStatusPending,
		CARFilePath:     "demo://car.pdf",
		ReceiptFilePath: "demo://receipts.pdf",
		CreatedBy:       "seed-demo",
	}
	if err := db.Create(session).Error; err != nil {
		log.Fatalf("creating demo session: %v", err)
	}

	orch := workflow.NewOrchestrator(db, logger, &extraction.StaticExtractor{CAR: car, Receipts: receipts})
	if err := orch.Start(context.Background(), session.ID, workflow.ProcessingConfig{}); err != nil {
		log.Fatalf("starting demo processing: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := orch.GetStatus(session.ID)
		if err != nil {
			log.Fatalf("polling demo session: %v", err)
		}
		if models.IsTerminalSessionStatus(snapshot.Status) {
			log.Printf("demo session %d finished: status=%s issues=%d", session.ID, snapshot.Status, snapshot.Issues)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	log.Fatalf("demo session %d did not finish in time", session.ID)
}
