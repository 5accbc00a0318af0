package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/cardrecon_backend/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// openTestDB gives each test its own throwaway sqlite database with the
// full schema. Shared by the workflow integration tests.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "recon_test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	err = db.AutoMigrate(&models.ReconSession{}, &models.EmployeeRecord{}, &models.ActivityLog{})
	if err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func TestIsTransientDBError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"lock wait timeout", &mysqlDriver.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, true},
		{"deadlock", &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}, true},
		{"duplicate key", &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}, false},
		{"sqlite busy", errors.New("database is locked"), true},
		{"plain error", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsTransientDBError(tc.err); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryTransientEventualSuccess(t *testing.T) {
	errBusy := errors.New("database is locked")
	attempts := 0
	err := RetryTransient(3, time.Millisecond, IsTransientDBError, func() error {
		attempts++
		if attempts < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryTransientPermanentErrorPropagatesImmediately(t *testing.T) {
	errPermanent := errors.New("constraint violation")
	attempts := 0
	err := RetryTransient(3, time.Millisecond, IsTransientDBError, func() error {
		attempts++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error back, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("permanent errors must not retry, got %d attempts", attempts)
	}
	if IsStorageError(err) {
		t.Fatalf("permanent error must not be wrapped as storage failure")
	}
}

func TestRetryTransientExhaustionWrapsStorageError(t *testing.T) {
	errBusy := errors.New("database is locked")
	attempts := 0
	err := RetryTransient(3, time.Millisecond, IsTransientDBError, func() error {
		attempts++
		return errBusy
	})
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	var storage *StorageError
	if !errors.As(err, &storage) {
		t.Fatalf("exhausted retries must surface StorageError, got %v", err)
	}
	if storage.Attempts != 3 || !errors.Is(storage, errBusy) {
		t.Fatalf("storage error must carry attempts and cause: %+v", storage)
	}
}

func TestRunCommitsEffectExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	errBusy := errors.New("database is locked")

	atomic := NewAtomicTx(db)
	atomic.BaseDelay = time.Millisecond

	attempts := 0
	err := atomic.Run(context.Background(), func(tx *gorm.DB) error {
		attempts++
		record := &models.EmployeeRecord{SessionId: 1, EmployeeId: "E-1", EmployeeName: "Alice Chen"}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		if attempts < 3 {
			// The failed attempts roll back, so the insert must not stick.
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	var count int64
	if err := db.Model(&models.EmployeeRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("counting records: %v", err)
	}
	if count != 1 {
		t.Fatalf("effect must commit exactly once, found %d records", count)
	}
}

func TestRunRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	atomic := NewAtomicTx(db)

	errPermanent := errors.New("validation failed")
	err := atomic.Run(context.Background(), func(tx *gorm.DB) error {
		record := &models.EmployeeRecord{SessionId: 1, EmployeeId: "E-1", EmployeeName: "Alice Chen"}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected the unit-of-work error back, got %v", err)
	}

	var count int64
	if err := db.Model(&models.EmployeeRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("counting records: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed unit of work must leave no rows, found %d", count)
	}
}

func TestRunInExistingDoesNotCommit(t *testing.T) {
	db := openTestDB(t)
	atomic := NewAtomicTx(db)

	tx := db.Begin()
	err := atomic.RunInExisting(tx, func(tx *gorm.DB) error {
		return tx.Create(&models.EmployeeRecord{SessionId: 1, EmployeeId: "E-1", EmployeeName: "Alice Chen"}).Error
	})
	if err != nil {
		t.Fatalf("unit of work failed: %v", err)
	}
	// The helper must leave the caller's transaction open and uncommitted.
	tx.Rollback()

	var count int64
	if err := db.Model(&models.EmployeeRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("counting records: %v", err)
	}
	if count != 0 {
		t.Fatalf("helper committed a caller-owned transaction, found %d rows", count)
	}
}

func TestRunBatchReportsCommittedCount(t *testing.T) {
	db := openTestDB(t)
	atomic := NewAtomicTx(db)

	errPermanent := errors.New("bad chunk")
	committed, err := atomic.RunBatch(context.Background(), 10, 3, func(tx *gorm.DB, start, end int) error {
		if start >= 6 {
			return errPermanent
		}
		for i := start; i < end; i++ {
			record := &models.EmployeeRecord{SessionId: 1, EmployeeId: "E-1", EmployeeName: "Alice Chen"}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected chunk error back, got %v", err)
	}
	if committed != 6 {
		t.Fatalf("expected 6 committed before the failing chunk, got %d", committed)
	}

	var count int64
	if err := db.Model(&models.EmployeeRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("counting records: %v", err)
	}
	if count != 6 {
		t.Fatalf("earlier chunks must stay committed, found %d rows", count)
	}
}
