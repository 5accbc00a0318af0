package models

import (
	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/mmdatafocus/cardrecon_backend/utils"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&ReconSession{}, &EmployeeRecord{}, &ActivityLog{},
	)
	utils.ErrorPanic(err)
}
