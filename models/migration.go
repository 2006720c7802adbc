package models

import (
	"log"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Forma{}, &CodigoPresupuestario{},
		&Planilla{}, &Concepto{},
		&PendingWorkProjection{}, &NonValidatedAggregate{}, &ProjectionRefreshState{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
