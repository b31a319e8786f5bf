package models

import "gorm.io/gorm"

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Tenant{},
		&Account{}, &Shareholder{},
		&EmployeePlan{}, &VestedBalance{},
		&Transaction{},
		&AuditLog{}, &AuditChainHead{}, &AuditMirrorCursor{},
		&OutboxEvent{},
	)
}
