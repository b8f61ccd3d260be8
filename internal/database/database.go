package database

import (
	"fmt"
	"strings"

	"trade-agent-go/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the database named by dsn and migrates the schema.
// postgres:// and postgresql:// DSNs use the postgres driver; anything else is a sqlite path.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(dialectorFor(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// AutoMigrate creates or updates the execution history table.
// Existing rows are kept: the table is the durable execution history.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Execution{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
