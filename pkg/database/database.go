package database

import (
	"covfuzz/config"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDBConnection opens the run database and migrates its tables. It returns
// nil when no database is configured.
func NewDBConnection(appConfig *config.AppConfig, log *zap.Logger) (*gorm.DB, error) {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		log.Debug("no database configured, runs will not be persisted")
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := db.AutoMigrate(&Run{}, &Crash{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Debug("connected to database")
	return db, nil
}
