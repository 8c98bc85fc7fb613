package common

import (
	"gorm.io/gorm"

	"github.com/bda-association/bda-portal/internal/config"
	"github.com/bda-association/bda-portal/internal/database"
)

// OpenDatabase loads configuration and opens the portal database. Callers
// close it with CloseDB.
func OpenDatabase(envFile string) (*config.Config, *gorm.DB, error) {
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func CloseDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
