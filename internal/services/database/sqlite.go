package database

import (
	"strings"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const sqliteParams = "_journal_mode=WAL&_busy_timeout=5000"

// sqliteDialector enables WAL so the exchange log worker does not block readers
func sqliteDialector(config models.DatabaseConfig) gorm.Dialector {
	sep := "?"
	if strings.Contains(config.FilePath, "?") {
		sep = "&"
	}
	return sqlite.Open(config.FilePath + sep + sqliteParams)
}
