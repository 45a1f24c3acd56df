package config

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// InitDatabase opens the SQLite history database and applies migrations.
func InitDatabase() (*sql.DB, error) {
	dbPath := HistoryDBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	migrations, err := os.ReadFile(HistoryMigrationsPath())
	if err != nil {
		return err
	}

	_, err = db.Exec(string(migrations))
	return err
}
