// Package store keeps an audit trail of concierge sessions and fs files in a
// gorm database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ert-concierge/concierge/internal/config"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Manager handles the database connection and audit writes. Writes are no-ops
// while IsValid is false.
type Manager struct {
	DB              *gorm.DB
	SqlDB           *sql.DB
	IsValid         bool
	ShouldSaveLocal bool
	Logger          zerolog.Logger

	cfg config.StoreConfig
}

// NewManager creates a new store manager.
func NewManager(cfg config.StoreConfig, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		Logger: log,
	}
}

// Connect opens the configured database. A Postgres store that cannot be
// reached falls back to in-memory SQLite.
func (m *Manager) Connect() error {
	var err error

	if m.cfg.Type == "postgres" {
		m.DB, err = m.GetPostgresDB()
		if err == nil {
			m.SqlDB, err = m.DB.DB()
			if err == nil {
				err = m.SqlDB.Ping()
			}
		}
		if err != nil {
			m.Logger.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
			m.ShouldSaveLocal = true
			m.DB, err = m.GetSqliteDB("")
		}
	} else {
		m.ShouldSaveLocal = true
		m.DB, err = m.GetSqliteDB(m.cfg.SQLite.Path)
	}
	if err != nil || m.DB == nil {
		m.IsValid = false
		return fmt.Errorf("failed to get local SQLite DB: %w", err)
	}

	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err := m.SqlDB.Ping(); err != nil {
		m.IsValid = false
		return fmt.Errorf("db not valid: %w", err)
	}

	if !m.ShouldSaveLocal {
		m.SqlDB.SetMaxOpenConns(10)
	}

	m.IsValid = true
	m.Logger.Info().Str("dialect", m.DB.Dialector.Name()).Msg("Connected to database")
	return nil
}

// GetPostgresDB returns a connection to the Postgres database.
func (m *Manager) GetPostgresDB() (*gorm.DB, error) {
	pg := m.cfg.Postgres
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		pg.Host, pg.Port, pg.Username, pg.Password, pg.Database,
	)

	m.Logger.Debug().Str("host", pg.Host).Str("database", pg.Database).Msg("Connecting to Postgres DB")

	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// GetSqliteDB returns a connection to a SQLite database.
// If path is empty, uses a shared in-memory database.
func (m *Manager) GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = OFF;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	if path != "" {
		m.Logger.Info().Str("path", path).Msg("Using local SQLite DB")
	} else {
		m.Logger.Info().Msg("Using local SQLite DB in memory")
	}
	return db, nil
}

// Setup migrates the audit tables.
func (m *Manager) Setup() error {
	if !m.IsValid {
		return fmt.Errorf("db not valid")
	}
	m.Logger.Info().Msg("Migrating schema")
	if err := m.DB.AutoMigrate(Models...); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	m.IsValid = false
	return m.SqlDB.Close()
}

// RecordJoin stores a new session for an identified client.
func (m *Manager) RecordJoin(id uuid.UUID, name, addr string) error {
	if !m.IsValid {
		return nil
	}
	s := Session{
		UUID:     id.String(),
		Name:     name,
		Addr:     addr,
		JoinedAt: time.Now().UTC(),
	}
	if err := m.DB.Create(&s).Error; err != nil {
		return fmt.Errorf("record join %s: %w", name, err)
	}
	return nil
}

// RecordLeave stamps the end of a session.
func (m *Manager) RecordLeave(id uuid.UUID) error {
	if !m.IsValid {
		return nil
	}
	now := time.Now().UTC()
	err := m.DB.Model(&Session{}).
		Where("uuid = ?", id.String()).
		Update("left_at", &now).Error
	if err != nil {
		return fmt.Errorf("record leave %s: %w", id, err)
	}
	return nil
}

// RecordFile upserts the file row for owner/path.
func (m *Manager) RecordFile(owner, path string, size int64, meta map[string]any) error {
	if !m.IsValid {
		return nil
	}
	raw := datatypes.JSON("{}")
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode file meta: %w", err)
		}
		raw = datatypes.JSON(b)
	}
	f := File{
		Owner:      owner,
		Path:       path,
		Size:       size,
		UploadedAt: time.Now().UTC(),
		Meta:       raw,
	}
	err := m.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "uploaded_at", "meta"}),
	}).Create(&f).Error
	if err != nil {
		return fmt.Errorf("record file %s/%s: %w", owner, path, err)
	}
	return nil
}

// DeleteFile removes one file row.
func (m *Manager) DeleteFile(owner, path string) error {
	if !m.IsValid {
		return nil
	}
	err := m.DB.Where("owner = ? AND path = ?", owner, path).Delete(&File{}).Error
	if err != nil {
		return fmt.Errorf("delete file %s/%s: %w", owner, path, err)
	}
	return nil
}

// DeleteFiles removes every file row held by owner.
func (m *Manager) DeleteFiles(owner string) error {
	if !m.IsValid {
		return nil
	}
	if err := m.DB.Where("owner = ?", owner).Delete(&File{}).Error; err != nil {
		return fmt.Errorf("delete files of %s: %w", owner, err)
	}
	return nil
}

// Files lists the files held by owner ordered by path.
func (m *Manager) Files(owner string) ([]File, error) {
	if !m.IsValid {
		return nil, nil
	}
	var files []File
	if err := m.DB.Where("owner = ?", owner).Order("path").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("list files of %s: %w", owner, err)
	}
	return files, nil
}

// Sessions lists every recorded session, oldest first.
func (m *Manager) Sessions() ([]Session, error) {
	if !m.IsValid {
		return nil, nil
	}
	var sessions []Session
	if err := m.DB.Order("id").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DumpToDisk vacuums a SQLite database into path, replacing any existing file.
func (m *Manager) DumpToDisk(path string) error {
	if path == "" {
		return fmt.Errorf("sqlite file path not set")
	}
	if !m.IsValid || m.DB.Dialector.Name() != "sqlite" {
		return fmt.Errorf("dump requires a sqlite store")
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("error removing existing DB file: %w", err)
		}
	}

	start := time.Now()
	if err := m.DB.Exec("VACUUM INTO ?", path).Error; err != nil {
		return fmt.Errorf("error dumping DB to disk: %w", err)
	}

	m.Logger.Debug().Dur("duration", time.Since(start)).Str("path", path).Msg("Dumped DB to disk")
	return nil
}
