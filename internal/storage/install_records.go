package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/LaunchAgent/internal/config"
)

const (
	defaultDBDirName    = ".launchagent"
	defaultDBFileName   = "install_cache.sqlite"
	installRecordsTable = "install_records"
)

// Record is one persisted (device, package, user) install.
type Record struct {
	Serial         string    `db:"serial" json:"serial"`
	PackageName    string    `db:"package_name" json:"package_name"`
	UserID         int       `db:"user_id" json:"user_id"`
	ContentHash    string    `db:"content_hash" json:"content_hash"`
	LastUpdateTime string    `db:"last_update_time" json:"last_update_time"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Store persists install records in SQLite.
type Store struct {
	db   *sqlx.DB
	path string
}

// ResolveDatabasePath returns $INSTALL_CACHE_DB_PATH or ~/.launchagent/install_cache.sqlite,
// creating the parent directory if necessary.
func ResolveDatabasePath() (string, error) {
	if custom := config.String(config.EnvCacheDBPath, ""); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

// Open opens (or creates) the install record database at path.
// An empty path resolves the default location.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		var err error
		if path, err = ResolveDatabasePath(); err != nil {
			return nil, err
		}
	} else if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("install record store opened")
	return &Store{db: db, path: path}, nil
}

func configureSQLite(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// several launches may share the file
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sqlx.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + installRecordsTable + ` (
			serial TEXT NOT NULL,
			package_name TEXT NOT NULL,
			user_id INTEGER NOT NULL DEFAULT -1,
			content_hash TEXT NOT NULL,
			last_update_time TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (serial, package_name, user_id)
		)`)
	if err != nil {
		return errors.Wrap(err, "storage: create install_records table failed")
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Load returns every persisted record.
func (s *Store) Load(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records,
		`SELECT serial, package_name, user_id, content_hash, last_update_time, updated_at
		 FROM `+installRecordsTable+` ORDER BY serial, package_name, user_id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: load install records failed")
	}
	return records, nil
}

// Upsert inserts or replaces rec.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO `+installRecordsTable+`
			(serial, package_name, user_id, content_hash, last_update_time, updated_at)
		VALUES (:serial, :package_name, :user_id, :content_hash, :last_update_time, :updated_at)
		ON CONFLICT(serial, package_name, user_id) DO UPDATE SET
			content_hash=excluded.content_hash,
			last_update_time=excluded.last_update_time,
			updated_at=excluded.updated_at`, rec)
	if err != nil {
		return errors.Wrapf(err, "storage: upsert install record %s/%s failed", rec.Serial, rec.PackageName)
	}
	return nil
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, serial, pkg string, userID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+installRecordsTable+` WHERE serial = ? AND package_name = ? AND user_id = ?`,
		serial, pkg, userID)
	if err != nil {
		return errors.Wrapf(err, "storage: delete install record %s/%s failed", serial, pkg)
	}
	return nil
}

// DeleteDevice removes every record of serial.
func (s *Store) DeleteDevice(ctx context.Context, serial string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+installRecordsTable+` WHERE serial = ?`, serial)
	if err != nil {
		return 0, errors.Wrapf(err, "storage: delete install records of %s failed", serial)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAll truncates the table.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+installRecordsTable)
	if err != nil {
		return 0, errors.Wrap(err, "storage: clear install records failed")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
