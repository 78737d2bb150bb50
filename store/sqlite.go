package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/klauspost/compress/zstd"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/*.sql
var migrations embed.FS

const busyTimeoutMillis = 5000

// DB is a Store backed by a sqlite database. Blobs are stored zstd
// compressed.
type DB struct {
	db     *sql.DB
	path   string
	jobTTL time.Duration
	now    func() time.Time
	logger *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

type Option func(*DB)

func WithLogger(logger *slog.Logger) Option {
	return func(db *DB) {
		db.logger = logger
	}
}

// WithJobTTL sets how long a stored job description is considered fresh.
// Zero means descriptions never go stale.
func WithJobTTL(ttl time.Duration) Option {
	return func(db *DB) {
		db.jobTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		db.now = now
	}
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, opts ...Option) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("could not create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeoutMillis)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open store: %w", err)
	}

	db := &DB{
		db:     sqlDB,
		path:   path,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(db)
	}

	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("could not create encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		sqlDB.Close()

		return nil, fmt.Errorf("could not create decoder: %w", err)
	}

	db.enc = enc
	db.dec = dec

	db.logger.With("Fn", "store.Open").Debug("store opened", "path", path)

	return db, nil
}

// migrate applies the embedded migrations. The migrate instance is not
// closed since that would close the underlying database.
func (db *DB) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not prepare migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not prepare migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not migrate store: %w", err)
	}

	return nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Get(ctx context.Context, kind Kind, scope ...string) ([]byte, error) {
	if err := checkScope(kind, scope); err != nil {
		return nil, err
	}

	var (
		row     *sql.Row
		blob    []byte
		created int64
	)

	switch kind {
	case Reports:
		row = db.db.QueryRowContext(
			ctx,
			`SELECT events, created_at FROM reports WHERE workflow = ? AND build = ?`,
			scope[0], scope[1],
		)
	case Descriptions:
		row = db.db.QueryRowContext(
			ctx,
			`SELECT events, created_at FROM job_descriptions WHERE name = ?`,
			scope[0],
		)
	}

	if err := row.Scan(&blob, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("could not read %s: %w", kind, err)
	}

	if kind == Descriptions && db.stale(created) {
		return nil, ErrNotFound
	}

	data, err := db.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", kind, err)
	}

	return data, nil
}

// Set stores blob under scope, replacing any previous result.
func (db *DB) Set(ctx context.Context, kind Kind, blob []byte, scope ...string) error {
	if err := checkScope(kind, scope); err != nil {
		return err
	}

	compressed := db.enc.EncodeAll(blob, nil)
	created := db.now().Unix()

	var err error

	switch kind {
	case Reports:
		_, err = db.db.ExecContext(
			ctx,
			`INSERT INTO reports (workflow, build, events, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (workflow, build) DO UPDATE SET events = excluded.events, created_at = excluded.created_at`,
			scope[0], scope[1], compressed, created,
		)
	case Descriptions:
		_, err = db.db.ExecContext(
			ctx,
			`INSERT INTO job_descriptions (name, events, created_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET events = excluded.events, created_at = excluded.created_at`,
			scope[0], compressed, created,
		)
	}

	if err != nil {
		return fmt.Errorf("could not write %s: %w", kind, err)
	}

	db.logger.With("Fn", "DB.Set").Debug(
		"result stored",
		"kind", kind,
		"scope", scope,
		"size", len(blob),
		"compressed", len(compressed),
	)

	return nil
}

// PurgeDescriptions deletes job descriptions stored before the given time
// and returns how many were removed.
func (db *DB) PurgeDescriptions(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.db.ExecContext(
		ctx,
		`DELETE FROM job_descriptions WHERE created_at < ?`,
		before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("could not purge descriptions: %w", err)
	}

	return res.RowsAffected()
}

func (db *DB) Close() error {
	db.dec.Close()

	return errors.Join(db.enc.Close(), db.db.Close())
}

func (db *DB) stale(created int64) bool {
	if db.jobTTL <= 0 {
		return false
	}

	return db.now().Sub(time.Unix(created, 0)) > db.jobTTL
}
