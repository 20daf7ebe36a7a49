// Package cache stores transform results in SQLite, keyed by the input
// bytes and the options that shaped the output.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/weblink"
)

// SchemaVersion is bumped when the stored layout changes. Rows written
// under another version are ignored.
const SchemaVersion = 1

// Store is a result cache backed by one SQLite file.
type Store struct {
	db *sql.DB
}

// Key identifies the result of transforming input under opts.
func Key(input []byte, opts weblink.Options) string {
	h := sha256.New()
	h.Write(input)
	h.Write([]byte(opts.Fingerprint()))
	return hex.EncodeToString(h.Sum(nil))
}

// Open creates or opens the cache database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "failed to create cache directory")
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "failed to open database")
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "failed to initialize schema")
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL, -- unix nanoseconds
		module BLOB NOT NULL,
		glue TEXT NOT NULL,
		summary_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at);
	`)
	return err
}

// Get returns the cached result for key. A miss returns nil and no error.
func (s *Store) Get(ctx context.Context, key string) (*weblink.Result, error) {
	var (
		module  []byte
		glue    string
		summary string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT module, glue, summary_json FROM results WHERE key = ? AND schema_version = ?`,
		key, SchemaVersion,
	).Scan(&module, &glue, &summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "failed to read result")
	}

	res := &weblink.Result{Module: module, Glue: glue}
	if err := json.Unmarshal([]byte(summary), &res.Summary); err != nil {
		return nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "failed to decode summary")
	}
	return res, nil
}

// Put stores res under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key string, res *weblink.Result) error {
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "failed to encode summary")
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO results (key, schema_version, created_at, module, glue, summary_json)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		schema_version = excluded.schema_version,
		created_at = excluded.created_at,
		module = excluded.module,
		glue = excluded.glue,
		summary_json = excluded.summary_json
	`, key, SchemaVersion, time.Now().UnixNano(), res.Module, res.Glue, string(summary))
	if err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindIO, err, "failed to store result")
	}
	return nil
}

// Prune deletes entries written before cutoff and returns how many it
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "failed to prune")
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
