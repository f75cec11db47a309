package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	host       TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps credentials in a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteStore(path, key string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, bkerrors.New(bkerrors.ErrCodeInvalidInput, "sqlite credential store path cannot be empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "create database directory")
			}
		}
		if err := ensurePrivateFile(path); err != nil {
			return nil, bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "create database file")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeStorageRead, "open database")
	}
	// One connection keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(credentialSchema); err != nil {
		_ = db.Close()
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "create credentials table")
	}
	return &SQLiteStore{db: db, key: normalizeKey(key)}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Credential, bool, error) {
	var (
		token     string
		expiresMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, expires_at FROM credentials WHERE host = ?`, s.key,
	).Scan(&token, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, bkerrors.Wrap(err, bkerrors.ErrCodeStorageRead, "load credential")
	}
	cred := Credential{Token: token}
	if expiresMs > 0 {
		cred.ExpiresAt = time.UnixMilli(expiresMs)
	}
	return cred, !cred.Empty(), nil
}

func (s *SQLiteStore) Save(ctx context.Context, cred Credential) error {
	var expiresMs int64
	if !cred.ExpiresAt.IsZero() {
		expiresMs = cred.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (host, token, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		s.key, cred.Token, expiresMs, time.Now().UnixMilli(),
	)
	if err != nil {
		return bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "save credential")
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE host = ?`, s.key); err != nil {
		return bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "clear credential")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ensurePrivateFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}
