// Package sqlitestore keeps credentials in a SQLite file with every value sealed
// by XChaCha20-Poly1305 under a key derived from an operator supplied secret.
package sqlitestore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrsteele09/go-rider-client/credstore"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"
)

const (
	keyDerivationSalt = "go-rider-client/credstore/v1"
	keyDerivationInfo = "credential-sealing-key"
	schema            = `CREATE TABLE IF NOT EXISTS credentials (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
)

var _ credstore.Store = (*Store)(nil)

// Store persists sealed credentials in SQLite.
type Store struct {
	db   *sql.DB
	aead cipher.AEAD
	now  func() time.Time
}

// Open opens (or creates) the credential database at path.
func Open(path, secret string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("[sqlitestore Open] storage path is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("[sqlitestore Open] secret is required")
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return nil, fmt.Errorf("[sqlitestore Open] derive key: %w", err)
	}

	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("[sqlitestore Open] create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cleanPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("[sqlitestore Open] open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[sqlitestore Open] ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[sqlitestore Open] create schema: %w", err)
	}

	return &Store{db: db, aead: aead, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("[sqlitestore Get] query %s: %w", key, err)
	}

	plain, err := s.open(key, sealed)
	if err != nil {
		return "", false, fmt.Errorf("[sqlitestore Get] open %s: %w", key, err)
	}
	return string(plain), true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("[sqlitestore Set] key is required")
	}

	sealed, err := s.seal(key, []byte(value))
	if err != nil {
		return fmt.Errorf("[sqlitestore Set] seal %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, sealed, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("[sqlitestore Set] upsert %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("[sqlitestore Remove] delete %s: %w", key, err)
	}
	return nil
}

// seal prefixes the ciphertext with its nonce. The key name is bound as
// additional data so a value cannot be moved to another key.
func (s *Store) seal(key string, plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

func (s *Store) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, []byte(key))
}

func newAEAD(secret string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(keyDerivationSalt), []byte(keyDerivationInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
