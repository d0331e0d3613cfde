package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/rs/zerolog"

	"github.com/secondloop/secondloop/pkg/attachstore"
	"github.com/secondloop/secondloop/pkg/envelope"
	"github.com/secondloop/secondloop/pkg/log"
)

// DBFileName is the main database file under the app dir.
const DBFileName = "secondloop.sqlite3"

// Store is the encrypted vault store. One Store wraps one SQLite connection
// (WAL mode, busy_timeout 5s, immediate transactions) plus the on-disk
// attachment byte store. Thread-safe.
type Store struct {
	mu       sync.RWMutex
	db       *sql.DB
	dbKey    []byte
	deviceID string
	appDir   string
	blobs    *attachstore.Store
	log      zerolog.Logger
}

// Open opens (creating if needed) the vault database under appDir with the
// given 32-byte root key, runs migrations, and resolves the device identity.
func Open(appDir string, dbKey []byte) (*Store, error) {
	if len(dbKey) != envelope.KeySize {
		return nil, fmt.Errorf("db key must be %d bytes, got %d", envelope.KeySize, len(dbKey))
	}

	dsn := "file:" + filepath.Join(appDir, DBFileName) +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single pooled connection keeps BEGIN IMMEDIATE transactions and
	// PRAGMA toggles coherent behind database/sql.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s := &Store{
		db:     db,
		dbKey:  append([]byte(nil), dbKey...),
		appDir: appDir,
		blobs:  attachstore.New(appDir, dbKey),
		log:    log.WithComponent("store"),
	}

	deviceID, err := s.ensureDeviceID()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.deviceID = deviceID

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DeviceID returns this installation's stable device identity.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// AppDir returns the application directory holding the database and attachments.
func (s *Store) AppDir() string {
	return s.appDir
}

// Blobs exposes the on-disk attachment byte store.
func (s *Store) Blobs() *attachstore.Store {
	return s.blobs
}

// ensureDeviceID reads or creates the persistent device id.
func (s *Store) ensureDeviceID() (string, error) {
	id, err := s.KVGet("device_id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.KVSet("device_id", id); err != nil {
		return "", err
	}
	return id, nil
}

// withTx runs fn inside one immediate transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) encrypt(plaintext, aad string) ([]byte, error) {
	return envelope.Encrypt(s.dbKey, []byte(plaintext), aad)
}

func (s *Store) decrypt(ciphertext []byte, aad string) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	pt, err := envelope.Decrypt(s.dbKey, ciphertext, aad)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
