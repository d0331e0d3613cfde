// Package attachstore manages attachment bytes on disk. Every blob is
// AEAD-encrypted under the vault root key with an AAD bound to its content
// hash, so a file swapped between hashes fails authentication.
package attachstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// Store holds encrypted attachment blobs under <appDir>/attachments/.
// Thread-safe.
type Store struct {
	mu     sync.RWMutex
	dir    string
	dbKey  []byte
	appDir string
}

// New creates a store rooted at <appDir>/attachments.
func New(appDir string, dbKey []byte) *Store {
	return &Store{
		dir:    filepath.Join(appDir, "attachments"),
		dbKey:  append([]byte(nil), dbKey...),
		appDir: appDir,
	}
}

// Dir returns the attachments directory.
func (s *Store) Dir() string {
	return s.dir
}

// RelativePath returns the blob path relative to the app dir.
func (s *Store) RelativePath(sha string) string {
	return filepath.Join("attachments", sha+".bin")
}

func (s *Store) blobPath(sha string) string {
	return filepath.Join(s.dir, sha+".bin")
}

func (s *Store) variantDir(sha string) string {
	return filepath.Join(s.dir, "variants", sha)
}

// Put encrypts and writes attachment bytes. Writing the same content twice is
// a no-op beyond re-encryption (fresh nonce, same plaintext).
func (s *Store) Put(sha string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create attachments dir: %w", err)
	}
	ct, err := envelope.Encrypt(s.dbKey, data, envelope.AADAttachmentBytes(sha))
	if err != nil {
		return fmt.Errorf("failed to encrypt attachment %s: %w", sha, err)
	}

	// Temp-file + rename so readers never observe a partial blob.
	tmp, err := os.CreateTemp(s.dir, "."+sha+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(ct); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.blobPath(sha)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename blob: %w", err)
	}
	return nil
}

// PutVariant stores a derived rendition (thumbnail, transcoded page) under
// variants/<sha>/<variant>.bin, encrypted like the original.
func (s *Store) PutVariant(sha, variant string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.variantDir(sha)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create variants dir: %w", err)
	}
	ct, err := envelope.Encrypt(s.dbKey, data, envelope.AADAttachmentBytes(sha))
	if err != nil {
		return fmt.Errorf("failed to encrypt variant %s/%s: %w", sha, variant, err)
	}
	if err := os.WriteFile(filepath.Join(dir, variant+".bin"), ct, 0o644); err != nil {
		return fmt.Errorf("failed to write variant: %w", err)
	}
	return nil
}

// Get reads, decrypts and hash-verifies an attachment blob.
func (s *Store) Get(sha string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ct, err := os.ReadFile(s.blobPath(sha))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", sha, err)
	}
	data, err := envelope.Decrypt(s.dbKey, ct, envelope.AADAttachmentBytes(sha))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt blob %s: %w", sha, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != sha {
		return nil, fmt.Errorf("attachment %s: content hash mismatch after decrypt", sha)
	}
	return data, nil
}

// Exists reports whether a blob file is present.
func (s *Store) Exists(sha string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.blobPath(sha))
	return err == nil
}

// Delete removes the blob and any variants. Missing files are not an error.
func (s *Store) Delete(sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.blobPath(sha)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", sha, err)
	}
	if err := os.RemoveAll(s.variantDir(sha)); err != nil {
		return fmt.Errorf("failed to delete variants for %s: %w", sha, err)
	}
	return nil
}

// RemoveAll deletes the entire attachments directory. Used by vault reset.
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.dir)
}
