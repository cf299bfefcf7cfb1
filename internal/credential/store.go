package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// tokenRecord is the on-disk layout, kept compatible with the provider token
// file format used by the upstream tooling.
type tokenRecord struct {
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id"`
	ExpiresAt   int64  `json:"expires_at"`
	RenewedAt   int64  `json:"renewed_at"`
}

// FileStore holds exactly one current credential backed by a JSON file.
// Reads are concurrent snapshots; Replace is the sole writer and persists
// before swapping the in-memory value, so a crash mid-renewal leaves either
// the old or the new record intact, never a partial one.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	current Credential
	version uint64
	loaded  bool
}

// NewFileStore builds a store over the given token file path without touching
// the filesystem. Call Load before first use.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "credential_store").Logger(),
	}
}

// Load initialises the store from the persisted record. A missing expires_at
// field is repaired from the JWT payload, matching the behaviour of the
// original token tooling.
func (s *FileStore) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read token file %s: %w", s.path, err)
	}

	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.AccessToken == "" || rec.ClientID == "" {
		return fmt.Errorf("%w: missing access_token or client_id", ErrCorrupt)
	}

	if rec.ExpiresAt == 0 {
		exp, err := ExpiryFromJWT(rec.AccessToken)
		if err != nil {
			return fmt.Errorf("%w: no expires_at and %v", ErrCorrupt, err)
		}
		rec.ExpiresAt = exp.Unix()
		s.logger.Warn().Time("expires_at", exp).Msg("expires_at missing, recovered from token payload")
	}

	cred := recordToCredential(rec)
	if !cred.ExpiresAt.After(cred.IssuedAt) {
		return fmt.Errorf("%w: expires_at not after issued_at", ErrCorrupt)
	}

	s.mu.Lock()
	s.current = cred
	s.version++
	s.loaded = true
	s.mu.Unlock()

	s.logger.Info().Time("expires_at", cred.ExpiresAt).Str("client_id", cred.ClientID).Msg("credential loaded")
	return nil
}

// Read returns the latest committed snapshot. It never blocks on a writer
// beyond the brief pointer swap.
func (s *FileStore) Read() (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return Credential{}, ErrNotLoaded
	}
	return s.current, nil
}

// Version returns the monotonic commit counter. It increments on every
// successful Load or Replace.
func (s *FileStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Replace atomically persists and commits a new credential. On persistence
// failure the in-memory value is left unchanged and the error is returned.
func (s *FileStore) Replace(cred Credential) error {
	if !cred.ExpiresAt.After(cred.IssuedAt) {
		return fmt.Errorf("credential: refusing replace, expires_at %s not after issued_at %s",
			cred.ExpiresAt, cred.IssuedAt)
	}

	rec := tokenRecord{
		AccessToken: cred.AccessToken,
		ClientID:    cred.ClientID,
		ExpiresAt:   cred.ExpiresAt.Unix(),
		RenewedAt:   cred.IssuedAt.Unix(),
	}

	if err := s.persist(rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = cred
	s.version++
	s.loaded = true
	s.mu.Unlock()

	s.logger.Info().Time("expires_at", cred.ExpiresAt).Msg("credential replaced")
	return nil
}

// persist writes to a temp file in the same directory and renames it over the
// target, so readers of the file never observe a half-written record.
func (s *FileStore) persist(rec tokenRecord) error {
	payload, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp token file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}

func recordToCredential(rec tokenRecord) Credential {
	issued := time.Unix(rec.RenewedAt, 0).UTC()
	if rec.RenewedAt == 0 {
		// Old files carry no renewed_at; treat the record as freshly issued
		// relative to its expiry window.
		issued = time.Unix(rec.ExpiresAt, 0).UTC().Add(-24 * time.Hour)
	}
	return Credential{
		AccessToken: rec.AccessToken,
		ClientID:    rec.ClientID,
		IssuedAt:    issued,
		ExpiresAt:   time.Unix(rec.ExpiresAt, 0).UTC(),
	}
}
