package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeTokenFile(t *testing.T, dir string, rec map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "dhan_token.json")
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func TestFileStoreLoadAndRead(t *testing.T) {
	expires := time.Now().Add(12 * time.Hour).Unix()
	path := writeTokenFile(t, t.TempDir(), map[string]any{
		"access_token": "tok-1",
		"client_id":    "client-1",
		"expires_at":   expires,
		"renewed_at":   time.Now().Unix(),
	})

	store := NewFileStore(path, zerolog.Nop())
	if err := store.Load(); err != nil {
		t.Fatalf("Load should succeed: %v", err)
	}

	cred, err := store.Read()
	if err != nil {
		t.Fatalf("Read should succeed: %v", err)
	}
	if cred.AccessToken != "tok-1" || cred.ClientID != "client-1" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.ExpiresAt.Unix() != expires {
		t.Fatalf("expires_at mismatch: got %d want %d", cred.ExpiresAt.Unix(), expires)
	}
	if store.Version() != 1 {
		t.Fatalf("version should be 1 after load, got %d", store.Version())
	}
}

func TestFileStoreReadBeforeLoad(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())
	if _, err := store.Read(); err != ErrNotLoaded {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dhan_token.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := NewFileStore(path, zerolog.Nop())
	if err := store.Load(); err == nil {
		t.Fatal("Load should fail on corrupt file")
	}
}

func TestFileStoreReplacePersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := writeTokenFile(t, dir, map[string]any{
		"access_token": "tok-old",
		"client_id":    "client-1",
		"expires_at":   time.Now().Add(2 * time.Hour).Unix(),
		"renewed_at":   time.Now().Add(-22 * time.Hour).Unix(),
	})

	store := NewFileStore(path, zerolog.Nop())
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	next := Credential{
		AccessToken: "tok-new",
		ClientID:    "client-1",
		IssuedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	if err := store.Replace(next); err != nil {
		t.Fatalf("Replace should succeed: %v", err)
	}
	if store.Version() != 2 {
		t.Fatalf("version should bump to 2, got %d", store.Version())
	}

	// The on-disk record must reflect the new credential.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("persisted record not valid JSON: %v", err)
	}
	if rec.AccessToken != "tok-new" {
		t.Fatalf("persisted access_token should be tok-new, got %s", rec.AccessToken)
	}
	if rec.ExpiresAt != next.ExpiresAt.Unix() {
		t.Fatalf("persisted expires_at mismatch")
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the token file in %s, found %d entries", dir, len(entries))
	}
}

func TestFileStoreReplaceFailureLeavesOldValue(t *testing.T) {
	sub := filepath.Join(t.TempDir(), "tokens")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := writeTokenFile(t, sub, map[string]any{
		"access_token": "tok-old",
		"client_id":    "client-1",
		"expires_at":   time.Now().Add(2 * time.Hour).Unix(),
		"renewed_at":   time.Now().Add(-22 * time.Hour).Unix(),
	})

	store := NewFileStore(path, zerolog.Nop())
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before, _ := store.Read()

	// Remove the backing directory so the temp-file write fails.
	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("remove dir: %v", err)
	}

	now := time.Now().UTC()
	err := store.Replace(Credential{
		AccessToken: "tok-new",
		ClientID:    "client-1",
		IssuedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
	})
	if err == nil {
		t.Fatal("Replace should fail when persistence fails")
	}

	after, readErr := store.Read()
	if readErr != nil {
		t.Fatalf("Read after failed replace: %v", readErr)
	}
	if after.AccessToken != before.AccessToken {
		t.Fatalf("in-memory credential changed after failed persist: %s", after.AccessToken)
	}
	if store.Version() != 1 {
		t.Fatalf("version should not bump on failed replace, got %d", store.Version())
	}
}

func TestFileStoreReplaceRejectsInvertedWindow(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "t.json"), zerolog.Nop())
	now := time.Now()
	err := store.Replace(Credential{
		AccessToken: "tok",
		ClientID:    "c",
		IssuedAt:    now,
		ExpiresAt:   now.Add(-time.Hour),
	})
	if err == nil {
		t.Fatal("Replace should reject expires_at <= issued_at")
	}
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(20 * time.Hour).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp)))
	token := "eyJhbGciOiJIUzI1NiJ9." + payload + ".sig"

	got, err := ExpiryFromJWT(token)
	if err != nil {
		t.Fatalf("ExpiryFromJWT: %v", err)
	}
	if got.Unix() != exp {
		t.Fatalf("exp mismatch: got %d want %d", got.Unix(), exp)
	}
}

func TestExpiryFromJWTMalformed(t *testing.T) {
	cases := []string{
		"",
		"only-one-part",
		"a.b",
		"a.%%%.c",
		"a." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"x"}`)) + ".c",
	}
	for _, token := range cases {
		if _, err := ExpiryFromJWT(token); err == nil {
			t.Fatalf("expected error for token %q", token)
		}
	}
}

func TestFileStoreLoadRecoversExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(10 * time.Hour).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp)))
	token := "eyJhbGciOiJIUzI1NiJ9." + payload + ".sig"

	path := writeTokenFile(t, t.TempDir(), map[string]any{
		"access_token": token,
		"client_id":    "client-1",
	})

	store := NewFileStore(path, zerolog.Nop())
	if err := store.Load(); err != nil {
		t.Fatalf("Load should repair missing expires_at: %v", err)
	}
	cred, _ := store.Read()
	if cred.ExpiresAt.Unix() != exp {
		t.Fatalf("recovered expiry mismatch: got %d want %d", cred.ExpiresAt.Unix(), exp)
	}
}
