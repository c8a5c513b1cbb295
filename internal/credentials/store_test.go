package credentials

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testBlob() *Blob {
	return &Blob{
		Token:        "tok_abcdefghijklmnopqrstuvwxyz",
		RefreshToken: "ref_123",
		ExpiresAt:    time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Email:        "model@example.com",
		Password:     "hunter22",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "sub", FileName))
	want := testBlob()
	if err := s.Save(want, "pw"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("pw")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Token != want.Token || got.RefreshToken != want.RefreshToken ||
		got.Email != want.Email || got.Password != want.Password || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestLoadWrongPassphrase(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), FileName))
	if err := s.Save(testBlob(), "pw"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("wrong")
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("err = %v, want ErrDecrypt", err)
	}
	if got != nil {
		t.Errorf("got plaintext %+v on wrong passphrase", got)
	}
}

func TestLoadTampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s := NewStore(path)
	if err := s.Save(testBlob(), "pw"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	// Lowering the iteration count must not decrypt even with the right key.
	env.Iterations = 1
	data, _ = json.Marshal(env)
	os.WriteFile(path, data, 0o600)

	if _, err := s.Load("pw"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("err = %v, want ErrDecrypt", err)
	}
}

func TestLoadRejectsHugeIterationCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s := NewStore(path)
	if err := s.Save(testBlob(), "pw"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	env.Iterations = 2_000_000_000
	data, _ = json.Marshal(env)
	os.WriteFile(path, data, 0o600)

	start := time.Now()
	_, err := s.Load("pw")
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("err = %v, want ErrDecrypt", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Load took %v; the count should be rejected before key derivation", d)
	}
}

func TestLoadMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), FileName))
	if _, err := s.Load("pw"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if s.Exists() {
		t.Error("Exists on missing file")
	}
}

func TestFileHasNoPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s := NewStore(path)
	if err := s.Save(testBlob(), "pw"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	for _, secret := range []string{"hunter22", "model@example.com", "tok_abc"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("file contains %q", secret)
		}
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}
}

func TestClear(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), FileName))
	s.Save(testBlob(), "pw")
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if s.Exists() {
		t.Error("file still exists")
	}
	if err := s.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestSaveEmptyPassphrase(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), FileName))
	if err := s.Save(testBlob(), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateActivationKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		allowed []string
		ok      bool
	}{
		{"demo key", "DEMO1234567890ABCDEF1234567890AB", nil, true},
		{"test key", "TEST1234567890ABCDEF1234567890AB", nil, true},
		{"too short", "DEMO1234", nil, false},
		{"unknown", "ZZZZ1234567890ABCDEF1234567890AB", nil, false},
		{"letters only", strings.Repeat("A", 32), []string{strings.Repeat("A", 32)}, false},
		{"symbol", "DEMO-234567890ABCDEF1234567890AB", []string{"DEMO-234567890ABCDEF1234567890AB"}, false},
		{"custom allowlist", "CUST1234567890ABCDEF1234567890AB", []string{"CUST1234567890ABCDEF1234567890AB"}, true},
		{"custom excludes default", "DEMO1234567890ABCDEF1234567890AB", []string{"CUST1234567890ABCDEF1234567890AB"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateActivationKey(tt.key, tt.allowed)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateActivationKey(%q) = %v, want ok=%v", tt.key, err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("err = %v, want ErrInvalidKey", err)
			}
		})
	}
}
