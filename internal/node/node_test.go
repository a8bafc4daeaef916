package node

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"meshchat/internal/crypto"
	"meshchat/internal/message"
)

func TestLoadCreatesThenReuses(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	first, err := Load(home)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !message.IsAddress(first.Address) {
		t.Fatalf("expected 32 hex address, got %q", first.Address)
	}
	second, err := Load(home)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if second.Address != first.Address {
		t.Fatalf("expected stable address, got %s then %s", first.Address, second.Address)
	}
}

func TestLoadCorruptIdentityIsFatal(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "priv.hex"), []byte("not hex"), 0600); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := Load(home); !errors.Is(err, crypto.ErrBadKey) {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(home, "priv.hex"))
	if string(data) != "not hex" {
		t.Fatalf("corrupt identity must not be overwritten")
	}
}

func TestSignVerify(t *testing.T) {
	n, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	sig := n.Sign([]byte("announce"))
	if !Verify(n.Address, n.PubKey, []byte("announce"), sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(n.Address, n.PubKey, []byte("tampered"), sig) {
		t.Fatalf("expected tampered message to fail")
	}
	other, _ := Load(t.TempDir())
	if Verify(other.Address, n.PubKey, []byte("announce"), sig) {
		t.Fatalf("expected address binding to fail")
	}
}
