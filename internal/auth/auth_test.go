package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	rawKey, key, err := mgr.GenerateKey(context.Background(), "usr_1", "test-key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "pk_") {
		t.Errorf("Expected raw key with pk_ prefix, got %s", rawKey)
	}
	if !strings.HasPrefix(key.ID, "key_") {
		t.Errorf("Expected key ID with key_ prefix, got %s", key.ID)
	}
	if key.UserID != "usr_1" {
		t.Errorf("Expected user usr_1, got %s", key.UserID)
	}
	if key.Hash == rawKey {
		t.Error("Stored hash must not equal the raw key")
	}
	if key.Hash == "" {
		t.Error("Expected non-empty hash")
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, _, _ := mgr.GenerateKey(context.Background(), "usr_1", "test-key")

	key, err := mgr.ValidateKey(context.Background(), rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if key.UserID != "usr_1" {
		t.Errorf("Expected usr_1, got %s", key.UserID)
	}

	// Bearer prefix is stripped
	key, err = mgr.ValidateKey(context.Background(), "Bearer "+rawKey)
	if err != nil {
		t.Fatalf("ValidateKey with Bearer prefix failed: %v", err)
	}
	if key.UserID != "usr_1" {
		t.Errorf("Expected usr_1, got %s", key.UserID)
	}
}

func TestValidateKey_Invalid(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	cases := []struct {
		name string
		key  string
		want error
	}{
		{"empty", "", ErrNoAPIKey},
		{"wrong prefix", "sk_0000000000000000000000000000000000000000000000000000000000000000", ErrInvalidAPIKey},
		{"unknown key", "pk_0000000000000000000000000000000000000000000000000000000000000000", ErrInvalidAPIKey},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.ValidateKey(context.Background(), tc.key); err != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateKey_Revoked(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "usr_1", "test-key")

	if err := mgr.RevokeKey(context.Background(), key.ID, "usr_1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(context.Background(), rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for revoked key, got %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "usr_1", "test-key")

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	_ = store.Update(context.Background(), key)

	if _, err := mgr.ValidateKey(context.Background(), rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got %v", err)
	}
}

func TestRevokeKey_NotOwned(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	_, key, _ := mgr.GenerateKey(context.Background(), "usr_1", "test-key")

	if err := mgr.RevokeKey(context.Background(), key.ID, "usr_other"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound revoking another user's key, got %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	_, _, _ = mgr.GenerateKey(context.Background(), "usr_1", "one")
	_, _, _ = mgr.GenerateKey(context.Background(), "usr_1", "two")
	_, _, _ = mgr.GenerateKey(context.Background(), "usr_2", "other")

	keys, err := mgr.ListKeys(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}
}
