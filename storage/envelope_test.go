package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jmcleod/gatekeeper/internal/util"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	return key
}

func TestEnvelope(t *testing.T) {
	key := newKey(t)
	plain := []byte(`{"access_token":"a"}`)
	aad := []byte("credentials:default")

	env, err := SealRecord(key, plain, aad)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if len(env.Nonce) != util.NonceSize() {
		t.Errorf("expected %d-byte nonce, got %d", util.NonceSize(), len(env.Nonce))
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		if _, err := OpenRecord(key, env, []byte("credentials:other")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		if _, err := OpenRecord(newKey(t), env, aad); err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		if _, err := OpenRecord(key, &badEnv, aad); err == nil {
			t.Error("expected error with unsupported version, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		badEnv := *env
		badEnv.Scheme = "raw"
		if _, err := OpenRecord(key, &badEnv, aad); err == nil {
			t.Error("expected error with unsupported scheme, got nil")
		}
	})

	t.Run("NilEnvelope", func(t *testing.T) {
		_, err := OpenRecord(key, nil, aad)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CloneIsIndependent", func(t *testing.T) {
		c := env.Clone()
		c.Nonce[0] ^= 0xFF
		if bytes.Equal(c.Nonce, env.Nonce) {
			t.Error("clone shares nonce backing array")
		}
	})
}
