package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	KeyRecord      = "liveness/record"
	KeyIdentity    = "liveness/identity"
	KeyPendingCall = "call/pending"

	credentialPrefix = "credential/"
	attemptPrefix    = "attempt/"
)

var (
	ErrKeyRequired = errors.New("liveness: key required")
	ErrStoreClosed = errors.New("liveness: store closed")
)

// Store is the durable key-value contract shared by both actors.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func CredentialKey(id SessionIdentity) string {
	return credentialPrefix + strings.TrimSpace(string(id))
}

func AttemptKey(actor string, id SessionIdentity) string {
	return attemptPrefix + strings.TrimSpace(actor) + "/" + strings.TrimSpace(string(id))
}

// LoadRecord returns the zero Record when nothing was written yet.
func LoadRecord(ctx context.Context, s Store) (Record, error) {
	var rec Record
	_, err := loadJSON(ctx, s, KeyRecord, &rec)
	return rec, err
}

func SaveRecord(ctx context.Context, s Store, rec Record) error {
	return saveJSON(ctx, s, KeyRecord, rec)
}

func LoadIdentity(ctx context.Context, s Store) (SessionIdentity, bool, error) {
	var id SessionIdentity
	ok, err := loadJSON(ctx, s, KeyIdentity, &id)
	return id, ok && id != "", err
}

// SaveIdentity persists id on first use. An existing different identity is
// replaced because the activation context is authoritative.
func SaveIdentity(ctx context.Context, s Store, id SessionIdentity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	return saveJSON(ctx, s, KeyIdentity, id)
}

func LoadCredential(ctx context.Context, s Store, id SessionIdentity) (Credential, bool, error) {
	var cred Credential
	ok, err := loadJSON(ctx, s, CredentialKey(id), &cred)
	return cred, ok, err
}

func SaveCredential(ctx context.Context, s Store, cred Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	return saveJSON(ctx, s, CredentialKey(cred.IssuedFor), cred)
}

func LoadPendingCall(ctx context.Context, s Store) (PendingCall, bool, error) {
	var call PendingCall
	ok, err := loadJSON(ctx, s, KeyPendingCall, &call)
	return call, ok, err
}

func SavePendingCall(ctx context.Context, s Store, call PendingCall) error {
	return saveJSON(ctx, s, KeyPendingCall, call)
}

func LoadAttempt(ctx context.Context, s Store, actor string, id SessionIdentity) (Attempt, bool, error) {
	var a Attempt
	ok, err := loadJSON(ctx, s, AttemptKey(actor, id), &a)
	return a, ok, err
}

func SaveAttempt(ctx context.Context, s Store, actor string, id SessionIdentity, a Attempt) error {
	return saveJSON(ctx, s, AttemptKey(actor, id), a)
}

func loadJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("liveness: decode %s: %w", key, err)
	}
	return true, nil
}

func saveJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("liveness: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}
	return key, nil
}
