package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Well-known kv keys. The kv table is the durable local store for
// session-scoped bits that must survive a daemon restart.
const (
	KeyEndpoint   = "endpoint"   // last known-good backend base address
	KeyCredential = "credential" // session bearer token
	KeyProfile    = "profile"    // cached identity, JSON-encoded Profile
)

// SetKV writes a key-value pair, replacing any previous value.
func (db *DB) SetKV(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetKV returns the value for key, or "" if the key is absent.
func (db *DB) GetKV(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteKV removes a key. Missing keys are not an error.
func (db *DB) DeleteKV(key string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// SetProfile stores the cached identity of the logged-in user.
func (db *DB) SetProfile(p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return db.SetKV(KeyProfile, string(data))
}

// GetProfile returns the cached identity, or nil if none is stored.
func (db *DB) GetProfile() (*Profile, error) {
	raw, err := db.GetKV(KeyProfile)
	if err != nil || raw == "" {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ClearSession removes credential and profile, keeping the endpoint so a
// later login can reuse the last known-good address.
func (db *DB) ClearSession() error {
	if err := db.DeleteKV(KeyCredential); err != nil {
		return err
	}
	return db.DeleteKV(KeyProfile)
}
