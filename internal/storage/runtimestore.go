package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mycelial-network/mycelial/internal/domain"
)

const (
	keyTLSURL       = "tls_url"
	keyCertifiedKey = "certified_key"
)

// RuntimeStore persists the daemon's enrollment state: the control-plane
// TLS URL and the certified-key triple. Only the daemon's runtime actor
// touches it, so plain methods suffice.
type RuntimeStore struct {
	db *DB
}

// NewRuntimeStore wraps the shared daemon database.
func NewRuntimeStore(db *DB) *RuntimeStore {
	return &RuntimeStore{db: db}
}

// GetTLSURL returns the stored control-plane TLS URL.
func (r *RuntimeStore) GetTLSURL() (string, bool, error) {
	return r.get(keyTLSURL)
}

// GetCertifiedKey returns the stored certified-key triple. A stored value
// that does not decode is malformed durable state and surfaces as an
// error.
func (r *RuntimeStore) GetCertifiedKey() (domain.CertifiedKey, bool, error) {
	raw, ok, err := r.get(keyCertifiedKey)
	if err != nil || !ok {
		return domain.CertifiedKey{}, ok, err
	}
	var ck domain.CertifiedKey
	if err := json.Unmarshal([]byte(raw), &ck); err != nil {
		return domain.CertifiedKey{}, false, fmt.Errorf("malformed stored certified key: %w", err)
	}
	return ck, true, nil
}

// StoreEnrollment persists the TLS URL and the certified key atomically.
func (r *RuntimeStore) StoreEnrollment(tlsURL string, ck domain.CertifiedKey) error {
	raw, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("encode certified key: %w", err)
	}
	tx, err := r.db.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enrollment tx: %w", err)
	}
	defer tx.Rollback()
	upsert := `INSERT INTO runtime (key, value) VALUES (?, ?)
	           ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := tx.Exec(upsert, keyTLSURL, tlsURL); err != nil {
		return fmt.Errorf("store tls url: %w", err)
	}
	if _, err := tx.Exec(upsert, keyCertifiedKey, string(raw)); err != nil {
		return fmt.Errorf("store certified key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment: %w", err)
	}
	return nil
}

// HasState reports whether any enrollment state is stored.
func (r *RuntimeStore) HasState() (bool, error) {
	var n int
	err := r.db.db.QueryRow(`SELECT COUNT(*) FROM runtime`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count runtime rows: %w", err)
	}
	return n > 0, nil
}

// Reset wipes the enrollment state.
func (r *RuntimeStore) Reset() error {
	if _, err := r.db.db.Exec(`DELETE FROM runtime`); err != nil {
		return fmt.Errorf("reset runtime state: %w", err)
	}
	return nil
}

func (r *RuntimeStore) get(key string) (string, bool, error) {
	var value string
	err := r.db.db.QueryRow(`SELECT value FROM runtime WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read runtime key %s: %w", key, err)
	}
	return value, true, nil
}
