package storage

import (
	"context"
	"testing"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/section"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSectionStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSectionStore(db)
	defer store.Shutdown()
	ctx := context.Background()

	key := StateKey{TaskID: "fp-1", SectionID: "sec-1", SectionName: "sqlite_source"}

	// miss reads as nil
	got, err := store.RetrieveState(ctx, key)
	if err != nil {
		t.Fatalf("RetrieveState: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on miss, got %v", got)
	}

	state := section.NewState()
	state.SetUint("offset", 42)
	state.SetString("cursor", "abc")
	if err := store.StoreState(ctx, key, state); err != nil {
		t.Fatalf("StoreState: %v", err)
	}

	got, err = store.RetrieveState(ctx, key)
	if err != nil {
		t.Fatalf("RetrieveState: %v", err)
	}
	if v, ok := got.GetUint("offset"); !ok || v != 42 {
		t.Errorf("offset = %d, %v", v, ok)
	}
	if v, ok := got.GetString("cursor"); !ok || v != "abc" {
		t.Errorf("cursor = %q, %v", v, ok)
	}

	// upsert replaces
	state.SetUint("offset", 43)
	if err := store.StoreState(ctx, key, state); err != nil {
		t.Fatalf("StoreState: %v", err)
	}
	got, _ = store.RetrieveState(ctx, key)
	if v, _ := got.GetUint("offset"); v != 43 {
		t.Errorf("offset after upsert = %d, want 43", v)
	}
}

func TestSectionStateKeyIsolation(t *testing.T) {
	db := openTestDB(t)
	store := NewSectionStore(db)
	defer store.Shutdown()
	ctx := context.Background()

	a := StateKey{TaskID: "fp-1", SectionID: "sec-1", SectionName: "sqlite_source"}
	b := StateKey{TaskID: "fp-2", SectionID: "sec-1", SectionName: "sqlite_source"}

	state := section.NewState()
	state.SetUint("offset", 7)
	if err := store.StoreState(ctx, a, state); err != nil {
		t.Fatalf("StoreState: %v", err)
	}
	got, err := store.RetrieveState(ctx, b)
	if err != nil {
		t.Fatalf("RetrieveState: %v", err)
	}
	if got != nil {
		t.Error("state leaked across task fingerprints")
	}
}

func TestMalformedStoredStateReadsEmpty(t *testing.T) {
	db := openTestDB(t)
	store := NewSectionStore(db)
	defer store.Shutdown()
	ctx := context.Background()

	key := StateKey{TaskID: "fp", SectionID: "sec", SectionName: "n"}
	if _, err := db.db.Exec(
		`INSERT INTO state (id, section_id, section_name, state) VALUES (?, ?, ?, ?)`,
		key.TaskID, key.SectionID, key.SectionName, "{not json",
	); err != nil {
		t.Fatalf("seed malformed row: %v", err)
	}

	got, err := store.RetrieveState(ctx, key)
	if err != nil {
		t.Fatalf("RetrieveState on malformed payload: %v", err)
	}
	if got == nil || got.Len() != 0 {
		t.Fatalf("expected empty state, got %v", got)
	}
}

func TestResetStateWipes(t *testing.T) {
	db := openTestDB(t)
	store := NewSectionStore(db)
	defer store.Shutdown()
	ctx := context.Background()

	key := StateKey{TaskID: "fp", SectionID: "sec", SectionName: "n"}
	state := section.NewState()
	state.SetInt("k", 1)
	if err := store.StoreState(ctx, key, state); err != nil {
		t.Fatalf("StoreState: %v", err)
	}
	if err := store.ResetState(ctx); err != nil {
		t.Fatalf("ResetState: %v", err)
	}
	got, err := store.RetrieveState(ctx, key)
	if err != nil {
		t.Fatalf("RetrieveState: %v", err)
	}
	if got != nil {
		t.Error("state survived reset")
	}
}

func TestRuntimeStoreEnrollment(t *testing.T) {
	db := openTestDB(t)
	rt := NewRuntimeStore(db)

	if has, err := rt.HasState(); err != nil || has {
		t.Fatalf("fresh store HasState = %v, %v", has, err)
	}

	ck := domain.CertifiedKey{
		Key:           "key-pem",
		Certificate:   "cert-pem",
		CACertificate: "ca-pem",
	}
	if err := rt.StoreEnrollment("https://control.example:7778", ck); err != nil {
		t.Fatalf("StoreEnrollment: %v", err)
	}

	url, ok, err := rt.GetTLSURL()
	if err != nil || !ok || url != "https://control.example:7778" {
		t.Fatalf("GetTLSURL = %q, %v, %v", url, ok, err)
	}
	got, ok, err := rt.GetCertifiedKey()
	if err != nil || !ok || got != ck {
		t.Fatalf("GetCertifiedKey = %+v, %v, %v", got, ok, err)
	}

	if err := rt.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok, _ := rt.GetTLSURL(); ok {
		t.Error("tls url survived reset")
	}
	if has, _ := rt.HasState(); has {
		t.Error("runtime state survived reset")
	}
}

func TestMalformedCertifiedKeyIsAnError(t *testing.T) {
	db := openTestDB(t)
	rt := NewRuntimeStore(db)
	if _, err := db.db.Exec(
		`INSERT INTO runtime (key, value) VALUES (?, ?)`, keyCertifiedKey, "{broken",
	); err != nil {
		t.Fatalf("seed malformed key: %v", err)
	}
	if _, _, err := rt.GetCertifiedKey(); err == nil {
		t.Error("malformed certified key read without error")
	}
}
