package trust

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store, dbPath
}

func TestUpsertGetRemove(t *testing.T) {
	store, _ := newTestStore(t)

	record := Record{
		PeerID:      "dev-1",
		DisplayName: "Study PC",
		Credential:  "deadbeef",
		PairedAt:    time.Now().UnixMilli(),
	}
	if err := store.Upsert(record); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get("dev-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DisplayName != "Study PC" || got.Credential != "deadbeef" {
		t.Fatalf("unexpected record: %+v", got)
	}

	trusted, err := store.IsTrusted("dev-1")
	if err != nil {
		t.Fatalf("IsTrusted failed: %v", err)
	}
	if !trusted {
		t.Fatalf("expected dev-1 to be trusted")
	}

	// Replacement is wholesale by peer_id.
	record.DisplayName = "Renamed PC"
	record.Credential = ""
	if err := store.Upsert(record); err != nil {
		t.Fatalf("Upsert replace failed: %v", err)
	}
	got, err = store.Get("dev-1")
	if err != nil {
		t.Fatalf("Get after replace failed: %v", err)
	}
	if got.DisplayName != "Renamed PC" || got.Credential != "" {
		t.Fatalf("unexpected replaced record: %+v", got)
	}

	removed, err := store.Remove("dev-1")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Fatalf("expected Remove to report an existing record")
	}
	removed, err = store.Remove("dev-1")
	if err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if removed {
		t.Fatalf("expected second Remove to report no record")
	}

	if _, err := store.Get("dev-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after remove = %v, want ErrNotFound", err)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dataDir := t.TempDir()

	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Upsert(Record{PeerID: "dev-1", DisplayName: "Phone"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()

	trusted, err := reopened.IsTrusted("dev-1")
	if err != nil {
		t.Fatalf("IsTrusted after reopen failed: %v", err)
	}
	if !trusted {
		t.Fatalf("expected trust to survive a store reload")
	}
}

func TestLoadAllAndClearAll(t *testing.T) {
	store, _ := newTestStore(t)

	for _, record := range []Record{
		{PeerID: "dev-1", DisplayName: "One", PairedAt: 100},
		{PeerID: "dev-2", DisplayName: "Two", PairedAt: 300},
		{PeerID: "dev-3", DisplayName: "Three", PairedAt: 200},
	} {
		if err := store.Upsert(record); err != nil {
			t.Fatalf("Upsert %q failed: %v", record.PeerID, err)
		}
	}

	all, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].PeerID != "dev-2" {
		t.Fatalf("expected most recently paired first, got %q", all[0].PeerID)
	}

	if err := store.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	all, err = store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll after clear failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty store after ClearAll, got %d records", len(all))
	}
}

func TestUpsertValidation(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Upsert(Record{DisplayName: "No ID"}); err == nil {
		t.Fatalf("expected error for missing peer_id")
	}
	if err := store.Upsert(Record{PeerID: "dev-1"}); err == nil {
		t.Fatalf("expected error for missing display_name")
	}
}
