package contactsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("open sqlite store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContactLifecycle(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	created, kind, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", AgentName: "Kim", Phone1: "555-0100", DeviceID: "dev-a"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if kind != ChangeCreated || created.Version != 1 {
		t.Fatalf("unexpected create result: kind=%s version=%d", kind, created.Version)
	}

	fetched, err := store.GetContact(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fetched.ClientName != "Acme" || fetched.AgentName != "Kim" {
		t.Fatalf("round trip mismatch: %+v", fetched)
	}
	if !fetched.LastModified.Equal(created.LastModified) {
		t.Fatalf("timestamp precision lost: %s != %s", fetched.LastModified, created.LastModified)
	}

	updated, kind, err := store.UpsertContact(ctx, created.ID, ContactInput{ClientName: "Acme Corp", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if kind != ChangeUpdated || updated.Version != 2 {
		t.Fatalf("unexpected update result: kind=%s version=%d", kind, updated.Version)
	}

	deleted, err := store.SoftDeleteContact(ctx, created.ID, "dev-b")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted.Deleted || deleted.Version != 3 || deleted.DeviceID != "dev-b" {
		t.Fatalf("unexpected delete result: %+v", deleted)
	}
	if _, _, err := store.UpsertContact(ctx, created.ID, ContactInput{ClientName: "X", Phone1: "555-0100"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found updating tombstone, got %v", err)
	}

	restored, kind, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Back", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if kind != ChangeRestored || restored.ID != created.ID || restored.Version != 4 {
		t.Fatalf("unexpected restore result: kind=%s id=%s version=%d", kind, restored.ID, restored.Version)
	}
}

func TestSQLiteStoreDuplicatePhone(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	first, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, _, err = store.UpsertContact(ctx, "", ContactInput{ClientName: "Other", Phone1: "555-0100"})
	var dup *DuplicatePhoneError
	if !errors.As(err, &dup) || dup.ExistingID != first.ID {
		t.Fatalf("expected duplicate phone error naming %s, got %v", first.ID, err)
	}
}

func TestSQLiteStoreDeltaQueries(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	a, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "A", Phone1: "555-0001"})
	if err != nil {
		t.Fatalf("create a failed: %v", err)
	}
	b, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "B", Phone1: "555-0002"})
	if err != nil {
		t.Fatalf("create b failed: %v", err)
	}
	if _, err := store.SoftDeleteContact(ctx, a.ID, ""); err != nil {
		t.Fatalf("delete a failed: %v", err)
	}

	live, err := store.ListContactsSince(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list live failed: %v", err)
	}
	if len(live) != 1 || live[0].ID != b.ID {
		t.Fatalf("expected only b live, got %d rows", len(live))
	}
	tombstones, err := store.ListTombstonesSince(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list tombstones failed: %v", err)
	}
	if len(tombstones) != 1 || tombstones[0].ID != a.ID {
		t.Fatalf("expected only a tombstoned, got %d rows", len(tombstones))
	}
	count, err := store.CountChangesSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 changed rows, got %d", count)
	}
}

func TestSQLiteStoreQueueAckAndCounter(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.TouchDevice(ctx, "dev-a", DeviceInfo{Name: "Phone", Kind: "mobile"}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		msg := QueuedMessage{MessageUUID: u, DeviceID: "dev-a", EventType: EventContactUpdated, EventData: []byte(`{"id":"x"}`)}
		if err := store.EnqueueMessage(ctx, msg); err != nil {
			t.Fatalf("enqueue %s failed: %v", u, err)
		}
	}

	pending, err := store.PendingMessages(ctx, "dev-a", 2)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected limit applied, got %d", len(pending))
	}
	if pending[0].ID == 0 || pending[1].ID <= pending[0].ID {
		t.Fatalf("expected ascending queue row ids, got %d and %d", pending[0].ID, pending[1].ID)
	}

	acked, err := store.AckMessages(ctx, "dev-a", []string{"u1", "u2", "missing"})
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if acked != 2 {
		t.Fatalf("expected 2 acked, got %d", acked)
	}
	count, err := store.PendingCount(ctx, "dev-a")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pending after ack, got %d", count)
	}
	device, err := store.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("get device failed: %v", err)
	}
	if device.PendingMessages != 1 {
		t.Fatalf("expected counter 1, got %d", device.PendingMessages)
	}
}

func TestSQLiteStorePruneOverflowResyncsCounter(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.TouchDevice(ctx, "dev-a", DeviceInfo{Name: "Phone"}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		msg := QueuedMessage{MessageUUID: u, DeviceID: "dev-a", EventType: EventContactUpdated, EventData: []byte(`{}`)}
		if err := store.EnqueueMessage(ctx, msg); err != nil {
			t.Fatalf("enqueue %s failed: %v", u, err)
		}
	}

	removed, err := store.PruneOutbox(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 trimmed, got %d", removed)
	}
	pending, err := store.PendingMessages(ctx, "dev-a", 0)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	// The cap keeps the newest entries.
	if len(pending) != 2 || pending[0].MessageUUID != "u3" || pending[1].MessageUUID != "u4" {
		t.Fatalf("expected newest 2 kept, got %+v", pending)
	}
	device, err := store.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("get device failed: %v", err)
	}
	if device.PendingMessages != 2 {
		t.Fatalf("expected counter resynced to 2, got %d", device.PendingMessages)
	}
}

func TestSQLiteStoreWatermarkAndDeviceStatus(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.TouchDevice(ctx, "dev-a", DeviceInfo{}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	mark := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	if err := store.SetWatermark(ctx, "dev-a", mark); err != nil {
		t.Fatalf("set watermark failed: %v", err)
	}
	got, err := store.GetWatermark(ctx, "dev-a")
	if err != nil {
		t.Fatalf("get watermark failed: %v", err)
	}
	if !got.Equal(mark) {
		t.Fatalf("watermark round trip lost precision: %s != %s", got, mark)
	}

	if err := store.MarkDeviceOffline(ctx, "dev-a"); err != nil {
		t.Fatalf("mark offline failed: %v", err)
	}
	device, err := store.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("get device failed: %v", err)
	}
	if device.Status != DeviceOffline {
		t.Fatalf("expected offline, got %s", device.Status)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	created, _, err := store.UpsertContact(context.Background(), "", ContactInput{ClientName: "Durable", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	fetched, err := reopened.GetContact(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if fetched.ClientName != "Durable" {
		t.Fatalf("expected persisted row, got %+v", fetched)
	}
}
