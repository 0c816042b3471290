package contactsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreCreateAssignsVersionAndTimestamps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c, kind, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100", DeviceID: "dev-a"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if kind != ChangeCreated {
		t.Fatalf("expected kind created, got %s", kind)
	}
	if c.ID == "" {
		t.Fatalf("expected generated id")
	}
	if c.Version != 1 {
		t.Fatalf("expected version 1, got %d", c.Version)
	}
	if c.CreatedAt.IsZero() || c.LastModified.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}
	if c.DeviceID != "dev-a" {
		t.Fatalf("expected device attribution dev-a, got %q", c.DeviceID)
	}
}

func TestMemoryStoreVersionIncrementsPerMutation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	updated, kind, err := store.UpsertContact(ctx, c.ID, ContactInput{ClientName: "Acme Corp", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if kind != ChangeUpdated {
		t.Fatalf("expected kind updated, got %s", kind)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", updated.Version)
	}
	deleted, err := store.SoftDeleteContact(ctx, c.ID, "dev-b")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted.Version != 3 {
		t.Fatalf("expected version 3 after delete, got %d", deleted.Version)
	}
	if !deleted.Deleted {
		t.Fatalf("expected tombstone")
	}
	if deleted.DeviceID != "dev-b" {
		t.Fatalf("expected delete attributed to dev-b, got %q", deleted.DeviceID)
	}
}

func TestMemoryStoreDuplicatePhoneRejectsLiveRow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, _, err = store.UpsertContact(ctx, "", ContactInput{ClientName: "Other", Phone1: "555-0100"})
	if !errors.Is(err, ErrDuplicatePhone) {
		t.Fatalf("expected duplicate phone error, got %v", err)
	}
	var dup *DuplicatePhoneError
	if !errors.As(err, &dup) {
		t.Fatalf("expected typed duplicate error, got %T", err)
	}
	if dup.ExistingID != first.ID {
		t.Fatalf("expected existing id %s, got %s", first.ID, dup.ExistingID)
	}
}

func TestMemoryStoreCreateOverTombstoneRestores(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.SoftDeleteContact(ctx, c.ID, ""); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	restored, kind, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme Again", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("re-create failed: %v", err)
	}
	if kind != ChangeRestored {
		t.Fatalf("expected kind restored, got %s", kind)
	}
	if restored.ID != c.ID {
		t.Fatalf("expected restore to keep id %s, got %s", c.ID, restored.ID)
	}
	if restored.Deleted {
		t.Fatalf("expected restored row to be live")
	}
	if restored.Version != 3 {
		t.Fatalf("expected version 3 after delete+restore, got %d", restored.Version)
	}
	if restored.ClientName != "Acme Again" {
		t.Fatalf("expected restore to apply new fields, got %q", restored.ClientName)
	}
}

func TestMemoryStoreUpdateDeletedContactNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.SoftDeleteContact(ctx, c.ID, ""); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, _, err := store.UpsertContact(ctx, c.ID, ContactInput{ClientName: "X", Phone1: "555-0100"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for update of tombstone, got %v", err)
	}
}

func TestMemoryStoreListSinceSplitsLiveAndTombstones(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.clock = func() time.Time { return clock }

	a, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "A", Phone1: "555-0001"})
	if err != nil {
		t.Fatalf("create a failed: %v", err)
	}
	clock = base.Add(time.Second)
	b, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "B", Phone1: "555-0002"})
	if err != nil {
		t.Fatalf("create b failed: %v", err)
	}
	clock = base.Add(2 * time.Second)
	if _, err := store.SoftDeleteContact(ctx, a.ID, ""); err != nil {
		t.Fatalf("delete a failed: %v", err)
	}

	live, err := store.ListContactsSince(ctx, base, 0)
	if err != nil {
		t.Fatalf("list live failed: %v", err)
	}
	if len(live) != 1 || live[0].ID != b.ID {
		t.Fatalf("expected only b live after since, got %d rows", len(live))
	}
	tombstones, err := store.ListTombstonesSince(ctx, base, 0)
	if err != nil {
		t.Fatalf("list tombstones failed: %v", err)
	}
	if len(tombstones) != 1 || tombstones[0].ID != a.ID {
		t.Fatalf("expected only a's tombstone, got %d rows", len(tombstones))
	}
	if !tombstones[0].Deleted {
		t.Fatalf("tombstone must carry deleted flag")
	}

	// The boundary is strict: rows stamped exactly at since stay out.
	boundary, err := store.ListContactsSince(ctx, base.Add(time.Second), 0)
	if err != nil {
		t.Fatalf("list at boundary failed: %v", err)
	}
	if len(boundary) != 0 {
		t.Fatalf("expected strict after-since comparison, got %d rows", len(boundary))
	}
}

func TestMemoryStoreListSinceOrderedOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.clock = func() time.Time { return clock }

	var ids []string
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i+1) * time.Second)
		c, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "C", Phone1: "555-010" + string(rune('0'+i))})
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		ids = append(ids, c.ID)
	}
	rows, err := store.ListContactsSince(ctx, base, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected limit 2, got %d", len(rows))
	}
	if rows[0].ID != ids[0] || rows[1].ID != ids[1] {
		t.Fatalf("expected oldest-first ordering")
	}
}

func TestMemoryStoreAckIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.TouchDevice(ctx, "dev-a", DeviceInfo{}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if err := store.EnqueueMessage(ctx, QueuedMessage{MessageUUID: u, DeviceID: "dev-a", EventType: "contact-created", EventData: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue %s failed: %v", u, err)
		}
	}
	queued, err := store.PendingMessages(ctx, "dev-a", 0)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(queued) != 2 || queued[0].ID == 0 || queued[1].ID <= queued[0].ID {
		t.Fatalf("expected ascending queue row ids, got %+v", queued)
	}

	acked, err := store.AckMessages(ctx, "dev-a", []string{"u1", "unknown"})
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if acked != 1 {
		t.Fatalf("expected 1 acked, got %d", acked)
	}
	again, err := store.AckMessages(ctx, "dev-a", []string{"u1"})
	if err != nil {
		t.Fatalf("repeat ack failed: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected repeated ack to be a no-op, got %d", again)
	}

	pending, err := store.PendingCount(ctx, "dev-a")
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending, got %d", pending)
	}
	device, err := store.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("get device failed: %v", err)
	}
	if device.PendingMessages != 1 {
		t.Fatalf("expected denormalized counter 1, got %d", device.PendingMessages)
	}
}

func TestMemoryStorePruneOutbox(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.TouchDevice(ctx, "dev-a", DeviceInfo{}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	// One old delivered message, one fresh delivered, four undelivered.
	msgs := []QueuedMessage{
		{MessageUUID: "old", DeviceID: "dev-a", EventType: "contact-updated", EventData: []byte(`{}`), CreatedAt: base.Add(-48 * time.Hour)},
		{MessageUUID: "fresh", DeviceID: "dev-a", EventType: "contact-updated", EventData: []byte(`{}`), CreatedAt: base},
	}
	for i := 0; i < 4; i++ {
		msgs = append(msgs, QueuedMessage{
			MessageUUID: "pending-" + string(rune('0'+i)),
			DeviceID:    "dev-a",
			EventType:   "contact-updated",
			EventData:   []byte(`{}`),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
	}
	for _, msg := range msgs {
		if err := store.EnqueueMessage(ctx, msg); err != nil {
			t.Fatalf("enqueue %s failed: %v", msg.MessageUUID, err)
		}
	}
	if _, err := store.AckMessages(ctx, "dev-a", []string{"old", "fresh"}); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	removed, err := store.PruneOutbox(ctx, base.Add(-24*time.Hour), 3)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	// "old" by age plus one undelivered over the cap.
	if removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	pending, err := store.PendingMessages(ctx, "dev-a", 0)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 undelivered after cap, got %d", len(pending))
	}
	// Oldest undelivered is the one dropped.
	for _, msg := range pending {
		if msg.MessageUUID == "pending-0" {
			t.Fatalf("expected oldest undelivered message dropped first")
		}
	}
	device, err := store.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("get device failed: %v", err)
	}
	if device.PendingMessages != 3 {
		t.Fatalf("expected counter to track the trimmed backlog, got %d", device.PendingMessages)
	}
}

func TestMemoryStoreGetContactByPhonePrefersLiveRow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	found, err := store.GetContactByPhone(ctx, "555-0100")
	if err != nil {
		t.Fatalf("phone lookup failed: %v", err)
	}
	if found.ID != c.ID {
		t.Fatalf("expected %s, got %s", c.ID, found.ID)
	}
	if _, err := store.GetContactByPhone(ctx, "555-9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown phone, got %v", err)
	}
}

func TestMemoryStoreWatermarkRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.GetWatermark(ctx, "dev-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown device, got %v", err)
	}
	if err := store.SetWatermark(ctx, "dev-a", ts); err != nil {
		t.Fatalf("set watermark failed: %v", err)
	}
	got, err := store.GetWatermark(ctx, "dev-a")
	if err != nil {
		t.Fatalf("get watermark failed: %v", err)
	}
	if !got.Equal(ts) {
		t.Fatalf("expected %s, got %s", ts, got)
	}
}

func TestMemoryStoreChangeListenerFires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var kinds []ChangeKind
	store.SetChangeListener(func(c Contact, kind ChangeKind) {
		kinds = append(kinds, kind)
	})
	c, _, err := store.UpsertContact(ctx, "", ContactInput{ClientName: "Acme", Phone1: "555-0100"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := store.UpsertContact(ctx, c.ID, ContactInput{ClientName: "Acme2", Phone1: "555-0100"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := store.SoftDeleteContact(ctx, c.ID, ""); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	want := []ChangeKind{ChangeCreated, ChangeUpdated, ChangeDeleted}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(kinds))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("notification %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}
