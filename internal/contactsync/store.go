package contactsync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChangeListener receives the resulting row and change kind after every
// successful CRUD mutation. It is invoked synchronously, outside the store's
// critical section, so implementations may call back into the store.
type ChangeListener func(Contact, ChangeKind)

// Store is the durable state of the sync server: the contact table, the device
// registry and the per-device outbox queue. Backends are selected by DSN via
// BuildStoreFromDSN. All timestamps are assigned by the store from the server
// clock at microsecond precision; the trusted reconcile path
// (PutContactVerbatim) is the only write that keeps caller-supplied values.
type Store interface {
	GetContact(ctx context.Context, id string) (Contact, error)
	GetContactByPhone(ctx context.Context, phone string) (Contact, error)
	// UpsertContact creates a contact when id is empty and updates it
	// otherwise. Creating over a live row with the same phone1 fails with
	// ErrDuplicatePhone; creating over a tombstone restores it.
	UpsertContact(ctx context.Context, id string, in ContactInput) (Contact, ChangeKind, error)
	SoftDeleteContact(ctx context.Context, id, deviceID string) (Contact, error)
	PutContactVerbatim(ctx context.Context, c Contact) (Contact, error)
	ListContacts(ctx context.Context) ([]Contact, error)
	ListContactsSince(ctx context.Context, since time.Time, limit int) ([]Contact, error)
	ListTombstonesSince(ctx context.Context, since time.Time, limit int) ([]Tombstone, error)
	CountChangesSince(ctx context.Context, since time.Time) (int, error)

	TouchDevice(ctx context.Context, id string, info DeviceInfo) error
	MarkDeviceOffline(ctx context.Context, id string) error
	GetDevice(ctx context.Context, id string) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	ListDeviceIDs(ctx context.Context) ([]string, error)
	GetWatermark(ctx context.Context, id string) (time.Time, error)
	SetWatermark(ctx context.Context, id string, ts time.Time) error

	EnqueueMessage(ctx context.Context, m QueuedMessage) error
	PendingMessages(ctx context.Context, deviceID string, limit int) ([]QueuedMessage, error)
	PendingCount(ctx context.Context, deviceID string) (int, error)
	AckMessages(ctx context.Context, deviceID string, uuids []string) (int, error)
	// PruneOutbox deletes delivered messages created before deliveredBefore
	// and caps the undelivered backlog per device, dropping oldest first.
	PruneOutbox(ctx context.Context, deliveredBefore time.Time, maxPerDevice int) (int, error)

	SetChangeListener(fn ChangeListener)
	Close() error
}

// storeNow is the single clock used by all backends. Values are truncated to
// microseconds, the finest resolution every backend can round-trip.
func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newContactID() string {
	return uuid.NewString()
}
