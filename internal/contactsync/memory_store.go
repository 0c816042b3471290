package contactsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all state in process memory. It backs the memory://
// profile and the test suite.
type MemoryStore struct {
	mu       sync.Mutex
	contacts map[string]Contact
	devices  map[string]Device
	queue    []QueuedMessage
	queueSeq int64
	listener ChangeListener
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: map[string]Contact{},
		devices:  map[string]Device{},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.clock != nil {
		return m.clock().UTC().Truncate(time.Microsecond)
	}
	return storeNow()
}

func (m *MemoryStore) SetChangeListener(fn ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

// notify fires the change listener outside the store lock so the listener can
// call back into the store.
func (m *MemoryStore) notify(c Contact, kind ChangeKind) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(c, kind)
	}
}

func (m *MemoryStore) GetContact(ctx context.Context, id string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) GetContactByPhone(ctx context.Context, phone string) (Contact, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Contact{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var tombstone *Contact
	for _, c := range m.contacts {
		if c.Phone1 != phone {
			continue
		}
		if !c.Deleted {
			return c, nil
		}
		found := c
		tombstone = &found
	}
	if tombstone != nil {
		return *tombstone, nil
	}
	return Contact{}, ErrNotFound
}

func (m *MemoryStore) UpsertContact(ctx context.Context, id string, in ContactInput) (Contact, ChangeKind, error) {
	if id == "" && strings.TrimSpace(in.Phone1) == "" {
		return Contact{}, "", ErrInvalidInput
	}

	m.mu.Lock()
	now := m.now()
	var result Contact
	var kind ChangeKind

	if id == "" {
		// Create path: a live row with the same phone1 is a business-key
		// collision, a tombstone is restored in place.
		for existingID, existing := range m.contacts {
			if existing.Phone1 != in.Phone1 {
				continue
			}
			if !existing.Deleted {
				m.mu.Unlock()
				return Contact{}, "", &DuplicatePhoneError{Phone: in.Phone1, ExistingID: existingID}
			}
			existing = applyInput(existing, in)
			existing.Deleted = false
			existing.Version++
			existing.LastModified = now
			m.contacts[existingID] = existing
			result, kind = existing, ChangeRestored
			m.mu.Unlock()
			m.notify(result, kind)
			return result, kind, nil
		}
		c := applyInput(Contact{ID: newContactID()}, in)
		c.Version = 1
		c.CreatedAt = now
		c.LastModified = now
		m.contacts[c.ID] = c
		result, kind = c, ChangeCreated
	} else {
		existing, ok := m.contacts[id]
		if !ok || existing.Deleted {
			m.mu.Unlock()
			return Contact{}, "", ErrNotFound
		}
		existing = applyInput(existing, in)
		existing.Version++
		existing.LastModified = now
		m.contacts[id] = existing
		result, kind = existing, ChangeUpdated
	}
	m.mu.Unlock()

	m.notify(result, kind)
	return result, kind, nil
}

func (m *MemoryStore) SoftDeleteContact(ctx context.Context, id, deviceID string) (Contact, error) {
	m.mu.Lock()
	existing, ok := m.contacts[id]
	if !ok {
		m.mu.Unlock()
		return Contact{}, ErrNotFound
	}
	existing.Deleted = true
	if deviceID != "" {
		existing.DeviceID = deviceID
	}
	existing.Version++
	existing.LastModified = m.now()
	m.contacts[id] = existing
	m.mu.Unlock()

	m.notify(existing, ChangeDeleted)
	return existing, nil
}

func (m *MemoryStore) PutContactVerbatim(ctx context.Context, c Contact) (Contact, error) {
	if strings.TrimSpace(c.ID) == "" {
		return Contact{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Version < 1 {
		c.Version = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	if c.LastModified.IsZero() {
		c.LastModified = m.now()
	}
	m.contacts[c.ID] = c
	return c, nil
}

func (m *MemoryStore) ListContacts(ctx context.Context) ([]Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		if !c.Deleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListContactsSince(ctx context.Context, since time.Time, limit int) ([]Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Contact{}
	for _, c := range m.contacts {
		if !c.Deleted && c.LastModified.After(since) {
			out = append(out, c)
		}
	}
	sortAscending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListTombstonesSince(ctx context.Context, since time.Time, limit int) ([]Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := []Contact{}
	for _, c := range m.contacts {
		if c.Deleted && c.LastModified.After(since) {
			rows = append(rows, c)
		}
	}
	sortAscending(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Tombstone, 0, len(rows))
	for _, c := range rows {
		out = append(out, Tombstone{ID: c.ID, Deleted: true, LastModified: c.LastModified})
	}
	return out, nil
}

func (m *MemoryStore) CountChangesSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.contacts {
		if c.LastModified.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) TouchDevice(ctx context.Context, id string, info DeviceInfo) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		d = Device{ID: id}
	}
	if info.Name != "" {
		d.Name = info.Name
	}
	if info.Kind != "" {
		d.Kind = info.Kind
	}
	d.Status = DeviceOnline
	d.LastSeen = m.now()
	m.devices[id] = d
	return nil
}

func (m *MemoryStore) MarkDeviceOffline(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeviceOffline
	m.devices[id] = d
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, id string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDevices(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListDeviceIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.devices))
	for id := range m.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) GetWatermark(ctx context.Context, id string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return d.LastSyncWatermark, nil
}

func (m *MemoryStore) SetWatermark(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		d = Device{ID: id, Status: DeviceOnline, LastSeen: m.now()}
	}
	d.LastSyncWatermark = ts
	m.devices[id] = d
	return nil
}

func (m *MemoryStore) EnqueueMessage(ctx context.Context, msg QueuedMessage) error {
	if strings.TrimSpace(msg.MessageUUID) == "" || strings.TrimSpace(msg.DeviceID) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.queueSeq++
	msg.ID = m.queueSeq
	m.queue = append(m.queue, msg)
	if d, ok := m.devices[msg.DeviceID]; ok {
		d.PendingMessages++
		m.devices[msg.DeviceID] = d
	}
	return nil
}

func (m *MemoryStore) PendingMessages(ctx context.Context, deviceID string, limit int) ([]QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []QueuedMessage{}
	for _, msg := range m.queue {
		if msg.DeviceID == deviceID && !msg.Delivered {
			out = append(out, msg)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingCount(ctx context.Context, deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msg := range m.queue {
		if msg.DeviceID == deviceID && !msg.Delivered {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) AckMessages(ctx context.Context, deviceID string, uuids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[string]bool{}
	for _, u := range uuids {
		wanted[u] = true
	}
	acked := 0
	for i := range m.queue {
		if m.queue[i].DeviceID == deviceID && !m.queue[i].Delivered && wanted[m.queue[i].MessageUUID] {
			m.queue[i].Delivered = true
			acked++
		}
	}
	if d, ok := m.devices[deviceID]; ok && acked > 0 {
		d.PendingMessages -= acked
		if d.PendingMessages < 0 {
			d.PendingMessages = 0
		}
		m.devices[deviceID] = d
	}
	return acked, nil
}

func (m *MemoryStore) PruneOutbox(ctx context.Context, deliveredBefore time.Time, maxPerDevice int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.queue[:0]
	removed := 0
	undelivered := map[string]int{}
	for _, msg := range m.queue {
		if msg.Delivered && msg.CreatedAt.Before(deliveredBefore) {
			removed++
			continue
		}
		if !msg.Delivered {
			undelivered[msg.DeviceID]++
		}
		kept = append(kept, msg)
	}
	m.queue = append([]QueuedMessage(nil), kept...)

	if maxPerDevice > 0 {
		overflow := map[string]int{}
		for id, n := range undelivered {
			if n > maxPerDevice {
				overflow[id] = n - maxPerDevice
			}
		}
		if len(overflow) > 0 {
			kept = m.queue[:0]
			for _, msg := range m.queue {
				if !msg.Delivered && overflow[msg.DeviceID] > 0 {
					overflow[msg.DeviceID]--
					removed++
					if d, ok := m.devices[msg.DeviceID]; ok {
						if d.PendingMessages > 0 {
							d.PendingMessages--
						}
						m.devices[msg.DeviceID] = d
					}
					continue
				}
				kept = append(kept, msg)
			}
			m.queue = append([]QueuedMessage(nil), kept...)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func applyInput(c Contact, in ContactInput) Contact {
	c.ClientName = in.ClientName
	c.AgentName = in.AgentName
	c.Phone1 = in.Phone1
	c.Phone2 = in.Phone2
	c.Phone3 = in.Phone3
	c.State = in.State
	c.Date = in.Date
	if in.DeviceID != "" {
		c.DeviceID = in.DeviceID
	}
	return c
}

func sortAscending(rows []Contact) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastModified.Equal(rows[j].LastModified) {
			return rows[i].LastModified.Before(rows[j].LastModified)
		}
		return rows[i].ID < rows[j].ID
	})
}
