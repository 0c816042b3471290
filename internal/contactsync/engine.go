package contactsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EngineConfig struct {
	// DefaultBatchSize bounds delta pages when the caller sends none.
	DefaultBatchSize int
	MaxBatchSize     int
	// PendingThreshold and ChangesThreshold drive the reconnect probe's
	// requires_full_sync heuristic.
	PendingThreshold int
	ChangesThreshold int
	SweepInterval    time.Duration
	StaleThreshold   time.Duration
	// RetentionAge and MaxQueuedPerDevice bound outbox growth; delivered
	// messages older than RetentionAge are dropped by the sweep, and the
	// undelivered backlog per device is capped oldest-first.
	RetentionAge       time.Duration
	MaxQueuedPerDevice int
	SendTimeout        time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 100
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.PendingThreshold <= 0 {
		c.PendingThreshold = 50
	}
	if c.ChangesThreshold <= 0 {
		c.ChangesThreshold = 100
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 24 * time.Hour
	}
	if c.MaxQueuedPerDevice <= 0 {
		c.MaxQueuedPerDevice = 500
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	return c
}

// Engine orchestrates the sync protocol: it owns the live-vs-queued decision
// on every committed mutation, the delta pull state machine, bulk
// reconciliation and the liveness sweep. It never owns the records themselves.
type Engine struct {
	store    Store
	presence *PresenceTracker
	log      *zap.Logger
	cfg      EngineConfig
	now      func() time.Time

	mu     sync.Mutex
	inSync map[string]bool
}

func NewEngine(store Store, presence *PresenceTracker, logger *zap.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		presence: presence,
		log:      logger,
		cfg:      cfg.withDefaults(),
		now:      storeNow,
		inSync:   map[string]bool{},
	}
	store.SetChangeListener(e.handleChange)
	return e
}

func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// --- contact CRUD (the write side feeding the broadcast decision) ---

func (e *Engine) CreateContact(ctx context.Context, in ContactInput) (Contact, error) {
	if in.DeviceID != "" {
		_ = e.store.TouchDevice(ctx, in.DeviceID, DeviceInfo{})
	}
	c, _, err := e.store.UpsertContact(ctx, "", in)
	return c, err
}

func (e *Engine) UpdateContact(ctx context.Context, id string, in ContactInput) (Contact, error) {
	if strings.TrimSpace(id) == "" {
		return Contact{}, ErrInvalidInput
	}
	if in.DeviceID != "" {
		_ = e.store.TouchDevice(ctx, in.DeviceID, DeviceInfo{})
	}
	c, _, err := e.store.UpsertContact(ctx, id, in)
	return c, err
}

func (e *Engine) DeleteContact(ctx context.Context, id, deviceID string) (Contact, error) {
	if strings.TrimSpace(id) == "" {
		return Contact{}, ErrInvalidInput
	}
	if deviceID != "" {
		_ = e.store.TouchDevice(ctx, deviceID, DeviceInfo{})
	}
	return e.store.SoftDeleteContact(ctx, id, deviceID)
}

func (e *Engine) GetContactByPhone(ctx context.Context, phone string) (Contact, error) {
	return e.store.GetContactByPhone(ctx, phone)
}

// ListChanges serves the plain listing endpoint: full live set when since is
// nil, otherwise the live rows and tombstones modified after since.
func (e *Engine) ListChanges(ctx context.Context, deviceID string, since *time.Time) ([]Contact, []Tombstone, error) {
	if deviceID != "" {
		_ = e.store.TouchDevice(ctx, deviceID, DeviceInfo{})
	}
	if since == nil {
		contacts, err := e.store.ListContacts(ctx)
		return contacts, nil, err
	}
	contacts, err := e.store.ListContactsSince(ctx, *since, 0)
	if err != nil {
		return nil, nil, err
	}
	tombstones, err := e.store.ListTombstonesSince(ctx, *since, 0)
	if err != nil {
		return nil, nil, err
	}
	return contacts, tombstones, nil
}

func (e *Engine) Devices(ctx context.Context) ([]Device, error) {
	return e.store.ListDevices(ctx)
}

// --- delta pull (spec'd state machine, one session per device at a time) ---

func (e *Engine) DeltaPull(ctx context.Context, deviceID string, since *time.Time, batchSize int) (DeltaResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return DeltaResult{}, ErrInvalidInput
	}
	if !e.beginSync(deviceID) {
		return DeltaResult{}, &SyncBusyError{DeviceID: deviceID}
	}
	defer e.endSync(deviceID)

	if err := e.store.TouchDevice(ctx, deviceID, DeviceInfo{}); err != nil {
		return DeltaResult{}, err
	}

	resolved := time.Time{}
	switch {
	case since != nil:
		resolved = since.UTC()
	default:
		wm, err := e.store.GetWatermark(ctx, deviceID)
		if err == nil {
			resolved = wm
		}
	}

	if batchSize <= 0 {
		batchSize = e.cfg.DefaultBatchSize
	}
	if batchSize > e.cfg.MaxBatchSize {
		batchSize = e.cfg.MaxBatchSize
	}

	contacts, err := e.store.ListContactsSince(ctx, resolved, batchSize)
	if err != nil {
		return DeltaResult{}, err
	}
	tombstones, err := e.store.ListTombstonesSince(ctx, resolved, batchSize)
	if err != nil {
		return DeltaResult{}, err
	}
	queued, err := e.store.PendingMessages(ctx, deviceID, batchSize)
	if err != nil {
		return DeltaResult{}, err
	}

	// The watermark advances to the current server time rather than the last
	// record's timestamp; a record landing between scan and advance may be
	// re-delivered, which is fine because delta application is idempotent.
	now := e.now()
	if err := e.store.SetWatermark(ctx, deviceID, now); err != nil {
		return DeltaResult{}, err
	}

	return DeltaResult{
		Contacts:        contacts,
		Deleted:         tombstones,
		QueuedMessages:  queued,
		ServerTimestamp: now,
		Since:           resolved,
		HasMore:         len(contacts) == batchSize,
	}, nil
}

func (e *Engine) beginSync(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inSync[deviceID] {
		return false
	}
	e.inSync[deviceID] = true
	return true
}

func (e *Engine) endSync(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inSync, deviceID)
}

// --- bulk reconciliation (last-write-wins by wall clock) ---

func (e *Engine) Reconcile(ctx context.Context, deviceID string, clientContacts []Contact) (ReconcileResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ReconcileResult{}, ErrInvalidInput
	}
	if err := e.store.TouchDevice(ctx, deviceID, DeviceInfo{}); err != nil {
		return ReconcileResult{}, err
	}

	result := ReconcileResult{Synced: []Contact{}, Conflicts: []Conflict{}}
	for _, client := range clientContacts {
		if strings.TrimSpace(client.ID) == "" {
			e.log.Warn("reconcile entry without id skipped", zap.String("device_id", deviceID))
			continue
		}
		server, err := e.store.GetContact(ctx, client.ID)
		switch {
		case err == nil:
			applied, conflict, applyErr := e.applyReconcile(ctx, deviceID, client, server)
			if applyErr != nil {
				return ReconcileResult{}, applyErr
			}
			result.Synced = append(result.Synced, applied)
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, *conflict)
			}
		case err == ErrNotFound:
			// Unknown id: the client wins by default for new records and its
			// fields are trusted verbatim.
			insert := client
			insert.DeviceID = deviceID
			applied, putErr := e.store.PutContactVerbatim(ctx, insert)
			if putErr != nil {
				return ReconcileResult{}, putErr
			}
			result.Synced = append(result.Synced, applied)
		default:
			return ReconcileResult{}, err
		}
	}

	now := e.now()
	if err := e.store.SetWatermark(ctx, deviceID, now); err != nil {
		return ReconcileResult{}, err
	}
	result.ServerTimestamp = now
	return result, nil
}

func (e *Engine) applyReconcile(ctx context.Context, deviceID string, client, server Contact) (Contact, *Conflict, error) {
	switch {
	case client.LastModified.After(server.LastModified):
		// Client strictly newer: overwrite, keeping the client-supplied
		// version, deleted flag and last_modified. This is the only path
		// where those fields are trusted verbatim.
		overwrite := client
		overwrite.DeviceID = deviceID
		if overwrite.CreatedAt.IsZero() {
			overwrite.CreatedAt = server.CreatedAt
		}
		applied, err := e.store.PutContactVerbatim(ctx, overwrite)
		return applied, nil, err
	case server.LastModified.After(client.LastModified):
		return server, nil, nil
	default:
		if !sameContent(server, client) {
			return server, &Conflict{ID: client.ID, ServerVersion: server, ClientVersion: client}, nil
		}
		return server, nil, nil
	}
}

// sameContent compares the client-editable fields plus version and tombstone
// state; device attribution and server-assigned timestamps are excluded.
func sameContent(a, b Contact) bool {
	return a.ClientName == b.ClientName &&
		a.AgentName == b.AgentName &&
		a.Phone1 == b.Phone1 &&
		a.Phone2 == b.Phone2 &&
		a.Phone3 == b.Phone3 &&
		a.State == b.State &&
		a.Date == b.Date &&
		a.Version == b.Version &&
		a.Deleted == b.Deleted
}

// --- acknowledgment and reconnect probe ---

func (e *Engine) Acknowledge(ctx context.Context, deviceID string, uuids []string) (int, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0, ErrInvalidInput
	}
	if len(uuids) == 0 {
		return 0, nil
	}
	return e.store.AckMessages(ctx, deviceID, uuids)
}

func (e *Engine) Reconnect(ctx context.Context, deviceID string, lastSeen *time.Time) (ReconnectResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ReconnectResult{}, ErrInvalidInput
	}
	if err := e.store.TouchDevice(ctx, deviceID, DeviceInfo{}); err != nil {
		return ReconnectResult{}, err
	}
	pending, err := e.store.PendingCount(ctx, deviceID)
	if err != nil {
		return ReconnectResult{}, err
	}
	since := time.Time{}
	if lastSeen != nil {
		since = lastSeen.UTC()
	}
	changes, err := e.store.CountChangesSince(ctx, since)
	if err != nil {
		return ReconnectResult{}, err
	}
	return ReconnectResult{
		Status:           "reconnected",
		PendingMessages:  pending,
		RecentChanges:    changes,
		RequiresFullSync: pending > e.cfg.PendingThreshold || changes > e.cfg.ChangesThreshold,
	}, nil
}

// --- live channel lifecycle ---

// RegisterDevice upserts the device in the registry and attaches its live
// connection. The outbox replay is a separate step (DrainQueued) so the
// caller can confirm registration on the wire first.
func (e *Engine) RegisterDevice(ctx context.Context, deviceID string, info DeviceInfo, conn Conn) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrInvalidInput
	}
	if err := e.store.TouchDevice(ctx, deviceID, info); err != nil {
		return err
	}
	e.presence.Attach(deviceID, conn)
	e.log.Info("device attached",
		zap.String("device_id", deviceID),
		zap.String("device_name", info.Name),
		zap.String("device_kind", info.Kind))
	return nil
}

// DrainQueued replays the device's outbox over conn, oldest first, and closes
// with a queued-messages-complete marker. Callers confirm registration before
// draining; delivery here is not acknowledgment, the messages stay pending
// until acked.
func (e *Engine) DrainQueued(ctx context.Context, deviceID string, conn Conn) error {
	queued, err := e.store.PendingMessages(ctx, deviceID, e.cfg.MaxQueuedPerDevice)
	if err != nil {
		return err
	}
	sent := 0
	for _, msg := range queued {
		data, marshalErr := json.Marshal(map[string]any{
			"id":           msg.ID,
			"type":         msg.EventType,
			"data":         msg.EventData,
			"message_uuid": msg.MessageUUID,
		})
		if marshalErr != nil {
			continue
		}
		if sendErr := e.send(conn, Event{Type: "queued-message", Data: data}); sendErr != nil {
			e.log.Warn("queued message push failed", zap.String("device_id", deviceID), zap.Error(sendErr))
			return nil
		}
		sent++
	}
	complete, _ := json.Marshal(map[string]int{"total_sent": sent})
	if sendErr := e.send(conn, Event{Type: "queued-messages-complete", Data: complete}); sendErr != nil {
		e.log.Warn("queue drain completion push failed", zap.String("device_id", deviceID), zap.Error(sendErr))
	}
	return nil
}

func (e *Engine) HeartbeatDevice(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrInvalidInput
	}
	// Heartbeats refresh last_seen and the in-memory ping time only; the
	// sync watermark is never touched here.
	if err := e.store.TouchDevice(ctx, deviceID, DeviceInfo{}); err != nil {
		return err
	}
	e.presence.Heartbeat(deviceID, e.now())
	return nil
}

func (e *Engine) DisconnectDevice(ctx context.Context, deviceID string) {
	if _, ok := e.presence.Detach(deviceID); ok {
		e.log.Info("device detached", zap.String("device_id", deviceID))
	}
	if err := e.store.MarkDeviceOffline(ctx, deviceID); err != nil && err != ErrNotFound {
		e.log.Warn("mark offline failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// --- broadcast / queue decision ---

// handleChange is registered as the store's change listener and runs
// synchronously after every committed CRUD mutation.
func (e *Engine) handleChange(c Contact, kind ChangeKind) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()

	ids, err := e.store.ListDeviceIDs(ctx)
	if err != nil {
		e.log.Warn("broadcast aborted, device listing failed", zap.Error(err))
		return
	}
	eventType := liveEventType(kind)
	payload, err := changePayload(c, kind)
	if err != nil {
		e.log.Warn("broadcast payload marshal failed", zap.String("contact_id", c.ID), zap.Error(err))
		return
	}
	evt := Event{Type: eventType, Data: payload}

	for _, deviceID := range ids {
		if deviceID == c.DeviceID {
			continue
		}
		if conn, ok := e.presence.Conn(deviceID); ok {
			// Fire and forget: loss is acceptable, the device reconciles on
			// its next delta pull. One slow peer must not stall the rest.
			go func(id string, conn Conn) {
				if sendErr := e.send(conn, evt); sendErr != nil {
					e.log.Warn("live push failed",
						zap.String("device_id", id),
						zap.String("event", eventType),
						zap.Error(sendErr))
				}
			}(deviceID, conn)
			continue
		}
		msg := QueuedMessage{
			MessageUUID: uuid.NewString(),
			DeviceID:    deviceID,
			EventType:   eventType,
			EventData:   payload,
			CreatedAt:   e.now(),
		}
		if enqErr := e.store.EnqueueMessage(ctx, msg); enqErr != nil {
			e.log.Warn("enqueue failed",
				zap.String("device_id", deviceID),
				zap.String("event", eventType),
				zap.Error(enqErr))
		}
	}
}

func (e *Engine) send(conn Conn, evt Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()
	return conn.Send(ctx, evt)
}

func liveEventType(kind ChangeKind) string {
	switch kind {
	case ChangeCreated:
		return EventContactCreated
	case ChangeDeleted:
		return EventContactDeleted
	default:
		// Updates and restores share the update event; the payload's
		// event_type field tells them apart.
		return EventContactUpdated
	}
}

func changePayload(c Contact, kind ChangeKind) (json.RawMessage, error) {
	if kind == ChangeDeleted {
		return json.Marshal(map[string]any{
			"id":         c.ID,
			"event_type": string(kind),
			"timestamp":  c.LastModified,
		})
	}
	return json.Marshal(struct {
		Contact
		EventType string `json:"event_type"`
	}{Contact: c, EventType: string(kind)})
}

// --- liveness sweep and outbox retention ---

// RunSweeper periodically reconciles the presence cache with registry truth
// and prunes the outbox. It returns when ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

func (e *Engine) SweepOnce(ctx context.Context) {
	now := e.now()
	cutoff := now.Add(-e.cfg.StaleThreshold)
	for _, deviceID := range e.presence.StaleSince(cutoff) {
		conn, _ := e.presence.Detach(deviceID)
		if conn != nil {
			_ = conn.Close()
		}
		if err := e.store.MarkDeviceOffline(ctx, deviceID); err != nil && err != ErrNotFound {
			e.log.Warn("sweep mark offline failed", zap.String("device_id", deviceID), zap.Error(err))
			continue
		}
		e.log.Info("device timed out", zap.String("device_id", deviceID))
	}

	pruned, err := e.store.PruneOutbox(ctx, now.Add(-e.cfg.RetentionAge), e.cfg.MaxQueuedPerDevice)
	if err != nil {
		e.log.Warn("outbox prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		e.log.Info("outbox pruned", zap.Int("messages", pruned))
	}
}
