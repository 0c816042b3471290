package contactsync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the single-file durable backend for single-node deployments
// and the agent's local testing profile. Timestamps are stored as integer
// microseconds since the epoch so ordering comparisons stay exact.
type SQLiteStore struct {
	path   string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenerMu sync.Mutex
	listener   ChangeListener
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path, openDB: sql.Open}, nil
}

func (s *SQLiteStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite3", s.path+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			s.initErr = err
			return
		}
		// database/sql pooling plus sqlite's single-writer model: keep one
		// connection so writes never hit SQLITE_BUSY from our own pool.
		db.SetMaxOpenConns(1)
		statements := []string{
			`CREATE TABLE IF NOT EXISTS contacts (
				id TEXT PRIMARY KEY,
				client_name TEXT NOT NULL DEFAULT '',
				agent_name TEXT NOT NULL DEFAULT '',
				phone1 TEXT NOT NULL DEFAULT '',
				phone2 TEXT NOT NULL DEFAULT '',
				phone3 TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL DEFAULT '',
				date TEXT NOT NULL DEFAULT '',
				device_id TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL DEFAULT 1,
				deleted INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				last_modified INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS contacts_last_modified_idx ON contacts (last_modified)`,
			`CREATE INDEX IF NOT EXISTS contacts_phone1_idx ON contacts (phone1)`,
			`CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				device_name TEXT NOT NULL DEFAULT '',
				device_kind TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'offline',
				last_seen INTEGER NOT NULL DEFAULT 0,
				last_sync_watermark INTEGER NOT NULL DEFAULT 0,
				pending_messages INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS message_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_uuid TEXT NOT NULL UNIQUE,
				device_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				event_data TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				delivered INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS message_queue_device_idx ON message_queue (device_id, delivered, id)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) SetChangeListener(fn ChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listener = fn
}

func (s *SQLiteStore) notify(c Contact, kind ChangeKind) {
	s.listenerMu.Lock()
	fn := s.listener
	s.listenerMu.Unlock()
	if fn != nil {
		fn(c, kind)
	}
}

func usec(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromUsec(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func scanSQLiteContact(row interface{ Scan(...any) error }) (Contact, error) {
	var c Contact
	var deleted int
	var createdAt, lastModified int64
	err := row.Scan(&c.ID, &c.ClientName, &c.AgentName, &c.Phone1, &c.Phone2, &c.Phone3,
		&c.State, &c.Date, &c.DeviceID, &c.Version, &deleted, &createdAt, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	c.Deleted = deleted != 0
	c.CreatedAt = fromUsec(createdAt)
	c.LastModified = fromUsec(lastModified)
	return c, nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (Contact, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, err
	}
	return scanSQLiteContact(s.db.QueryRowContext(ctx,
		"SELECT "+contactColumns+" FROM contacts WHERE id = ?", id))
}

func (s *SQLiteStore) GetContactByPhone(ctx context.Context, phone string) (Contact, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Contact{}, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, err
	}
	return scanSQLiteContact(s.db.QueryRowContext(ctx,
		"SELECT "+contactColumns+" FROM contacts WHERE phone1 = ? ORDER BY deleted ASC, last_modified DESC LIMIT 1", phone))
}

func (s *SQLiteStore) UpsertContact(ctx context.Context, id string, in ContactInput) (Contact, ChangeKind, error) {
	if id == "" && strings.TrimSpace(in.Phone1) == "" {
		return Contact{}, "", ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, "", err
	}
	now := storeNow()
	var result Contact
	var kind ChangeKind

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if id == "" {
			existing, err := scanSQLiteContact(tx.QueryRowContext(ctx,
				"SELECT "+contactColumns+" FROM contacts WHERE phone1 = ? ORDER BY deleted ASC, last_modified DESC LIMIT 1", in.Phone1))
			switch {
			case err == nil && !existing.Deleted:
				return &DuplicatePhoneError{Phone: in.Phone1, ExistingID: existing.ID}
			case err == nil:
				restored := applyInput(existing, in)
				restored.Deleted = false
				restored.Version++
				restored.LastModified = now
				if err := s.updateContactTx(ctx, tx, restored); err != nil {
					return err
				}
				result, kind = restored, ChangeRestored
				return nil
			case err == ErrNotFound:
				created := applyInput(Contact{ID: newContactID()}, in)
				created.Version = 1
				created.CreatedAt = now
				created.LastModified = now
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO contacts ("+contactColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)",
					created.ID, created.ClientName, created.AgentName, created.Phone1, created.Phone2,
					created.Phone3, created.State, created.Date, created.DeviceID, created.Version,
					boolInt(created.Deleted), usec(created.CreatedAt), usec(created.LastModified)); err != nil {
					return err
				}
				result, kind = created, ChangeCreated
				return nil
			default:
				return err
			}
		}

		existing, err := scanSQLiteContact(tx.QueryRowContext(ctx,
			"SELECT "+contactColumns+" FROM contacts WHERE id = ? AND deleted = 0", id))
		if err != nil {
			return err
		}
		updated := applyInput(existing, in)
		updated.Version++
		updated.LastModified = now
		if err := s.updateContactTx(ctx, tx, updated); err != nil {
			return err
		}
		result, kind = updated, ChangeUpdated
		return nil
	})
	if err != nil {
		return Contact{}, "", err
	}

	s.notify(result, kind)
	return result, kind, nil
}

func (s *SQLiteStore) updateContactTx(ctx context.Context, tx *sql.Tx, c Contact) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contacts SET client_name=?, agent_name=?, phone1=?, phone2=?, phone3=?,
			state=?, date=?, device_id=?, version=?, deleted=?, last_modified=?
		WHERE id=?`,
		c.ClientName, c.AgentName, c.Phone1, c.Phone2, c.Phone3, c.State, c.Date,
		c.DeviceID, c.Version, boolInt(c.Deleted), usec(c.LastModified), c.ID)
	return err
}

func (s *SQLiteStore) SoftDeleteContact(ctx context.Context, id, deviceID string) (Contact, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, err
	}
	now := storeNow()
	var deleted Contact
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanSQLiteContact(tx.QueryRowContext(ctx,
			"SELECT "+contactColumns+" FROM contacts WHERE id = ?", id))
		if err != nil {
			return err
		}
		existing.Deleted = true
		if deviceID != "" {
			existing.DeviceID = deviceID
		}
		existing.Version++
		existing.LastModified = now
		if err := s.updateContactTx(ctx, tx, existing); err != nil {
			return err
		}
		deleted = existing
		return nil
	})
	if err != nil {
		return Contact{}, err
	}
	s.notify(deleted, ChangeDeleted)
	return deleted, nil
}

func (s *SQLiteStore) PutContactVerbatim(ctx context.Context, c Contact) (Contact, error) {
	if strings.TrimSpace(c.ID) == "" {
		return Contact{}, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, err
	}
	if c.Version < 1 {
		c.Version = 1
	}
	now := storeNow()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastModified.IsZero() {
		c.LastModified = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			client_name=excluded.client_name, agent_name=excluded.agent_name,
			phone1=excluded.phone1, phone2=excluded.phone2, phone3=excluded.phone3,
			state=excluded.state, date=excluded.date, device_id=excluded.device_id,
			version=excluded.version, deleted=excluded.deleted,
			last_modified=excluded.last_modified`,
		c.ID, c.ClientName, c.AgentName, c.Phone1, c.Phone2, c.Phone3, c.State, c.Date,
		c.DeviceID, c.Version, boolInt(c.Deleted), usec(c.CreatedAt), usec(c.LastModified))
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context) ([]Contact, error) {
	return s.queryContacts(ctx,
		"SELECT "+contactColumns+" FROM contacts WHERE deleted = 0 ORDER BY last_modified DESC, id ASC")
}

func (s *SQLiteStore) ListContactsSince(ctx context.Context, since time.Time, limit int) ([]Contact, error) {
	query := "SELECT " + contactColumns + " FROM contacts WHERE deleted = 0 AND last_modified > ? ORDER BY last_modified ASC, id ASC"
	if limit > 0 {
		return s.queryContacts(ctx, query+" LIMIT ?", usec(since), limit)
	}
	return s.queryContacts(ctx, query, usec(since))
}

func (s *SQLiteStore) queryContacts(ctx context.Context, query string, args ...any) ([]Contact, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Contact{}
	for rows.Next() {
		c, err := scanSQLiteContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTombstonesSince(ctx context.Context, since time.Time, limit int) ([]Tombstone, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := "SELECT id, last_modified FROM contacts WHERE deleted = 1 AND last_modified > ? ORDER BY last_modified ASC, id ASC"
	args := []any{usec(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Tombstone{}
	for rows.Next() {
		var t Tombstone
		var lastModified int64
		if err := rows.Scan(&t.ID, &lastModified); err != nil {
			return nil, err
		}
		t.Deleted = true
		t.LastModified = fromUsec(lastModified)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountChangesSince(ctx context.Context, since time.Time) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM contacts WHERE last_modified > ?", usec(since)).Scan(&count)
	return count, err
}

func (s *SQLiteStore) TouchDevice(ctx context.Context, id string, info DeviceInfo) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, device_name, device_kind, status, last_seen)
		VALUES (?, ?, ?, 'online', ?)
		ON CONFLICT (id) DO UPDATE SET
			status = 'online',
			last_seen = excluded.last_seen,
			device_name = CASE WHEN excluded.device_name = '' THEN devices.device_name ELSE excluded.device_name END,
			device_kind = CASE WHEN excluded.device_kind = '' THEN devices.device_kind ELSE excluded.device_kind END`,
		id, info.Name, info.Kind, usec(storeNow()))
	return err
}

func (s *SQLiteStore) MarkDeviceOffline(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE devices SET status = 'offline' WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteDevice(row interface{ Scan(...any) error }) (Device, error) {
	var d Device
	var lastSeen, watermark int64
	err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.Status, &lastSeen, &watermark, &d.PendingMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, err
	}
	d.LastSeen = fromUsec(lastSeen)
	d.LastSyncWatermark = fromUsec(watermark)
	return d, nil
}

const sqliteDeviceColumns = "id, device_name, device_kind, status, last_seen, last_sync_watermark, pending_messages"

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (Device, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Device{}, err
	}
	return scanSQLiteDevice(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteDeviceColumns+" FROM devices WHERE id = ?", id))
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteDeviceColumns+" FROM devices ORDER BY last_seen DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Device{}
	for rows.Next() {
		d, err := scanSQLiteDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDeviceIDs(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM devices ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetWatermark(ctx context.Context, id string) (time.Time, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return d.LastSyncWatermark, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, id string, ts time.Time) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, status, last_seen, last_sync_watermark)
		VALUES (?, 'online', ?, ?)
		ON CONFLICT (id) DO UPDATE SET last_sync_watermark = excluded.last_sync_watermark`,
		id, usec(storeNow()), usec(ts))
	return err
}

func (s *SQLiteStore) EnqueueMessage(ctx context.Context, m QueuedMessage) error {
	if strings.TrimSpace(m.MessageUUID) == "" || strings.TrimSpace(m.DeviceID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = storeNow()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_queue (message_uuid, device_id, event_type, event_data, created_at, delivered) VALUES (?,?,?,?,?,0)",
			m.MessageUUID, m.DeviceID, m.EventType, string(m.EventData), usec(m.CreatedAt)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE devices SET pending_messages = pending_messages + 1 WHERE id = ?", m.DeviceID)
		return err
	})
}

func (s *SQLiteStore) PendingMessages(ctx context.Context, deviceID string, limit int) ([]QueuedMessage, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := "SELECT id, message_uuid, device_id, event_type, event_data, created_at FROM message_queue WHERE device_id = ? AND delivered = 0 ORDER BY id ASC"
	args := []any{deviceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []QueuedMessage{}
	for rows.Next() {
		var m QueuedMessage
		var data string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.MessageUUID, &m.DeviceID, &m.EventType, &data, &createdAt); err != nil {
			return nil, err
		}
		m.EventData = []byte(data)
		m.CreatedAt = fromUsec(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingCount(ctx context.Context, deviceID string) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message_queue WHERE device_id = ? AND delivered = 0", deviceID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) AckMessages(ctx context.Context, deviceID string, uuids []string) (int, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	acked := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range uuids {
			res, err := tx.ExecContext(ctx,
				"UPDATE message_queue SET delivered = 1 WHERE device_id = ? AND delivered = 0 AND message_uuid = ?",
				deviceID, u)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				acked++
			}
		}
		if acked == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE devices SET pending_messages = MAX(0, pending_messages - ?) WHERE id = ?", acked, deviceID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return acked, nil
}

func (s *SQLiteStore) PruneOutbox(ctx context.Context, deliveredBefore time.Time, maxPerDevice int) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	removed := 0
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM message_queue WHERE delivered = 1 AND created_at < ?", usec(deliveredBefore))
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	if maxPerDevice > 0 {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM message_queue WHERE id IN (
					SELECT id FROM (
						SELECT id, ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY id DESC) AS rn
						FROM message_queue WHERE delivered = 0
					) WHERE rn > ?
				)`, maxPerDevice)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			removed += int(n)
			// The overflow trim bypasses the ack path, so resync the
			// denormalized counters from the queue itself.
			_, err = tx.ExecContext(ctx, `
				UPDATE devices SET pending_messages =
					(SELECT COUNT(*) FROM message_queue WHERE device_id = devices.id AND delivered = 0)`)
			return err
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
