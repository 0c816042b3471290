package contactsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresContactsTable = "contacts"
	postgresDevicesTable  = "devices"
	postgresQueueTable    = "message_queue"
)

// PostgresStore is the production backend, one table per component: contacts,
// the device registry and the outbox queue. Schema bootstrap is idempotent and
// happens lazily on first use.
type PostgresStore struct {
	dsn           string
	contactsTable string
	devicesTable  string
	queueTable    string
	openDB        func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenerMu sync.Mutex
	listener   ChangeListener
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:           dsn,
		contactsTable: postgresContactsTable,
		devicesTable:  postgresDevicesTable,
		queueTable:    postgresQueueTable,
		openDB:        sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					client_name TEXT NOT NULL DEFAULT '',
					agent_name TEXT NOT NULL DEFAULT '',
					phone1 TEXT NOT NULL DEFAULT '',
					phone2 TEXT NOT NULL DEFAULT '',
					phone3 TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL DEFAULT '',
					date TEXT NOT NULL DEFAULT '',
					device_id TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					last_modified TIMESTAMPTZ NOT NULL
				)`, quoteIdent(s.contactsTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (last_modified)",
				quoteIdent(s.contactsTable+"_last_modified_idx"), quoteIdent(s.contactsTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (phone1)",
				quoteIdent(s.contactsTable+"_phone1_idx"), quoteIdent(s.contactsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					device_name TEXT NOT NULL DEFAULT '',
					device_kind TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'offline',
					last_seen TIMESTAMPTZ,
					last_sync_watermark TIMESTAMPTZ,
					pending_messages INT NOT NULL DEFAULT 0
				)`, quoteIdent(s.devicesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					message_uuid TEXT NOT NULL UNIQUE,
					device_id TEXT NOT NULL,
					event_type TEXT NOT NULL,
					event_data TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					delivered BOOLEAN NOT NULL DEFAULT FALSE
				)`, quoteIdent(s.queueTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (device_id, delivered, id)",
				quoteIdent(s.queueTable+"_device_idx"), quoteIdent(s.queueTable)),
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

func (s *PostgresStore) SetChangeListener(fn ChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listener = fn
}

func (s *PostgresStore) notify(c Contact, kind ChangeKind) {
	s.listenerMu.Lock()
	fn := s.listener
	s.listenerMu.Unlock()
	if fn != nil {
		fn(c, kind)
	}
}

const contactColumns = "id, client_name, agent_name, phone1, phone2, phone3, state, date, device_id, version, deleted, created_at, last_modified"

func scanContact(row interface{ Scan(...any) error }) (Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.ClientName, &c.AgentName, &c.Phone1, &c.Phone2, &c.Phone3,
		&c.State, &c.Date, &c.DeviceID, &c.Version, &c.Deleted, &c.CreatedAt, &c.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastModified = c.LastModified.UTC()
	return c, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (Contact, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", contactColumns, quoteIdent(s.contactsTable))
	return scanContact(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetContactByPhone(ctx context.Context, phone string) (Contact, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Contact{}, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, err
	}
	// Live rows win over tombstones when both carry the same number.
	query := fmt.Sprintf("SELECT %s FROM %s WHERE phone1 = $1 ORDER BY deleted ASC, last_modified DESC LIMIT 1",
		contactColumns, quoteIdent(s.contactsTable))
	return scanContact(s.db.QueryRowContext(ctx, query, phone))
}

func (s *PostgresStore) UpsertContact(ctx context.Context, id string, in ContactInput) (Contact, ChangeKind, error) {
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
			query := fmt.Sprintf("SELECT %s FROM %s WHERE phone1 = $1 ORDER BY deleted ASC, last_modified DESC LIMIT 1",
				contactColumns, quoteIdent(s.contactsTable))
			existing, err := scanContact(tx.QueryRowContext(ctx, query, in.Phone1))
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
				insert := fmt.Sprintf(
					"INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)",
					quoteIdent(s.contactsTable), contactColumns)
				if _, err := tx.ExecContext(ctx, insert,
					created.ID, created.ClientName, created.AgentName, created.Phone1, created.Phone2,
					created.Phone3, created.State, created.Date, created.DeviceID, created.Version,
					created.Deleted, created.CreatedAt, created.LastModified); err != nil {
					return err
				}
				result, kind = created, ChangeCreated
				return nil
			default:
				return err
			}
		}

		query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND deleted = FALSE", contactColumns, quoteIdent(s.contactsTable))
		existing, err := scanContact(tx.QueryRowContext(ctx, query, id))
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

func (s *PostgresStore) updateContactTx(ctx context.Context, tx *sql.Tx, c Contact) error {
	query := fmt.Sprintf(`
		UPDATE %s SET client_name=$2, agent_name=$3, phone1=$4, phone2=$5, phone3=$6,
			state=$7, date=$8, device_id=$9, version=$10, deleted=$11, last_modified=$12
		WHERE id=$1`, quoteIdent(s.contactsTable))
	_, err := tx.ExecContext(ctx, query, c.ID, c.ClientName, c.AgentName, c.Phone1, c.Phone2,
		c.Phone3, c.State, c.Date, c.DeviceID, c.Version, c.Deleted, c.LastModified)
	return err
}

func (s *PostgresStore) SoftDeleteContact(ctx context.Context, id, deviceID string) (Contact, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Contact{}, err
	}
	now := storeNow()
	query := fmt.Sprintf(`
		UPDATE %s SET deleted = TRUE, version = version + 1, last_modified = $2,
			device_id = CASE WHEN $3 = '' THEN device_id ELSE $3 END
		WHERE id = $1
		RETURNING %s`, quoteIdent(s.contactsTable), contactColumns)
	deleted, err := scanContact(s.db.QueryRowContext(ctx, query, id, now, deviceID))
	if err != nil {
		return Contact{}, err
	}
	s.notify(deleted, ChangeDeleted)
	return deleted, nil
}

func (s *PostgresStore) PutContactVerbatim(ctx context.Context, c Contact) (Contact, error) {
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
	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			client_name=EXCLUDED.client_name, agent_name=EXCLUDED.agent_name,
			phone1=EXCLUDED.phone1, phone2=EXCLUDED.phone2, phone3=EXCLUDED.phone3,
			state=EXCLUDED.state, date=EXCLUDED.date, device_id=EXCLUDED.device_id,
			version=EXCLUDED.version, deleted=EXCLUDED.deleted,
			last_modified=EXCLUDED.last_modified`,
		quoteIdent(s.contactsTable), contactColumns)
	if _, err := s.db.ExecContext(ctx, query,
		c.ID, c.ClientName, c.AgentName, c.Phone1, c.Phone2, c.Phone3, c.State, c.Date,
		c.DeviceID, c.Version, c.Deleted, c.CreatedAt, c.LastModified); err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListContacts(ctx context.Context) ([]Contact, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE deleted = FALSE ORDER BY last_modified DESC, id ASC",
		contactColumns, quoteIdent(s.contactsTable))
	return s.queryContacts(ctx, query)
}

func (s *PostgresStore) ListContactsSince(ctx context.Context, since time.Time, limit int) ([]Contact, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE deleted = FALSE AND last_modified > $1
		ORDER BY last_modified ASC, id ASC %s`,
		contactColumns, quoteIdent(s.contactsTable), limitClause(limit, 2))
	if limit > 0 {
		return s.queryContacts(ctx, query, since, limit)
	}
	return s.queryContacts(ctx, query, since)
}

func (s *PostgresStore) queryContacts(ctx context.Context, query string, args ...any) ([]Contact, error) {
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
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTombstonesSince(ctx context.Context, since time.Time, limit int) ([]Tombstone, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, last_modified FROM %s WHERE deleted = TRUE AND last_modified > $1
		ORDER BY last_modified ASC, id ASC %s`,
		quoteIdent(s.contactsTable), limitClause(limit, 2))
	args := []any{since}
	if limit > 0 {
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
		if err := rows.Scan(&t.ID, &t.LastModified); err != nil {
			return nil, err
		}
		t.Deleted = true
		t.LastModified = t.LastModified.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountChangesSince(ctx context.Context, since time.Time) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE last_modified > $1", quoteIdent(s.contactsTable))
	var count int
	if err := s.db.QueryRowContext(ctx, query, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) TouchDevice(ctx context.Context, id string, info DeviceInfo) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, device_name, device_kind, status, last_seen)
		VALUES ($1, $2, $3, 'online', $4)
		ON CONFLICT (id) DO UPDATE SET
			status = 'online',
			last_seen = EXCLUDED.last_seen,
			device_name = CASE WHEN EXCLUDED.device_name = '' THEN %s.device_name ELSE EXCLUDED.device_name END,
			device_kind = CASE WHEN EXCLUDED.device_kind = '' THEN %s.device_kind ELSE EXCLUDED.device_kind END`,
		quoteIdent(s.devicesTable), quoteIdent(s.devicesTable), quoteIdent(s.devicesTable))
	_, err := s.db.ExecContext(ctx, query, id, info.Name, info.Kind, storeNow())
	return err
}

func (s *PostgresStore) MarkDeviceOffline(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET status = 'offline' WHERE id = $1", quoteIdent(s.devicesTable))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (Device, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Device{}, err
	}
	query := fmt.Sprintf(
		"SELECT id, device_name, device_kind, status, last_seen, last_sync_watermark, pending_messages FROM %s WHERE id = $1",
		quoteIdent(s.devicesTable))
	return scanDevice(s.db.QueryRowContext(ctx, query, id))
}

func scanDevice(row interface{ Scan(...any) error }) (Device, error) {
	var d Device
	var lastSeen, watermark sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.Status, &lastSeen, &watermark, &d.PendingMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time.UTC()
	}
	if watermark.Valid {
		d.LastSyncWatermark = watermark.Time.UTC()
	}
	return d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]Device, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT id, device_name, device_kind, status, last_seen, last_sync_watermark, pending_messages FROM %s ORDER BY last_seen DESC NULLS LAST, id ASC",
		quoteIdent(s.devicesTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDeviceIDs(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT id FROM %s ORDER BY id ASC", quoteIdent(s.devicesTable))
	rows, err := s.db.QueryContext(ctx, query)
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

func (s *PostgresStore) GetWatermark(ctx context.Context, id string) (time.Time, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return d.LastSyncWatermark, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, id string, ts time.Time) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, status, last_seen, last_sync_watermark)
		VALUES ($1, 'online', $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_sync_watermark = EXCLUDED.last_sync_watermark`,
		quoteIdent(s.devicesTable))
	_, err := s.db.ExecContext(ctx, query, id, storeNow(), ts)
	return err
}

func (s *PostgresStore) EnqueueMessage(ctx context.Context, m QueuedMessage) error {
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
		insert := fmt.Sprintf(
			"INSERT INTO %s (message_uuid, device_id, event_type, event_data, created_at, delivered) VALUES ($1,$2,$3,$4,$5,FALSE)",
			quoteIdent(s.queueTable))
		if _, err := tx.ExecContext(ctx, insert, m.MessageUUID, m.DeviceID, m.EventType, string(m.EventData), m.CreatedAt); err != nil {
			return err
		}
		counter := fmt.Sprintf(
			"UPDATE %s SET pending_messages = pending_messages + 1 WHERE id = $1",
			quoteIdent(s.devicesTable))
		_, err := tx.ExecContext(ctx, counter, m.DeviceID)
		return err
	})
}

func (s *PostgresStore) PendingMessages(ctx context.Context, deviceID string, limit int) ([]QueuedMessage, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, message_uuid, device_id, event_type, event_data, created_at FROM %s
		WHERE device_id = $1 AND delivered = FALSE
		ORDER BY id ASC %s`, quoteIdent(s.queueTable), limitClause(limit, 2))
	args := []any{deviceID}
	if limit > 0 {
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
		if err := rows.Scan(&m.ID, &m.MessageUUID, &m.DeviceID, &m.EventType, &data, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.EventData = []byte(data)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PendingCount(ctx context.Context, deviceID string) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE device_id = $1 AND delivered = FALSE", quoteIdent(s.queueTable))
	var count int
	if err := s.db.QueryRowContext(ctx, query, deviceID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) AckMessages(ctx context.Context, deviceID string, uuids []string) (int, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	acked := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		update := fmt.Sprintf(
			"UPDATE %s SET delivered = TRUE WHERE device_id = $1 AND delivered = FALSE AND message_uuid = ANY($2)",
			quoteIdent(s.queueTable))
		res, err := tx.ExecContext(ctx, update, deviceID, pq.Array(uuids))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		acked = int(n)
		if acked == 0 {
			return nil
		}
		counter := fmt.Sprintf(
			"UPDATE %s SET pending_messages = GREATEST(0, pending_messages - $2) WHERE id = $1",
			quoteIdent(s.devicesTable))
		_, err = tx.ExecContext(ctx, counter, deviceID, acked)
		return err
	})
	if err != nil {
		return 0, err
	}
	return acked, nil
}

func (s *PostgresStore) PruneOutbox(ctx context.Context, deliveredBefore time.Time, maxPerDevice int) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	removed := 0
	expired := fmt.Sprintf("DELETE FROM %s WHERE delivered = TRUE AND created_at < $1", quoteIdent(s.queueTable))
	res, err := s.db.ExecContext(ctx, expired, deliveredBefore)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	if maxPerDevice > 0 {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			overflow := fmt.Sprintf(`
				DELETE FROM %s WHERE id IN (
					SELECT id FROM (
						SELECT id, ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY id DESC) AS rn
						FROM %s WHERE delivered = FALSE
					) ranked WHERE ranked.rn > $1
				)`, quoteIdent(s.queueTable), quoteIdent(s.queueTable))
			res, err := tx.ExecContext(ctx, overflow, maxPerDevice)
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
			resync := fmt.Sprintf(`
				UPDATE %s d SET pending_messages =
					(SELECT COUNT(*) FROM %s q WHERE q.device_id = d.id AND q.delivered = FALSE)`,
				quoteIdent(s.devicesTable), quoteIdent(s.queueTable))
			_, err = tx.ExecContext(ctx, resync)
			return err
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func limitClause(limit, position int) string {
	if limit > 0 {
		return fmt.Sprintf("LIMIT $%d", position)
	}
	return ""
}
