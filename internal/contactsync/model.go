package contactsync

import (
	"encoding/json"
	"time"
)

// Contact is a versioned, soft-deleted record. version strictly increases per
// mutation of a given id; a tombstoned row keeps its id and last_modified so
// deletions remain observable through delta sync.
type Contact struct {
	ID           string    `json:"id"`
	ClientName   string    `json:"client_name"`
	AgentName    string    `json:"agent_name"`
	Phone1       string    `json:"phone1"`
	Phone2       string    `json:"phone2,omitempty"`
	Phone3       string    `json:"phone3,omitempty"`
	State        string    `json:"state,omitempty"`
	Date         string    `json:"date,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	Version      int64     `json:"version"`
	Deleted      bool      `json:"deleted"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// ContactInput is the client-editable subset of Contact used by the CRUD
// paths. Version, deleted and timestamps are always assigned by the store.
type ContactInput struct {
	ClientName string `json:"client_name"`
	AgentName  string `json:"agent_name"`
	Phone1     string `json:"phone1"`
	Phone2     string `json:"phone2"`
	Phone3     string `json:"phone3"`
	State      string `json:"state"`
	Date       string `json:"date"`
	DeviceID   string `json:"device_id"`
}

// Tombstone is the minimal projection of a deleted contact returned by delta
// pulls, listed apart from live rows so clients can tell remove from upsert.
type Tombstone struct {
	ID           string    `json:"id"`
	Deleted      bool      `json:"deleted"`
	LastModified time.Time `json:"last_modified"`
}

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRestored ChangeKind = "restored"
)

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

type Device struct {
	ID                string    `json:"id"`
	Name              string    `json:"device_name"`
	Kind              string    `json:"device_type"`
	Status            string    `json:"status"`
	LastSeen          time.Time `json:"last_seen"`
	LastSyncWatermark time.Time `json:"last_sync_watermark,omitempty"`
	PendingMessages   int       `json:"pending_messages"`
}

type DeviceInfo struct {
	Name string
	Kind string
}

// QueuedMessage is an at-least-once delivery unit for one offline-or-unreached
// device. It is retained until explicitly acknowledged by message_uuid.
// ID is the queue row id, assigned by the store on enqueue.
type QueuedMessage struct {
	ID          int64           `json:"id"`
	MessageUUID string          `json:"message_uuid"`
	DeviceID    string          `json:"device_id,omitempty"`
	EventType   string          `json:"event_type"`
	EventData   json.RawMessage `json:"event_data"`
	CreatedAt   time.Time       `json:"created_at"`
	Delivered   bool            `json:"-"`
}

// Event is one message on the live channel, in either direction.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	EventContactCreated = "contact-created"
	EventContactUpdated = "contact-updated"
	EventContactDeleted = "contact-deleted"
)

type DeltaResult struct {
	Contacts        []Contact       `json:"contacts"`
	Deleted         []Tombstone     `json:"deleted"`
	QueuedMessages  []QueuedMessage `json:"queued_messages"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
	Since           time.Time       `json:"since"`
	HasMore         bool            `json:"has_more"`
}

type Conflict struct {
	ID            string  `json:"id"`
	ServerVersion Contact `json:"server_version"`
	ClientVersion Contact `json:"client_version"`
}

type ReconcileResult struct {
	Synced          []Contact  `json:"synced"`
	Conflicts       []Conflict `json:"conflicts"`
	ServerTimestamp time.Time  `json:"server_timestamp"`
}

type ReconnectResult struct {
	Status           string `json:"status"`
	PendingMessages  int    `json:"pending_messages"`
	RecentChanges    int    `json:"recent_changes"`
	RequiresFullSync bool   `json:"requires_full_sync"`
}
