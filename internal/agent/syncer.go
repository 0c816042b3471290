package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/contactsync/internal/contactsync"
)

type SyncerOptions struct {
	DeviceID string
	// ContactsFile is the agent's working copy: a JSON array of live contacts.
	ContactsFile string
	StateFile    string
	Interval     time.Duration
	BatchSize    int
	Logger       *zap.Logger
}

// Syncer keeps one local contacts file converged with the server. Local edits
// are pushed through bulk reconciliation, remote changes arrive via delta
// pulls, and queued messages are acknowledged once a pull has covered them.
type Syncer struct {
	client    *Client
	deviceID  string
	filePath  string
	stateFile string
	interval  time.Duration
	batchSize int
	log       *zap.Logger

	state  agentState
	loaded bool
}

type agentState struct {
	// Contacts is the last server-acknowledged view, tombstones included, so
	// a local deletion can be told apart from a contact never seen.
	Contacts map[string]contactsync.Contact `json:"contacts"`
}

func NewSyncer(client *Client, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	deviceID := strings.TrimSpace(opts.DeviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	filePath := strings.TrimSpace(opts.ContactsFile)
	if filePath == "" {
		return nil, fmt.Errorf("contacts file is required")
	}
	filePath = filepath.Clean(filePath)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(filepath.Dir(filePath), ".contactsync-agent-state.json")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:    client,
		deviceID:  deviceID,
		filePath:  filePath,
		stateFile: stateFile,
		interval:  interval,
		batchSize: opts.BatchSize,
		log:       logger,
		state:     agentState{Contacts: map[string]contactsync.Contact{}},
	}, nil
}

// Run performs an initial reconnect probe and sync, then keeps syncing on
// file change notifications and a fallback interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	probe, err := s.client.Reconnect(ctx, s.deviceID, nil)
	if err != nil {
		s.log.Warn("reconnect probe failed", zap.Error(err))
	} else if probe.RequiresFullSync {
		s.log.Info("server recommends full sync",
			zap.Int("pending_messages", probe.PendingMessages),
			zap.Int("recent_changes", probe.RecentChanges))
	}
	if err := s.SyncOnce(ctx); err != nil {
		s.log.Warn("initial sync failed", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory, not the file: atomic saves replace the inode.
	if err := watcher.Add(filepath.Dir(s.filePath)); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var debounce *time.Timer
	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.filePath {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", zap.Error(watchErr))
		case <-debounced:
			s.syncAndLog(ctx)
		case <-ticker.C:
			s.syncAndLog(ctx)
		}
	}
}

func (s *Syncer) syncAndLog(ctx context.Context) {
	err := s.SyncOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrServerBusy):
		s.log.Debug("sync deferred, server busy")
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn("sync failed", zap.Error(err))
	}
}

// SyncOnce pushes local edits, pulls the server delta and acknowledges any
// queued messages the pull covered. Application is idempotent; a crash
// between push and state save only means re-pushing identical content.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	local, err := s.readLocalFile()
	if err != nil {
		return err
	}

	if err := s.pushLocal(ctx, local); err != nil {
		return err
	}

	delta, err := s.client.DeltaPull(ctx, s.deviceID, nil, s.batchSize)
	if err != nil {
		return err
	}
	for _, c := range delta.Contacts {
		s.state.Contacts[c.ID] = c
	}
	for _, t := range delta.Deleted {
		if known, ok := s.state.Contacts[t.ID]; ok {
			known.Deleted = true
			known.LastModified = t.LastModified
			s.state.Contacts[t.ID] = known
		} else {
			s.state.Contacts[t.ID] = contactsync.Contact{
				ID:           t.ID,
				Deleted:      true,
				LastModified: t.LastModified,
			}
		}
	}

	if len(delta.QueuedMessages) > 0 {
		uuids := make([]string, 0, len(delta.QueuedMessages))
		for _, msg := range delta.QueuedMessages {
			uuids = append(uuids, msg.MessageUUID)
		}
		acked, ackErr := s.client.Acknowledge(ctx, s.deviceID, uuids)
		if ackErr != nil {
			s.log.Warn("ack failed, messages will redeliver", zap.Error(ackErr))
		} else {
			s.log.Debug("acknowledged queued messages", zap.Int("count", acked))
		}
	}

	if err := s.writeLocalFile(); err != nil {
		return err
	}
	return s.saveState()
}

// pushLocal diffs the working copy against the last acknowledged view and
// reconciles anything that moved: edits, new entries and disappearances.
func (s *Syncer) pushLocal(ctx context.Context, local []contactsync.Contact) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	seen := map[string]bool{}
	var changed []contactsync.Contact

	for _, c := range local {
		if strings.TrimSpace(c.ID) == "" {
			c.ID = uuid.NewString()
			c.Version = 1
			c.CreatedAt = now
			c.LastModified = now
			changed = append(changed, c)
			continue
		}
		seen[c.ID] = true
		known, ok := s.state.Contacts[c.ID]
		if ok && editableEqual(known, c) && !known.Deleted {
			continue
		}
		if ok {
			c.Version = known.Version + 1
			c.CreatedAt = known.CreatedAt
		} else if c.Version <= 0 {
			c.Version = 1
			c.CreatedAt = now
		}
		c.Deleted = false
		c.LastModified = now
		changed = append(changed, c)
	}

	for id, known := range s.state.Contacts {
		if seen[id] || known.Deleted {
			continue
		}
		known.Deleted = true
		known.Version++
		known.LastModified = now
		changed = append(changed, known)
	}

	if len(changed) == 0 {
		return nil
	}
	result, err := s.client.Reconcile(ctx, s.deviceID, changed)
	if err != nil {
		return err
	}
	for _, c := range result.Synced {
		s.state.Contacts[c.ID] = c
	}
	for _, conflict := range result.Conflicts {
		// Equal timestamps with diverged content: accept the server copy and
		// surface the loss, the next edit wins cleanly.
		s.log.Warn("conflict resolved in server's favor", zap.String("contact_id", conflict.ID))
		s.state.Contacts[conflict.ID] = conflict.ServerVersion
	}
	return nil
}

func editableEqual(a, b contactsync.Contact) bool {
	return a.ClientName == b.ClientName &&
		a.AgentName == b.AgentName &&
		a.Phone1 == b.Phone1 &&
		a.Phone2 == b.Phone2 &&
		a.Phone3 == b.Phone3 &&
		a.State == b.State &&
		a.Date == b.Date
}

func (s *Syncer) readLocalFile() ([]contactsync.Contact, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var contacts []contactsync.Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	return contacts, nil
}

func (s *Syncer) writeLocalFile() error {
	live := make([]contactsync.Contact, 0, len(s.state.Contacts))
	for _, c := range s.state.Contacts {
		if c.Deleted {
			continue
		}
		live = append(live, c)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].ClientName != live[j].ClientName {
			return live[i].ClientName < live[j].ClientName
		}
		return live[i].ID < live[j].ID
	})
	data, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	// Skipping identical content keeps the save from retriggering the watcher.
	if current, readErr := os.ReadFile(s.filePath); readErr == nil && bytes.Equal(current, data) {
		return nil
	}
	return writeFileAtomic(s.filePath, data, 0o644)
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Contacts = map[string]contactsync.Contact{}
			return nil
		}
		return err
	}
	var state agentState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Contacts == nil {
		state.Contacts = map[string]contactsync.Contact{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
