package contactsync

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Conn is a live connection handle to one device. Send is fire-and-forget
// from the engine's point of view; a failed send is logged and the device
// reconciles on its next delta pull.
type Conn interface {
	Send(ctx context.Context, evt Event) error
	Close() error
}

const presenceShardCount = 16

// PresenceTracker maps device id to its live connection and last ping time.
// It is a cache over the device registry, fully rebuilt from reconnects after
// a restart, and never authoritative. Locking is per shard so devices stay
// independent of each other.
type PresenceTracker struct {
	shards [presenceShardCount]presenceShard
}

type presenceShard struct {
	mu      sync.Mutex
	entries map[string]*presenceEntry
}

type presenceEntry struct {
	conn     Conn
	lastPing time.Time
}

func NewPresenceTracker() *PresenceTracker {
	p := &PresenceTracker{}
	for i := range p.shards {
		p.shards[i].entries = map[string]*presenceEntry{}
	}
	return p
}

func (p *PresenceTracker) shard(deviceID string) *presenceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &p.shards[h.Sum32()%presenceShardCount]
}

// Attach records a live connection for the device, replacing and closing any
// previous one.
func (p *PresenceTracker) Attach(deviceID string, conn Conn) {
	s := p.shard(deviceID)
	s.mu.Lock()
	previous := s.entries[deviceID]
	s.entries[deviceID] = &presenceEntry{conn: conn, lastPing: time.Now().UTC()}
	s.mu.Unlock()
	if previous != nil && previous.conn != nil {
		_ = previous.conn.Close()
	}
}

// Detach removes the device and returns the connection it held, if any. The
// caller decides whether to close it: a transport-reported disconnect already
// did, a sweep force-detach has not.
func (p *PresenceTracker) Detach(deviceID string) (Conn, bool) {
	s := p.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[deviceID]
	if !ok {
		return nil, false
	}
	delete(s.entries, deviceID)
	return entry.conn, true
}

func (p *PresenceTracker) IsOnline(deviceID string) bool {
	s := p.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[deviceID]
	return ok
}

func (p *PresenceTracker) Conn(deviceID string) (Conn, bool) {
	s := p.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[deviceID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Heartbeat refreshes the in-memory last ping time. It reports whether the
// device currently holds a connection.
func (p *PresenceTracker) Heartbeat(deviceID string, at time.Time) bool {
	s := p.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[deviceID]
	if !ok {
		return false
	}
	entry.lastPing = at
	return true
}

func (p *PresenceTracker) ForEachOnline(fn func(deviceID string)) {
	for _, id := range p.OnlineIDs() {
		fn(id)
	}
}

func (p *PresenceTracker) OnlineIDs() []string {
	out := []string{}
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for id := range s.entries {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

func (p *PresenceTracker) OnlineCount() int {
	count := 0
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		count += len(s.entries)
		s.mu.Unlock()
	}
	return count
}

// StaleSince returns devices whose last ping predates the cutoff. Used by the
// liveness sweep to reconcile the cache with registry truth after partitions
// the transport never reported as a clean disconnect.
func (p *PresenceTracker) StaleSince(cutoff time.Time) []string {
	out := []string{}
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for id, entry := range s.entries {
			if entry.lastPing.Before(cutoff) {
				out = append(out, id)
			}
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}
