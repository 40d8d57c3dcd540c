// Package presence tracks which representatives are connected right now and
// whether they are taking calls.
//
// The registry is process-local and authoritative for routing decisions in
// this process. It is never persisted; a restart empties it and clients
// re-register on reconnect.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"callbridge/pkg/logger"
)

// Entry is the presence state of one representative.
type Entry struct {
	RepresentativeID string    `json:"representative_id"`
	ConnectionID     string    `json:"connection_id"`
	Available        bool      `json:"available"`
	LastSeen         time.Time `json:"last_seen"`
}

// Registry maps representative id to Entry. At most one entry per
// representative; registering again replaces the previous connection.
//
// All methods are safe for concurrent use. Lookup returns copies, so callers
// can never observe a half-applied update.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	log *slog.Logger
	Now func() time.Time
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		log:     logger.OrDefault(log),
		Now:     time.Now,
	}
}

// Register records a live connection for the representative and marks it
// available. An existing entry is overwritten; the latest connection wins.
func (r *Registry) Register(representativeID, connectionID string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := Entry{
		RepresentativeID: representativeID,
		ConnectionID:     connectionID,
		Available:        true,
		LastSeen:         r.Now().UTC(),
	}
	if prev, ok := r.entries[representativeID]; ok {
		if prev.ConnectionID != connectionID {
			r.log.Info("presence connection replaced",
				"representative_id", representativeID,
				"previous_connection", prev.ConnectionID,
				"connection", connectionID,
			)
		}
	}
	r.entries[representativeID] = e
	return e
}

// Unregister removes the representative. Removing an absent id is a no-op.
func (r *Registry) Unregister(representativeID string) {
	r.mu.Lock()
	delete(r.entries, representativeID)
	r.mu.Unlock()
}

// UnregisterConnection removes the entry only if it still belongs to
// connectionID. A stale disconnect from a replaced connection must not take
// down the newer one. Reports whether an entry was removed.
func (r *Registry) UnregisterConnection(representativeID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[representativeID]
	if !ok || e.ConnectionID != connectionID {
		return false
	}
	delete(r.entries, representativeID)
	return true
}

// SetAvailability flips the available flag. It reports false, and changes
// nothing, when the representative is not registered.
func (r *Registry) SetAvailability(representativeID string, available bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[representativeID]
	if !ok {
		return false
	}
	e.Available = available
	e.LastSeen = r.Now().UTC()
	r.entries[representativeID] = e
	return true
}

// Lookup returns a copy of the entry, if present.
func (r *Registry) Lookup(representativeID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[representativeID]
	return e, ok
}

// Len is the number of registered representatives.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
