// Package registry maps application identities to the client records used
// to route asynchronous map_created confirmations back to their callers.
//
// Records are owned by the Registry. Callers hold only the application
// identity and receive copies, so a record can never be reached through a
// stale reference after the registry changes.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ClientRecord is the routing entry of one application identity
type ClientRecord struct {
	AppID        string
	CreatedAt    time.Time
	Deliveries   int
	LastSurface  string
	LastDelivery time.Time
}

// Registry is the process-lifetime set of client records
type Registry struct {
	mu      sync.Mutex
	clients map[string]*ClientRecord
}

// New creates an empty registry
func New() *Registry {
	return &Registry{clients: make(map[string]*ClientRecord)}
}

// Subscribe creates the record of appID if none exists. The lookup and the
// insert happen under one lock, so concurrent calls for the same identity
// leave exactly one record. created is false when the record already
// existed.
func (r *Registry) Subscribe(appID string) (rec ClientRecord, created bool, err error) {
	if appID == "" {
		return ClientRecord{}, false, fmt.Errorf("application identity is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[appID]; ok {
		return *existing, false, nil
	}
	c := &ClientRecord{AppID: appID, CreatedAt: time.Now()}
	r.clients[appID] = c
	return *c, true, nil
}

// Lookup returns a copy of the record of appID
func (r *Registry) Lookup(appID string) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[appID]
	if !ok {
		return ClientRecord{}, false
	}
	return *c, true
}

// RecordDelivery notes a confirmation delivered to appID. It reports false
// when no record exists.
func (r *Registry) RecordDelivery(appID, surfaceUUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[appID]
	if !ok {
		return false
	}
	c.Deliveries++
	c.LastSurface = surfaceUUID
	c.LastDelivery = time.Now()
	return true
}

// List returns copies of every record ordered by identity
func (r *Registry) List() []ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ClientRecord, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
