package peer

import (
	"sync"

	"github.com/btcsuite/btclog"
)

// log is this package's subsystem logger; set via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by the peer package.
func UseLogger(l btclog.Logger) {
	log = l
}

// Store is the persistence contract the registry uses to keep a peer's row
// in sync with its in-memory lifetime (spec §4.1 `maybe_delete`, §6.6).
type Store interface {
	DeletePeer(nodeKey [33]byte) error
}

// Registry is the authoritative in-memory index of peers (spec §4.1).
// Insertion order is preserved for `listpeers`' "sorted as stored"
// requirement; lookups by key or DB id go through maps.
type Registry struct {
	mu      sync.RWMutex
	byOrder []*Peer
	byKey   map[[33]byte]*Peer
	byDBID  map[uint64]*Peer
	store   Store
}

// NewRegistry creates an empty registry backed by store for row deletion.
func NewRegistry(store Store) *Registry {
	return &Registry{
		byKey:  make(map[[33]byte]*Peer),
		byDBID: make(map[uint64]*Peer),
		store:  store,
	}
}

// FindByID implements spec §4.1 `find_by_id`.
func (r *Registry) FindByID(nodeKey [33]byte) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[nodeKey]
}

// FindByDBID implements spec §4.1 `find_by_db_id`.
func (r *Registry) FindByDBID(id uint64) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byDBID[id]
}

// Insert implements spec §4.1 `insert`: creates a peer with an empty
// channel set, or returns the existing one if already present.
func (r *Registry) Insert(nodeKey [33]byte, addr string, mirror btclog.Logger) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byKey[nodeKey]; ok {
		return p
	}

	p := newPeer(nodeKey, addr, mirror)
	r.byKey[nodeKey] = p
	r.byOrder = append(r.byOrder, p)
	return p
}

// AttachDBID records the persistent row id once a peer has been saved, so
// FindByDBID can find it.
func (r *Registry) AttachDBID(p *Peer, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.DBID = id
	r.byDBID[id] = p
}

// MaybeDelete implements spec §4.1 `maybe_delete`: if p has no channels and
// no uncommitted channel, remove it from the registry and drop its
// persistent row, if any. This must be called at every point where a
// channel or uncommitted channel vanishes (spec invariant #1).
func (r *Registry) MaybeDelete(p *Peer) {
	if !p.HasNoChannels() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byKey, p.NodeKey)
	if p.DBID != 0 {
		delete(r.byDBID, p.DBID)
		if r.store != nil {
			if err := r.store.DeletePeer(p.NodeKey); err != nil {
				log.Errorf("unable to delete peer row for %x: %v",
					p.NodeKey, err)
			}
		}
	}

	for i, cand := range r.byOrder {
		if cand == p {
			r.byOrder = append(r.byOrder[:i], r.byOrder[i+1:]...)
			break
		}
	}
}

// UpdateFeatures implements spec §4.1 `update_features`: replaces both
// feature vectors atomically. Features are ephemeral and never persisted.
func (r *Registry) UpdateFeatures(p *Peer, global, local []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.GlobalFeatures = global
	p.LocalFeatures = local
}

// All returns every peer in insertion order, for `listpeers` (spec §4.9).
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, len(r.byOrder))
	copy(out, r.byOrder)
	return out
}
