package channel

import (
	"fmt"
	"sync"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/value"
)

// Registry maps channel URIs to rings and owns their lifecycle.
type Registry struct {
	mu    sync.RWMutex
	rings map[string]*Ring
	seq   map[uint64]uint64 // per-owner URI counter, deterministic
	blobs *blob.Table
}

// NewRegistry creates an empty channel registry backed by the blob table.
func NewRegistry(blobs *blob.Table) *Registry {
	return &Registry{
		rings: make(map[string]*Ring),
		seq:   make(map[uint64]uint64),
		blobs: blobs,
	}
}

// Create allocates a ring per the definition, bills the owner's account
// for capacity × msg_size, and returns the ring with its generated URI.
func (reg *Registry) Create(owner uint64, def abi.ChannelDefinition, acct *blob.Account) (*Ring, error) {
	if def.Capacity == 0 || def.MsgSize == 0 {
		return nil, fmt.Errorf("channel: %w: capacity and msg_size must be positive", abi.ErrInvalid)
	}
	if def.SchemaURI != "" {
		if err := abi.ValidateURI(def.SchemaURI); err != nil {
			return nil, err
		}
	}
	budget := uint64(def.Capacity) * uint64(def.MsgSize)
	if err := acct.Reserve(budget); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.seq[owner]++
	uri := fmt.Sprintf("%s%d/%d", abi.NamespaceChannel, owner, reg.seq[owner])

	r := &Ring{
		uri:     uri,
		schema:  def.SchemaURI,
		root:    value.Tag(def.RootType),
		typed:   def.SchemaURI != "",
		dir:     def.Direction,
		owner:   owner,
		msgSize: def.MsgSize,
		cap:     def.Capacity,
		slots:   make([]Message, def.Capacity),
		blobs:   reg.blobs,
		acct:    acct,
	}
	reg.rings[uri] = r
	return r, nil
}

// Get looks up a ring by its exact URI.
func (reg *Registry) Get(uri string) (*Ring, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rings[uri]
	return r, ok
}

// Destroy tears a channel down: pending blob references are released,
// blocked readers wake with ERR_NOT_FOUND, and the ring budget is
// credited back to the owner.
func (reg *Registry) Destroy(uri string) error {
	reg.mu.Lock()
	r, ok := reg.rings[uri]
	if ok {
		delete(reg.rings, uri)
	}
	reg.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s: %w", uri, abi.ErrNotFound)
	}
	r.destroy()
	r.acct.Credit(r.Budget())
	return nil
}

// DestroyOwned tears down every channel owned by pid. Called during
// process termination. Returns the destroyed URIs.
func (reg *Registry) DestroyOwned(pid uint64) []string {
	reg.mu.Lock()
	var doomed []*Ring
	for uri, r := range reg.rings {
		if r.owner == pid {
			doomed = append(doomed, r)
			delete(reg.rings, uri)
		}
	}
	reg.mu.Unlock()

	uris := make([]string, 0, len(doomed))
	for _, r := range doomed {
		r.destroy()
		r.acct.Credit(r.Budget())
		uris = append(uris, r.uri)
	}
	return uris
}
