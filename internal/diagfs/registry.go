// Package diagfs exports a read-only FUSE filesystem over a channel
// registry's diagnostic accessors (SPEC_FULL.md's DOMAIN STACK entry for
// `github.com/hanwen/go-fuse/v2`): one directory per channel, carrying
// `status`, `gap_report`, `seqlog`, and `rtp_stats` files generated fresh
// from the channel's existing get_status/get_gap_report/get_seqlogs/
// get_rtp_stats accessors on every read. Built the way the teacher's
// internal/vodfs exposes its catalog: one fs.InodeEmbedder per logical
// entity, backed by a name index rather than the filesystem owning any
// state of its own.
package diagfs

import (
	"sync"

	"github.com/wmanley/vqec-dp/internal/channel"
)

// Registry is the set of live channels diagfs exposes, kept in sync by
// whatever owns channel lifecycle (the demo harness, in this module).
type Registry struct {
	mu       sync.Mutex
	channels map[uint32]*channel.Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[uint32]*channel.Channel)}
}

// Add registers c under its own ID, replacing any previous entry with the
// same ID.
func (r *Registry) Add(c *channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID()] = c
}

// Remove forgets the channel with the given ID, if present.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
}

// Get returns the channel with the given ID, if registered.
func (r *Registry) Get(id uint32) (*channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	return c, ok
}

// IDs returns every currently registered channel ID, in no particular
// order.
func (r *Registry) IDs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	return out
}
