package memory

import (
	"context"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
)

// MemoryPresenceDirectory keeps presence for a single relay instance.
type MemoryPresenceDirectory struct {
	byUser    map[domain.UserID]ports.Presence
	byChannel map[domain.ChannelRef]ports.Presence
	mu        sync.RWMutex
}

func NewMemoryPresenceDirectory() ports.Directory {
	return &MemoryPresenceDirectory{
		byUser:    make(map[domain.UserID]ports.Presence),
		byChannel: make(map[domain.ChannelRef]ports.Presence),
	}
}

func (r *MemoryPresenceDirectory) Register(ctx context.Context, p ports.Presence) (*ports.Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var superseded *ports.Presence
	if old, exists := r.byUser[p.UserID]; exists && old.ChannelRef != p.ChannelRef {
		superseded = &old
	}
	r.byUser[p.UserID] = p
	r.byChannel[p.ChannelRef] = p
	return superseded, nil
}

func (r *MemoryPresenceDirectory) Unregister(ctx context.Context, userID domain.UserID, ref domain.ChannelRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byChannel, ref)
	if current, exists := r.byUser[userID]; exists && current.ChannelRef == ref {
		delete(r.byUser, userID)
	}
	return nil
}

func (r *MemoryPresenceDirectory) Lookup(ctx context.Context, userID domain.UserID) (*ports.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.byUser[userID]
	if !exists {
		return nil, domain.ErrUserOffline
	}
	return &p, nil
}

func (r *MemoryPresenceDirectory) LookupChannel(ctx context.Context, ref domain.ChannelRef) (*ports.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.byChannel[ref]
	if !exists {
		return nil, domain.ErrUserOffline
	}
	return &p, nil
}
