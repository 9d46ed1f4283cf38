package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// Presence is one user's active relay channel.
type Presence struct {
	UserID     domain.UserID
	ChannelRef domain.ChannelRef
	InstanceID string
}

// Directory maps users to their single active channel.
type Directory interface {
	// Register records channel as the user's active one and returns the
	// presence it superseded, if any.
	Register(ctx context.Context, p Presence) (*Presence, error)
	// Unregister removes the entry only if it still points at ref.
	Unregister(ctx context.Context, userID domain.UserID, ref domain.ChannelRef) error
	Lookup(ctx context.Context, userID domain.UserID) (*Presence, error)
	LookupChannel(ctx context.Context, ref domain.ChannelRef) (*Presence, error)
}

// Envelope is a routed message addressed to a channel on some instance.
type Envelope struct {
	TargetChannel domain.ChannelRef    `json:"targetChannel"`
	Message       domain.SignalMessage `json:"message"`
}

// Bus delivers envelopes between relay instances.
type Bus interface {
	Publish(ctx context.Context, instanceID string, env Envelope) error
	Subscribe(ctx context.Context, instanceID string, deliver func(Envelope)) error
}
