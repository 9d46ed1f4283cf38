package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// Signaler sends envelopes over the relay channel.
type Signaler interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
}

// SignalHandler consumes inbound relay traffic. Implementations must not
// block for long; the read loop waits on them.
type SignalHandler interface {
	HandleSignal(msg domain.SignalMessage)
	HandleDisconnect(err error)
}
