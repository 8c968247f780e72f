package channel

import (
	"context"
	"errors"
)

var (
	// ErrChannelUnavailable means the transport cannot accept sends right
	// now (e.g. the WhatsApp session is not connected). Retrying later or
	// on another channel may succeed.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrDeliveryFailed means the provider rejected the send or timed out.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Channel delivers a rendered message to a destination address. All
// implementations bound their network calls with the caller's context plus
// an internal timeout; a hung provider surfaces as ErrDeliveryFailed.
type Channel interface {
	Name() string
	Send(ctx context.Context, destination, body string) error
}
