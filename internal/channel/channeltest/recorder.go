// Package channeltest provides an in-memory delivery channel for tests.
package channeltest

import (
	"context"
	"sync"

	"otp-service/internal/channel"
)

var _ channel.Channel = (*Recorder)(nil)

// SentMessage is one recorded Send call.
type SentMessage struct {
	Destination string
	Body        string
}

// Recorder implements channel.Channel by recording every send. Setting Err
// makes subsequent sends fail with that error.
type Recorder struct {
	ChannelName string
	Err         error

	mu   sync.Mutex
	sent []SentMessage
}

func NewRecorder(name string) *Recorder {
	return &Recorder{ChannelName: name}
}

func (r *Recorder) Name() string {
	if r.ChannelName == "" {
		return "recorder"
	}
	return r.ChannelName
}

func (r *Recorder) Send(ctx context.Context, destination, body string) error {
	if r.Err != nil {
		return r.Err
	}

	r.mu.Lock()
	r.sent = append(r.sent, SentMessage{Destination: destination, Body: body})
	r.mu.Unlock()
	return nil
}

// Sent returns a copy of all recorded messages.
func (r *Recorder) Sent() []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SentMessage, len(r.sent))
	copy(out, r.sent)
	return out
}
