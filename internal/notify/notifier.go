package notify

import (
	"context"
	"errors"
)

// Sender delivers one message to an operator channel.
type Sender interface {
	Send(ctx context.Context, title, body string) error
}

// Multi fans a message out to several senders. A Dispatcher delivers to each
// of them separately; Send is for callers without retries.
type Multi struct {
	senders []Sender
}

func NewMulti(senders ...Sender) *Multi {
	return &Multi{senders: senders}
}

// Send tries every sender and joins their errors.
func (m *Multi) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many senders are configured.
func (m *Multi) Len() int {
	return len(m.senders)
}

// NoOp does nothing.
type NoOp struct{}

func (NoOp) Send(ctx context.Context, title, body string) error {
	return nil
}
