package section

import (
	"context"
	"io"
)

// Message is a unit of data moving through a pipeline. Ack is invoked by
// the downstream section once the payload is durably handled; it re-enters
// the origin section through its weak channel.
type Message struct {
	Origin  string
	Payload any
	ack     func()
}

// NewMessage builds a message with an optional ack callback.
func NewMessage(origin string, payload any, ack func()) Message {
	return Message{Origin: origin, Payload: payload, ack: ack}
}

// Ack signals the origin that this message has been handled.
func (m Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Stream is the input side of a section. Next blocks until a message is
// available, the stream ends (io.EOF), or ctx is done.
type Stream interface {
	Next(ctx context.Context) (Message, error)
}

// Sink is the output side of a section.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// Section is a single node of a pipeline: source, transform, or
// destination. Start blocks for the section's whole lifetime and returns
// once the section stops, cooperatively (Command Stop) or with an error.
type Section interface {
	Start(ctx context.Context, input Stream, output Sink, ch *SectionChannel) error
}

// ─── Stubs ──────────────────────────────────────────────────────────────────
// The task supervisor wires sections with stub endpoints: an input that
// never yields and an output that discards.

type stubStream struct{}

func (stubStream) Next(ctx context.Context) (Message, error) {
	<-ctx.Done()
	return Message{}, io.EOF
}

// StubStream returns a stream that blocks until ctx is done, then reports
// end-of-stream.
func StubStream() Stream { return stubStream{} }

type stubSink struct{}

func (stubSink) Send(ctx context.Context, msg Message) error {
	msg.Ack()
	return nil
}

// StubSink returns a sink that acknowledges and discards every message.
func StubSink() Sink { return stubSink{} }
