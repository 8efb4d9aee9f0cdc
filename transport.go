package mqrpc

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultExchange is the exchange Publish and Fetch use when none is given.
const DefaultExchange = "amq.topic"

// Transport dials sessions against a concrete broker technology.
type Transport interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
	String() string
}

// Session is one authenticated broker connection plus one logical channel.
// A Session is replaced wholesale on reconnect and never repaired.
type Session interface {
	// DeclareQueue declares a queue and returns its resolved name. An empty
	// name asks the broker for an anonymous, auto-deleting queue.
	DeclareQueue(ctx context.Context, name string) (string, error)
	// BindQueue binds queue to exchange with the given routing key.
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	// Publish sends msg without waiting for any remote consumer.
	Publish(ctx context.Context, exchange, routingKey string, msg *Message) error
	// Consume starts a consumer on queue. Deliveries must be acknowledged
	// with Ack.
	Consume(ctx context.Context, queue string) (Consumer, error)
	// Ack acknowledges the delivery identified by tag.
	Ack(tag uint64) error
	// SetPrefetch limits unacknowledged deliveries per consumer created
	// after the call.
	SetPrefetch(count int) error
	Close() error
}

// Consumer is a running consume loop on one queue.
type Consumer interface {
	// Deliveries is closed when the consumer is cancelled or the session dies.
	Deliveries() <-chan *Delivery
	Cancel() error
}

// CredentialsValidator is implemented by transports that can reject
// malformed credentials before dialing.
type CredentialsValidator interface {
	ValidateCredentials(creds Credentials) error
}

// Nacker is implemented by sessions that can settle a delivery negatively
// without closing. With requeue the message goes back to the head of its
// queue and is redelivered.
type Nacker interface {
	Nack(tag uint64, requeue bool) error
}

// Properties are the envelope properties carried next to a body.
type Properties struct {
	ReplyTo       string
	CorrelationID string
	ContentType   string
	MessageID     string
	Timestamp     time.Time
	Headers       map[string]string
}

// Message is an outgoing unit of work.
type Message struct {
	Body       []byte
	Properties Properties
}

// Delivery is an inbound unit of work. Tag is the single-use handle
// required for acknowledgement.
type Delivery struct {
	Queue       string
	Tag         uint64
	Body        []byte
	Properties  Properties
	Redelivered bool

	acked atomic.Bool
}

// markAcked reports whether this call is the first acknowledgement.
func (d *Delivery) markAcked() bool {
	return d.acked.CompareAndSwap(false, true)
}

// Acked reports whether the delivery has been acknowledged through the
// dispatcher.
func (d *Delivery) Acked() bool {
	return d.acked.Load()
}
