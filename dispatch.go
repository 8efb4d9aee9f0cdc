package mqrpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one delivery. A non-empty reply is sent back to the
// delivery's ReplyTo queue. Returning an error ends Listen without
// acknowledging the delivery, which goes back to its queue.
type Handler interface {
	Handle(ctx context.Context, body []byte, props Properties) ([]byte, error)
}

// HandlerFunc adapts an ordinary function or a bound method to Handler.
type HandlerFunc func(ctx context.Context, body []byte, props Properties) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, body []byte, props Properties) ([]byte, error) {
	return f(ctx, body, props)
}

type dispatcher struct {
	session Session
	queue   string
	handler Handler
	logger  Logger
	tel     *telemetry
}

// run processes deliveries one at a time until ctx is done or the stream
// ends.
func (d *dispatcher) run(ctx context.Context, deliveries <-chan *Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dl, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %q: %w", d.queue, ErrConsumerClosed)
			}
			if err := d.dispatch(ctx, dl); err != nil {
				return err
			}
		}
	}
}

func (d *dispatcher) dispatch(ctx context.Context, dl *Delivery) (err error) {
	if dl.Properties.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(dl.Properties.Headers))
	}
	ctx, span := d.tel.start(ctx, "mqrpc.handle", trace.SpanKindConsumer,
		attribute.String("messaging.destination", d.queue),
		attribute.String("messaging.operation", "process"),
		attribute.String("messaging.message_id", dl.Properties.MessageID),
		attribute.Int("messaging.message.body.size", len(dl.Body)),
		attribute.Bool("messaging.redelivered", dl.Redelivered),
	)
	defer func() { endSpan(span, err) }()

	reply, err := d.invoke(ctx, dl)
	if err != nil {
		return err
	}
	if err := d.ack(dl); err != nil {
		return err
	}
	if len(reply) == 0 {
		return nil
	}

	replyTo := dl.Properties.ReplyTo
	if replyTo == "" {
		logInfo(d.logger, "mqrpc: dropping reply, delivery has no reply_to",
			"queue", d.queue,
			"tag", dl.Tag,
			"reply_bytes", len(reply),
		)
		return nil
	}
	msg := &Message{
		Body: reply,
		Properties: Properties{
			CorrelationID: dl.Properties.CorrelationID,
			Timestamp:     time.Now(),
		},
	}
	if err := d.session.Publish(ctx, "", replyTo, msg); err != nil {
		return fmt.Errorf("reply to %q: %w", replyTo, err)
	}
	return nil
}

func (d *dispatcher) invoke(ctx context.Context, dl *Delivery) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = &HandlerError{
				Queue: d.queue,
				Tag:   dl.Tag,
				Err:   fmt.Errorf("panic: %v", r),
				Stack: debug.Stack(),
			}
		}
	}()

	reply, err = d.handler.Handle(ctx, dl.Body, dl.Properties)
	if err != nil {
		return nil, &HandlerError{Queue: d.queue, Tag: dl.Tag, Err: err}
	}
	return reply, nil
}

// requeue hands the delivery behind a handler failure back to its queue when
// the session supports it. Anything else is left to the fault guard, which
// retires the session.
func (d *dispatcher) requeue(err error) {
	var he *HandlerError
	if !errors.As(err, &he) {
		return
	}
	n, ok := d.session.(Nacker)
	if !ok {
		return
	}
	if nerr := n.Nack(he.Tag, true); nerr != nil {
		logError(d.logger, "mqrpc: requeue failed",
			"queue", d.queue,
			"tag", he.Tag,
			"error", nerr.Error(),
		)
		return
	}
	he.Requeued = true
}

// ack acknowledges dl at most once.
func (d *dispatcher) ack(dl *Delivery) error {
	if !dl.markAcked() {
		return nil
	}
	if err := d.session.Ack(dl.Tag); err != nil {
		return fmt.Errorf("ack %q tag %d: %w", d.queue, dl.Tag, err)
	}
	return nil
}
