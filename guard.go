package mqrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FaultPolicy decides what the fault guard does once a transport fault has
// been logged.
type FaultPolicy int

const (
	// SwallowAndReconnect replaces the session and reports success with a
	// zero result.
	SwallowAndReconnect FaultPolicy = iota
	// Propagate returns the fault and leaves the session alone, unless a
	// failed delivery could not be requeued on it.
	Propagate
	// PropagateAfterReconnect replaces the session and returns the fault.
	PropagateAfterReconnect
)

func (p FaultPolicy) String() string {
	switch p {
	case SwallowAndReconnect:
		return "swallow"
	case Propagate:
		return "propagate"
	case PropagateAfterReconnect:
		return "propagate-after-reconnect"
	default:
		return fmt.Sprintf("FaultPolicy(%d)", int(p))
	}
}

// ParseFaultPolicy accepts the names produced by FaultPolicy.String.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "swallow":
		return SwallowAndReconnect, nil
	case "propagate":
		return Propagate, nil
	case "propagate-after-reconnect":
		return PropagateAfterReconnect, nil
	}
	return 0, fmt.Errorf("%w: unknown fault policy %q", ErrConfiguration, s)
}

// guard runs fn against the live session. Failures that are not caller
// errors become a *TransportFault that is logged, counted and handled
// according to the configured policy.
func (c *Client) guard(ctx context.Context, op, resource string, fn func(ctx context.Context, s Session) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	h, err := c.conn.current(ctx)
	if err != nil {
		if isCallerError(ctx, err) {
			return err
		}
		// the failed lazy dial already was the reconnect attempt
		return c.fault(ctx, op, resource, 0, err, false)
	}

	err = fn(ctx, h.session)
	if err == nil || isCallerError(ctx, err) {
		return err
	}
	return c.fault(ctx, op, resource, h.generation, err, true)
}

func (c *Client) fault(ctx context.Context, op, resource string, generation uint64, cause error, reconnect bool) error {
	f := &TransportFault{
		Op:         op,
		Resource:   resource,
		Transport:  c.transport.String(),
		Generation: generation,
		Err:        cause,
	}

	fields := []any{
		"op", op,
		"resource", resource,
		"transport", f.Transport,
		"generation", generation,
		"policy", c.opts.FaultPolicy.String(),
		"error", cause.Error(),
		"cause", rootCause(cause).Error(),
	}
	var he *HandlerError
	handlerFailed := errors.As(cause, &he)
	if handlerFailed && len(he.Stack) > 0 {
		fields = append(fields, "stack", string(he.Stack))
	}
	logError(c.logger, "mqrpc: transport fault", fields...)

	span := trace.SpanFromContext(ctx)
	span.RecordError(f)
	span.SetStatus(codes.Error, f.Error())
	c.tel.fault(ctx, op)

	// An unsettled delivery is only released by closing its session, so a
	// handler failure that could not be requeued retires it under any policy.
	retire := c.opts.FaultPolicy != Propagate || handlerFailed && !he.Requeued
	if reconnect && retire {
		c.reconnect(ctx, generation)
	}
	if c.opts.FaultPolicy == SwallowAndReconnect {
		return nil
	}
	return f
}

func (c *Client) reconnect(ctx context.Context, stale uint64) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	dialed, err := c.conn.reconnect(ctx, stale)
	if !dialed {
		return
	}
	c.observeOperation("reconnect", c.transport.String(), "", start, err, 0)
	if err != nil {
		logError(c.logger, "mqrpc: reconnect failed",
			"transport", c.transport.String(),
			"stale_generation", stale,
			"error", err.Error(),
		)
		return
	}
	c.tel.reconnected(ctx)
	logInfo(c.logger, "mqrpc: reconnected",
		"transport", c.transport.String(),
		"stale_generation", stale,
		"generation", c.conn.Generation(),
	)
}

// rootCause returns the innermost error of a single-wrap chain.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// isCallerError reports errors that originate with the caller rather than
// the broker. They bypass the guard.
func isCallerError(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, ErrFetchTimeout),
		errors.Is(err, ErrClientClosed),
		errors.Is(err, ErrConfiguration):
		return true
	case ctx.Err() != nil:
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	return false
}
