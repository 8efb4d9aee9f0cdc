package mqrpc

import (
	"time"
)

// OperationContext describes one completed client operation.
type OperationContext struct {
	Component   string
	Operation   string
	Resource    string
	SubResource string
	Duration    time.Duration
	Error       error
	Size        int64
	Metadata    map[string]string
}

// Observer receives a notification after every client operation. It must be
// safe for concurrent use and must not block.
type Observer interface {
	ObserveOperation(ctx OperationContext)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(OperationContext)

func (f ObserverFunc) ObserveOperation(ctx OperationContext) {
	f(ctx)
}

// observeOperation notifies the observer about an operation if one is configured.
func (c *Client) observeOperation(operation, resource, subResource string, start time.Time, err error, size int64) {
	if c.opts.Observer == nil {
		return
	}
	c.opts.Observer.ObserveOperation(OperationContext{
		Component:   c.transport.String(),
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    time.Since(start),
		Error:       err,
		Size:        size,
	})
}
