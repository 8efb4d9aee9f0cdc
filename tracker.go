package mqrpc

import (
	"context"
	"sync"
)

type trackerKey struct{}

type trackedOption struct {
	key  any
	name string
	used bool
}

type optionTracker struct {
	mu      sync.Mutex
	options []*trackedOption
}

func (t *optionTracker) add(key any, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.options = append(t.options, &trackedOption{key: key, name: name})
}

func (t *optionTracker) markUsed(key any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.options {
		if o.key == key {
			o.used = true
		}
	}
}

func (t *optionTracker) unused() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for _, o := range t.options {
		if !o.used {
			names = append(names, o.name)
		}
	}
	return names
}

// TrackOptions attaches an option tracker to ctx unless one is present.
func TrackOptions(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(trackerKey{}).(*optionTracker); ok {
		return ctx
	}
	return context.WithValue(ctx, trackerKey{}, &optionTracker{})
}

// WithTrackedValue stores a transport-specific option value in ctx and
// remembers its name so WarnUnconsumed can report options nobody read.
func WithTrackedValue(ctx context.Context, key, val any, name string) context.Context {
	ctx = TrackOptions(ctx)
	ctx.Value(trackerKey{}).(*optionTracker).add(key, name)
	return context.WithValue(ctx, key, val)
}

// GetTrackedValue reads an option value and marks it consumed.
func GetTrackedValue(ctx context.Context, key any) any {
	if ctx == nil {
		return nil
	}
	v := ctx.Value(key)
	if v == nil {
		return nil
	}
	if t, ok := ctx.Value(trackerKey{}).(*optionTracker); ok {
		t.markUsed(key)
	}
	return v
}

// WarnUnconsumed logs every tracked option that was set but never read.
func WarnUnconsumed(ctx context.Context, logger Logger) {
	if ctx == nil || logger == nil {
		return
	}
	t, ok := ctx.Value(trackerKey{}).(*optionTracker)
	if !ok {
		return
	}
	for _, name := range t.unused() {
		logger.Logf("mqrpc: option %s was set but not used by this transport", name)
	}
}
