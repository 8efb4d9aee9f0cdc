package mqrpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// handle is one live session tagged with the generation it was dialed in.
type handle struct {
	session    Session
	generation uint64
}

// ConnectionManager owns the single session slot shared by every operation
// of a Client. The slot is replaced wholesale on reconnect; a session is
// never repaired in place.
type ConnectionManager struct {
	transport Transport
	creds     Credentials
	logger    Logger

	mu         sync.Mutex // serializes dials
	generation uint64     // guarded by mu
	slot       atomic.Pointer[handle]
	closed     atomic.Bool
}

// NewConnectionManager returns a manager with an empty slot.
func NewConnectionManager(t Transport, creds Credentials, logger Logger) *ConnectionManager {
	return &ConnectionManager{
		transport: t,
		creds:     creds,
		logger:    logger,
	}
}

// Connect dials a fresh session and stores it in the slot. Calling it again
// replaces the current session, which is closed in the background.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.dialLocked(ctx)
	return err
}

// Session returns the live session and its generation, dialing first when
// the slot is empty.
func (m *ConnectionManager) Session(ctx context.Context) (Session, uint64, error) {
	h, err := m.current(ctx)
	if err != nil {
		return nil, 0, err
	}
	return h.session, h.generation, nil
}

// Generation reports the generation of the live session, or zero when the
// slot is empty.
func (m *ConnectionManager) Generation() uint64 {
	if h := m.slot.Load(); h != nil {
		return h.generation
	}
	return 0
}

// Close empties the slot and closes the live session. Further dials fail
// with ErrClientClosed.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed.Store(true)
	h := m.slot.Swap(nil)
	if h == nil {
		return nil
	}
	if err := h.session.Close(); err != nil {
		return fmt.Errorf("close session %d: %w", h.generation, err)
	}
	return nil
}

func (m *ConnectionManager) current(ctx context.Context) (*handle, error) {
	if h := m.slot.Load(); h != nil {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h := m.slot.Load(); h != nil {
		return h, nil
	}
	return m.dialLocked(ctx)
}

// reconnect replaces the session only if the slot still holds stale, so a
// burst of failures on one generation yields a single new session. It
// reports whether a dial happened.
func (m *ConnectionManager) reconnect(ctx context.Context, stale uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h := m.slot.Load(); h != nil && h.generation != stale {
		return false, nil
	}
	if _, err := m.dialLocked(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (m *ConnectionManager) dialLocked(ctx context.Context) (*handle, error) {
	if m.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := m.creds.Validate(); err != nil {
		return nil, err
	}

	session, err := m.transport.Dial(ctx, m.creds)
	if err != nil {
		if old := m.slot.Swap(nil); old != nil {
			m.retire(old)
		}
		return nil, fmt.Errorf("dial %s at %s: %w", m.transport, m.creds, err)
	}

	m.generation++
	h := &handle{session: session, generation: m.generation}
	if old := m.slot.Swap(h); old != nil {
		m.retire(old)
	}
	logInfo(m.logger, "mqrpc: connected",
		"transport", m.transport.String(),
		"broker", m.creds.String(),
		"generation", h.generation,
	)
	return h, nil
}

// retire closes a replaced session without blocking the caller. In-flight
// operations on it fail fast.
func (m *ConnectionManager) retire(old *handle) {
	go func() {
		if err := old.session.Close(); err != nil {
			logInfo(m.logger, "mqrpc: closing replaced session failed",
				"generation", old.generation,
				"error", err,
			)
		}
	}()
}
