package mqrpc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Exchange kinds understood by MemoryTransport.
const (
	ExchangeDirect = "direct"
	ExchangeTopic  = "topic"
	ExchangeFanout = "fanout"
)

// memoryUnboundedPrefetch caps consumers that asked for no prefetch limit.
const memoryUnboundedPrefetch = 1024

// MemoryTransport is an in-process broker with AMQP routing semantics: a
// default exchange addressing queues by name, named direct, topic and fanout
// exchanges, per-consumer prefetch, redelivery of unacknowledged messages
// when a session closes, and auto-deleting anonymous queues.
type MemoryTransport struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*memQueue
	bindings  []memBinding
	sessions  map[*memSession]struct{}
}

type memBinding struct {
	exchange string
	pattern  string
	queue    string
}

type memQueue struct {
	name       string
	autoDelete bool
	ready      []*memMessage
	consumers  []*memConsumer
	next       int
}

type memMessage struct {
	msg         Message
	redelivered bool
}

type memInflight struct {
	queue    *memQueue
	consumer *memConsumer
	message  *memMessage
}

// NewMemoryTransport returns a broker with the standard amq.* exchanges
// declared.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		exchanges: map[string]string{
			"":           ExchangeDirect,
			"amq.direct": ExchangeDirect,
			"amq.topic":  ExchangeTopic,
			"amq.fanout": ExchangeFanout,
		},
		queues:   make(map[string]*memQueue),
		sessions: make(map[*memSession]struct{}),
	}
}

func (t *MemoryTransport) String() string {
	return "memory"
}

// Dial opens a new session. Credentials are not checked beyond presence.
func (t *MemoryTransport) Dial(ctx context.Context, creds Credentials) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	s := &memSession{
		broker:   t,
		unacked:  make(map[uint64]*memInflight),
		prefetch: 0,
	}
	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
	return s, nil
}

// DeclareExchange declares an exchange of the given kind. Publishing to an
// undeclared exchange routes it as a topic exchange.
func (t *MemoryTransport) DeclareExchange(name, kind string) error {
	switch kind {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout:
	default:
		return fmt.Errorf("mqrpc: unknown exchange kind %q", kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if name == "" {
		return fmt.Errorf("mqrpc: the default exchange cannot be redeclared")
	}
	t.exchanges[name] = kind
	return nil
}

// Disconnect drops every open session, as a broker restart would.
func (t *MemoryTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.sessions {
		t.closeSessionLocked(s)
	}
}

// QueueStats reports the ready and unacknowledged message counts of a queue.
func (t *MemoryTransport) QueueStats(name string) (ready, unacked int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[name]
	if !ok {
		return 0, 0, false
	}
	for s := range t.sessions {
		for _, in := range s.unacked {
			if in.queue == q {
				unacked++
			}
		}
	}
	return len(q.ready), unacked, true
}

// Queues lists the names of all declared queues.
func (t *MemoryTransport) Queues() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.queues))
	for name := range t.queues {
		names = append(names, name)
	}
	return names
}

func (t *MemoryTransport) route(exchange, routingKey string) []*memQueue {
	if exchange == "" {
		if q, ok := t.queues[routingKey]; ok {
			return []*memQueue{q}
		}
		return nil
	}

	kind, ok := t.exchanges[exchange]
	if !ok {
		kind = ExchangeTopic
	}
	seen := make(map[string]bool)
	var out []*memQueue
	for _, b := range t.bindings {
		if b.exchange != exchange || seen[b.queue] {
			continue
		}
		var match bool
		switch kind {
		case ExchangeFanout:
			match = true
		case ExchangeDirect:
			match = b.pattern == routingKey
		default:
			match = MatchTopic(b.pattern, routingKey)
		}
		if !match {
			continue
		}
		if q, ok := t.queues[b.queue]; ok {
			seen[b.queue] = true
			out = append(out, q)
		}
	}
	return out
}

// pumpLocked hands ready messages to consumers with spare prefetch capacity,
// round-robin.
func (t *MemoryTransport) pumpLocked(q *memQueue) {
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]

		s := c.session
		s.tag++
		s.unacked[s.tag] = &memInflight{queue: q, consumer: c, message: m}
		c.inflight++
		c.out <- &Delivery{
			Queue:       q.name,
			Tag:         s.tag,
			Body:        m.msg.Body,
			Properties:  m.msg.Properties,
			Redelivered: m.redelivered,
		}
	}
}

func (q *memQueue) nextConsumer() *memConsumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.inflight < c.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (t *MemoryTransport) removeConsumerLocked(c *memConsumer) {
	if c.cancelled {
		return
	}
	c.cancelled = true
	close(c.out)

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	if q.autoDelete && len(q.consumers) == 0 {
		t.deleteQueueLocked(q)
	}
}

func (t *MemoryTransport) deleteQueueLocked(q *memQueue) {
	delete(t.queues, q.name)
	kept := t.bindings[:0]
	for _, b := range t.bindings {
		if b.queue != q.name {
			kept = append(kept, b)
		}
	}
	t.bindings = kept
}

func (t *MemoryTransport) closeSessionLocked(s *memSession) {
	if s.closed {
		return
	}
	s.closed = true
	delete(t.sessions, s)

	// requeue in delivery order, ahead of anything published since
	tags := make([]uint64, 0, len(s.unacked))
	for tag := range s.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	touched := make(map[*memQueue]bool)
	requeued := make(map[*memQueue][]*memMessage)
	for _, tag := range tags {
		in := s.unacked[tag]
		delete(s.unacked, tag)
		if _, alive := t.queues[in.queue.name]; !alive {
			continue
		}
		in.message.redelivered = true
		requeued[in.queue] = append(requeued[in.queue], in.message)
		touched[in.queue] = true
	}
	for q, msgs := range requeued {
		q.ready = append(msgs, q.ready...)
	}
	for _, c := range s.consumers {
		t.removeConsumerLocked(c)
	}
	s.consumers = nil
	for q := range touched {
		if _, alive := t.queues[q.name]; alive {
			t.pumpLocked(q)
		}
	}
}

type memSession struct {
	broker *MemoryTransport

	// guarded by broker.mu
	closed    bool
	tag       uint64
	prefetch  int
	unacked   map[uint64]*memInflight
	consumers []*memConsumer
}

func (s *memSession) DeclareQueue(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	autoDelete := false
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
		autoDelete = true
	}
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = &memQueue{name: name, autoDelete: autoDelete}
	}
	return name, nil
}

func (s *memSession) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if exchange == "" {
		return fmt.Errorf("mqrpc: binding to the default exchange is not allowed")
	}
	if _, ok := t.queues[queue]; !ok {
		return fmt.Errorf("mqrpc: queue %q not found", queue)
	}
	if _, ok := t.exchanges[exchange]; !ok {
		t.exchanges[exchange] = ExchangeTopic
	}
	for _, b := range t.bindings {
		if b.exchange == exchange && b.pattern == routingKey && b.queue == queue {
			return nil
		}
	}
	t.bindings = append(t.bindings, memBinding{exchange: exchange, pattern: routingKey, queue: queue})
	return nil
}

func (s *memSession) Publish(ctx context.Context, exchange, routingKey string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	for _, q := range t.route(exchange, routingKey) {
		q.ready = append(q.ready, &memMessage{msg: cloneMessage(msg)})
		t.pumpLocked(q)
	}
	return nil
}

func (s *memSession) Consume(ctx context.Context, queue string) (Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	q, ok := t.queues[queue]
	if !ok {
		return nil, fmt.Errorf("mqrpc: queue %q not found", queue)
	}

	prefetch := s.prefetch
	if prefetch <= 0 {
		prefetch = memoryUnboundedPrefetch
	}
	c := &memConsumer{
		session:  s,
		queue:    q,
		prefetch: prefetch,
		out:      make(chan *Delivery, prefetch),
	}
	q.consumers = append(q.consumers, c)
	s.consumers = append(s.consumers, c)
	t.pumpLocked(q)
	return c, nil
}

func (s *memSession) Ack(tag uint64) error {
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	in, ok := s.unacked[tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, tag)
	}
	delete(s.unacked, tag)
	in.consumer.inflight--
	if !in.consumer.cancelled {
		t.pumpLocked(in.queue)
	}
	return nil
}

// Nack settles tag without acknowledging it. With requeue the message goes
// back to the head of its queue marked as redelivered.
func (s *memSession) Nack(tag uint64, requeue bool) error {
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	in, ok := s.unacked[tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, tag)
	}
	delete(s.unacked, tag)
	in.consumer.inflight--

	if _, alive := t.queues[in.queue.name]; !alive {
		return nil
	}
	if requeue {
		in.message.redelivered = true
		in.queue.ready = append([]*memMessage{in.message}, in.queue.ready...)
	}
	t.pumpLocked(in.queue)
	return nil
}

func (s *memSession) SetPrefetch(count int) error {
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.prefetch = count
	return nil
}

func (s *memSession) Close() error {
	t := s.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeSessionLocked(s)
	return nil
}

type memConsumer struct {
	session  *memSession
	queue    *memQueue
	prefetch int
	out      chan *Delivery

	// guarded by broker.mu
	inflight  int
	cancelled bool
}

func (c *memConsumer) Deliveries() <-chan *Delivery {
	return c.out
}

func (c *memConsumer) Cancel() error {
	t := c.session.broker
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.session.closed {
		return ErrSessionClosed
	}
	t.removeConsumerLocked(c)
	for i, other := range c.session.consumers {
		if other == c {
			c.session.consumers = append(c.session.consumers[:i], c.session.consumers[i+1:]...)
			break
		}
	}
	return nil
}

func cloneMessage(m *Message) Message {
	out := Message{
		Body:       append([]byte(nil), m.Body...),
		Properties: m.Properties,
	}
	if m.Properties.Headers != nil {
		out.Properties.Headers = make(map[string]string, len(m.Properties.Headers))
		for k, v := range m.Properties.Headers {
			out.Properties.Headers[k] = v
		}
	}
	return out
}

// MatchTopic reports whether routingKey matches an AMQP topic binding
// pattern. Words are separated by dots; "*" matches exactly one word and
// "#" matches zero or more.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && key[0] == pattern[0] && matchWords(pattern[1:], key[1:])
	}
}
