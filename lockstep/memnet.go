package lockstep

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// mailboxSize is the buffer of an endpoint's inbound queue before it
// overflows into the queue's internal list.
const mailboxSize = 20

// DropFilter decides whether a message is dropped in transit.
type DropFilter func(from, to, topic string) bool

// DropTopic returns a filter that drops every message whose topic starts
// with prefix.
func DropTopic(prefix string) DropFilter {
	return func(_, _, topic string) bool {
		return strings.HasPrefix(topic, prefix)
	}
}

// message is one payload in transit.
type message struct {
	topic   string
	payload []byte
}

// MemNetwork connects in-process endpoints. It supports dropping messages
// and making sends block to exercise the retry and timeout paths.
type MemNetwork struct {
	mu         sync.Mutex
	endpoints  map[string]*MemEndpoint
	filter     DropFilter
	blockSends int
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		endpoints: make(map[string]*MemEndpoint),
	}
}

// SetFilter installs a drop filter. A nil filter delivers everything.
func (n *MemNetwork) SetFilter(filter DropFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.filter = filter
}

// BlockSends makes the next count sends fail with ErrWouldBlock.
func (n *MemNetwork) BlockSends(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.blockSends = count
}

// Endpoint returns the endpoint registered under name, creating and
// starting it if needed. A closed endpoint is replaced.
func (n *MemNetwork) Endpoint(name string) *MemEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[name]; ok && !ep.isClosed() {
		return ep
	}

	ep := &MemEndpoint{
		name:    name,
		net:     n,
		mailbox: queue.NewConcurrentQueue(mailboxSize),
		notify:  make(chan struct{}),
		quit:    make(chan struct{}),
	}
	ep.mailbox.Start()

	ep.wg.Add(1)
	go ep.dispatch()

	n.endpoints[name] = ep

	return ep
}

// Close closes every endpoint of the network.
func (n *MemNetwork) Close() error {
	n.mu.Lock()
	endpoints := make([]*MemEndpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		endpoints = append(endpoints, ep)
	}
	n.mu.Unlock()

	for _, ep := range endpoints {
		if err := ep.Close(); err != nil {
			return err
		}
	}

	return nil
}

// route delivers a message from one endpoint to another.
func (n *MemNetwork) route(from, to string, msg message) error {
	n.mu.Lock()
	if n.blockSends > 0 {
		n.blockSends--
		n.mu.Unlock()

		return ErrWouldBlock
	}

	filter := n.filter
	dst, ok := n.endpoints[to]
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown peer %v", to)
	}

	if filter != nil && filter(from, to, msg.topic) {
		log.Debugf("Dropping %v from %v to %v", msg.topic, from, to)
		return nil
	}

	return dst.deliver(msg)
}

// MemEndpoint is one party's attachment to a MemNetwork. It implements
// MessageChannel.
type MemEndpoint struct {
	name string
	net  *MemNetwork

	mailbox *queue.ConcurrentQueue

	mu     sync.Mutex
	inbox  []message
	notify chan struct{}
	closed bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile time check to ensure MemEndpoint implements MessageChannel.
var _ MessageChannel = (*MemEndpoint)(nil)

// Name returns the endpoint name.
func (e *MemEndpoint) Name() string {
	return e.name
}

// deliver hands a message to the endpoint's mailbox.
func (e *MemEndpoint) deliver(msg message) error {
	select {
	case e.mailbox.ChanIn() <- msg:
		return nil

	case <-e.quit:
		return ErrClosed
	}
}

// dispatch moves mailbox items into the inbox and wakes up receivers.
func (e *MemEndpoint) dispatch() {
	defer e.wg.Done()

	for {
		select {
		case item, ok := <-e.mailbox.ChanOut():
			if !ok {
				return
			}

			msg := item.(message)

			e.mu.Lock()
			e.inbox = append(e.inbox, msg)
			close(e.notify)
			e.notify = make(chan struct{})
			e.mu.Unlock()

		case <-e.quit:
			return
		}
	}
}

// Send delivers payload to peer under topic.
func (e *MemEndpoint) Send(_ context.Context, peer, topic string,
	payload []byte) error {

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return e.net.route(e.name, peer, message{
		topic:   topic,
		payload: append([]byte(nil), payload...),
	})
}

// Receive blocks until a message on topic that satisfies pred is in the
// inbox. Messages on other topics stay queued.
func (e *MemEndpoint) Receive(ctx context.Context, topic string,
	pred func([]byte) bool) ([]byte, error) {

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, ErrClosed
		}

		for i, msg := range e.inbox {
			if msg.topic != topic {
				continue
			}
			if pred != nil && !pred(msg.payload) {
				continue
			}

			e.inbox = append(e.inbox[:i], e.inbox[i+1:]...)
			e.mu.Unlock()

			return msg.payload, nil
		}

		notify := e.notify
		e.mu.Unlock()

		select {
		case <-notify:

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-e.quit:
			return nil, ErrClosed
		}
	}
}

// Pending returns the number of undelivered messages in the inbox.
func (e *MemEndpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.inbox)
}

func (e *MemEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

// Close stops the endpoint. Messages still queued are discarded.
func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.inbox = nil
	e.mu.Unlock()

	close(e.quit)
	e.wg.Wait()
	e.mailbox.Stop()

	return nil
}
