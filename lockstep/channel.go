package lockstep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultRetryInterval is the pause between two send attempts on a
	// channel that signalled ErrWouldBlock.
	DefaultRetryInterval = 50 * time.Millisecond

	// replySuffix is appended to a round name to form its reply topic.
	replySuffix = "-reply"
)

var (
	// ErrWouldBlock is returned by a MessageChannel that can not accept a
	// message right now. Sends are retried until their timeout.
	ErrWouldBlock = errors.New("send would block")

	// ErrBusy is returned when a second receive is started on a topic
	// that already has an outstanding expectation.
	ErrBusy = errors.New("topic already has a pending receive")

	// ErrTimeout is returned when a step did not complete in time.
	ErrTimeout = errors.New("lockstep timeout")

	// ErrClosed is returned after the channel was closed.
	ErrClosed = errors.New("channel closed")
)

// MessageChannel delivers opaque payloads between two swap parties.
type MessageChannel interface {
	// Send delivers payload to peer under topic.
	Send(ctx context.Context, peer, topic string, payload []byte) error

	// Receive blocks until a message under topic that satisfies pred
	// arrives. A nil pred accepts any message.
	Receive(ctx context.Context, topic string,
		pred func([]byte) bool) ([]byte, error)

	// Close releases the channel.
	Close() error
}

// VerifyFunc checks a received payload and records its contents.
type VerifyFunc func(payload []byte) error

// PayloadFunc builds a payload to send.
type PayloadFunc func() ([]byte, error)

// Channel drives the half duplex message rounds of one swap session over a
// MessageChannel.
type Channel struct {
	mc      MessageChannel
	peer    string
	session string

	// RetryInterval is the pause between send attempts.
	RetryInterval time.Duration

	mu      sync.Mutex
	waiting map[string]struct{}
	closed  bool
}

// New creates a channel to peer for the swap session identified by
// session.
func New(mc MessageChannel, peer, session string) *Channel {
	return &Channel{
		mc:            mc,
		peer:          peer,
		session:       session,
		RetryInterval: DefaultRetryInterval,
		waiting:       make(map[string]struct{}),
	}
}

// Topic returns the topic of round in this session.
func (c *Channel) Topic(round string) string {
	return fmt.Sprintf("%s@%s", round, c.session)
}

// ReplyTopic returns the topic the answer to round is sent on.
func (c *Channel) ReplyTopic(round string) string {
	return c.Topic(round + replySuffix)
}

// expect marks topic as having an outstanding receive.
func (c *Channel) expect(topic string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.waiting[topic]; ok {
		return nil, fmt.Errorf("%w: %v", ErrBusy, topic)
	}
	c.waiting[topic] = struct{}{}

	return func() {
		c.mu.Lock()
		delete(c.waiting, topic)
		c.mu.Unlock()
	}, nil
}

// ReceiveThenVerify waits up to timeout for a message on topic and passes
// it to verify.
func (c *Channel) ReceiveThenVerify(ctx context.Context, topic string,
	timeout time.Duration, verify VerifyFunc) error {

	done, err := c.expect(topic)
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Tracef("Waiting for %v", topic)

	payload, err := c.mc.Receive(ctx, topic, nil)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: receive %v after %v", ErrTimeout, topic,
			timeout)

	case err != nil:
		return fmt.Errorf("receive %v: %w", topic, err)
	}

	log.Tracef("Received %d bytes on %v", len(payload), topic)

	return verify(payload)
}

// Send delivers payload on topic. While the message channel reports
// ErrWouldBlock the send is retried until timeout.
func (c *Channel) Send(ctx context.Context, topic string,
	timeout time.Duration, payload []byte) error {

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var retry ticker.Ticker
	for {
		err := c.mc.Send(ctx, c.peer, topic, payload)
		if !errors.Is(err, ErrWouldBlock) {
			if retry != nil {
				retry.Stop()
			}
			if err != nil {
				return fmt.Errorf("send %v: %w", topic, err)
			}

			log.Tracef("Sent %d bytes on %v", len(payload), topic)

			return nil
		}

		if retry == nil {
			retry = ticker.New(c.RetryInterval)
			retry.Resume()
		}

		select {
		case <-retry.Ticks():

		case <-ctx.Done():
			retry.Stop()

			return fmt.Errorf("%w: send %v after %v", ErrTimeout,
				topic, timeout)
		}
	}
}

// SendThenWait sends payload on topic and then waits for the counterpart's
// answer on replyTopic.
func (c *Channel) SendThenWait(ctx context.Context, topic,
	replyTopic string, timeout time.Duration, payload []byte,
	verify VerifyFunc) error {

	if err := c.Send(ctx, topic, timeout, payload); err != nil {
		return err
	}

	return c.ReceiveThenVerify(ctx, replyTopic, timeout, verify)
}

// WaitThenSend waits for the counterpart's message on topicIn, verifies it
// and only then builds and sends the answer on topicOut.
func (c *Channel) WaitThenSend(ctx context.Context, topicIn,
	topicOut string, timeout time.Duration, payloadFn PayloadFunc,
	verify VerifyFunc) error {

	if err := c.ReceiveThenVerify(ctx, topicIn, timeout, verify); err != nil {
		return err
	}

	payload, err := payloadFn()
	if err != nil {
		return err
	}

	return c.Send(ctx, topicOut, timeout, payload)
}

// Close closes the channel and the underlying message channel. It is safe
// to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.mc.Close()
}
