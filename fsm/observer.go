package fsm

import (
	"context"
	"sync"
	"time"
)

// CachedObserver records the notifications of a state machine and the
// states it has passed through.
type CachedObserver struct {
	maxElements int

	mu            sync.Mutex
	notifications []Notification
	visited       map[StateType]struct{}
	last          Notification

	// changed is closed and replaced on every notification.
	changed chan struct{}
}

// NewCachedObserver creates an observer that keeps the last maxElements
// notifications.
func NewCachedObserver(maxElements int) *CachedObserver {
	return &CachedObserver{
		maxElements:   maxElements,
		notifications: make([]Notification, 0, maxElements),
		visited:       make(map[StateType]struct{}),
		changed:       make(chan struct{}),
	}
}

// Notify implements the Observer interface.
func (c *CachedObserver) Notify(notification Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.notifications) == c.maxElements {
		c.notifications = c.notifications[1:]
	}
	c.notifications = append(c.notifications, notification)

	c.visited[notification.NextState] = struct{}{}
	c.last = notification

	close(c.changed)
	c.changed = make(chan struct{})
}

// GetCachedNotifications returns a copy of the cached notifications.
func (c *CachedObserver) GetCachedNotifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	notifications := make([]Notification, len(c.notifications))
	copy(notifications, c.notifications)

	return notifications
}

// Visited reports whether the state machine has entered state.
func (c *CachedObserver) Visited(state StateType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.visited[state]

	return ok
}

// WaitForState waits until the state machine has entered state, which may
// have happened before the call.
func (c *CachedObserver) WaitForState(ctx context.Context,
	timeout time.Duration, state StateType) error {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		c.mu.Lock()
		_, ok := c.visited[state]
		current := c.last.NextState
		changed := c.changed
		c.mu.Unlock()

		if ok {
			return nil
		}

		select {
		case <-changed:

		case <-ctx.Done():
			return NewErrWaitingForStateTimeout(state, current)
		}
	}
}
