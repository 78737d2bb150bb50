package scheduler

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/aalbacetef/lookout/taskqueue"
)

// ErrChannelClosed is returned by Recv once the job's terminal event has been
// delivered, or after the consumer closed the channel.
var ErrChannelClosed = errors.New("event channel closed")

// Channel delivers one job's events to a single consumer, in emission order.
// Sends never block and never drop: the backlog grows with the gap between
// producer and consumer.
type Channel struct {
	queue    *taskqueue.Queue[Event]
	detached atomic.Bool
}

func newChannel() *Channel {
	return &Channel{queue: taskqueue.New[Event]()}
}

func (ch *Channel) send(ev Event) {
	// a channel closed by its consumer silently discards.
	_ = ch.queue.Push(ev)
}

// finish marks the end of the stream; queued events are still delivered.
func (ch *Channel) finish() {
	ch.queue.Close()
}

// Recv returns the oldest undelivered event, waiting for one if necessary.
func (ch *Channel) Recv(ctx context.Context) (Event, error) {
	ev, err := ch.queue.Pop(ctx)
	if errors.Is(err, taskqueue.ErrClosed) {
		return Event{}, ErrChannelClosed
	}

	return ev, err
}

// Close detaches the consumer: the backlog is dropped and later events are
// discarded.
func (ch *Channel) Close() {
	ch.detached.Store(true)
	ch.queue.Close()
	ch.queue.Clear()
}

// Pending returns the number of events waiting to be received.
func (ch *Channel) Pending() int {
	return ch.queue.Len()
}
