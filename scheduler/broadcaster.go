package scheduler

import "sync"

// Emitter is handed to a running job to publish its progress.
type Emitter interface {
	Emit(ev Event)
}

// Broadcaster owns a job's event history and the channels attached to it.
//
// Appending to the history and delivering to the attached channels happen
// under the same lock that Attach takes, so a channel sees every event
// exactly once: either replayed from history or delivered live.
type Broadcaster struct {
	mu       sync.Mutex
	history  []Event
	channels []*Channel
	finished bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Emit appends ev to the history and sends it to every attached channel.
// A terminal-kind event finishes the broadcaster. Events emitted after the
// history is finished are dropped.
func (b *Broadcaster) Emit(ev Event) {
	if ev.Kind.Terminal() {
		b.Finish(ev)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return
	}

	b.history = append(b.history, ev)

	// channels closed by their consumer are dropped here.
	live := b.channels[:0]

	for _, ch := range b.channels {
		if ch.detached.Load() {
			continue
		}

		ch.send(ev)
		live = append(live, ch)
	}

	clear(b.channels[len(live):])
	b.channels = live
}

// Finish appends ev as the terminal event, delivers it and ends every
// attached stream. It returns false if the history was already finished, in
// which case ev is dropped.
func (b *Broadcaster) Finish(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return false
	}

	b.finished = true
	b.history = append(b.history, ev)

	for _, ch := range b.channels {
		ch.send(ev)
		ch.finish()
	}

	b.channels = nil

	return true
}

// Attach returns a channel that first replays the history accumulated so far
// and then receives live events. Attaching to a finished broadcaster yields
// the full history followed by the end of the stream.
func (b *Broadcaster) Attach() *Channel {
	ch := newChannel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range b.history {
		ch.send(ev)
	}

	if b.finished {
		ch.finish()
		return ch
	}

	b.channels = append(b.channels, ch)

	return ch
}

// History returns a copy of the events emitted so far.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := make([]Event, len(b.history))
	copy(history, b.history)

	return history
}

func (b *Broadcaster) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.finished
}

// Watchers returns the number of attached channels still awaiting events.
func (b *Broadcaster) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, ch := range b.channels {
		if !ch.detached.Load() {
			n++
		}
	}

	return n
}
