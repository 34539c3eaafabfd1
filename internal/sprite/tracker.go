package sprite

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// ErrConnectionClosed is returned by AwaitEnded when the tracker was aborted,
// i.e. the owning connection closed before the sprite ended.
var ErrConnectionClosed = errors.New("connection closed before sprite ended")

// Status is the lifecycle state of one sprite. It only moves forward.
type Status int

const (
	Unknown Status = iota
	Playing
	Ended
)

func (s Status) String() string {
	switch s {
	case Playing:
		return "playing"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Transition describes a state change reported to the observer.
type Transition struct {
	SpriteID string
	From     Status
	To       Status
}

type entry struct {
	status Status
	// done is closed exactly once, after status becomes Ended.
	done chan struct{}
}

// Tracker maps sprite ids to their lifecycle state. Completion is signalled
// per id by closing that id's channel, so waiters never share a listener list.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	// pending holds done channels for ids someone waits on before the
	// tracker has seen them. They are adopted by the entry once it exists.
	pending  map[string]chan struct{}
	aborted  chan struct{}
	abort    sync.Once
	observer func(Transition)
}

// NewTracker returns an empty tracker. observer, if non-nil, is called for
// every transition outside the tracker's lock, and for an end before the
// sprite's waiters are released.
func NewTracker(observer func(Transition)) *Tracker {
	return &Tracker{
		entries:  make(map[string]*entry),
		pending:  make(map[string]chan struct{}),
		aborted:  make(chan struct{}),
		observer: observer,
	}
}

func (t *Tracker) lookup(id string) *entry {
	e, ok := t.entries[id]
	if ok {
		return e
	}
	done, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	} else {
		done = make(chan struct{})
	}
	e = &entry{done: done}
	t.entries[id] = e
	return e
}

// waitChan returns the channel closed when id ends without recording id as
// known, or nil when id already ended.
func (t *Tracker) waitChan(id string) chan struct{} {
	if e, ok := t.entries[id]; ok {
		if e.status == Ended {
			return nil
		}
		return e.done
	}
	done, ok := t.pending[id]
	if !ok {
		done = make(chan struct{})
		t.pending[id] = done
	}
	return done
}

// MarkPlaying records that a play request for id has been issued. It only
// moves Unknown to Playing and reports whether it did.
func (t *Tracker) MarkPlaying(id string) bool {
	t.mu.Lock()
	e := t.lookup(id)
	if e.status != Unknown {
		t.mu.Unlock()
		return false
	}
	e.status = Playing
	t.mu.Unlock()

	t.notify(Transition{SpriteID: id, From: Unknown, To: Playing})
	return true
}

// MarkEnded records completion of id and wakes its waiters. Repeated calls
// are no-ops. Ids that were never marked playing are accepted: the local
// estimator may end sprites the tracker has not seen yet.
func (t *Tracker) MarkEnded(id string) bool {
	t.mu.Lock()
	e := t.lookup(id)
	if e.status == Ended {
		t.mu.Unlock()
		return false
	}
	from := e.status
	e.status = Ended
	t.mu.Unlock()

	// Observers see the end before any waiter is released.
	t.notify(Transition{SpriteID: id, From: from, To: Ended})
	close(e.done)
	return true
}

// Status never blocks.
func (t *Tracker) Status(id string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.status
	}
	return Unknown
}

// AwaitEnded blocks until id ends. Waiting does not make id known to Status
// or Snapshot. It returns immediately when the sprite
// has already ended, ErrConnectionClosed once the tracker is aborted, or the
// context error.
func (t *Tracker) AwaitEnded(ctx context.Context, id string) error {
	t.mu.Lock()
	done := t.waitChan(id)
	t.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-t.aborted:
		// An end notification may have raced with the abort.
		if t.Status(id) == Ended {
			return nil
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort releases every pending and future AwaitEnded for sprites that have
// not ended. It is called when the owning connection closes.
func (t *Tracker) Abort() {
	t.abort.Do(func() { close(t.aborted) })
}

// Aborted reports whether Abort has been called.
func (t *Tracker) Aborted() bool {
	select {
	case <-t.aborted:
		return true
	default:
		return false
	}
}

// Dispatch applies an inbound control frame. Frames other than spriteEnd are
// ignored.
func (t *Tracker) Dispatch(msg protocol.Message) error {
	if msg.Method != protocol.MethodSpriteEnd {
		return nil
	}
	id, err := protocol.DecodeSprite(msg)
	if err != nil {
		return err
	}
	t.MarkEnded(id)
	return nil
}

// Snapshot returns the status of every known sprite.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Status, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.status
	}
	return out
}

func (t *Tracker) notify(tr Transition) {
	if t.observer != nil {
		t.observer(tr)
	}
}
