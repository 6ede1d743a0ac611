package sockyard

import (
	"context"
	"sync"
)

// eventQueue holds the events of one handle until they are delivered, in
// the order they were raised, to at most one `Subscription`.
//
// Events are held while the queue is paused or nobody subscribed. The
// number of held data events is bounded by the high-water mark: past it,
// the oldest is dropped and accounted for in a single overrun event kept
// at the head of the queue.
type eventQueue struct {
	handle  Handle
	errType EventType
	hwm     int
	onDrop  func()

	lk         sync.Mutex
	pending    []Event
	paused     bool
	finished   bool
	terminated bool
	sub        *Subscription
	wakeCh     chan struct{}
}

func newEventQueue(h Handle, kind Kind, hwm int, onDrop func()) *eventQueue {
	errType := EventReceiveError
	if kind == KindTCPServer {
		errType = EventAcceptError
	}
	return &eventQueue{
		handle:  h,
		errType: errType,
		hwm:     hwm,
		onDrop:  onDrop,
		wakeCh:  make(chan struct{}, 1),
	}
}

// push appends an event. It never blocks on the consumer and returns
// false if the queue does not accept events anymore.
func (q *eventQueue) push(ev Event) bool {
	return q.append(ev, false)
}

// terminate appends the terminal error event of the handle. Only the
// first call succeeds, later events are refused.
func (q *eventQueue) terminate(ev Event) bool {
	return q.append(ev, true)
}

func (q *eventQueue) append(ev Event, terminal bool) bool {
	q.lk.Lock()
	if q.finished || q.terminated {
		q.lk.Unlock()
		return false
	}
	dropped := q.makeRoom()
	q.pending = append(q.pending, ev)
	q.terminated = terminal
	q.lk.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	q.wake()
	return true
}

// makeRoom must be called with the lock held.
func (q *eventQueue) makeRoom() bool {
	if len(q.pending) > 0 && q.pending[0].Dropped > 0 {
		if len(q.pending)-1 < q.hwm {
			return false
		}
		q.pending[0].Dropped++
		q.pending = append(q.pending[:1], q.pending[2:]...)
		return true
	}

	if len(q.pending) < q.hwm {
		return false
	}
	q.pending[0] = Event{
		Type:    q.errType,
		Handle:  q.handle,
		Err:     ErrBufferOverrun,
		Dropped: 1,
	}
	return true
}

func (q *eventQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *eventQueue) setPaused(paused bool) {
	q.lk.Lock()
	q.paused = paused
	q.lk.Unlock()
	if !paused {
		q.wake()
	}
}

func (q *eventQueue) isPaused() bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	return q.paused
}

func (q *eventQueue) len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.pending)
}

// finish stops accepting events and lets the subscriber drain what is
// left, ignoring pause since the socket cannot be resumed anymore.
func (q *eventQueue) finish() {
	q.lk.Lock()
	q.finished = true
	q.paused = false
	q.lk.Unlock()
	q.wake()
}

// discard drops whatever was not delivered.
func (q *eventQueue) discard() {
	q.lk.Lock()
	q.finished = true
	q.pending = nil
	q.lk.Unlock()
	q.wake()
}

func (q *eventQueue) subscribe() (*Subscription, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.sub != nil {
		return nil, ErrAlreadySubscribed
	}

	sub := &Subscription{
		q:       q,
		ch:      make(chan Event),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	q.sub = sub
	go q.run(sub)
	return sub, nil
}

func (q *eventQueue) run(sub *Subscription) {
	defer close(sub.done)
	defer close(sub.ch)

	for {
		q.lk.Lock()
		if len(q.pending) > 0 && !q.paused {
			ev := q.pending[0]
			q.pending[0] = Event{}
			q.pending = q.pending[1:]
			q.lk.Unlock()

			select {
			case sub.ch <- ev:
				continue
			case <-sub.closeCh:
				q.lk.Lock()
				q.pending = append([]Event{ev}, q.pending...)
				q.lk.Unlock()
				return
			}
		}
		if q.finished {
			if q.sub == sub {
				q.sub = nil
			}
			q.lk.Unlock()
			return
		}
		q.lk.Unlock()

		select {
		case <-q.wakeCh:
		case <-sub.closeCh:
			return
		}
	}
}

// Subscription delivers the events of one handle in the order they were
// raised. Its channel is closed once the socket is closed and every
// remaining event was delivered, or once the subscription is closed.
type Subscription struct {
	q       *eventQueue
	ch      chan Event
	closeCh chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) Handle() Handle {
	return s.q.handle
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Next blocks until the next event is available.
// It returns `ErrSubscriptionClosed` once no more events will come.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrSubscriptionClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close stops the delivery. Events not yet delivered stay queued and
// go to the next subscriber of the handle.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.closeCh)
		<-s.done
		s.q.lk.Lock()
		if s.q.sub == s {
			s.q.sub = nil
		}
		s.q.lk.Unlock()
	})
	return nil
}
