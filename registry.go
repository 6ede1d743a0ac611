package sockyard

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// registry owns every socket record. Handles come from a monotonic
// counter and are never reissued.
type registry struct {
	nextID atomic.Uint64
	clock  clock.Clock
	grace  time.Duration
	max    int
	hwm    int

	lk      sync.RWMutex
	records map[Handle]*record
	timers  map[Handle]*clock.Timer
	live    int
}

func newRegistry(cfg *config) *registry {
	return &registry{
		clock:   cfg.clock,
		grace:   cfg.graceWindow,
		max:     cfg.maxSockets,
		hwm:     cfg.highWaterMark,
		records: make(map[Handle]*record),
		timers:  make(map[Handle]*clock.Timer),
	}
}

// create registers a new record in Created, `build` attaches the
// kind-specific part before the record becomes visible.
func (r *registry) create(kind Kind, props Properties, onDrop func(), build func(*record) socketImpl) (*record, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.live >= r.max {
		return nil, fmt.Errorf("%w: %d live sockets", ErrResourceExhausted, r.live)
	}

	h := Handle(r.nextID.Add(1))
	rec := &record{
		handle:  h,
		kind:    kind,
		owner:   props.Owner,
		events:  newEventQueue(h, kind, r.hwm, onDrop),
		closing: make(chan struct{}),
	}
	rec.apply(props)
	rec.impl = build(rec)

	r.records[h] = rec
	r.live++
	return rec, nil
}

// lookup only returns records which are not Closing nor Closed.
func (r *registry) lookup(h Handle) (*record, error) {
	r.lk.RLock()
	rec, ok := r.records[h]
	r.lk.RUnlock()
	if !ok || rec.isClosing() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return rec, nil
}

// get returns a record whatever its state, as long as it was not
// removed yet.
func (r *registry) get(h Handle) (*record, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	rec, ok := r.records[h]
	return rec, ok
}

// list returns the live records of the given kind sorted by handle.
func (r *registry) list(kind Kind) []*record {
	r.lk.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		if kind != KindAny && rec.kind != kind {
			continue
		}
		if rec.isClosing() {
			continue
		}
		recs = append(recs, rec)
	}
	r.lk.RUnlock()

	slices.SortFunc(recs, func(a, b *record) int {
		return cmp.Compare(a.handle, b.handle)
	})
	return recs
}

// destroy moves the record to Closing, releases its resources and moves
// it to Closed. It returns false if somebody else already did it.
func (r *registry) destroy(rec *record) (bool, error) {
	rec.lk.Lock()
	if rec.state >= StateClosing {
		rec.lk.Unlock()
		return false, nil
	}
	rec.state = StateClosing
	close(rec.closing)
	rec.lk.Unlock()

	err := rec.impl.release()

	rec.lk.Lock()
	rec.state = StateClosed
	rec.lk.Unlock()

	r.lk.Lock()
	r.live--
	r.lk.Unlock()

	rec.events.finish()
	r.scheduleRemoval(rec)
	return true, err
}

func (r *registry) scheduleRemoval(rec *record) {
	if r.grace == 0 {
		r.remove(rec.handle)
		return
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	if _, ok := r.records[rec.handle]; !ok {
		return
	}
	r.timers[rec.handle] = r.clock.AfterFunc(r.grace, func() {
		r.remove(rec.handle)
	})
}

func (r *registry) remove(h Handle) {
	r.lk.Lock()
	rec, ok := r.records[h]
	delete(r.records, h)
	delete(r.timers, h)
	r.lk.Unlock()

	if ok {
		rec.events.discard()
	}
}

// drop removes every remaining record right away.
func (r *registry) drop() {
	r.lk.Lock()
	for _, timer := range r.timers {
		timer.Stop()
	}
	recs := r.records
	r.records = make(map[Handle]*record)
	r.timers = make(map[Handle]*clock.Timer)
	r.lk.Unlock()

	for _, rec := range recs {
		rec.events.discard()
	}
}
