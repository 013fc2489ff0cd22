// Package correlation matches asynchronous responses to the requests that
// produced them over a shared, pipelined connection.
//
// A Tracker hands out correlation ids from a fixed, circular id space and
// remembers which caller is waiting on each outstanding id. It refuses to
// let the outstanding ids spread over more than half of the id space: a
// connection that gets there is either talking to a broker that stopped
// answering or is pipelining far past any sane limit, and the owner is
// expected to tear it down.
//
// Tracker is not safe for concurrent use. It is meant to be owned by the
// goroutine (or mutex) that serializes a single connection.
package correlation

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// DefaultIDSpace is the number of distinct correlation ids a Tracker cycles
// through when no WithIDSpace option is given.
const DefaultIDSpace = 1 << 27

var (
	// ErrWindowOverflow is returned by Allocate when the outstanding ids
	// would span more than half of the id space.
	ErrWindowOverflow = errors.New("correlation id window overflow")

	// ErrUnknownID is returned by Release and Lookup for an id that is not
	// outstanding.
	ErrUnknownID = errors.New("unknown correlation id")
)

// Option configures a Tracker.
type Option func(*options)

type options struct {
	idSpace int64
}

// WithIDSpace sets the size of the circular id space. Ids are allocated in
// [0, n). n must be at least 2 and fit in an int32 range; other values are
// ignored.
func WithIDSpace(n int64) Option {
	return func(o *options) {
		if n >= 2 && n <= 1<<31 {
			o.idSpace = n
		}
	}
}

// Tracker maps outstanding correlation ids to their callers.
type Tracker[C any] struct {
	idSpace int64
	next    int64
	ids     []int32 // sorted ascending
	callers map[int32]C
}

// New creates an empty Tracker whose first allocated id is 0.
func New[C any](opts ...Option) *Tracker[C] {
	o := options{idSpace: DefaultIDSpace}
	for _, opt := range opts {
		opt(&o)
	}

	return &Tracker[C]{
		idSpace: o.idSpace,
		callers: make(map[int32]C),
	}
}

// Allocate records caller under the next correlation id and returns that id.
// If recording it would stretch the outstanding window past half of the id
// space the allocation is undone and ErrWindowOverflow is returned; the
// tracker is left as it was.
func (t *Tracker[C]) Allocate(caller C) (int32, error) {
	id := int32(t.next)
	if _, ok := t.callers[id]; ok {
		return 0, fmt.Errorf("%w: id %d still outstanding after wraparound", ErrWindowOverflow, id)
	}

	pos, _ := slices.BinarySearch(t.ids, id)
	t.ids = slices.Insert(t.ids, pos, id)
	t.callers[id] = caller

	if w := t.Window(); w > t.idSpace/2 {
		t.ids = slices.Delete(t.ids, pos, pos+1)
		delete(t.callers, id)

		return 0, fmt.Errorf("%w: window %d exceeds %d", ErrWindowOverflow, w, t.idSpace/2)
	}

	t.next = (t.next + 1) % t.idSpace

	return id, nil
}

// Release forgets id. Releasing an id twice, or one never allocated, returns
// ErrUnknownID.
func (t *Tracker[C]) Release(id int32) error {
	pos, found := slices.BinarySearch(t.ids, id)
	if !found {
		return fmt.Errorf("%w: release %d", ErrUnknownID, id)
	}
	t.ids = slices.Delete(t.ids, pos, pos+1)
	delete(t.callers, id)

	return nil
}

// Lookup returns the caller waiting on id.
func (t *Tracker[C]) Lookup(id int32) (C, error) {
	caller, ok := t.callers[id]
	if !ok {
		var zero C
		return zero, fmt.Errorf("%w: lookup %d", ErrUnknownID, id)
	}

	return caller, nil
}

// PeekNextID returns the id the next Allocate would hand out.
func (t *Tracker[C]) PeekNextID() int32 {
	return int32(t.next)
}

// Len returns the number of outstanding ids.
func (t *Tracker[C]) Len() int {
	return len(t.ids)
}

// Window returns the length of the shorter arc of the circular id space that
// covers every outstanding id, or 0 when nothing is outstanding.
func (t *Tracker[C]) Window() int64 {
	if len(t.ids) == 0 {
		return 0
	}
	lo := int64(t.ids[0])
	hi := int64(t.ids[len(t.ids)-1])

	return min(hi-lo, lo+t.idSpace-hi) + 1
}

// Drain removes every outstanding id and returns the callers in ascending
// id order. The id counter is not reset.
func (t *Tracker[C]) Drain() []C {
	callers := make([]C, 0, len(t.ids))
	for _, id := range t.ids {
		callers = append(callers, t.callers[id])
	}
	t.ids = t.ids[:0]
	clear(t.callers)

	return callers
}
