package view

import (
	"cmp"
	"slices"
	"strconv"
)

// Range is a half-open index interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices covered by the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Delegate receives fine-grained change notifications from a Collection.
// Insert ranges carry post-insert indices; updates and deletions carry the
// single index the object occupies at the time of the edit, together with
// its previous value.
type Delegate[T any] interface {
	DidInsert(r Range)
	DidUpdate(index int, previous T)
	DidDelete(index int, previous T)
}

// Collection maintains a live-ordered projection over a queryable entity
// set: a source query (predicate already bound), an identity key, and a
// total order. On every Apply it requeries the source, diffs the new order
// against the cached one, and notifies the delegate with the minimal edit
// script that transforms the old view into the new one.
//
// A Collection is not safe for concurrent use; callers serialize access on
// a single owning goroutine or guard it at the boundary.
type Collection[T any] struct {
	source   func() ([]T, error)
	key      func(T) string
	compare  func(a, b T) int
	delegate Delegate[T]
	objects  []T
}

// New creates a collection over the given source query. key must return a
// stable unique identifier per object; compare defines the total order.
func New[T any](source func() ([]T, error), key func(T) string, compare func(a, b T) int) *Collection[T] {
	return &Collection[T]{
		source:  source,
		key:     key,
		compare: compare,
	}
}

// SetDelegate installs the change observer. A nil delegate drops
// notifications; they are never queued.
func (c *Collection[T]) SetDelegate(d Delegate[T]) {
	c.delegate = d
}

// Count returns the number of objects in the current view.
func (c *Collection[T]) Count() int {
	return len(c.objects)
}

// ObjectAt returns the object at the given index, or false when the index
// is out of bounds. Out-of-range access is not an error.
func (c *Collection[T]) ObjectAt(index int) (T, bool) {
	if index < 0 || index >= len(c.objects) {
		var zero T
		return zero, false
	}
	return c.objects[index], true
}

// AllObjects returns a copy of the current ordered view.
func (c *Collection[T]) AllObjects() []T {
	return slices.Clone(c.objects)
}

// Reload replaces the cached view from the source without emitting any
// notifications. Used to seed the collection at construction.
func (c *Collection[T]) Reload() error {
	next, err := c.query()
	if err != nil {
		return err
	}
	c.objects = next
	return nil
}

// Apply requeries the source and notifies the delegate of the difference.
// updated holds the identity keys of objects whose records changed in
// place; it may be nil. The edit script is emitted as: deletions one at a
// time at pre-delete indices, then insertions coalesced into contiguous
// ranges at post-insert indices, then updates at their final indices.
// Replaying the script against a mirror of the old view reproduces the new
// view exactly.
//
// The cached view is swapped before notifications fire, so reads from
// inside a delegate callback observe the fully applied state.
func (c *Collection[T]) Apply(updated map[string]bool) error {
	next, err := c.query()
	if err != nil {
		return err
	}
	prev := c.objects
	c.objects = next

	if c.delegate == nil {
		return nil
	}

	newIndex := make(map[string]int, len(next))
	for i, o := range next {
		newIndex[c.key(o)] = i
	}
	oldIndex := make(map[string]int, len(prev))
	for i, o := range prev {
		oldIndex[c.key(o)] = i
	}

	removed := 0
	for i, o := range prev {
		if _, ok := newIndex[c.key(o)]; !ok {
			c.delegate.DidDelete(i-removed, o)
			removed++
		}
	}

	for i := 0; i < len(next); {
		if _, ok := oldIndex[c.key(next[i])]; ok {
			i++
			continue
		}
		start := i
		for i < len(next) {
			if _, ok := oldIndex[c.key(next[i])]; ok {
				break
			}
			i++
		}
		c.delegate.DidInsert(Range{Start: start, End: i})
	}

	if len(updated) > 0 {
		for i, o := range next {
			k := c.key(o)
			if !updated[k] {
				continue
			}
			if j, ok := oldIndex[k]; ok {
				c.delegate.DidUpdate(i, prev[j])
			}
		}
	}
	return nil
}

func (c *Collection[T]) query() ([]T, error) {
	objects, err := c.source()
	if err != nil {
		return nil, err
	}
	objects = slices.Clone(objects)
	slices.SortStableFunc(objects, c.compare)
	return objects, nil
}

// NumericIDCompare orders string identifiers by their integer value.
// Identifiers that do not parse as integers compare as equal, degrading to
// the stable underlying order instead of failing.
func NumericIDCompare(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr != nil || berr != nil {
		return 0
	}
	return cmp.Compare(ai, bi)
}
