package visibility

import (
	"sync"
)

// Set is a blocklist: the ids whose content a viewer must not see.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Source starts a live stream and returns its cancel func. A source
// calls fail at most once and stops on its own afterwards.
type Source[T any] func(emit func(T), fail func(error)) (cancel func())

// Apply returns the items whose author is not blocked, in their original
// order.
func Apply[T any](items []T, blocked Set, authorOf func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if blocked.Contains(authorOf(item)) {
			continue
		}
		out = append(out, item)
	}
	return out
}

type composer[T any] struct {
	mu       sync.Mutex
	authorOf func(T) string
	emit     func([]T)
	fail     func(error)

	items       []T
	haveItems   bool
	blocked     Set
	haveBlocked bool
	closed      bool

	cancelContent   func()
	cancelBlocklist func()
}

// Compose filters the content stream against the blocklist stream. It
// emits again whenever either stream emits, starting once both have
// produced a value. Emissions and failures stop before cancel returns.
// emit and fail must not call cancel.
func Compose[T any](
	content Source[[]T],
	blocklist Source[[]string],
	authorOf func(T) string,
	emit func([]T),
	fail func(error),
) (cancel func()) {
	c := &composer[T]{
		authorOf: authorOf,
		emit:     emit,
		fail:     fail,
	}

	cancelBlocklist := blocklist(c.onBlocklist, func(err error) { c.onFail(err, true) })
	cancelContent := content(c.onContent, func(err error) { c.onFail(err, false) })

	c.mu.Lock()
	c.cancelBlocklist = cancelBlocklist
	c.cancelContent = cancelContent
	closed := c.closed
	c.mu.Unlock()

	if closed {
		cancelBlocklist()
		cancelContent()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.closed = true
			cb, cc := c.cancelBlocklist, c.cancelContent
			c.mu.Unlock()

			if cb != nil {
				cb()
			}
			if cc != nil {
				cc()
			}
		})
	}
}

func (c *composer[T]) onContent(items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = items
	c.haveItems = true
	c.emitLocked()
}

func (c *composer[T]) onBlocklist(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocked = NewSet(ids...)
	c.haveBlocked = true
	c.emitLocked()
}

func (c *composer[T]) emitLocked() {
	if c.closed || !c.haveItems || !c.haveBlocked {
		return
	}
	c.emit(Apply(c.items, c.blocked, c.authorOf))
}

// onFail reports the first failure and stops the other stream. The
// failed stream has already stopped itself.
func (c *composer[T]) onFail(err error, fromBlocklist bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.fail(err)

	other := c.cancelContent
	if !fromBlocklist {
		other = c.cancelBlocklist
	}
	c.mu.Unlock()

	if other != nil {
		other()
	}
}
