package shared

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscription is the opaque token returned by Hub.Subscribe. Registering the
// same function twice yields two distinct tokens.
type Subscription struct {
	id uuid.UUID
}

func (s Subscription) String() string {
	return s.id.String()
}

// IsZero reports whether s was never issued by a Hub.
func (s Subscription) IsZero() bool {
	return s.id == uuid.Nil
}

type hubEntry[T any] struct {
	id uuid.UUID
	fn func(T)
}

// Hub fans a value out to its subscribers in subscription order. A handler
// that panics is logged and skipped; the remaining handlers still run.
type Hub[T any] struct {
	name   string
	logger LoggerAdapter

	mu   sync.Mutex
	subs []hubEntry[T]
}

func NewHub[T any](logger LoggerAdapter, name string) *Hub[T] {
	return &Hub[T]{name: name, logger: logger}
}

func (h *Hub[T]) Subscribe(fn func(T)) Subscription {
	id := uuid.New()
	h.mu.Lock()
	h.subs = append(h.subs, hubEntry[T]{id: id, fn: fn})
	h.mu.Unlock()
	return Subscription{id: id}
}

// Unsubscribe removes the handler registered under s and reports whether it
// was still registered.
func (h *Hub[T]) Unsubscribe(s Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.subs {
		if e.id == s.id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers v synchronously on the calling goroutine. The subscriber
// list is copied first, so handlers may subscribe or unsubscribe freely.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	subs := make([]hubEntry[T], len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, e := range subs {
		h.deliver(e, v)
	}
}

func (h *Hub[T]) deliver(e hubEntry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error(
				"subscriber panicked",
				fmt.Errorf("%v", r),
				zap.String("hub", h.name),
				zap.String("subscription", e.id.String()),
			)
		}
	}()
	e.fn(v)
}

func (h *Hub[T]) Clear() {
	h.mu.Lock()
	h.subs = nil
	h.mu.Unlock()
}

func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
