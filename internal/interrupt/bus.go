// Package interrupt implements the process-wide buzz signal: any participant's
// accepted buzz fans out synchronously to every subscriber so playback halts
// in the same scheduling turn, before any stream teardown completes.
package interrupt

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signal is one fired buzz event. It carries no lifecycle beyond the moment it
// fires; subscribers react and forget it.
type Signal struct {
	ID     string `json:"id"`
	From   string `json:"from"`   // triggering participant's peer ID
	Player string `json:"player"` // display name
	Answer string `json:"answer,omitempty"`
	At     int64  `json:"at"` // unix millis
}

// NewSignal builds a Signal with a fresh ID and timestamp.
func NewSignal(from, player, answer string) Signal {
	return Signal{
		ID:     uuid.NewString(),
		From:   from,
		Player: player,
		Answer: answer,
		At:     time.Now().UnixMilli(),
	}
}

type subscriber struct {
	fn func(Signal)
}

// Bus delivers Signals to subscribers synchronously, in subscription order.
// Handlers registered after Fire returns do not retroactively receive the
// signal; a cancelled handler is never invoked again, so teardown races are
// structurally a no-op rather than a fault.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns its cancel function. Cancel is safe to
// call more than once.
func (b *Bus) Subscribe(fn func(Signal)) (cancel func()) {
	sub := &subscriber{fn: fn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs[i] = b.subs[len(b.subs)-1]
				b.subs = b.subs[:len(b.subs)-1]
				return
			}
		}
	}
}

// Fire delivers sig to all current subscribers before returning.
func (b *Bus) Fire(sig Signal) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := make([]*subscriber, len(b.subs))
	copy(handlers, b.subs)
	b.mu.Unlock()

	log.Printf("INTERRUPT: fired by %s (%s)", sig.Player, sig.From)
	for _, s := range handlers {
		s.fn(sig)
	}
}

// Close drops all subscribers. Subsequent Fire and Subscribe calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
}
