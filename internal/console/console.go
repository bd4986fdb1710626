// Package console owns the two playback decks and the rules that bind them:
// at most one deck audible at a time, a shared master volume with mute, and
// the interrupt contract that force-stops whatever is playing.
package console

import (
	"fmt"
	"log"
	"sync"

	"github.com/buzzdeck/buzzdeck/internal/deck"
	"github.com/buzzdeck/buzzdeck/internal/util"
)

// Deck identifiers. Exactly two decks exist.
const (
	Left  = "left"
	Right = "right"
)

// State is the console snapshot display layers observe. DeckState and
// ConsoleState are the single source of truth; nothing is ever derived back
// from what a UI happens to show.
type State struct {
	Master     float64           `json:"master"`
	Muted      bool              `json:"muted"`
	Active     string            `json:"active,omitempty"` // "" when nothing plays
	NowPlaying map[string]string `json:"now_playing"`
	Decks      map[string]deck.State `json:"decks"`
}

// Console sequences the two decks. Deck exclusivity comes from stop-before-
// start ordering here, not from locking inside the decks.
type Console struct {
	mu         sync.Mutex
	decks      map[string]*deck.Deck
	master     float64
	muted      bool
	prevVolume float64
	active     string
	nowPlaying map[string]string

	listenerMu sync.RWMutex
	listeners  map[chan State]struct{}
}

// New creates a console over the left and right decks. The decks' onChange
// callback must be wired to DeckChanged (done by the app wiring) so natural
// ends and fade completions refresh console state.
func New(left, right *deck.Deck) *Console {
	return &Console{
		decks:      map[string]*deck.Deck{Left: left, Right: right},
		master:     1,
		prevVolume: 1,
		nowPlaying: map[string]string{},
		listeners:  make(map[chan State]struct{}),
	}
}

// Play loads asset a into the requested deck and starts it. If the other
// deck (or the same one) is currently audible it is faded out first; the
// requested deck's own fade-in starts from volume 0, so the two ramps can
// overlap without an audible spike.
func (c *Console) Play(deckID string, a deck.Asset) error {
	c.mu.Lock()
	d, ok := c.decks[deckID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("console: unknown deck %q", deckID)
	}
	master := c.effectiveVolume()
	c.mu.Unlock()

	// Begin the outgoing deck's fade-out before the new start.
	for id, other := range c.decks {
		if other.Status() == deck.StatusPlaying || other.Status() == deck.StatusPaused {
			other.Stop(master)
			c.mu.Lock()
			delete(c.nowPlaying, id)
			c.mu.Unlock()
		}
	}

	if err := d.Load(a); err != nil {
		c.notify()
		return err
	}
	if err := d.Start(master); err != nil {
		c.notify()
		return err
	}

	c.mu.Lock()
	c.active = deckID
	c.nowPlaying[deckID] = a.Name
	c.mu.Unlock()

	log.Printf("CONSOLE: playing %s on %s", a.Name, deckID)
	c.notify()
	return nil
}

// ToggleLoop flips the deck's loop flag; current playback is unaffected.
func (c *Console) ToggleLoop(deckID string) error {
	c.mu.Lock()
	d, ok := c.decks[deckID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("console: unknown deck %q", deckID)
	}
	d.SetLoop(!d.Loop())
	c.notify()
	return nil
}

// SetMasterVolume clamps v, applies it immediately to the active deck and
// stores it as the fade-in target for future starts.
func (c *Console) SetMasterVolume(v float64) {
	v = util.Clamp01(v)

	c.mu.Lock()
	c.master = v
	active := c.activeDeckLocked()
	c.mu.Unlock()

	if active != nil {
		active.SetVolume(v)
	}
	c.notify()
}

// ToggleMute zeroes the master volume, remembering the level it replaced;
// the paired call restores it. Only the muting edge records prevVolume, so
// repeated calls cannot lose the originally saved value.
func (c *Console) ToggleMute() {
	c.mu.Lock()
	if !c.muted {
		c.prevVolume = c.master
		c.master = 0
		c.muted = true
	} else {
		c.master = c.prevVolume
		c.muted = false
	}
	v := c.master
	active := c.activeDeckLocked()
	c.mu.Unlock()

	if active != nil {
		active.SetVolume(v)
	}
	c.notify()
}

// TogglePlayPause suspends or resumes the active deck in place with no fade,
// no teardown. No-op when nothing is active.
func (c *Console) TogglePlayPause() {
	c.mu.Lock()
	active := c.activeDeckLocked()
	c.mu.Unlock()
	if active == nil {
		return
	}

	switch active.Status() {
	case deck.StatusPlaying:
		active.Pause()
	case deck.StatusPaused:
		active.Resume()
	}
	c.notify()
}

// HandleInterrupt force-stops whatever is audible with a full fade-out,
// clears the active deck and all now-playing display state. Invoked by the
// interrupt bus on any accepted buzz, regardless of pause/play sub-state.
func (c *Console) HandleInterrupt() {
	c.mu.Lock()
	master := c.effectiveVolume()
	c.active = ""
	c.nowPlaying = map[string]string{}
	decks := c.decks
	c.mu.Unlock()

	for _, d := range decks {
		d.Stop(master)
	}

	log.Printf("CONSOLE: interrupted, playback stopping")
	c.notify()
}

// DeckChanged reacts to deck-initiated transitions (natural end, fade
// completion). Wire it as each deck's onChange callback.
func (c *Console) DeckChanged(deckID string) {
	c.mu.Lock()
	d, ok := c.decks[deckID]
	if ok && d.Status() == deck.StatusEnded {
		delete(c.nowPlaying, deckID)
		if c.active == deckID {
			c.active = ""
		}
	}
	if ok && d.Status() == deck.StatusIdle && c.active == deckID {
		// A fade-out finished on the deck we thought active.
		c.active = ""
	}
	c.mu.Unlock()
	c.notify()
}

// Snapshot returns the current console state.
func (c *Console) Snapshot() State {
	c.mu.Lock()
	st := State{
		Master:     c.master,
		Muted:      c.muted,
		Active:     c.active,
		NowPlaying: make(map[string]string, len(c.nowPlaying)),
		Decks:      make(map[string]deck.State, len(c.decks)),
	}
	for id, name := range c.nowPlaying {
		st.NowPlaying[id] = name
	}
	decks := c.decks
	c.mu.Unlock()

	for id, d := range decks {
		st.Decks[id] = d.Snapshot()
	}
	return st
}

// ActiveDeck returns the active deck's ID, or "".
func (c *Console) ActiveDeck() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Subscribe returns a channel receiving a State after every console change.
func (c *Console) Subscribe() (ch chan State, cancel func()) {
	ch = make(chan State, 16)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears down both decks and drops all listeners. In-flight fades jump
// to their targets.
func (c *Console) Close() {
	c.mu.Lock()
	decks := c.decks
	c.active = ""
	c.nowPlaying = map[string]string{}
	c.mu.Unlock()

	for _, d := range decks {
		d.Close()
	}

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan State]struct{})
	c.listenerMu.Unlock()
}

// effectiveVolume is the fade target honoring mute. Caller holds c.mu.
func (c *Console) effectiveVolume() float64 {
	return c.master
}

// activeDeckLocked resolves the active deck pointer. Caller holds c.mu.
func (c *Console) activeDeckLocked() *deck.Deck {
	if c.active == "" {
		return nil
	}
	return c.decks[c.active]
}

func (c *Console) notify() {
	st := c.Snapshot()
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for ch := range c.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}
