package console

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/buzzdeck/buzzdeck/internal/deck"
)

type fakePlayer struct {
	mu      sync.Mutex
	started bool
	paused  bool
	volume  float64
	closed  bool
	onEnd   func()
}

func (p *fakePlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.paused = false
	return nil
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *fakePlayer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *fakePlayer) SeekStart() error { return nil }

func (p *fakePlayer) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

func (p *fakePlayer) Position() (time.Duration, time.Duration) {
	return 0, 3 * time.Second
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayer) finish() {
	p.mu.Lock()
	fn := p.onEnd
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type harness struct {
	console *Console
	players map[string]*fakePlayer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{players: make(map[string]*fakePlayer)}

	var mu sync.Mutex
	open := func(id string) deck.OpenFunc {
		return func(a deck.Asset, onEnd func()) (deck.Player, error) {
			p := &fakePlayer{onEnd: onEnd}
			mu.Lock()
			h.players[id] = p
			mu.Unlock()
			return p, nil
		}
	}
	onChange := func(id string) { h.console.DeckChanged(id) }

	left := deck.New(Left, open(Left), time.Millisecond, onChange)
	right := deck.New(Right, open(Right), time.Millisecond, onChange)
	h.console = New(left, right)
	t.Cleanup(h.console.Close)
	return h
}

func (h *harness) player(t *testing.T, id string) *fakePlayer {
	t.Helper()
	p, ok := h.players[id]
	if !ok {
		t.Fatalf("no player opened on deck %s", id)
	}
	return p
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func asset(name string) deck.Asset {
	return deck.Asset{Name: name, Path: "/music/" + name}
}

func almostEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPlayMakesDeckActive(t *testing.T) {
	h := newHarness(t)

	if err := h.console.Play(Left, asset("intro.mp3")); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := h.console.ActiveDeck(); got != Left {
		t.Fatalf("active = %q, want %q", got, Left)
	}
	waitFor(t, "fade-in to master", func() bool {
		return almostEq(h.console.Snapshot().Decks[Left].Volume, 1)
	})

	st := h.console.Snapshot()
	if st.NowPlaying[Left] != "intro.mp3" {
		t.Fatalf("now playing = %q", st.NowPlaying[Left])
	}
	if st.Decks[Left].Status != deck.StatusPlaying {
		t.Fatalf("status = %v", st.Decks[Left].Status)
	}
}

func TestPlayStopsOtherDeck(t *testing.T) {
	h := newHarness(t)

	if err := h.console.Play(Left, asset("one.mp3")); err != nil {
		t.Fatalf("play left: %v", err)
	}
	waitFor(t, "left audible", func() bool {
		return h.console.Snapshot().Decks[Left].Volume > 0
	})

	if err := h.console.Play(Right, asset("two.ogg")); err != nil {
		t.Fatalf("play right: %v", err)
	}
	// The outgoing deck reports stopping while its fade-out runs, so at no
	// instant do two decks both read as playing.
	if st := h.console.Snapshot(); st.Decks[Left].Status == deck.StatusPlaying {
		t.Fatal("left still playing after right started")
	}
	waitFor(t, "left faded out", func() bool {
		st := h.console.Snapshot()
		return st.Decks[Left].Status == deck.StatusIdle &&
			st.Decks[Right].Status == deck.StatusPlaying
	})

	st := h.console.Snapshot()
	if st.Active != Right {
		t.Fatalf("active = %q, want %q", st.Active, Right)
	}
	if _, ok := st.NowPlaying[Left]; ok {
		t.Fatal("left still listed as playing")
	}
	if h.player(t, Left).paused != true {
		t.Fatal("left player not paused after fade-out")
	}
}

func TestPlayUnknownDeck(t *testing.T) {
	h := newHarness(t)
	if err := h.console.Play("center", asset("x.mp3")); err == nil {
		t.Fatal("expected error for unknown deck")
	}
}

func TestMasterVolumePropagatesToActiveDeck(t *testing.T) {
	h := newHarness(t)

	if err := h.console.Play(Left, asset("bed.wav")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "fade-in done", func() bool {
		return almostEq(h.console.Snapshot().Decks[Left].Volume, 1)
	})

	h.console.SetMasterVolume(0.4)

	st := h.console.Snapshot()
	if !almostEq(st.Master, 0.4) {
		t.Fatalf("master = %v", st.Master)
	}
	if !almostEq(st.Decks[Left].Volume, 0.4) {
		t.Fatalf("deck volume = %v, want 0.4", st.Decks[Left].Volume)
	}
}

func TestMasterVolumeIsFadeTargetForNextStart(t *testing.T) {
	h := newHarness(t)
	h.console.SetMasterVolume(0.5)

	if err := h.console.Play(Right, asset("sting.mp3")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "fade-in to half", func() bool {
		return almostEq(h.console.Snapshot().Decks[Right].Volume, 0.5)
	})
}

func TestMuteRestoresPreviousVolume(t *testing.T) {
	h := newHarness(t)
	h.console.SetMasterVolume(0.7)

	if err := h.console.Play(Left, asset("loop.ogg")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "fade-in", func() bool {
		return almostEq(h.console.Snapshot().Decks[Left].Volume, 0.7)
	})

	h.console.ToggleMute()
	st := h.console.Snapshot()
	if !st.Muted || !almostEq(st.Master, 0) {
		t.Fatalf("after mute: muted=%v master=%v", st.Muted, st.Master)
	}
	if !almostEq(st.Decks[Left].Volume, 0) {
		t.Fatalf("deck volume after mute = %v", st.Decks[Left].Volume)
	}

	h.console.ToggleMute()
	st = h.console.Snapshot()
	if st.Muted || !almostEq(st.Master, 0.7) {
		t.Fatalf("after unmute: muted=%v master=%v", st.Muted, st.Master)
	}
	if !almostEq(st.Decks[Left].Volume, 0.7) {
		t.Fatalf("deck volume after unmute = %v", st.Decks[Left].Volume)
	}
}

func TestMuteRoundTripFromZero(t *testing.T) {
	h := newHarness(t)
	h.console.SetMasterVolume(0)

	h.console.ToggleMute()
	h.console.ToggleMute()

	if st := h.console.Snapshot(); st.Muted || !almostEq(st.Master, 0) {
		t.Fatalf("round trip from zero: muted=%v master=%v", st.Muted, st.Master)
	}
}

func TestTogglePlayPauseInPlace(t *testing.T) {
	h := newHarness(t)

	if err := h.console.Play(Left, asset("track.mp3")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "fade-in", func() bool {
		return almostEq(h.console.Snapshot().Decks[Left].Volume, 1)
	})

	h.console.TogglePlayPause()
	st := h.console.Snapshot()
	if st.Decks[Left].Status != deck.StatusPaused {
		t.Fatalf("status = %v, want paused", st.Decks[Left].Status)
	}
	// Pausing keeps volume and active deck; it is not a stop.
	if !almostEq(st.Decks[Left].Volume, 1) || st.Active != Left {
		t.Fatalf("pause altered volume/active: %v %q", st.Decks[Left].Volume, st.Active)
	}

	h.console.TogglePlayPause()
	if st := h.console.Snapshot(); st.Decks[Left].Status != deck.StatusPlaying {
		t.Fatalf("status = %v, want playing", st.Decks[Left].Status)
	}
}

func TestTogglePlayPauseNoActiveDeck(t *testing.T) {
	h := newHarness(t)
	h.console.TogglePlayPause() // must not panic
}

func TestInterruptStopsEverything(t *testing.T) {
	h := newHarness(t)

	if err := h.console.Play(Right, asset("question.mp3")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "fade-in", func() bool {
		return almostEq(h.console.Snapshot().Decks[Right].Volume, 1)
	})

	h.console.HandleInterrupt()

	waitFor(t, "fade-out after interrupt", func() bool {
		return h.console.Snapshot().Decks[Right].Status == deck.StatusIdle
	})
	st := h.console.Snapshot()
	if st.Active != "" {
		t.Fatalf("active = %q after interrupt", st.Active)
	}
	if len(st.NowPlaying) != 0 {
		t.Fatalf("now playing not cleared: %v", st.NowPlaying)
	}
	// Volume reset to master so the next round starts at full level.
	if !almostEq(st.Decks[Right].Volume, 1) {
		t.Fatalf("deck volume = %v, want reset to master", st.Decks[Right].Volume)
	}
}

func TestInterruptWhilePaused(t *testing.T) {
	h := newHarness(t)

	if err := h.console.Play(Left, asset("bed.wav")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "fade-in", func() bool {
		return almostEq(h.console.Snapshot().Decks[Left].Volume, 1)
	})
	h.console.TogglePlayPause()

	h.console.HandleInterrupt()
	waitFor(t, "paused deck stopped", func() bool {
		return h.console.Snapshot().Decks[Left].Status == deck.StatusIdle
	})
	if got := h.console.ActiveDeck(); got != "" {
		t.Fatalf("active = %q", got)
	}
}

func TestNaturalEndClearsActive(t *testing.T) {
	h := newHarness(t)

	if err := h.console.Play(Left, asset("short.mp3")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "fade-in", func() bool {
		return almostEq(h.console.Snapshot().Decks[Left].Volume, 1)
	})

	h.player(t, Left).finish()

	waitFor(t, "deck ended", func() bool {
		st := h.console.Snapshot()
		return st.Decks[Left].Status == deck.StatusEnded && st.Active == ""
	})
	if st := h.console.Snapshot(); len(st.NowPlaying) != 0 {
		t.Fatalf("now playing not cleared: %v", st.NowPlaying)
	}
}

func TestToggleLoop(t *testing.T) {
	h := newHarness(t)

	if err := h.console.ToggleLoop(Right); err != nil {
		t.Fatalf("toggle loop: %v", err)
	}
	if !h.console.Snapshot().Decks[Right].Loop {
		t.Fatal("loop not set")
	}
	if err := h.console.ToggleLoop(Right); err != nil {
		t.Fatalf("toggle loop: %v", err)
	}
	if h.console.Snapshot().Decks[Right].Loop {
		t.Fatal("loop not cleared")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	h := newHarness(t)

	ch, cancel := h.console.Subscribe()
	defer cancel()

	h.console.SetMasterVolume(0.3)

	select {
	case st := <-ch:
		if !almostEq(st.Master, 0.3) {
			t.Fatalf("master in update = %v", st.Master)
		}
	case <-time.After(time.Second):
		t.Fatal("no state update received")
	}

	cancel()
	cancel() // second cancel must be safe
}
