// Package deck implements one audio playback slot: an asset, its transport
// state, a loop flag, and fade-driven volume ramps. Two decks ("left" and
// "right") are owned by the playback console.
package deck

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buzzdeck/buzzdeck/internal/util"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrPlaybackRejected  = errors.New("playback rejected by audio sink")
)

// Status is a deck's transport state.
type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusPaused
	StatusStopping
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopping:
		return "stopping"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// Asset is an opaque handle to playable audio content. Immutable once
// selected; replaced only by re-scanning the catalog.
type Asset struct {
	Name string `json:"name"`
	Path string `json:"path"`
	MIME string `json:"mime,omitempty"`
}

var audioExts = map[string]bool{".mp3": true, ".wav": true, ".ogg": true}

// Accepted reports whether a is one of the playable audio formats.
func Accepted(a Asset) bool {
	if !audioExts[strings.ToLower(filepath.Ext(a.Name))] {
		return false
	}
	// A sniffed MIME that contradicts the extension rejects the asset.
	// MP3 frames sniff as octet-stream and ogg as application/ogg, so both
	// are allowed through.
	switch {
	case a.MIME == "", strings.HasPrefix(a.MIME, "audio/"),
		a.MIME == "application/octet-stream", a.MIME == "application/ogg":
	default:
		return false
	}
	return true
}

// Player is the audio sink surface a deck drives. The production
// implementation is the beep speaker chain in speaker.go; tests substitute
// a fake.
type Player interface {
	Start() error
	Pause()
	Resume()
	SeekStart() error
	SetVolume(v float64) // 0..1 linear, applied immediately
	Position() (cur, total time.Duration)
	Close() error
}

// OpenFunc opens an asset into a Player. onEnd fires once when the content
// drains naturally; it must not be invoked on Pause or Close.
type OpenFunc func(a Asset, onEnd func()) (Player, error)

// fade is one in-flight volume ramp. A deck owns at most one at a time;
// starting a new ramp cancels the previous one deterministically.
type fade struct {
	stop chan struct{}
	to   float64
}

// Deck owns one audio source and its transport state.
//
// onChange is invoked only from deck-owned goroutines (fade completion,
// natural end), never on the caller's stack, so the console can safely call
// deck methods while reacting to it.
type Deck struct {
	id       string
	open     OpenFunc
	fadeTick time.Duration
	onChange func(id string)

	mu     sync.Mutex
	status Status
	asset  *Asset
	loop   bool
	volume float64
	target float64 // fade-in target: the console's master volume
	player Player
	fade   *fade
	gen    int // playback generation; guards stale end callbacks
}

// State is a point-in-time snapshot of a deck.
type State struct {
	ID        string        `json:"id"`
	Status    Status        `json:"-"`
	StatusStr string        `json:"status"`
	AssetName string        `json:"asset,omitempty"`
	Loop      bool          `json:"loop"`
	Volume    float64       `json:"volume"`
	Position  time.Duration `json:"-"`
	Duration  time.Duration `json:"-"`
}

// New creates a deck. fadeTick is the ramp step interval (50ms in
// production); onChange may be nil.
func New(id string, open OpenFunc, fadeTick time.Duration, onChange func(id string)) *Deck {
	return &Deck{
		id:       id,
		open:     open,
		fadeTick: fadeTick,
		onChange: onChange,
		target:   1,
	}
}

func (d *Deck) ID() string { return d.id }

// Load replaces the deck's asset. Any in-flight fade on the previous asset
// is cancelled and the previous player released. The new player is opened
// first; a failed open leaves the previous asset and player untouched.
func (d *Deck) Load(a Asset) error {
	if !Accepted(a) {
		return fmt.Errorf("deck %s: %w: %s", d.id, ErrUnsupportedFormat, a.Name)
	}

	d.mu.Lock()
	gen := d.gen + 1
	p, err := d.open(a, func() { go d.handleEnd(gen) })
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("deck %s: open %s: %w", d.id, a.Name, err)
	}

	d.cancelFadeLocked(false)
	if d.player != nil {
		_ = d.player.Close()
	}
	d.gen = gen
	d.player = p
	d.asset = &a
	d.status = StatusIdle
	d.volume = 0
	d.mu.Unlock()

	log.Printf("DECK [%s]: loaded %s", d.id, a.Name)
	return nil
}

// Start begins playback from the top at volume 0, then ramps up to target
// in 10% steps per tick. Valid only from idle (with an asset loaded) or
// ended; an ended deck replays the same asset.
func (d *Deck) Start(target float64) error {
	d.mu.Lock()
	if d.asset == nil || d.player == nil {
		d.mu.Unlock()
		return fmt.Errorf("deck %s: no asset loaded", d.id)
	}
	if d.status != StatusIdle && d.status != StatusEnded {
		d.mu.Unlock()
		return fmt.Errorf("deck %s: start invalid while %s", d.id, d.status)
	}

	d.cancelFadeLocked(false)
	if err := d.player.SeekStart(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("deck %s: rewind: %w", d.id, err)
	}
	d.volume = 0
	d.player.SetVolume(0)

	if err := d.player.Start(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("deck %s: %w: %v", d.id, ErrPlaybackRejected, err)
	}

	// Playing as soon as the sink accepted, independent of fade completion.
	d.status = StatusPlaying
	d.target = util.Clamp01(target)
	d.startFadeLocked(d.target, nil)
	name := d.asset.Name
	d.mu.Unlock()

	log.Printf("DECK [%s]: playing %s (fade-in to %.2f)", d.id, name, target)
	return nil
}

// Stop fades out, then pauses the source and resets its volume to resetTo
// (the console's master volume) so a later unrelated Start is not silently
// pre-faded. The deck reports stopping for the duration of the ramp, so no
// observer ever sees two playing decks during a crossover. No-op unless
// playing or paused.
func (d *Deck) Stop(resetTo float64) {
	d.mu.Lock()
	if d.status != StatusPlaying && d.status != StatusPaused {
		d.mu.Unlock()
		return
	}
	gen := d.gen
	resetTo = util.Clamp01(resetTo)
	d.status = StatusStopping

	d.startFadeLocked(0, func() {
		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		if d.player != nil {
			d.player.Pause()
			d.player.SetVolume(resetTo)
		}
		d.volume = resetTo
		d.status = StatusIdle
		d.mu.Unlock()
		d.notify()
	})
	d.mu.Unlock()
	log.Printf("DECK [%s]: fade-out started", d.id)
}

// Pause suspends playback in place, without a ramp. Distinct from Stop.
func (d *Deck) Pause() {
	d.mu.Lock()
	if d.status == StatusPlaying && d.player != nil {
		d.player.Pause()
		d.status = StatusPaused
	}
	d.mu.Unlock()
}

// Resume continues a paused deck in place.
func (d *Deck) Resume() {
	d.mu.Lock()
	if d.status == StatusPaused && d.player != nil {
		d.player.Resume()
		d.status = StatusPlaying
	}
	d.mu.Unlock()
}

// SetVolume applies v immediately, without a ramp; this is the live-fader path.
// Any ramp in progress is cancelled so two writers never race on the same
// volume value. v also becomes the target of future fade-ins.
func (d *Deck) SetVolume(v float64) {
	v = util.Clamp01(v)
	d.mu.Lock()
	d.cancelFadeLocked(false)
	d.volume = v
	d.target = v
	if d.player != nil {
		d.player.SetVolume(v)
	}
	d.mu.Unlock()
}

// SetLoop flips restart-on-end behaviour; no effect on current playback.
func (d *Deck) SetLoop(on bool) {
	d.mu.Lock()
	d.loop = on
	d.mu.Unlock()
}

func (d *Deck) Loop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loop
}

func (d *Deck) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Volume returns the deck's current volume, including mid-ramp values.
func (d *Deck) Volume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}

// Snapshot returns the deck's current state for display layers.
func (d *Deck) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := State{
		ID:        d.id,
		Status:    d.status,
		StatusStr: d.status.String(),
		Loop:      d.loop,
		Volume:    d.volume,
	}
	if d.asset != nil {
		st.AssetName = d.asset.Name
	}
	if d.player != nil {
		st.Position, st.Duration = d.player.Position()
	}
	return st
}

// Close tears the deck down. A partially-completed fade jumps straight to
// its target instead of continuing in the background.
func (d *Deck) Close() {
	d.mu.Lock()
	d.cancelFadeLocked(true)
	d.gen++
	if d.player != nil {
		_ = d.player.Close()
		d.player = nil
	}
	d.status = StatusIdle
	d.asset = nil
	d.mu.Unlock()
}

// handleEnd runs on natural end of content (dispatched off the sink's
// callback goroutine). With loop on, the same asset replays from position 0
// with a fresh fade-in; otherwise the deck parks in ended with the asset
// still loaded.
func (d *Deck) handleEnd(gen int) {
	d.mu.Lock()
	if gen != d.gen || d.status != StatusPlaying {
		d.mu.Unlock()
		return
	}

	if d.loop && d.player != nil {
		d.cancelFadeLocked(false)
		if err := d.player.SeekStart(); err == nil {
			d.volume = 0
			d.player.SetVolume(0)
			if err := d.player.Start(); err == nil {
				d.startFadeLocked(d.target, nil)
				d.mu.Unlock()
				log.Printf("DECK [%s]: loop restart", d.id)
				d.notify()
				return
			}
		}
	}

	d.cancelFadeLocked(false)
	d.status = StatusEnded
	d.mu.Unlock()
	log.Printf("DECK [%s]: ended", d.id)
	d.notify()
}

// startFadeLocked launches a ramp from the current volume to target,
// stepping 10% of the ramp span per tick. Replaces any ramp in progress.
// Caller holds d.mu.
func (d *Deck) startFadeLocked(to float64, onDone func()) {
	d.cancelFadeLocked(false)

	f := &fade{stop: make(chan struct{}), to: to}
	d.fade = f
	from := d.volume
	step := (to - from) / 10
	if step == 0 {
		step = 0.1 // already at target; complete on the first tick
	}

	go func() {
		ticker := time.NewTicker(d.fadeTick)
		defer ticker.Stop()

		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
			}

			d.mu.Lock()
			if d.fade != f {
				d.mu.Unlock()
				return
			}

			v := d.volume + step
			reached := (step > 0 && v >= to) || (step < 0 && v <= to)
			if reached {
				v = to
			}
			d.volume = v
			if d.player != nil {
				d.player.SetVolume(v)
			}

			if reached {
				d.fade = nil
				d.mu.Unlock()
				if onDone != nil {
					onDone()
				}
				return
			}
			d.mu.Unlock()
		}
	}()
}

// cancelFadeLocked stops the in-flight ramp, if any. With jump set, the
// volume snaps to the abandoned ramp's target (teardown semantics).
// Caller holds d.mu.
func (d *Deck) cancelFadeLocked(jump bool) {
	if d.fade == nil {
		return
	}
	close(d.fade.stop)
	if jump {
		d.volume = d.fade.to
		if d.player != nil {
			d.player.SetVolume(d.fade.to)
		}
	}
	d.fade = nil
}

func (d *Deck) notify() {
	if d.onChange != nil {
		d.onChange(d.id)
	}
}
