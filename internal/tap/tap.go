// Package tap duplicates the audible deck's output into a streamable path.
// A Splitter sits at the top of each deck's speaker chain and passes samples
// through untouched; when the Tap is attached to that deck, the same samples
// are also converted to PCM16 frames and fed to the broadcast publisher.
// Local monitoring never depends on a tap being attached.
package tap

import (
	"encoding/binary"
	"errors"
	"log"
	"sync"

	"github.com/gopxl/beep/v2"
)

var ErrCaptureUnavailable = errors.New("capture path unavailable")

// Splitter is a pass-through beep streamer stage. SetSource re-points it at
// a newly loaded asset's chain; a nil source drains it so the speaker mixer
// drops the chain.
type Splitter struct {
	mu   sync.Mutex
	src  beep.Streamer
	sink func(pcm []byte)
}

func NewSplitter() *Splitter {
	return &Splitter{}
}

// SetSource swaps the underlying chain. Safe while streaming.
func (s *Splitter) SetSource(src beep.Streamer) {
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

// Stream passes audio through and, when tapped, duplicates it as PCM16.
func (s *Splitter) Stream(samples [][2]float64) (int, bool) {
	s.mu.Lock()
	src := s.src
	sink := s.sink
	s.mu.Unlock()

	if src == nil {
		return 0, false
	}
	n, ok := src.Stream(samples)
	if n > 0 && sink != nil {
		sink(encodePCM16(samples[:n]))
	}
	return n, ok
}

func (s *Splitter) Err() error {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Err()
}

func (s *Splitter) tapTo(fn func([]byte)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

func (s *Splitter) untap() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// encodePCM16 converts stereo float64 samples to interleaved little-endian
// 16-bit PCM, the broadcast wire payload.
func encodePCM16(samples [][2]float64) []byte {
	out := make([]byte, len(samples)*4)
	for i, smp := range samples {
		binary.LittleEndian.PutUint16(out[i*4:], uint16(clip16(smp[0])))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(clip16(smp[1])))
	}
	return out
}

// DecodePCM16 is the inverse of the splitter's encoding, used by receivers
// to turn inbound frames back into playable samples.
func DecodePCM16(pcm []byte, samples [][2]float64) int {
	n := len(pcm) / 4
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		l := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		samples[i][0] = float64(l) / 32767
		samples[i][1] = float64(r) / 32767
	}
	return n
}

func clip16(v float64) int16 {
	v *= 32767
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Tap exposes the currently attached deck's output as a frame stream.
// It follows the console's active deck: Attach is called again whenever the
// active deck changes.
type Tap struct {
	mu        sync.Mutex
	splitters map[string]*Splitter // deck ID → splitter stage
	attached  string
	frames    chan []byte
	closed    bool
}

// New creates a tap over the given per-deck splitter stages. bufFrames is
// the outbound frame buffer; frames are dropped, never blocked on, when the
// publisher falls behind.
func New(splitters map[string]*Splitter, bufFrames int) *Tap {
	return &Tap{
		splitters: splitters,
		frames:    make(chan []byte, bufFrames),
	}
}

// Attach routes deckID's live output into the frame stream, replacing any
// previous attachment. Fails with ErrCaptureUnavailable when the deck has no
// capture stage; local playback is unaffected either way.
func (t *Tap) Attach(deckID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrCaptureUnavailable
	}
	sp, ok := t.splitters[deckID]
	if !ok || sp == nil {
		return ErrCaptureUnavailable
	}

	if prev, ok := t.splitters[t.attached]; ok && t.attached != "" {
		prev.untap()
	}

	sp.tapTo(t.push)
	t.attached = deckID
	log.Printf("TAP: attached to deck %s", deckID)
	return nil
}

// Detach stops producing frames. Idempotent; local monitoring continues.
func (t *Tap) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.attached == "" {
		return
	}
	if sp, ok := t.splitters[t.attached]; ok {
		sp.untap()
	}
	t.attached = ""
	log.Printf("TAP: detached")
}

// Attached returns the currently tapped deck ID, or "".
func (t *Tap) Attached() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

// Frames is the tap's streamable output. The channel stays valid across
// Attach/Detach cycles and closes only on Close.
func (t *Tap) Frames() <-chan []byte {
	return t.frames
}

func (t *Tap) push(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.frames <- pcm:
	default:
		// Publisher behind; dropping is cheaper than stalling the speaker.
	}
}

func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if sp, ok := t.splitters[t.attached]; ok && t.attached != "" {
		sp.untap()
	}
	t.attached = ""
	t.closed = true
	close(t.frames)
}
