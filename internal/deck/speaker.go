package deck

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

const resampleQuality = 4

// Stage is an optional pass-through streamer inserted as the final link of a
// deck's chain, above the volume stage. The capture tap splitter implements
// it so the host's live output can be duplicated without disturbing local
// monitoring.
type Stage interface {
	beep.Streamer
	SetSource(s beep.Streamer)
}

// Engine owns the speaker device. All decks share one engine; the speaker
// mixes their chains.
type Engine struct {
	rate beep.SampleRate
}

// NewEngine initializes the speaker at sampleRate with bufferMs of device
// buffering. A refused device surfaces as ErrPlaybackRejected.
func NewEngine(sampleRate, bufferMs int) (*Engine, error) {
	sr := beep.SampleRate(sampleRate)
	if err := speaker.Init(sr, sr.N(time.Duration(bufferMs)*time.Millisecond)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlaybackRejected, err)
	}
	return &Engine{rate: sr}, nil
}

func (e *Engine) Rate() beep.SampleRate { return e.rate }

// PlayStream mixes an arbitrary streamer into the speaker, resampling from
// srcRate when it differs from the device rate. Used for remote audio, which
// bypasses the deck chains.
func (e *Engine) PlayStream(src beep.Streamer, srcRate int) {
	out := src
	if sr := beep.SampleRate(srcRate); sr != e.rate {
		out = beep.Resample(resampleQuality, sr, e.rate, src)
	}
	speaker.Play(out)
}

// Opener returns the production OpenFunc for a deck. stage, when non-nil,
// is re-pointed at each newly loaded asset's chain.
func (e *Engine) Opener(stage Stage) OpenFunc {
	return func(a Asset, onEnd func()) (Player, error) {
		return e.open(a, stage, onEnd)
	}
}

func (e *Engine) open(a Asset, stage Stage, onEnd func()) (Player, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, err
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(a.Name)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".ogg":
		streamer, format, err = vorbis.Decode(f)
	default:
		f.Close()
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode: %w", err)
	}

	var src beep.Streamer = streamer
	if format.SampleRate != e.rate {
		src = beep.Resample(resampleQuality, format.SampleRate, e.rate, streamer)
	}

	return &beepPlayer{
		seeker: streamer,
		format: format,
		src:    src,
		stage:  stage,
		onEnd:  onEnd,
	}, nil
}

// beepPlayer drives one decoded asset through the speaker:
//
//	StreamSeekCloser → (Resampler) → Ctrl → Volume → Stage → speaker
//
// The Ctrl/Volume pair is rebuilt on each (re)start because the speaker
// mixer drops a chain once it drains.
type beepPlayer struct {
	seeker beep.StreamSeekCloser
	format beep.Format
	src    beep.Streamer
	stage  Stage
	onEnd  func()

	mu    sync.Mutex
	ctrl  *beep.Ctrl
	vol   *effects.Volume
	level float64
	live  bool
}

func (p *beepPlayer) Start() error {
	p.mu.Lock()
	if p.live {
		ctrl := p.ctrl
		p.mu.Unlock()
		speaker.Lock()
		ctrl.Paused = false
		speaker.Unlock()
		return nil
	}

	ctrl := &beep.Ctrl{Streamer: beep.Seq(p.src, beep.Callback(p.drained))}
	vol := &effects.Volume{Streamer: ctrl, Base: 2, Silent: true}
	applyLevel(vol, p.level)
	p.ctrl = ctrl
	p.vol = vol
	p.live = true

	var out beep.Streamer = vol
	if p.stage != nil {
		p.stage.SetSource(vol)
		out = p.stage
	}
	p.mu.Unlock()

	speaker.Play(out)
	return nil
}

// drained runs inside the speaker's streaming loop when the chain finishes.
func (p *beepPlayer) drained() {
	p.mu.Lock()
	p.live = false
	end := p.onEnd
	p.mu.Unlock()
	if end != nil {
		end()
	}
}

func (p *beepPlayer) Pause()  { p.setPaused(true) }
func (p *beepPlayer) Resume() { p.setPaused(false) }

func (p *beepPlayer) setPaused(paused bool) {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	if ctrl == nil {
		return
	}
	speaker.Lock()
	ctrl.Paused = paused
	speaker.Unlock()
}

func (p *beepPlayer) SeekStart() error {
	speaker.Lock()
	err := p.seeker.Seek(0)
	speaker.Unlock()
	return err
}

func (p *beepPlayer) SetVolume(v float64) {
	p.mu.Lock()
	p.level = v
	vol := p.vol
	p.mu.Unlock()
	if vol == nil {
		return
	}
	speaker.Lock()
	applyLevel(vol, v)
	speaker.Unlock()
}

func (p *beepPlayer) Position() (cur, total time.Duration) {
	speaker.Lock()
	pos, n := p.seeker.Position(), p.seeker.Len()
	speaker.Unlock()
	return p.format.SampleRate.D(pos), p.format.SampleRate.D(n)
}

func (p *beepPlayer) Close() error {
	p.mu.Lock()
	ctrl := p.ctrl
	stage := p.stage
	p.onEnd = nil
	p.live = false
	p.mu.Unlock()

	speaker.Lock()
	if ctrl != nil {
		ctrl.Paused = true
	}
	speaker.Unlock()
	if stage != nil {
		stage.SetSource(nil)
	}
	return p.seeker.Close()
}

// applyLevel maps a linear [0,1] level onto effects.Volume's exponential
// scale. Caller holds the speaker lock (or the chain is not yet playing).
func applyLevel(vol *effects.Volume, v float64) {
	if v <= 0 {
		vol.Silent = true
		return
	}
	vol.Silent = false
	vol.Volume = math.Log2(v)
}
