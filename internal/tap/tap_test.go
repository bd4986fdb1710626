package tap

import (
	"errors"
	"testing"
)

// toneStreamer yields a constant sample value.
type toneStreamer struct{ level float64 }

func (s *toneStreamer) Stream(samples [][2]float64) (int, bool) {
	for i := range samples {
		samples[i][0] = s.level
		samples[i][1] = s.level
	}
	return len(samples), true
}

func (s *toneStreamer) Err() error { return nil }

func newTestTap() (*Tap, map[string]*Splitter) {
	splitters := map[string]*Splitter{
		"left":  NewSplitter(),
		"right": NewSplitter(),
	}
	return New(splitters, 8), splitters
}

func TestSplitterPassThroughWithoutTap(t *testing.T) {
	sp := NewSplitter()
	sp.SetSource(&toneStreamer{level: 0.5})

	samples := make([][2]float64, 16)
	n, ok := sp.Stream(samples)
	if n != 16 || !ok {
		t.Fatalf("stream = (%d, %v), want (16, true)", n, ok)
	}
	if samples[0][0] != 0.5 {
		t.Fatal("splitter must pass samples through untouched")
	}
}

func TestSplitterNilSourceDrains(t *testing.T) {
	sp := NewSplitter()
	n, ok := sp.Stream(make([][2]float64, 4))
	if n != 0 || ok {
		t.Fatalf("nil source must drain, got (%d, %v)", n, ok)
	}
}

func TestAttachDuplicatesFrames(t *testing.T) {
	tp, splitters := newTestTap()
	defer tp.Close()

	splitters["left"].SetSource(&toneStreamer{level: 0.25})
	if err := tp.Attach("left"); err != nil {
		t.Fatal(err)
	}

	samples := make([][2]float64, 8)
	n, ok := splitters["left"].Stream(samples)
	if n != 8 || !ok {
		t.Fatalf("stream = (%d, %v)", n, ok)
	}
	// Monitoring branch unchanged.
	if samples[0][0] != 0.25 {
		t.Fatal("attach must not alter the monitored samples")
	}

	select {
	case frame := <-tp.Frames():
		if len(frame) != 8*4 {
			t.Fatalf("frame length = %d, want %d", len(frame), 8*4)
		}
		decoded := make([][2]float64, 8)
		if got := DecodePCM16(frame, decoded); got != 8 {
			t.Fatalf("decoded %d samples, want 8", got)
		}
		if d := decoded[0][0] - 0.25; d > 0.01 || d < -0.01 {
			t.Fatalf("decoded sample %v, want ~0.25", decoded[0][0])
		}
	default:
		t.Fatal("expected a duplicated frame")
	}
}

func TestAttachFollowsActiveDeck(t *testing.T) {
	tp, splitters := newTestTap()
	defer tp.Close()

	splitters["left"].SetSource(&toneStreamer{level: 0.1})
	splitters["right"].SetSource(&toneStreamer{level: 0.9})

	if err := tp.Attach("left"); err != nil {
		t.Fatal(err)
	}
	if err := tp.Attach("right"); err != nil {
		t.Fatal(err)
	}
	if got := tp.Attached(); got != "right" {
		t.Fatalf("attached = %q, want right", got)
	}

	// The left splitter must no longer feed the tap.
	splitters["left"].Stream(make([][2]float64, 4))
	select {
	case <-tp.Frames():
		t.Fatal("detached deck must not produce frames")
	default:
	}
}

func TestDetachIdempotent(t *testing.T) {
	tp, splitters := newTestTap()
	defer tp.Close()

	splitters["left"].SetSource(&toneStreamer{level: 0.1})
	if err := tp.Attach("left"); err != nil {
		t.Fatal(err)
	}

	tp.Detach()
	tp.Detach() // second detach: no state change, no panic
	if tp.Attached() != "" {
		t.Fatal("expected detached state")
	}

	// Monitoring keeps flowing after detach.
	n, ok := splitters["left"].Stream(make([][2]float64, 4))
	if n != 4 || !ok {
		t.Fatal("local monitoring must survive detach")
	}
}

func TestAttachUnknownDeck(t *testing.T) {
	tp, _ := newTestTap()
	defer tp.Close()

	if err := tp.Attach("center"); !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
}

func TestPCMSourceSilenceWhenStarved(t *testing.T) {
	frames := make(chan []byte, 1)
	src := NewPCMSource(frames)

	samples := make([][2]float64, 4)
	for i := range samples {
		samples[i][0] = 0.7
	}
	n, ok := src.Stream(samples)
	if n != 4 || !ok {
		t.Fatalf("stream = (%d, %v)", n, ok)
	}
	if samples[0][0] != 0 {
		t.Fatal("starved source must emit silence")
	}

	close(frames)
	if n, ok := src.Stream(samples); ok || n != 0 {
		t.Fatalf("closed source must drain, got (%d, %v)", n, ok)
	}
}
