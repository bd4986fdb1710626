package tap

import "sync"

// PCMSource adapts an inbound PCM16 frame stream into a beep streamer, the
// receiver-side mirror of the Splitter. It plays silence while the channel
// is empty (network jitter must not glitch the speaker) and drains once the
// channel closes.
type PCMSource struct {
	frames <-chan []byte

	mu      sync.Mutex
	pending []byte
	done    bool
}

func NewPCMSource(frames <-chan []byte) *PCMSource {
	return &PCMSource{frames: frames}
}

func (p *PCMSource) Stream(samples [][2]float64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return 0, false
	}

	filled := 0
	for filled < len(samples) {
		if len(p.pending) >= 4 {
			n := DecodePCM16(p.pending, samples[filled:])
			p.pending = p.pending[n*4:]
			filled += n
			continue
		}

		select {
		case frame, ok := <-p.frames:
			if !ok {
				p.done = true
				if filled == 0 {
					return 0, false
				}
				return filled, true
			}
			p.pending = frame
		default:
			// Nothing buffered: pad with silence rather than stall.
			for ; filled < len(samples); filled++ {
				samples[filled][0] = 0
				samples[filled][1] = 0
			}
		}
	}
	return filled, true
}

func (p *PCMSource) Err() error { return nil }
