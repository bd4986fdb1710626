package broadcast

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/buzzdeck/buzzdeck/internal/proto"
	"github.com/buzzdeck/buzzdeck/internal/util"
)

// Inbound is one received audio stream. A new Inbound appears on
// ReceiverChannel.Streams for every distinct stream the host publishes.
type Inbound struct {
	SSRC       uint32
	SampleRate int
	Channels   int

	frames chan []byte

	mu      sync.Mutex
	closed  bool
	firstTS uint32
	lastTS  uint32
	gotTS   bool
}

// Frames yields the stream's PCM16 payloads in arrival order. Closed when
// the stream ends.
func (in *Inbound) Frames() <-chan []byte { return in.frames }

// Elapsed reports how much audio has arrived, derived from RTP timestamps.
func (in *Inbound) Elapsed() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.gotTS || in.SampleRate == 0 {
		return 0
	}
	samples := in.lastTS - in.firstTS
	return time.Duration(samples) * time.Second / time.Duration(in.SampleRate)
}

func (in *Inbound) push(ts uint32, payload []byte) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	if !in.gotTS {
		in.firstTS = ts
		in.gotTS = true
	}
	in.lastTS = ts
	select {
	case in.frames <- payload:
	default:
	}
	in.mu.Unlock()
}

// advance moves the stream clock forward without delivering audio. Sender
// reports carry the host's RTP clock, so a report arriving after a loss gap
// still moves Elapsed.
func (in *Inbound) advance(ts uint32) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	if !in.gotTS {
		in.firstTS = ts
		in.gotTS = true
	}
	// Only ever forward; ts-lastTS wraps negative when the report is older
	// than the last packet.
	if ts-in.lastTS < 1<<31 {
		in.lastTS = ts
	}
	in.mu.Unlock()
}

func (in *Inbound) close() {
	in.mu.Lock()
	if !in.closed {
		in.closed = true
		close(in.frames)
	}
	in.mu.Unlock()
}

// Update is a receiver state change for display layers: connection state and
// whether the "live" indicator should show.
type Update struct {
	State ConnState
	Live  bool
	SSRC  uint32
}

// ReceiverChannel subscribes to a room's broadcast. Joining before the host's
// first publish parks the channel in connecting until a live announcement
// arrives. The host replacing its stream surfaces here as a fresh Inbound;
// no rejoin happens.
type ReceiverChannel struct {
	sig Signaler

	mu       sync.Mutex
	state    ConnState
	live     bool
	roomID   string
	sess     Session
	conn     io.ReadWriteCloser
	inbound  *Inbound
	stopCh   chan struct{}
	evCancel func()

	streamMu      sync.Mutex
	streams       chan *Inbound
	streamsClosed bool

	listenerMu sync.RWMutex
	listeners  map[chan Update]struct{}
}

// NewReceiver creates a receiver channel over sig.
func NewReceiver(sig Signaler) *ReceiverChannel {
	return &ReceiverChannel{
		sig:       sig,
		streams:   make(chan *Inbound, 8),
		listeners: make(map[chan Update]struct{}),
	}
}

// Join attaches to roomID and starts waiting for the host's stream. On
// signaling failure the channel lands in stopped and reports
// ErrSignalingUnavailable without retrying.
func (r *ReceiverChannel) Join(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if r.state == StateConnecting || r.state == StateLive {
		same := r.roomID == roomID
		r.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("broadcast: already joined room %s", r.roomID)
	}
	r.state = StateConnecting
	r.roomID = roomID
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()
	r.notify()

	sess, err := r.sig.Connect(ctx, roomID)
	if err != nil {
		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
		r.notify()
		return fmt.Errorf("broadcast: join %s: %w: %v", roomID, ErrSignalingUnavailable, err)
	}

	events, cancel := sess.Subscribe()

	r.mu.Lock()
	if r.state != StateConnecting || r.stopCh != stopCh {
		r.mu.Unlock()
		cancel()
		_ = sess.Close()
		return nil
	}
	r.sess = sess
	r.evCancel = cancel
	r.mu.Unlock()

	// Tell the room we are here so the host re-announces its stream.
	_ = sess.Announce(proto.ControlMsg{
		Type: proto.TypeJoin,
		From: sess.SelfID(),
		TS:   proto.NowMillis(),
	})

	go r.loop(sess, events, stopCh)

	log.Printf("BROADCAST: joined room %s, waiting for stream", roomID)
	return nil
}

func (r *ReceiverChannel) loop(sess Session, events <-chan Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != EventControl || ev.Msg.From == sess.SelfID() {
				continue
			}
			switch ev.Msg.Type {
			case proto.TypeLive:
				r.tuneIn(sess, ev.Msg)
			case proto.TypeStopped:
				r.MarkStopped()
			}
		}
	}
}

// deliver hands a fresh Inbound to Streams unless the channel is stopped.
func (r *ReceiverChannel) deliver(in *Inbound) bool {
	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	if r.streamsClosed {
		return false
	}
	select {
	case r.streams <- in:
		return true
	default:
		return false
	}
}

// tuneIn dials the announcing host unless we already carry that SSRC.
func (r *ReceiverChannel) tuneIn(sess Session, msg proto.ControlMsg) {
	if msg.SSRC == 0 {
		return
	}
	r.mu.Lock()
	if r.inbound != nil && r.inbound.SSRC == msg.SSRC {
		r.mu.Unlock()
		return
	}
	oldConn := r.conn
	oldIn := r.inbound
	r.conn = nil
	r.inbound = nil
	r.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close()
	}
	if oldIn != nil {
		oldIn.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	conn, err := sess.OpenAudio(ctx, msg.From)
	cancel()
	if err != nil {
		log.Printf("BROADCAST: dial host: %v", err)
		return
	}
	rate, channels, err := sendTune(conn, r.roomID)
	if err != nil {
		log.Printf("BROADCAST: tune: %v", err)
		_ = conn.Close()
		return
	}

	in := &Inbound{
		SSRC:       msg.SSRC,
		SampleRate: rate,
		Channels:   channels,
		frames:     make(chan []byte, 64),
	}

	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		_ = conn.Close()
		in.close()
		return
	}
	r.conn = conn
	r.inbound = in
	r.state = StateLive
	r.live = true
	r.mu.Unlock()

	if !r.deliver(in) {
		_ = conn.Close()
		in.close()
		return
	}
	r.notify()
	log.Printf("BROADCAST: tuned in ssrc=%d (%d Hz, %d ch)", in.SSRC, rate, channels)

	go r.read(conn, in)
}

// read pulls frames off one audio stream until it dies, then drops back to
// connecting so the host's next publish can be picked up.
func (r *ReceiverChannel) read(conn io.ReadWriteCloser, in *Inbound) {
	for {
		kind, payload, err := readFrame(conn)
		if err != nil {
			break
		}
		switch kind {
		case frameRTP:
			var pkt rtp.Packet
			if err := pkt.Unmarshal(payload); err != nil {
				continue
			}
			if pkt.SSRC != in.SSRC || pkt.PayloadType != rtpPayloadType {
				continue
			}
			in.push(pkt.Timestamp, pkt.Payload)
		case frameRTCP:
			pkts, err := rtcp.Unmarshal(payload)
			if err != nil {
				continue
			}
			for _, p := range pkts {
				if sr, ok := p.(*rtcp.SenderReport); ok && sr.SSRC == in.SSRC {
					in.advance(sr.RTPTime)
				}
			}
		}
	}

	in.close()
	r.mu.Lock()
	current := r.conn == conn
	if current {
		r.conn = nil
		r.inbound = nil
		if r.state == StateLive {
			r.state = StateConnecting
		}
		r.live = false
	}
	r.mu.Unlock()
	if current {
		r.notify()
		log.Printf("BROADCAST: stream ssrc=%d ended", in.SSRC)
	}
}

// Streams yields one Inbound per distinct stream the host publishes. Closed
// on Stop.
func (r *ReceiverChannel) Streams() <-chan *Inbound { return r.streams }

// MarkStopped flips the live indicator off immediately, ahead of the audio
// stream actually draining. Used when an interrupt semantically stops
// playback.
func (r *ReceiverChannel) MarkStopped() {
	r.mu.Lock()
	changed := r.live
	r.live = false
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// Live reports whether the live indicator should show.
func (r *ReceiverChannel) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// State reports the channel's connection state.
func (r *ReceiverChannel) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe returns a channel of display updates plus a cancel func.
func (r *ReceiverChannel) Subscribe() (ch chan Update, cancel func()) {
	ch = make(chan Update, 16)

	r.listenerMu.Lock()
	r.listeners[ch] = struct{}{}
	r.listenerMu.Unlock()

	cancel = func() {
		r.listenerMu.Lock()
		if _, ok := r.listeners[ch]; ok {
			delete(r.listeners, ch)
			close(ch)
		}
		r.listenerMu.Unlock()
	}
	return ch, cancel
}

// Stop leaves the room and releases the stream. Safe to call repeatedly and
// in any state.
func (r *ReceiverChannel) Stop() {
	r.mu.Lock()
	if r.state == StateStopped || r.state == StateIdle {
		r.mu.Unlock()
		return
	}
	r.state = StateStopped
	r.live = false
	sess := r.sess
	r.sess = nil
	conn := r.conn
	r.conn = nil
	in := r.inbound
	r.inbound = nil
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
	if r.evCancel != nil {
		r.evCancel()
		r.evCancel = nil
	}
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if in != nil {
		in.close()
	}
	if sess != nil {
		_ = sess.Announce(proto.ControlMsg{
			Type: proto.TypeLeave,
			From: sess.SelfID(),
			TS:   proto.NowMillis(),
		})
		_ = sess.Close()
	}
	r.streamMu.Lock()
	if !r.streamsClosed {
		r.streamsClosed = true
		close(r.streams)
	}
	r.streamMu.Unlock()
	r.notify()
	log.Printf("BROADCAST: receiver stopped")
}

func (r *ReceiverChannel) notify() {
	r.mu.Lock()
	up := Update{State: r.state, Live: r.live}
	if r.inbound != nil {
		up.SSRC = r.inbound.SSRC
	}
	r.mu.Unlock()

	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	for ch := range r.listeners {
		select {
		case ch <- up:
		default:
		}
	}
}
