package broadcast

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/buzzdeck/buzzdeck/internal/proto"
)

const (
	// per-receiver outbound queue; a stalled receiver drops frames, it never
	// stalls the pump
	connQueue = 64

	senderReportEvery = time.Second
)

// HostChannel publishes tapped PCM16 frames to every receiver tuned into a
// room. One publish pump runs at a time; Publish replaces it under a fresh
// SSRC so receivers can tell streams apart without rejoining.
type HostChannel struct {
	sig        Signaler
	sampleRate int
	channels   int

	mu      sync.Mutex
	state   ConnState
	roomID  string
	sess    Session
	conns   map[*hostConn]struct{}
	current *pump
	stopCh  chan struct{}
	evCancel func()
}

type hostConn struct {
	rwc  io.ReadWriteCloser
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (c *hostConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.rwc.Close()
	})
}

// pump is one published stream: a frame source plus the RTP identity minted
// for it.
type pump struct {
	ssrc    uint32
	frames  <-chan []byte
	stop    chan struct{}
	once    sync.Once

	seq     uint16
	rtpTime uint32
	packets uint32
	octets  uint32
}

func (p *pump) cancel() { p.once.Do(func() { close(p.stop) }) }

// NewHost creates a host channel for PCM16 audio with the given parameters.
func NewHost(sig Signaler, sampleRate, channels int) *HostChannel {
	return &HostChannel{
		sig:        sig,
		sampleRate: sampleRate,
		channels:   channels,
		conns:      make(map[*hostConn]struct{}),
	}
}

// Start establishes the publishing session for roomID. Calling it again for
// the same room while live is a no-op; a different room is an error. On
// signaling failure the channel lands in stopped and reports
// ErrSignalingUnavailable without retrying.
func (h *HostChannel) Start(ctx context.Context, roomID string) error {
	h.mu.Lock()
	if h.state == StateLive || h.state == StateConnecting {
		same := h.roomID == roomID
		h.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("broadcast: already hosting room %s", h.roomID)
	}
	h.state = StateConnecting
	h.roomID = roomID
	h.stopCh = make(chan struct{})
	stopCh := h.stopCh
	h.mu.Unlock()

	sess, err := h.sig.Connect(ctx, roomID)
	if err != nil {
		h.mu.Lock()
		h.state = StateStopped
		h.mu.Unlock()
		return fmt.Errorf("broadcast: host %s: %w: %v", roomID, ErrSignalingUnavailable, err)
	}

	sess.HandleAudio(h.serveAudio)
	events, cancel := sess.Subscribe()

	h.mu.Lock()
	if h.state != StateConnecting || h.stopCh != stopCh {
		// Stopped while connecting.
		h.mu.Unlock()
		cancel()
		_ = sess.Close()
		return nil
	}
	h.sess = sess
	h.state = StateLive
	h.evCancel = cancel
	h.mu.Unlock()

	go h.watchJoins(events, stopCh)

	log.Printf("BROADCAST: hosting room %s", roomID)
	return nil
}

// watchJoins re-announces the current stream whenever a peer shows up, so
// late joiners don't wait for the next publish.
func (h *HostChannel) watchJoins(events <-chan Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			joined := ev.Kind == EventPeerJoined ||
				(ev.Kind == EventControl && ev.Msg.Type == proto.TypeJoin)
			if joined {
				h.announceLive()
			}
		}
	}
}

// Publish replaces the currently published stream with frames. Receivers
// already connected pick up the new SSRC from the announcement; no rejoin
// needed. No-op error if the channel is not live.
func (h *HostChannel) Publish(frames <-chan []byte) error {
	h.mu.Lock()
	if h.state != StateLive {
		h.mu.Unlock()
		return fmt.Errorf("broadcast: publish while %s", h.state)
	}
	if h.current != nil {
		h.current.cancel()
	}
	p := &pump{
		ssrc:   newSSRC(),
		frames: frames,
		stop:   make(chan struct{}),
	}
	h.current = p
	h.mu.Unlock()

	h.announceLive()
	go h.run(p)

	log.Printf("BROADCAST: publishing stream ssrc=%d", p.ssrc)
	return nil
}

func (h *HostChannel) run(p *pump) {
	reports := time.NewTicker(senderReportEvery)
	defer reports.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-reports.C:
			h.fanOut(frameBytes(frameRTCP, p.senderReport()))
		case frame, ok := <-p.frames:
			if !ok {
				return
			}
			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    rtpPayloadType,
					SequenceNumber: p.seq,
					Timestamp:      p.rtpTime,
					SSRC:           p.ssrc,
				},
				Payload: frame,
			}
			raw, err := pkt.Marshal()
			if err != nil {
				log.Printf("BROADCAST: rtp marshal: %v", err)
				continue
			}
			p.seq++
			p.rtpTime += uint32(len(frame) / (2 * h.channels))
			p.packets++
			p.octets += uint32(len(frame))
			h.fanOut(frameBytes(frameRTP, raw))
		}
	}
}

func (p *pump) senderReport() []byte {
	sr := rtcp.SenderReport{
		SSRC:        p.ssrc,
		NTPTime:     ntpTime(time.Now()),
		RTPTime:     p.rtpTime,
		PacketCount: p.packets,
		OctetCount:  p.octets,
	}
	raw, err := sr.Marshal()
	if err != nil {
		return nil
	}
	return raw
}

func (h *HostChannel) fanOut(buf []byte) {
	if buf == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.out <- buf:
		default:
		}
	}
}

// serveAudio handles one receiver's dial: handshake, then copy queued frames
// until the receiver hangs up or the channel stops.
func (h *HostChannel) serveAudio(rwc io.ReadWriteCloser) {
	h.mu.Lock()
	room := h.roomID
	stop := h.stopCh
	live := h.state == StateLive
	h.mu.Unlock()

	if !live {
		_ = rwc.Close()
		return
	}
	if err := readTune(rwc, room, h.sampleRate, h.channels); err != nil {
		log.Printf("BROADCAST: handshake failed: %v", err)
		_ = rwc.Close()
		return
	}

	c := &hostConn{
		rwc:  rwc,
		out:  make(chan []byte, connQueue),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	log.Printf("BROADCAST: receiver tuned in (%d connected)", n)

	defer func() {
		c.close()
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case buf := <-c.out:
			if _, err := rwc.Write(buf); err != nil {
				return
			}
		}
	}
}

func (h *HostChannel) announceLive() {
	h.mu.Lock()
	sess := h.sess
	var ssrc uint32
	if h.current != nil {
		ssrc = h.current.ssrc
	}
	h.mu.Unlock()

	if sess == nil || ssrc == 0 {
		return
	}
	msg := proto.ControlMsg{
		Type:       proto.TypeLive,
		From:       sess.SelfID(),
		SSRC:       ssrc,
		SampleRate: h.sampleRate,
		Channels:   h.channels,
		TS:         proto.NowMillis(),
	}
	if err := sess.Announce(msg); err != nil {
		log.Printf("BROADCAST: announce live: %v", err)
	}
}

// State reports the channel's connection state.
func (h *HostChannel) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stop tears the session down: stops the pump, hangs up every receiver,
// announces stopped. Safe to call repeatedly and in any state.
func (h *HostChannel) Stop() {
	h.mu.Lock()
	if h.state == StateStopped || h.state == StateIdle {
		h.mu.Unlock()
		return
	}
	h.state = StateStopped
	sess := h.sess
	h.sess = nil
	if h.current != nil {
		h.current.cancel()
		h.current = nil
	}
	if h.stopCh != nil {
		close(h.stopCh)
		h.stopCh = nil
	}
	if h.evCancel != nil {
		h.evCancel()
		h.evCancel = nil
	}
	conns := h.conns
	h.conns = make(map[*hostConn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.close()
	}
	if sess != nil {
		_ = sess.Announce(proto.ControlMsg{
			Type: proto.TypeStopped,
			From: sess.SelfID(),
			TS:   proto.NowMillis(),
		})
		_ = sess.Close()
	}
	log.Printf("BROADCAST: host stopped")
}

func newSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

// ntpTime converts t to the 64-bit NTP format sender reports use.
func ntpTime(t time.Time) uint64 {
	// 2208988800 is the offset between the NTP and Unix epochs.
	secs := uint64(t.Unix()) + 2208988800
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return secs<<32 | frac
}
