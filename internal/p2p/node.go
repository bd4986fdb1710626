// Package p2p implements the signaling layer on libp2p: peer identity, LAN
// discovery over mDNS, a gossipsub control plane per room, and raw audio
// streams between peers. It satisfies broadcast.Signaler; everything above it
// stays ignorant of libp2p types.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/buzzdeck/buzzdeck/internal/broadcast"
	"github.com/buzzdeck/buzzdeck/internal/proto"
	"github.com/buzzdeck/buzzdeck/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "error")
}

// Node is one libp2p host. Room sessions created through Connect share the
// underlying gossipsub topic; the topic is left when the last session for
// that room closes.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	ctx  context.Context

	mu    sync.Mutex
	rooms map[string]*roomState

	audioMu sync.Mutex
	audioFn func(io.ReadWriteCloser)
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the libp2p host: persistent identity, TCP listener, mDNS
// discovery, gossipsub.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	if mdnsTag == "" {
		mdnsTag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:  h,
		ps:    ps,
		ctx:   ctx,
		rooms: make(map[string]*roomState),
	}

	h.SetStreamHandler(protocol.ID(proto.AudioProtoID), func(s network.Stream) {
		n.audioMu.Lock()
		fn := n.audioFn
		n.audioMu.Unlock()
		if fn == nil {
			_ = s.Reset()
			return
		}
		fn(s)
	})

	log.Printf("P2P: node up, peer id %s", h.ID())
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the host's reachable multiaddresses, filtering loopback and
// link-local ones. Used for startup logging so operators can see where the
// node can be reached.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// Connect joins roomID's control topic and returns a session for it. Repeat
// calls for the same room share one topic join; the topic is left when every
// session has been closed.
func (n *Node) Connect(ctx context.Context, roomID string) (broadcast.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rs, ok := n.rooms[roomID]
	if !ok {
		topic, err := n.ps.Join(proto.RoomTopicPrefix + roomID)
		if err != nil {
			return nil, fmt.Errorf("join room topic: %w", err)
		}
		sub, err := topic.Subscribe()
		if err != nil {
			_ = topic.Close()
			return nil, fmt.Errorf("subscribe room topic: %w", err)
		}
		loopCtx, cancel := context.WithCancel(n.ctx)
		rs = &roomState{
			node:   n,
			roomID: roomID,
			topic:  topic,
			sub:    sub,
			cancel: cancel,
			subs:   make(map[chan broadcast.Event]struct{}),
		}
		n.rooms[roomID] = rs
		go rs.readLoop(loopCtx)
		go rs.peerLoop(loopCtx)
		log.Printf("P2P: joined room topic %s", roomID)
	}
	rs.refs++
	return &session{rs: rs}, nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	rooms := make([]*roomState, 0, len(n.rooms))
	for _, rs := range n.rooms {
		rooms = append(rooms, rs)
	}
	n.rooms = make(map[string]*roomState)
	n.mu.Unlock()

	for _, rs := range rooms {
		rs.teardown()
	}
	return n.Host.Close()
}

// roomState is the per-room fan-out shared by every session of this node
// attached to the room.
type roomState struct {
	node   *Node
	roomID string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	mu   sync.Mutex
	refs int
	subs map[chan broadcast.Event]struct{}
	dead bool
}

func (rs *roomState) readLoop(ctx context.Context) {
	for {
		m, err := rs.sub.Next(ctx)
		if err != nil {
			return
		}
		var cm proto.ControlMsg
		if err := json.Unmarshal(m.Data, &cm); err != nil {
			continue
		}
		if cm.Type == "" {
			continue
		}
		rs.fanOut(broadcast.Event{Kind: broadcast.EventControl, Peer: cm.From, Msg: cm})
	}
}

// peerLoop surfaces gossipsub peer churn as join/leave events.
func (rs *roomState) peerLoop(ctx context.Context) {
	h, err := rs.topic.EventHandler()
	if err != nil {
		log.Printf("P2P: topic event handler: %v", err)
		return
	}
	defer h.Cancel()
	for {
		ev, err := h.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		kind := broadcast.EventPeerJoined
		if ev.Type == pubsub.PeerLeave {
			kind = broadcast.EventPeerLeft
		}
		rs.fanOut(broadcast.Event{Kind: kind, Peer: ev.Peer.String()})
	}
}

func (rs *roomState) fanOut(ev broadcast.Event) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for ch := range rs.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// release drops one session reference; the last one leaves the topic.
func (rs *roomState) release() {
	rs.mu.Lock()
	rs.refs--
	last := rs.refs <= 0 && !rs.dead
	rs.mu.Unlock()
	if !last {
		return
	}

	rs.node.mu.Lock()
	delete(rs.node.rooms, rs.roomID)
	rs.node.mu.Unlock()
	rs.teardown()
}

func (rs *roomState) teardown() {
	rs.mu.Lock()
	if rs.dead {
		rs.mu.Unlock()
		return
	}
	rs.dead = true
	subs := rs.subs
	rs.subs = make(map[chan broadcast.Event]struct{})
	rs.mu.Unlock()

	rs.cancel()
	rs.sub.Cancel()
	_ = rs.topic.Close()
	for ch := range subs {
		close(ch)
	}
	log.Printf("P2P: left room topic %s", rs.roomID)
}

// session is one broadcast.Session over the shared room state.
type session struct {
	rs   *roomState
	once sync.Once
}

func (s *session) SelfID() string { return s.rs.node.ID() }

func (s *session) Announce(msg proto.ControlMsg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.rs.topic.Publish(s.rs.node.ctx, b)
}

func (s *session) Subscribe() (<-chan broadcast.Event, func()) {
	ch := make(chan broadcast.Event, 32)
	rs := s.rs

	rs.mu.Lock()
	if rs.dead {
		rs.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	rs.subs[ch] = struct{}{}
	rs.mu.Unlock()

	cancel := func() {
		rs.mu.Lock()
		if _, ok := rs.subs[ch]; ok {
			delete(rs.subs, ch)
			close(ch)
		}
		rs.mu.Unlock()
	}
	return ch, cancel
}

func (s *session) OpenAudio(ctx context.Context, peerID string) (io.ReadWriteCloser, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}

	// Best effort connect (mDNS usually already connected)
	_ = s.rs.node.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	st, err := s.rs.node.Host.NewStream(ctx, pid, protocol.ID(proto.AudioProtoID))
	if err != nil {
		return nil, fmt.Errorf("open audio stream: %w", err)
	}
	return st, nil
}

func (s *session) HandleAudio(fn func(io.ReadWriteCloser)) {
	n := s.rs.node
	n.audioMu.Lock()
	n.audioFn = fn
	n.audioMu.Unlock()
}

func (s *session) Close() error {
	s.once.Do(s.rs.release)
	return nil
}
