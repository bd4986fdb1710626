// Package broadcast distributes the host's tapped audio to every receiver
// joined to a room. Control messages (live/stopped announcements) travel over
// the room's pubsub topic; audio travels over per-peer streams as RTP packets
// with periodic RTCP sender reports. The package only consumes signaling
// through the Signaler interface; the libp2p implementation lives in
// internal/p2p.
package broadcast

import (
	"context"
	"errors"
	"io"

	"github.com/buzzdeck/buzzdeck/internal/proto"
)

// ErrSignalingUnavailable marks a session that could not reach the signaling
// layer. The channel does not retry; callers decide whether to try again.
var ErrSignalingUnavailable = errors.New("signaling unavailable")

// Event kinds delivered by Session.Subscribe.
const (
	EventControl    = "control"
	EventPeerJoined = "peer-joined"
	EventPeerLeft   = "peer-left"
)

// Event is one occurrence in a room: a control message from a peer, or peer
// churn reported by the signaling layer.
type Event struct {
	Kind string
	Peer string
	Msg  proto.ControlMsg
}

// Session is one participant's attachment to a room.
type Session interface {
	// SelfID identifies this participant to the rest of the room.
	SelfID() string

	// Announce publishes a control message to everyone in the room.
	Announce(msg proto.ControlMsg) error

	// Subscribe returns a channel of room events plus a cancel func. Multiple
	// subscribers each get every event; slow ones drop.
	Subscribe() (<-chan Event, func())

	// OpenAudio dials the peer's audio endpoint.
	OpenAudio(ctx context.Context, peerID string) (io.ReadWriteCloser, error)

	// HandleAudio registers the callback serving inbound audio dials.
	HandleAudio(fn func(conn io.ReadWriteCloser))

	Close() error
}

// Signaler hands out room sessions. Reconnection and peer discovery are its
// problem, not this package's.
type Signaler interface {
	Connect(ctx context.Context, roomID string) (Session, error)
}

// ConnState tracks a channel's lifecycle.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateLive
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}
