package proto

import "time"

const (
	// Gossipsub topic for a room's control plane. Room ID is appended.
	RoomTopicPrefix = "buzzdeck.room."

	MdnsTag = "buzzdeck-mdns"

	// libp2p stream protocol ID used by receivers to pull the host's live audio
	AudioProtoID = "/buzzdeck/audio/1.0.0"
)

// Control message types flowing over the room topic.
const (
	TypeLive    = "live"    // host: a stream is being published
	TypeStopped = "stopped" // host: publishing stopped
	TypeBuzz    = "buzz"    // any participant: buzz pressed
	TypeReset   = "reset"   // host: new round, buzz accepted again
	TypeJoin    = "join"    // participant entered the room
	TypeLeave   = "leave"   // participant left the room
)

// ControlMsg is the JSON wire format for room control messages.
type ControlMsg struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"` // sender peer ID

	// TypeLive fields, enough for a receiver to tune in.
	SSRC       uint32 `json:"ssrc,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// TypeBuzz fields.
	Player string `json:"player,omitempty"`
	Answer string `json:"answer,omitempty"`

	TS int64 `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
