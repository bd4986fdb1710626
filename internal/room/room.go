// Package room ties a participant to a quiz room: it publishes this
// participant's buzz presses, arbitrates first-buzz-wins per round, and feeds
// accepted buzzes into the interrupt bus.
package room

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/buzzdeck/buzzdeck/internal/broadcast"
	"github.com/buzzdeck/buzzdeck/internal/interrupt"
	"github.com/buzzdeck/buzzdeck/internal/proto"
	"github.com/buzzdeck/buzzdeck/internal/storage"
)

// RoleHost and RoleReceiver are the registry role values.
const (
	RoleHost     = "host"
	RoleReceiver = "receiver"
)

// Manager is one participant's membership in a room. The first buzz seen in
// a round (local or remote) wins; later ones are ignored until ResetRound.
type Manager struct {
	sess       broadcast.Session
	bus        *interrupt.Bus
	db         *storage.DB
	playerName string

	mu       sync.Mutex
	roomID   string
	isHost   bool
	winner   *interrupt.Signal
	evCancel func()
	started  bool
	closed   bool
}

// New creates a manager over an established room session. playerName is how
// this participant shows up in buzz signals.
func New(sess broadcast.Session, bus *interrupt.Bus, db *storage.DB, playerName string) *Manager {
	return &Manager{sess: sess, bus: bus, db: db, playerName: playerName}
}

// Host enters the room as its host and records it in the registry.
func (m *Manager) Host(roomID, name string) error {
	return m.enter(roomID, name, true)
}

// Join enters the room as a receiver.
func (m *Manager) Join(roomID, name string) error {
	return m.enter(roomID, name, false)
}

func (m *Manager) enter(roomID, name string, isHost bool) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("room: already in %s", m.roomID)
	}
	m.started = true
	m.roomID = roomID
	m.isHost = isHost
	m.mu.Unlock()

	role := RoleReceiver
	if isHost {
		role = RoleHost
	}
	if m.db != nil {
		if err := m.db.SaveRoom(storage.Room{ID: roomID, Name: name, Role: role}); err != nil {
			log.Printf("ROOM: registry save: %v", err)
		}
	}

	events, cancel := m.sess.Subscribe()
	m.mu.Lock()
	m.evCancel = cancel
	m.mu.Unlock()
	go m.loop(events)

	log.Printf("ROOM: entered %s as %s", roomID, role)
	return nil
}

// Buzz submits this participant's buzz with an optional answer. If the round
// is still open the buzz wins locally at once (the interrupt bus fires on
// the caller's side without waiting for the network echo) and is published
// to the room. A buzz into an already-won round is dropped.
func (m *Manager) Buzz(answer string) error {
	m.mu.Lock()
	if m.closed || !m.started {
		m.mu.Unlock()
		return fmt.Errorf("room: not joined")
	}
	if m.winner != nil {
		m.mu.Unlock()
		return nil
	}
	sig := interrupt.NewSignal(m.sess.SelfID(), m.playerName, answer)
	m.winner = &sig
	m.mu.Unlock()

	err := m.sess.Announce(proto.ControlMsg{
		Type:   proto.TypeBuzz,
		From:   m.sess.SelfID(),
		Player: m.playerName,
		Answer: answer,
		TS:     proto.NowMillis(),
	})
	m.bus.Fire(sig)
	if err != nil {
		return fmt.Errorf("room: publish buzz: %w", err)
	}
	return nil
}

// ResetRound reopens the round so the next buzz wins again. Host only.
func (m *Manager) ResetRound() error {
	m.mu.Lock()
	if !m.isHost {
		m.mu.Unlock()
		return fmt.Errorf("room: only the host resets rounds")
	}
	m.winner = nil
	m.mu.Unlock()

	return m.sess.Announce(proto.ControlMsg{
		Type: proto.TypeReset,
		From: m.sess.SelfID(),
		TS:   proto.NowMillis(),
	})
}

// Winner returns the round's accepted buzz, or nil while the round is open.
func (m *Manager) Winner() *interrupt.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.winner == nil {
		return nil
	}
	w := *m.winner
	return &w
}

func (m *Manager) loop(events <-chan broadcast.Event) {
	for ev := range events {
		if ev.Kind != broadcast.EventControl || ev.Msg.From == m.sess.SelfID() {
			continue
		}
		switch ev.Msg.Type {
		case proto.TypeBuzz:
			m.remoteBuzz(ev.Msg)
		case proto.TypeReset:
			m.mu.Lock()
			m.winner = nil
			m.mu.Unlock()
			log.Printf("ROOM: round reset by %s", ev.Msg.From)
		case proto.TypeJoin:
			log.Printf("ROOM: %s joined", ev.Msg.From)
		case proto.TypeLeave:
			log.Printf("ROOM: %s left", ev.Msg.From)
		}
	}
}

func (m *Manager) remoteBuzz(msg proto.ControlMsg) {
	m.mu.Lock()
	if m.winner != nil {
		m.mu.Unlock()
		return
	}
	sig := interrupt.Signal{
		ID:     fmt.Sprintf("%s-%d", msg.From, msg.TS),
		From:   msg.From,
		Player: msg.Player,
		Answer: msg.Answer,
		At:     msg.TS,
	}
	m.winner = &sig
	m.mu.Unlock()

	log.Printf("ROOM: buzz accepted from %s (%s)", msg.Player, msg.From)
	m.bus.Fire(sig)
}

// Close leaves the room; a host also drops its registry row.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.evCancel
	m.evCancel = nil
	roomID := m.roomID
	isHost := m.isHost
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if isHost && m.db != nil && roomID != "" {
		if err := m.db.DeleteRoom(roomID); err != nil {
			log.Printf("ROOM: registry delete: %v", err)
		}
	}
}

// PurgeStale removes registry rows older than maxAge. Run at startup; rows
// from crashed sessions never get cleaned up otherwise.
func PurgeStale(db *storage.DB, maxAge time.Duration) error {
	rooms, err := db.ListRooms()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, r := range rooms {
		if r.CreatedAt.Before(cutoff) {
			if err := db.DeleteRoom(r.ID); err != nil {
				return err
			}
			log.Printf("ROOM: purged stale room %s (%s)", r.ID, r.Name)
		}
	}
	return nil
}
