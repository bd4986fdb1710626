package room

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/buzzdeck/buzzdeck/internal/broadcast"
	"github.com/buzzdeck/buzzdeck/internal/interrupt"
	"github.com/buzzdeck/buzzdeck/internal/proto"
	"github.com/buzzdeck/buzzdeck/internal/storage"
)

type fakeSession struct {
	mu        sync.Mutex
	self      string
	announced []proto.ControlMsg
	events    chan broadcast.Event
}

func newFakeSession(self string) *fakeSession {
	return &fakeSession{self: self, events: make(chan broadcast.Event, 32)}
}

func (f *fakeSession) SelfID() string { return f.self }

func (f *fakeSession) Announce(msg proto.ControlMsg) error {
	f.mu.Lock()
	f.announced = append(f.announced, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Subscribe() (<-chan broadcast.Event, func()) {
	return f.events, func() {}
}

func (f *fakeSession) OpenAudio(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, nil
}

func (f *fakeSession) HandleAudio(func(io.ReadWriteCloser)) {}

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) announcedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.announced))
	for i, m := range f.announced {
		out[i] = m.Type
	}
	return out
}

func (f *fakeSession) inject(msg proto.ControlMsg) {
	f.events <- broadcast.Event{Kind: broadcast.EventControl, Peer: msg.From, Msg: msg}
}

func collectSignals(bus *interrupt.Bus) (*[]interrupt.Signal, *sync.Mutex) {
	var mu sync.Mutex
	var got []interrupt.Signal
	bus.Subscribe(func(sig interrupt.Signal) {
		mu.Lock()
		got = append(got, sig)
		mu.Unlock()
	})
	return &got, &mu
}

func waitForSignals(t *testing.T, got *[]interrupt.Signal, mu *sync.Mutex, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*got)
		mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d signals", want)
}

func TestLocalBuzzWinsAndAnnounces(t *testing.T) {
	sess := newFakeSession("me")
	bus := interrupt.NewBus()
	got, mu := collectSignals(bus)

	m := New(sess, bus, nil, "Alice")
	defer m.Close()
	if err := m.Join("ROOM1", "Quiz"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := m.Buzz("42"); err != nil {
		t.Fatalf("buzz: %v", err)
	}

	mu.Lock()
	if len(*got) != 1 || (*got)[0].Player != "Alice" || (*got)[0].Answer != "42" {
		t.Fatalf("signals = %+v", *got)
	}
	mu.Unlock()

	types := sess.announcedTypes()
	if len(types) != 1 || types[0] != proto.TypeBuzz {
		t.Fatalf("announced = %v", types)
	}
	if w := m.Winner(); w == nil || w.Player != "Alice" {
		t.Fatalf("winner = %+v", w)
	}
}

func TestRemoteBuzzFiresBus(t *testing.T) {
	sess := newFakeSession("me")
	bus := interrupt.NewBus()
	got, mu := collectSignals(bus)

	m := New(sess, bus, nil, "Alice")
	defer m.Close()
	if err := m.Join("ROOM1", "Quiz"); err != nil {
		t.Fatalf("join: %v", err)
	}

	ts := proto.NowMillis()
	sess.inject(proto.ControlMsg{
		Type: proto.TypeBuzz, From: "peer-2", Player: "Bob", Answer: "blue",
		TS: ts,
	})
	waitForSignals(t, got, mu, 1)

	mu.Lock()
	if (*got)[0].Player != "Bob" || (*got)[0].Answer != "blue" {
		t.Fatalf("signal = %+v", (*got)[0])
	}
	// The signal keeps the sender's timestamp, not the receipt time.
	if (*got)[0].At != ts {
		t.Fatalf("signal At = %d, want %d", (*got)[0].At, ts)
	}
	mu.Unlock()
}

func TestFirstBuzzWinsPerRound(t *testing.T) {
	sess := newFakeSession("me")
	bus := interrupt.NewBus()
	got, mu := collectSignals(bus)

	m := New(sess, bus, nil, "Alice")
	defer m.Close()
	if err := m.Join("ROOM1", "Quiz"); err != nil {
		t.Fatalf("join: %v", err)
	}

	sess.inject(proto.ControlMsg{Type: proto.TypeBuzz, From: "peer-2", Player: "Bob", TS: proto.NowMillis()})
	waitForSignals(t, got, mu, 1)

	// Round already won: later buzzes, local or remote, are dropped.
	sess.inject(proto.ControlMsg{Type: proto.TypeBuzz, From: "peer-3", Player: "Carol", TS: proto.NowMillis()})
	if err := m.Buzz("late"); err != nil {
		t.Fatalf("late buzz: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if len(*got) != 1 {
		t.Fatalf("signals = %+v", *got)
	}
	mu.Unlock()
	if types := sess.announcedTypes(); len(types) != 0 {
		t.Fatalf("late buzz announced: %v", types)
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	sess := newFakeSession("me")
	bus := interrupt.NewBus()
	got, mu := collectSignals(bus)

	m := New(sess, bus, nil, "Alice")
	defer m.Close()
	if err := m.Join("ROOM1", "Quiz"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := m.Buzz("mine"); err != nil {
		t.Fatalf("buzz: %v", err)
	}
	// The pubsub echo of our own buzz comes back with From == self.
	sess.inject(proto.ControlMsg{Type: proto.TypeBuzz, From: "me", Player: "Alice", TS: proto.NowMillis()})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if len(*got) != 1 {
		t.Fatalf("signals = %+v", *got)
	}
	mu.Unlock()
}

func TestResetReopensRound(t *testing.T) {
	sess := newFakeSession("me")
	bus := interrupt.NewBus()
	got, mu := collectSignals(bus)

	m := New(sess, bus, nil, "Host")
	defer m.Close()
	if err := m.Host("ROOM1", "Quiz"); err != nil {
		t.Fatalf("host: %v", err)
	}

	sess.inject(proto.ControlMsg{Type: proto.TypeBuzz, From: "peer-2", Player: "Bob", TS: proto.NowMillis()})
	waitForSignals(t, got, mu, 1)

	if err := m.ResetRound(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if m.Winner() != nil {
		t.Fatal("winner survived reset")
	}

	sess.inject(proto.ControlMsg{Type: proto.TypeBuzz, From: "peer-3", Player: "Carol", TS: proto.NowMillis()})
	waitForSignals(t, got, mu, 2)
}

func TestResetRequiresHost(t *testing.T) {
	sess := newFakeSession("me")
	m := New(sess, interrupt.NewBus(), nil, "Alice")
	defer m.Close()
	if err := m.Join("ROOM1", "Quiz"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.ResetRound(); err == nil {
		t.Fatal("receiver reset must fail")
	}
}

func TestRemoteResetReopensRound(t *testing.T) {
	sess := newFakeSession("me")
	bus := interrupt.NewBus()
	got, mu := collectSignals(bus)

	m := New(sess, bus, nil, "Alice")
	defer m.Close()
	if err := m.Join("ROOM1", "Quiz"); err != nil {
		t.Fatalf("join: %v", err)
	}

	sess.inject(proto.ControlMsg{Type: proto.TypeBuzz, From: "peer-2", Player: "Bob", TS: proto.NowMillis()})
	waitForSignals(t, got, mu, 1)

	sess.inject(proto.ControlMsg{Type: proto.TypeReset, From: "peer-host", TS: proto.NowMillis()})
	deadline := time.Now().Add(2 * time.Second)
	for m.Winner() != nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if m.Winner() != nil {
		t.Fatal("winner survived remote reset")
	}
}

func TestHostRegistryLifecycle(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	sess := newFakeSession("me")
	m := New(sess, interrupt.NewBus(), db, "Host")
	if err := m.Host("ROOM1", "Friday quiz"); err != nil {
		t.Fatalf("host: %v", err)
	}

	rooms, err := db.ListRooms()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Role != RoleHost {
		t.Fatalf("rooms = %+v", rooms)
	}

	m.Close()
	rooms, err = db.ListRooms()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("host row not removed: %+v", rooms)
	}
}

func TestPurgeStale(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := db.SaveRoom(storage.Room{ID: "OLD", Name: "left over", Role: RoleHost}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A generous max age keeps the fresh row.
	if err := PurgeStale(db, time.Hour); err != nil {
		t.Fatalf("purge: %v", err)
	}
	rooms, _ := db.ListRooms()
	if len(rooms) != 1 {
		t.Fatalf("fresh row purged: %+v", rooms)
	}

	// With a zero max age everything predates the cutoff.
	time.Sleep(1100 * time.Millisecond)
	if err := PurgeStale(db, 0); err != nil {
		t.Fatalf("purge: %v", err)
	}
	rooms, _ = db.ListRooms()
	if len(rooms) != 0 {
		t.Fatalf("stale row survived: %+v", rooms)
	}
}
