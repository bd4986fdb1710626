// Package app wires the whole node together: config, storage, the libp2p
// node, and then either the host pipeline (decks, console, tap, broadcast)
// or the receiver pipeline (inbound stream playback).
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/buzzdeck/buzzdeck/internal/broadcast"
	"github.com/buzzdeck/buzzdeck/internal/catalog"
	"github.com/buzzdeck/buzzdeck/internal/config"
	"github.com/buzzdeck/buzzdeck/internal/console"
	"github.com/buzzdeck/buzzdeck/internal/deck"
	"github.com/buzzdeck/buzzdeck/internal/interrupt"
	"github.com/buzzdeck/buzzdeck/internal/p2p"
	"github.com/buzzdeck/buzzdeck/internal/room"
	"github.com/buzzdeck/buzzdeck/internal/storage"
	"github.com/buzzdeck/buzzdeck/internal/tap"
	"github.com/buzzdeck/buzzdeck/internal/util"
	"github.com/buzzdeck/buzzdeck/internal/viewer"
)

// Registry rows older than this are leftovers from crashed sessions.
const staleRoomAge = 24 * time.Hour

// How often the display progress bar refreshes while something plays.
const progressInterval = 500 * time.Millisecond

// Options come from the command line.
type Options struct {
	ConfigPath string
	RoomID     string
	Host       bool
	PlayerName string
}

// Run starts the node and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	if opts.RoomID == "" {
		return errors.New("a room id is required")
	}

	cfg, created, err := config.Ensure(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if created {
		log.Printf("APP: wrote default config to %s", opts.ConfigPath)
	}
	baseDir := filepath.Dir(opts.ConfigPath)

	db, err := storage.Open(util.ResolvePath(baseDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()
	if err := room.PurgeStale(db, staleRoomAge); err != nil {
		log.Printf("APP: stale room purge: %v", err)
	}

	node, err := p2p.New(ctx, cfg.P2P.ListenPort, util.ResolvePath(baseDir, cfg.Identity.KeyFile), cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	defer node.Close()
	if addrs := node.Addrs(); len(addrs) > 0 {
		log.Printf("APP: reachable at %v", addrs)
	}

	bus := interrupt.NewBus()
	defer bus.Close()

	sess, err := node.Connect(ctx, opts.RoomID)
	if err != nil {
		return fmt.Errorf("room session: %w", err)
	}
	defer sess.Close()

	mgr := room.New(sess, bus, db, opts.PlayerName)
	defer mgr.Close()

	if opts.Host {
		return runHost(ctx, cfg, baseDir, node, bus, mgr, opts)
	}
	return runReceiver(ctx, cfg, node, bus, mgr, opts)
}

func runHost(ctx context.Context, cfg config.Config, baseDir string, node *p2p.Node, bus *interrupt.Bus, mgr *room.Manager, opts Options) error {
	engine, err := deck.NewEngine(cfg.Audio.SampleRate, cfg.Audio.SpeakerBufferMs)
	if err != nil {
		return fmt.Errorf("speaker: %w", err)
	}

	splitters := map[string]*tap.Splitter{
		console.Left:  tap.NewSplitter(),
		console.Right: tap.NewSplitter(),
	}
	fadeTick := time.Duration(cfg.Audio.FadeTickMs) * time.Millisecond

	var cons *console.Console
	onChange := func(id string) { cons.DeckChanged(id) }
	left := deck.New(console.Left, engine.Opener(splitters[console.Left]), fadeTick, onChange)
	right := deck.New(console.Right, engine.Opener(splitters[console.Right]), fadeTick, onChange)
	cons = console.New(left, right)
	defer cons.Close()

	capTap := tap.New(splitters, 32)
	defer capTap.Close()

	cats, err := openCatalogs(baseDir, cfg.Catalog)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range cats {
			c.Close()
		}
	}()

	// Streaming is best effort: a signaling failure must never take local
	// playback down with it.
	hostCh := broadcast.NewHost(node, cfg.Audio.SampleRate, cfg.Audio.Channels)
	defer hostCh.Stop()
	if err := hostCh.Start(ctx, opts.RoomID); err != nil {
		log.Printf("APP: broadcast unavailable, playing locally only: %v", err)
	} else if err := hostCh.Publish(capTap.Frames()); err != nil {
		log.Printf("APP: publish: %v", err)
	}

	view := viewer.NewServer(room.RoleHost)
	defer view.Close()

	// The tap follows the active deck; display state follows the console.
	consCh, consCancel := cons.Subscribe()
	defer consCancel()
	go func() {
		for st := range consCh {
			switch {
			case st.Active == "":
				capTap.Detach()
			case st.Active != capTap.Attached():
				if err := capTap.Attach(st.Active); err != nil {
					log.Printf("APP: tap attach: %v", err)
				}
			}
			view.ApplyConsole(st)
		}
	}()

	busCancel := bus.Subscribe(func(sig interrupt.Signal) {
		cons.HandleInterrupt()
		view.SetWinner(sig)
	})
	defer busCancel()

	removeHook := interrupt.InstallPauseHook(cons.HandleInterrupt)
	defer removeHook()

	if err := mgr.Host(opts.RoomID, opts.RoomID); err != nil {
		return err
	}

	view.SetControls(viewer.Controls{
		Play: func(deckID, name string) error {
			cat, ok := cats[deckID]
			if !ok {
				return fmt.Errorf("unknown deck %q", deckID)
			}
			a, ok := cat.Find(name)
			if !ok {
				return fmt.Errorf("no track %q in %s catalog", name, deckID)
			}
			return cons.Play(deckID, a)
		},
		TogglePause: cons.TogglePlayPause,
		ToggleLoop:  cons.ToggleLoop,
		SetVolume:   cons.SetMasterVolume,
		ToggleMute:  cons.ToggleMute,
		Buzz:        mgr.Buzz,
		Reset: func() error {
			view.ClearWinner()
			return mgr.ResetRound()
		},
		Catalog: func(deckID, query string) []deck.Asset {
			if cat, ok := cats[deckID]; ok {
				return cat.Filter(query)
			}
			return nil
		},
	})
	if err := view.Start(cfg.Viewer.Bind); err != nil {
		return fmt.Errorf("viewer: %w", err)
	}

	go refreshProgress(ctx, cons, view)

	log.Printf("APP: hosting room %s", opts.RoomID)
	<-ctx.Done()
	return nil
}

func runReceiver(ctx context.Context, cfg config.Config, node *p2p.Node, bus *interrupt.Bus, mgr *room.Manager, opts Options) error {
	engine, err := deck.NewEngine(cfg.Audio.SampleRate, cfg.Audio.SpeakerBufferMs)
	if err != nil {
		return fmt.Errorf("speaker: %w", err)
	}

	recv := broadcast.NewReceiver(node)
	defer recv.Stop()
	if err := recv.Join(ctx, opts.RoomID); err != nil {
		return err
	}

	view := viewer.NewServer(room.RoleReceiver)
	defer view.Close()

	go func() {
		for in := range recv.Streams() {
			log.Printf("APP: playing remote stream ssrc=%d", in.SSRC)
			engine.PlayStream(tap.NewPCMSource(in.Frames()), in.SampleRate)
		}
	}()

	updates, updCancel := recv.Subscribe()
	defer updCancel()
	go func() {
		for up := range updates {
			view.SetLive(up.Live)
		}
	}()

	// The semantic stop beats the stream drain: flip the display first.
	busCancel := bus.Subscribe(func(sig interrupt.Signal) {
		recv.MarkStopped()
		view.SetLive(false)
		view.SetWinner(sig)
	})
	defer busCancel()

	if err := mgr.Join(opts.RoomID, opts.RoomID); err != nil {
		return err
	}

	view.SetControls(viewer.Controls{
		Buzz: mgr.Buzz,
	})
	if err := view.Start(cfg.Viewer.Bind); err != nil {
		return fmt.Errorf("viewer: %w", err)
	}

	log.Printf("APP: joined room %s as %s", opts.RoomID, opts.PlayerName)
	<-ctx.Done()
	return nil
}

func openCatalogs(baseDir string, cfg config.Catalog) (map[string]*catalog.Catalog, error) {
	dirs := map[string]string{
		console.Left:  util.ResolvePath(baseDir, cfg.LeftDir),
		console.Right: util.ResolvePath(baseDir, cfg.RightDir),
	}
	cats := make(map[string]*catalog.Catalog, len(dirs))
	for id, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("catalog dir %s: %w", dir, err)
		}
		c, err := catalog.Open(dir)
		if err != nil {
			for _, open := range cats {
				open.Close()
			}
			return nil, err
		}
		cats[id] = c
	}
	return cats, nil
}

// refreshProgress pushes periodic console snapshots so progress bars advance
// between state changes.
func refreshProgress(ctx context.Context, cons *console.Console, view *viewer.Server) {
	t := time.NewTicker(progressInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := cons.Snapshot()
			if st.Active != "" {
				view.ApplyConsole(st)
			}
		}
	}
}
