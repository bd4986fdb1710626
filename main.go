// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/buzzdeck/buzzdeck/internal/app"
)

var (
	configPath = flag.String("config", "buzzdeck.json", "Path to the config file (created if missing)")
	roomID     = flag.String("room", "", "Room to host or join")
	hostRoom   = flag.Bool("host", false, "Host the room (publish audio) instead of joining it")
	playerName = flag.String("name", "", "Player name shown on buzzes (defaults to hostname)")
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("buzzdeck v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}
	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "Error: -room is required")
		showUsage()
		os.Exit(1)
	}

	name := *playerName
	if name == "" {
		if hn, err := os.Hostname(); err == nil {
			name = hn
		} else {
			name = "player"
		}
	}

	absConfig, err := filepath.Abs(*configPath)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, app.Options{
		ConfigPath: absConfig,
		RoomID:     *roomID,
		Host:       *hostRoom,
		PlayerName: name,
	})
	if err != nil {
		log.Fatalf("buzzdeck: %v", err)
	}
}

func showUsage() {
	fmt.Println("buzzdeck - host-synchronized dual-deck audio broadcast")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  buzzdeck -room ROOM -host          host a room and publish audio")
	fmt.Println("  buzzdeck -room ROOM -name Alice    join a room as a receiver")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
