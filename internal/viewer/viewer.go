// Package viewer exposes the display state over HTTP: a JSON snapshot at
// /api/state and a websocket push feed at /ws. It renders nothing itself;
// any frontend can sit on top.
package viewer

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buzzdeck/buzzdeck/internal/console"
	"github.com/buzzdeck/buzzdeck/internal/deck"
	"github.com/buzzdeck/buzzdeck/internal/interrupt"
)

// DeckView is the per-deck display state.
type DeckView struct {
	Title    string  `json:"title,omitempty"`
	Status   string  `json:"status"`
	Loop     bool    `json:"loop"`
	Progress float64 `json:"progress"` // currentTime/duration in [0,1]
	Volume   float64 `json:"volume"`
}

// WinnerView is the accepted buzz shown after an interrupt.
type WinnerView struct {
	Player string `json:"player"`
	Answer string `json:"answer,omitempty"`
}

// Snapshot is everything a frontend needs to render.
type Snapshot struct {
	Role      string              `json:"role"`
	Master    float64             `json:"master"`
	MasterPct int                 `json:"master_pct"`
	Muted     bool                `json:"muted"`
	Active    string              `json:"active,omitempty"`
	Decks     map[string]DeckView `json:"decks"`
	Live      bool                `json:"live"`
	Winner    *WinnerView         `json:"winner,omitempty"`
}

// Controls are the operations the viewer exposes for a frontend to drive.
// Nil fields return 404. The receiver side typically wires only Buzz.
type Controls struct {
	Play        func(deckID, name string) error
	TogglePause func()
	ToggleLoop  func(deckID string) error
	SetVolume   func(v float64)
	ToggleMute  func()
	Buzz        func(answer string) error
	Reset       func() error
	Catalog     func(deckID, query string) []deck.Asset
}

// Server serves the display state. Mutators may be called from any
// goroutine; every change is pushed to connected websocket clients.
type Server struct {
	mu   sync.RWMutex
	snap Snapshot
	ctl  Controls

	clientMu sync.Mutex
	clients  map[chan []byte]struct{}

	srv      *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader
}

// NewServer creates a viewer for the given role ("host" or "receiver").
func NewServer(role string) *Server {
	s := &Server{
		snap:    Snapshot{Role: role, Master: 1, MasterPct: 100, Decks: map[string]DeckView{}},
		clients: make(map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// SetControls wires the operations the HTTP control endpoints drive. Call
// before Start.
func (s *Server) SetControls(c Controls) {
	s.ctl = c
}

// Start begins serving on bind (e.g. "127.0.0.1:8765").
func (s *Server) Start(bind string) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/catalog", s.handleCatalog)
	mux.HandleFunc("/api/play", s.handlePlay)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/loop", s.handleLoop)
	mux.HandleFunc("/api/volume", s.handleVolume)
	mux.HandleFunc("/api/mute", s.handleMute)
	mux.HandleFunc("/api/buzz", s.handleBuzz)
	mux.HandleFunc("/api/reset", s.handleReset)

	s.ln = ln
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("VIEWER: serve: %v", err)
		}
	}()

	log.Printf("VIEWER: listening on http://%s", ln.Addr())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// ApplyConsole folds a console state change into the display snapshot.
func (s *Server) ApplyConsole(st console.State) {
	s.mu.Lock()
	s.snap.Master = st.Master
	s.snap.MasterPct = int(st.Master*100 + 0.5)
	s.snap.Muted = st.Muted
	s.snap.Active = st.Active
	decks := make(map[string]DeckView, len(st.Decks))
	for id, d := range st.Decks {
		v := DeckView{
			Title:  st.NowPlaying[id],
			Status: d.StatusStr,
			Loop:   d.Loop,
			Volume: d.Volume,
		}
		if d.Duration > 0 {
			v.Progress = float64(d.Position) / float64(d.Duration)
		}
		decks[id] = v
	}
	s.snap.Decks = decks
	s.mu.Unlock()
	s.push()
}

// SetLive flips the receiver's live indicator.
func (s *Server) SetLive(live bool) {
	s.mu.Lock()
	changed := s.snap.Live != live
	s.snap.Live = live
	s.mu.Unlock()
	if changed {
		s.push()
	}
}

// SetWinner shows the accepted buzz.
func (s *Server) SetWinner(sig interrupt.Signal) {
	s.mu.Lock()
	s.snap.Winner = &WinnerView{Player: sig.Player, Answer: sig.Answer}
	s.mu.Unlock()
	s.push()
}

// ClearWinner hides the winner display for the next round.
func (s *Server) ClearWinner() {
	s.mu.Lock()
	s.snap.Winner = nil
	s.mu.Unlock()
	s.push()
}

// Snapshot returns a copy of the current display state.
func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	decks := make(map[string]DeckView, len(snap.Decks))
	for id, d := range snap.Decks {
		decks[id] = d
	}
	snap.Decks = decks
	if s.snap.Winner != nil {
		w := *s.snap.Winner
		snap.Winner = &w
	}
	return snap
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Snapshot())
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.ctl.Catalog == nil {
		http.NotFound(w, r)
		return
	}
	assets := s.ctl.Catalog(r.URL.Query().Get("deck"), r.URL.Query().Get("q"))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(assets)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if s.ctl.Play == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	deckID := r.URL.Query().Get("deck")
	name := r.URL.Query().Get("name")
	if deckID == "" || name == "" {
		http.Error(w, "deck and name required", http.StatusBadRequest)
		return
	}
	if err := s.ctl.Play(deckID, name); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.ctl.TogglePause == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.ctl.TogglePause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	if s.ctl.ToggleLoop == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctl.ToggleLoop(r.URL.Query().Get("deck")); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	if s.ctl.SetVolume == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	v, err := strconv.ParseFloat(r.URL.Query().Get("v"), 64)
	if err != nil {
		http.Error(w, "v must be a number in [0,1]", http.StatusBadRequest)
		return
	}
	s.ctl.SetVolume(v)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	if s.ctl.ToggleMute == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.ctl.ToggleMute()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBuzz(w http.ResponseWriter, r *http.Request) {
	if s.ctl.Buzz == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctl.Buzz(r.URL.Query().Get("answer")); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.ctl.Reset == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctl.Reset(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	out := make(chan []byte, 16)
	s.clientMu.Lock()
	s.clients[out] = struct{}{}
	s.clientMu.Unlock()

	defer func() {
		s.clientMu.Lock()
		delete(s.clients, out)
		s.clientMu.Unlock()
		_ = conn.Close()
	}()

	// Current state first, then live updates.
	if buf, err := json.Marshal(s.Snapshot()); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			return
		}
	}

	// Reads are discarded; the loop just notices the client going away.
	dead := make(chan struct{})
	go func() {
		defer close(dead)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-dead:
			return
		case buf := <-out:
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		}
	}
}

func (s *Server) push() {
	buf, err := json.Marshal(s.Snapshot())
	if err != nil {
		return
	}
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- buf:
		default:
		}
	}
}

func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}
