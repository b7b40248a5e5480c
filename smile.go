// Smilebox Smile Game
//
// Players join a room over live video and take turns being "on stage". While
// a player performs, everyone else tries to make them laugh; each time another
// player's client reports a smile, the performer earns a point. A shared
// countdown bounds each turn, and the game ends after players × rounds turns.
//
// Features:
// - WebSockets per room ID: /smile/:roomid and /smile/:roomid/ws
// - One goroutine per room serializes every action and timer tick
// - Server-minted session IDs, sent to the client on connect
// - Turn rotation frozen at game start; late joiners spectate until the next game
// - One smile credit per reacting player per turn; performers cannot self-score
// - Performers may pass early; passes consume a turn unless --pass-keeps-turn
// - WebRTC handshake payloads relayed verbatim between sessions, never stored
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - Rooms created lazily on first connection, removed when the last one drops
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Player holds the data we store server-side. Identity is the session id;
// a player exists only while its websocket is connected.
type Player struct {
	SessionID string
	Name      string
}

// Messages coming from clients
type ClientMessage struct {
	Type   string          `json:"type"`             // "join", "start_game", "smile", "next_turn", "signal_offer", "signal_answer"
	Name   string          `json:"name,omitempty"`   // join
	Rounds *int            `json:"rounds,omitempty"` // start_game; nil means one round
	Target string          `json:"target,omitempty"` // signal_offer / signal_answer
	Signal json.RawMessage `json:"signal,omitempty"` // opaque handshake payload
}

// SessionInfoMessage is sent immediately on connect so the client learns
// the session id the server will know it by.
type SessionInfoMessage struct {
	Type      string `json:"type"` // "session_info"
	SessionID string `json:"session_id"`
}

type PeerInfo struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// PeerListMessage is sent only to a joiner, listing the players already
// present so the joiner can dial each of them.
type PeerListMessage struct {
	Type  string     `json:"type"` // "peers"
	Peers []PeerInfo `json:"peers"`
}

// RosterMessage announces roster changes to the whole room.
type RosterMessage struct {
	Type    string         `json:"type"` // "player_joined", "player_left", or "player_renamed"
	Players []PeerInfo     `json:"players"`
	Scores  map[string]int `json:"scores"`
}

type GameStartedMessage struct {
	Type             string `json:"type"` // "game_started"
	CurrentPerformer string `json:"current_performer"`
	Seconds          int    `json:"seconds"`
}

type TimerMessage struct {
	Type    string `json:"type"` // "timer"
	Seconds int    `json:"seconds"`
}

type TurnChangeMessage struct {
	Type             string         `json:"type"` // "turn_change"
	Scores           map[string]int `json:"scores"`
	CurrentPerformer string         `json:"current_performer"`
	Smiling          []string       `json:"smiling"`
	Seconds          int            `json:"seconds"`
}

type SmileUpdateMessage struct {
	Type    string         `json:"type"` // "smile_update"
	Scores  map[string]int `json:"scores"`
	Smiling []string       `json:"smiling"`
}

type GameEndedMessage struct {
	Type   string         `json:"type"` // "game_ended"
	Scores map[string]int `json:"scores"`
}

// SignalMessage carries a relayed WebRTC handshake payload to one session.
type SignalMessage struct {
	Type   string          `json:"type"` // "peer_offer" or "peer_answer"
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

type Client struct {
	conn    *websocket.Conn
	send    chan any
	session string
}

// action is the closed set of inbound events a room loop consumes.
type action interface{ isAction() }

type joinAction struct {
	client *Client
	name   string
}

type startAction struct {
	rounds int
}

type smileAction struct {
	session string
}

type nextTurnAction struct {
	session string
}

type offerAction struct {
	from   string
	target string
	signal json.RawMessage
}

type answerAction struct {
	from   string
	target string
	signal json.RawMessage
}

func (joinAction) isAction()     {}
func (startAction) isAction()    {}
func (smileAction) isAction()    {}
func (nextTurnAction) isAction() {}
func (offerAction) isAction()    {}
func (answerAction) isAction()   {}

type roomState int

const (
	stateLobby roomState = iota
	stateActive
	stateEnded
)

// Room owns one game. All fields below the channels are touched only by the
// room's own goroutine (or by tests driving the handlers directly), so the
// state machine itself needs no locks.
type Room struct {
	id      string
	cfg     *Config
	manager *RoomManager

	register chan *Client
	unreg    chan *Client
	actions  chan action
	done     chan struct{} // closed when the room loop exits

	// conns is readable from outside the loop; pending counts sockets that
	// have been handed the room but not yet registered.
	conns   atomic.Int32
	pending atomic.Int32

	clients  map[*Client]bool
	sessions map[string]*Client // session id -> live socket, for directed sends

	players   []Player       // roster, insertion order
	scores    map[string]int // session id -> points
	smiling   []string       // sessions credited this turn, in arrival order
	state     roomState
	turnOrder []string // session ids frozen at game start
	current   int      // index into turnOrder
	timer     int      // seconds left in the current turn
	turnsLeft int

	ticker *time.Ticker
	tickC  <-chan time.Time // nil while no game is running
}

func newRoom(cfg *Config, gm *RoomManager, id string) *Room {
	return &Room{
		id:       id,
		cfg:      cfg,
		manager:  gm,
		register: make(chan *Client),
		unreg:    make(chan *Client),
		actions:  make(chan action),
		done:     make(chan struct{}),
		clients:  make(map[*Client]bool),
		sessions: make(map[string]*Client),
		scores:   make(map[string]int),
	}
}

func (r *Room) run() {
	for {
		select {
		case c := <-r.register:
			r.pending.Add(-1)
			r.clients[c] = true
			r.sessions[c.session] = c
			r.conns.Add(1)

			c.send <- SessionInfoMessage{
				Type:      "session_info",
				SessionID: c.session,
			}

		case c := <-r.unreg:
			r.drop(c)
			r.handleLeave(c.session)

			if len(r.clients) == 0 && r.manager.tryRemove(r) {
				r.stopTicker()
				close(r.done)
				logf(r.cfg, "GAMES: Removed empty room %s", r.id)
				return
			}

		case act := <-r.actions:
			r.dispatch(act)

		case <-r.tickC:
			r.tick()
		}
	}
}

func (r *Room) dispatch(act action) {
	switch a := act.(type) {
	case joinAction:
		r.handleJoin(a.client, a.name)
	case startAction:
		r.handleStart(a.rounds)
	case smileAction:
		r.handleSmile(a.session)
	case nextTurnAction:
		r.handleNextTurn(a.session)
	case offerAction:
		r.handleRelay("peer_offer", a.from, a.target, a.signal)
	case answerAction:
		r.handleRelay("peer_answer", a.from, a.target, a.signal)
	}
}

// enqueue hands an action to the room loop. A client dropped for slow sends
// keeps reading until its pump notices, so the send must give up once the
// room has been torn down.
func (r *Room) enqueue(act action) {
	select {
	case r.actions <- act:
	case <-r.done:
	}
}

// drop disconnects one client from the room's broadcast set. Safe to call
// twice for the same client.
func (r *Room) drop(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	delete(r.sessions, c.session)
	close(c.send)
	r.conns.Add(-1)
}

func (r *Room) broadcast(msg any) {
	for c := range r.clients {
		select {
		case c.send <- msg:
		default:
			r.drop(c)
		}
	}
}

func (r *Room) performer() string {
	if len(r.turnOrder) == 0 || r.current >= len(r.turnOrder) {
		return ""
	}
	return r.turnOrder[r.current]
}

func (r *Room) roster() []PeerInfo {
	roster := make([]PeerInfo, 0, len(r.players))
	for _, p := range r.players {
		roster = append(roster, PeerInfo{SessionID: p.SessionID, Name: p.Name})
	}
	return roster
}

// scoresCopy snapshots the score map for a broadcast, since the websocket
// writers marshal concurrently with later mutations.
func (r *Room) scoresCopy() map[string]int {
	scores := make(map[string]int, len(r.scores))
	for id, points := range r.scores {
		scores[id] = points
	}
	return scores
}

func (r *Room) smilingCopy() []string {
	return append([]string{}, r.smiling...)
}

func (r *Room) startTicker() {
	r.stopTicker()
	r.ticker = time.NewTicker(time.Second)
	r.tickC = r.ticker.C
}

func (r *Room) stopTicker() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
		r.tickC = nil
	}
}

// handleJoin processes "join" messages.
func (r *Room) handleJoin(c *Client, name string) {
	if name == "" || c.session == "" || !r.clients[c] {
		return
	}

	// A repeat join from a rostered session is a rename, not an arrival.
	for i, p := range r.players {
		if p.SessionID != c.session {
			continue
		}

		if p.Name == name {
			return
		}

		r.players[i].Name = name

		logf(r.cfg, "GAMES: Player %q renamed to %q in %s", p.Name, name, r.id)

		r.broadcast(RosterMessage{
			Type:    "player_renamed",
			Players: r.roster(),
			Scores:  r.scoresCopy(),
		})
		return
	}

	r.players = append(r.players, Player{SessionID: c.session, Name: name})
	r.scores[c.session] = 0

	// Mid-game joiners normally wait for the next game before
	// performing; --late-join-rotation splices them straight in.
	if r.state == stateActive && r.cfg.lateJoinRotation {
		r.turnOrder = append(r.turnOrder, c.session)
	}

	logf(r.cfg, "GAMES: Player %q joined %s", name, r.id)

	peers := make([]PeerInfo, 0, len(r.players)-1)
	for _, p := range r.players {
		if p.SessionID == c.session {
			continue
		}
		peers = append(peers, PeerInfo{SessionID: p.SessionID, Name: p.Name})
	}

	select {
	case c.send <- PeerListMessage{
		Type:  "peers",
		Peers: peers,
	}:
	default:
		r.drop(c)
	}

	r.broadcast(RosterMessage{
		Type:    "player_joined",
		Players: r.roster(),
		Scores:  r.scoresCopy(),
	})
}

// handleStart begins a new game from the lobby or after a finished one.
func (r *Room) handleStart(rounds int) {
	if rounds < 1 {
		logf(r.cfg, "GAMES: %v in %s: %d", errInvalidRounds, r.id, rounds)
		return
	}

	if r.state == stateActive {
		logf(r.cfg, "GAMES: Ignored start for already-running game in %s", r.id)
		return
	}

	if len(r.players) == 0 {
		return
	}

	r.turnOrder = make([]string, 0, len(r.players))
	for _, p := range r.players {
		r.scores[p.SessionID] = 0
		r.turnOrder = append(r.turnOrder, p.SessionID)
	}

	r.current = 0
	r.timer = r.cfg.turnSeconds
	r.turnsLeft = len(r.players) * rounds
	r.smiling = nil
	r.state = stateActive
	r.startTicker()

	logf(r.cfg, "GAMES: Started game in %s: %d players, %d rounds", r.id, len(r.players), rounds)

	r.broadcast(GameStartedMessage{
		Type:             "game_started",
		CurrentPerformer: r.performer(),
		Seconds:          r.timer,
	})
}

// tick runs once per second while a game is active.
func (r *Room) tick() {
	if r.state != stateActive {
		return
	}

	r.timer--

	r.broadcast(TimerMessage{
		Type:    "timer",
		Seconds: r.timer,
	})

	if r.timer > 0 {
		return
	}

	r.turnsLeft--
	r.rotate()

	if r.turnsLeft <= 0 {
		r.endGame()
	}
}

// rotate hands the stage to the next performer: advance the turn pointer,
// reset the clock, clear this turn's reactions.
func (r *Room) rotate() {
	r.current = (r.current + 1) % len(r.turnOrder)
	r.timer = r.cfg.turnSeconds
	r.smiling = nil

	r.broadcastTurnChange()
}

func (r *Room) broadcastTurnChange() {
	r.broadcast(TurnChangeMessage{
		Type:             "turn_change",
		Scores:           r.scoresCopy(),
		CurrentPerformer: r.performer(),
		Smiling:          r.smilingCopy(),
		Seconds:          r.timer,
	})
}

func (r *Room) endGame() {
	r.stopTicker()
	r.state = stateEnded

	logf(r.cfg, "GAMES: Game over in %s", r.id)

	r.broadcast(GameEndedMessage{
		Type:   "game_ended",
		Scores: r.scoresCopy(),
	})
}

// handleSmile credits the performer for one reacting player. Repeats within
// a turn, self-reports, and reports from sessions outside the roster are
// all dropped without a broadcast.
func (r *Room) handleSmile(session string) {
	if r.state != stateActive {
		return
	}

	performer := r.performer()
	if performer == "" || session == performer {
		return
	}

	if _, ok := r.scores[session]; !ok {
		return
	}

	if slices.Contains(r.smiling, session) {
		logf(r.cfg, "GAMES: %v: %s in %s", errDuplicateReaction, session, r.id)
		return
	}

	r.scores[performer]++
	r.smiling = append(r.smiling, session)

	r.broadcast(SmileUpdateMessage{
		Type:    "smile_update",
		Scores:  r.scoresCopy(),
		Smiling: r.smilingCopy(),
	})
}

// handleNextTurn lets the current performer end their own turn before the
// clock runs out.
func (r *Room) handleNextTurn(session string) {
	if r.state != stateActive {
		return
	}

	if session != r.performer() {
		logf(r.cfg, "GAMES: %v: %s in %s", errNotCurrentPerformer, session, r.id)
		return
	}

	if !r.cfg.passKeepsTurn {
		r.turnsLeft--
	}

	r.rotate()

	if r.turnsLeft <= 0 {
		r.endGame()
	}
}

// handleLeave removes a session from the roster and repairs the rotation.
// Leaving never consumes a turn.
func (r *Room) handleLeave(session string) {
	idx := -1
	for i, p := range r.players {
		if p.SessionID == session {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	name := r.players[idx].Name
	r.players = slices.Delete(r.players, idx, idx+1)
	delete(r.scores, session)
	r.smiling = slices.DeleteFunc(r.smiling, func(s string) bool { return s == session })

	logf(r.cfg, "GAMES: Player %q left %s", name, r.id)

	if len(r.players) == 0 {
		r.stopTicker()
		r.state = stateLobby
		r.turnOrder = nil
		r.turnsLeft = 0
		return
	}

	if pos := slices.Index(r.turnOrder, session); pos != -1 {
		r.turnOrder = slices.Delete(r.turnOrder, pos, pos+1)

		switch {
		case len(r.turnOrder) == 0:
			// Every performer is gone; park the game back in the lobby.
			r.stopTicker()
			r.state = stateLobby
			r.turnsLeft = 0

		case r.state == stateActive && pos == r.current:
			// The performer left. After the deletion the same index
			// already points at their successor.
			r.current = r.current % len(r.turnOrder)
			r.timer = r.cfg.turnSeconds
			r.smiling = nil
			r.broadcastTurnChange()

		case pos < r.current:
			r.current--
		}
	}

	r.broadcast(RosterMessage{
		Type:    "player_left",
		Players: r.roster(),
		Scores:  r.scoresCopy(),
	})
}

// handleRelay forwards an opaque handshake payload to one session, verbatim.
// A vanished target is a no-op, not an error.
func (r *Room) handleRelay(kind, from, target string, signal json.RawMessage) {
	c, ok := r.sessions[target]
	if !ok {
		logf(r.cfg, "GAMES: Dropped %s for absent session %s in %s", kind, target, r.id)
		return
	}

	select {
	case c.send <- SignalMessage{
		Type:   kind,
		From:   from,
		Signal: signal,
	}:
	default:
		r.drop(c)
	}
}

// RoomManager holds the set of rooms keyed by room ID, so each $path/$roomid
// is its own isolated game.
type RoomManager struct {
	cfg   *Config
	mu    sync.Mutex
	rooms map[string]*Room
}

func newRoomManager(cfg *Config) *RoomManager {
	return &RoomManager{
		cfg:   cfg,
		rooms: make(map[string]*Room),
	}
}

// room returns the room for roomID, creating it on first use. The caller is
// counted as pending until its socket registers, which keeps the room loop
// alive across the handoff.
func (gm *RoomManager) room(roomID string) *Room {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	r, ok := gm.rooms[roomID]
	if !ok {
		r = newRoom(gm.cfg, gm, roomID)
		gm.rooms[roomID] = r
		go r.run()
	}

	r.pending.Add(1)

	return r
}

func (gm *RoomManager) lookup(roomID string) (*Room, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	r, ok := gm.rooms[roomID]
	if !ok {
		return nil, errRoomNotFound
	}
	return r, nil
}

// tryRemove deletes the room unless a new connection is already on its way.
// Called by the room loop itself once its last client is gone.
func (gm *RoomManager) tryRemove(r *Room) bool {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if r.pending.Load() > 0 {
		return false
	}

	delete(gm.rooms, r.id)
	return true
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms.
func (gm *RoomManager) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.rooms[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket handler that picks the room based on :roomid
func serveWSForManager(cfg *Config, gm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:    conn,
			send:    make(chan any, 8),
			session: uuid.NewString(),
		}

		logf(cfg, "GAMES: Session %s connected to %s from %s", client.session, roomID, realIP(r))

		room := gm.room(roomID)
		room.register <- client

		go client.writePump()
		client.readPump(room)
	}
}

func (c *Client) readPump(r *Room) {
	defer func() {
		select {
		case r.unreg <- c:
		case <-r.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			r.enqueue(joinAction{
				client: c,
				name:   msg.Name,
			})
		case "start_game":
			rounds := 1
			if msg.Rounds != nil {
				rounds = *msg.Rounds
			}
			r.enqueue(startAction{
				rounds: rounds,
			})
		case "smile":
			r.enqueue(smileAction{
				session: c.session,
			})
		case "next_turn":
			r.enqueue(nextTurnAction{
				session: c.session,
			})
		case "signal_offer":
			r.enqueue(offerAction{
				from:   c.session,
				target: msg.Target,
				signal: msg.Signal,
			})
		case "signal_answer":
			r.enqueue(answerAction{
				from:   c.session,
				target: msg.Target,
				signal: msg.Signal,
			})
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func serveRoomStatus(cfg *Config, gm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")

		room, err := gm.lookup(roomID)
		if err != nil {
			logf(cfg, "GAMES: %v: %s", err, roomID)
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"room":     room.id,
			"sessions": room.conns.Load(),
		})
	}
}

//go:embed assets/smile/index.html
var smileHTML []byte

func getIndexHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(smileHTML)
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:roomid.
func redirectNewRoom(cfg *Config, path string, gm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := gm.newRoomID()
		logf(cfg, "GAMES: Created room %s/%s", path, roomID)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerSmileGame sets up routes so that:
//   - $path                  → redirects to a new random room (8-char ID)
//   - $path/:roomid          → HTML client
//   - $path/:roomid/ws       → WebSocket for that room
//   - $path/:roomid/qr       → PNG QR code for that room URL
//   - $path/:roomid/status   → JSON liveness info for that room
func registerSmileGame(cfg *Config, path string, mux *httprouter.Router) {
	gm := newRoomManager(cfg)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, gm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomid/ws", serveWSForManager(cfg, gm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)

	// Per-room liveness info
	mux.GET(cfg.prefix+path+"/:roomid/status", serveRoomStatus(cfg, gm))
}
