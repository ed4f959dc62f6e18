package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sessionctl/internal/config"
	"sessionctl/internal/protocol"
	"sessionctl/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

// ErrCommandsDisabled is returned when a start request carries its own
// command or environment and the server does not allow that.
var ErrCommandsDisabled = errors.New("command and env overrides are disabled on this server")

// Options configures a Server.
type Options struct {
	// StaticDir is served at / when set.
	StaticDir string

	// AllowCommands lets clients replace a profile's command and
	// environment. Without it runs are limited to configured profiles.
	AllowCommands bool

	// AllowedOrigins lists browser origins ("https://host:port") accepted
	// in addition to loopback ones.
	AllowedOrigins []string
}

// Server manages WebSocket connections and routes messages between
// clients and the session manager.
type Server struct {
	sessionMgr *session.Manager
	profiles   *config.Config
	logger     *slog.Logger
	clients    map[*client]bool
	clientsMu  sync.RWMutex
	opts       Options
	upgrader   websocket.Upgrader

	// subscriptions tracks which output subscriptions exist per client.
	// key: client, value: map[runID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a new realtime server. Runs are started from the profiles in
// profiles.
func New(sessionMgr *session.Manager, profiles *config.Config, logger *slog.Logger, opts Options) *Server {
	if profiles == nil {
		profiles = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessionMgr:    sessionMgr,
		profiles:      profiles,
		logger:        logger,
		clients:       make(map[*client]bool),
		opts:          opts,
		subscriptions: make(map[*client]map[string]string),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), loopback origins and the configured ones.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if slices.Contains(s.opts.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /runs/{id}", s.handleKillRun)
	mux.HandleFunc("GET /profiles", s.handleListProfiles)

	// Static file serving.
	if s.opts.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(s.opts.StaticDir))
		mux.Handle("/", fileServer)
	}

	return s.corsMiddleware(mux)
}

// corsMiddleware rejects requests from foreign browser origins and echoes
// allowed ones.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.originAllowed(origin) {
			writeJSON(w, http.StatusForbidden, protocol.ErrorPayload{
				Code:    protocol.ErrOriginForbidden,
				Message: "origin not allowed: " + origin,
			})
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current run list to new client.
	s.sendRunList(c)

	// Subscribe new client to all active runs' output so it receives
	// output for runs that already existed before this connection.
	s.subscribeClientToActiveRuns(c)

	go c.writePump()
	go c.readPump()
}

// sendRunList sends the current run state to a client.
func (s *Server) sendRunList(c *client) {
	for _, info := range s.sessionMgr.List() {
		msg, err := protocol.NewMessage(protocol.TypeRunUpdate, runUpdatePayload(info))
		if err != nil {
			continue
		}
		s.sendMessage(c, msg)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Unsubscribe from all run outputs.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for runID, subID := range subs {
		s.sessionMgr.Unsubscribe(runID, subID)
	}

	// Senders check membership under clientsMu, so nothing writes to send
	// after this point.
	s.clientsMu.Lock()
	close(c.send)
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeRunStart:
		s.handleWSStartRun(c, msg)
	case protocol.TypeRunKill:
		s.handleWSKill(c, msg)
	case protocol.TypeRunSubscribe:
		s.handleWSSubscribe(c, msg)
	}
}

func (s *Server) handleWSStartRun(c *client, msg *protocol.Message) {
	var payload protocol.RunStartPayload
	json.Unmarshal(msg.Payload, &payload)

	if _, err := s.startRun(payload); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSKill(c *client, msg *protocol.Message) {
	var payload protocol.RunIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.sessionMgr.Kill(payload.RunID); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSSubscribe(c *client, msg *protocol.Message) {
	var payload protocol.RunIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.subscribeClient(c, payload.RunID); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

// startRun resolves a start request against the profiles, launches it and
// announces it to every client.
func (s *Server) startRun(p protocol.RunStartPayload) (*session.RunInfo, error) {
	if err := protocol.ValidateRunStart(&p); err != nil {
		return nil, invalidRequestError{err}
	}
	if !s.opts.AllowCommands && (len(p.Command) > 0 || len(p.Env) > 0) {
		return nil, ErrCommandsDisabled
	}

	profile, err := s.profiles.Profile(p.Profile)
	if err != nil {
		return nil, err
	}

	ov := config.Overrides{
		Command:  p.Command,
		Env:      p.Env,
		Payload:  config.PayloadMode(p.Payload),
		Sentinel: p.Sentinel,
	}
	// Durations were checked by ValidateRunStart.
	if p.HardLimit != "" {
		d, _ := time.ParseDuration(p.HardLimit)
		ov.HardLimit = &d
	}
	if p.IdleLimit != "" {
		d, _ := time.ParseDuration(p.IdleLimit)
		ov.IdleLimit = &d
	}

	var prompt []byte
	if p.Prompt != nil {
		prompt = []byte(*p.Prompt)
	}

	cfg, req, err := profile.Resolve(prompt, ov)
	if err != nil {
		return nil, err
	}
	req.Dir = p.WorkDir

	label := p.Label
	if label == "" {
		label = p.Profile
	}

	info, err := s.sessionMgr.Start(label, req, cfg)
	if err != nil {
		return nil, err
	}

	s.broadcastRunUpdate(info)
	s.subscribeAllClients(info.ID)
	go s.awaitRun(info.ID)

	return info, nil
}

// awaitRun announces a run's final state once it has finished.
func (s *Server) awaitRun(runID string) {
	done, err := s.sessionMgr.Done(runID)
	if err != nil {
		return
	}
	<-done

	info, err := s.sessionMgr.Get(runID)
	if err != nil || info.Outcome == nil {
		return
	}

	s.broadcastRunUpdate(info)

	msg, err := protocol.NewMessage(protocol.TypeRunFinished, runFinishedPayload(info))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func runUpdatePayload(info *session.RunInfo) protocol.RunUpdatePayload {
	p := protocol.RunUpdatePayload{
		ID:        info.ID,
		State:     string(info.State),
		Label:     info.Label,
		WorkDir:   info.WorkDir,
		Command:   info.Command,
		PID:       info.PID,
		StartedAt: info.StartedAt.Format(time.RFC3339Nano),
	}
	if !info.EndedAt.IsZero() {
		p.EndedAt = info.EndedAt.Format(time.RFC3339Nano)
	}
	return p
}

func runFinishedPayload(info *session.RunInfo) protocol.RunFinishedPayload {
	o := info.Outcome
	return protocol.RunFinishedPayload{
		RunID:         info.ID,
		Reason:        string(o.Reason),
		ExitCode:      o.ExitCode,
		ChildExitCode: o.ChildExitCode,
		DurationMs:    o.Duration.Milliseconds(),
		Warnings:      o.Warnings,
		ChangedFiles:  info.ChangedFiles,
	}
}

// broadcastRunUpdate sends a run update to all connected clients.
func (s *Server) broadcastRunUpdate(info *session.RunInfo) {
	msg, err := protocol.NewMessage(protocol.TypeRunUpdate, runUpdatePayload(info))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// subscribeAllClients subscribes all connected clients to a run's output.
func (s *Server) subscribeAllClients(runID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, runID)
	}
}

// subscribeClientToActiveRuns subscribes a single client to all running runs.
// Called when a new WebSocket connection is established so the client receives
// output from runs that were started before this connection.
func (s *Server) subscribeClientToActiveRuns(c *client) {
	for _, info := range s.sessionMgr.List() {
		if info.State == session.StateRunning {
			s.subscribeClient(c, info.ID)
		}
	}
}

// subscribeClient subscribes a single client to a run's output.
func (s *Server) subscribeClient(c *client, runID string) error {
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	_, exists := subs[runID]
	s.subscriptionsMu.Unlock()
	if !connected || exists {
		return nil // Gone or already subscribed.
	}

	subID, ch, history, err := s.sessionMgr.Subscribe(runID)
	if err != nil {
		return err
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		// Disconnected while subscribing.
		s.subscriptionsMu.Unlock()
		s.sessionMgr.Unsubscribe(runID, subID)
		return nil
	}
	s.subscriptions[c][runID] = subID
	s.subscriptionsMu.Unlock()

	// Send history.
	for _, event := range history {
		s.sendOutputEvent(c, event)
	}

	// Forward new events. The channel closes on unsubscribe or, for a
	// finished run, right away.
	go func() {
		for event := range ch {
			s.sendOutputEvent(c, event)
		}
	}()
	return nil
}

func (s *Server) sendOutputEvent(c *client, event session.OutputEvent) {
	if event.Type == session.OutputExit {
		return // Announced by awaitRun.
	}

	msg, err := protocol.NewMessage(protocol.TypeRunOutput, protocol.RunOutputPayload{
		RunID:  event.RunID,
		Stream: string(event.Type),
		Data:   event.Data,
	})
	if err != nil {
		return
	}
	s.sendMessage(c, msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	s.sendMessage(c, msg)
}

// sendMessage queues a message for one client if it is still connected.
func (s *Server) sendMessage(c *client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	if !s.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// OnFilesUpdate is the callback for the file watcher.
func (s *Server) OnFilesUpdate(runID string, changedCount int) {
	msg, err := protocol.NewMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		RunID:        runID,
		ChangedCount: changedCount,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}
