package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ds "github.com/starfederation/datastar-go/datastar"

	"github.com/shaunagostinho/zipbridge/internal/hub"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/metrics"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
	"github.com/shaunagostinho/zipbridge/internal/stream"
	"github.com/shaunagostinho/zipbridge/internal/transport"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Server exposes the engine to WebSocket and HTTP clients and broadcasts
// status to all of them.
type Server struct {
	cfg      *Config
	engine   *Engine
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	webFS    fs.FS
	events   *hub.EventHub
	started  time.Time

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	reasonMu   sync.Mutex
	lastReason string
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
}

// enqueue drops the frame when the client is slow or gone. Only for
// broadcasts.
func (c *wsClient) enqueue(data []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendJSON waits for room in the send buffer so replies are never dropped
// while the client is connected.
func (c *wsClient) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ws] marshal %T: %v", v, err)
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *wsClient) close() {
	c.cancel()
}

// Status is the snapshot broadcast to clients and served by /api/health.
type Status struct {
	State      transport.State `json:"state"`
	Ready      bool            `json:"ready"`
	Reason     string          `json:"reason,omitempty"`
	Serial     transport.Stats `json:"serial"`
	Matcher    matcher.Stats   `json:"matcher"`
	Pending    int             `json:"pending"`
	Queued     int             `json:"queued"`
	Stream     stream.Snapshot `json:"stream"`
	Clients    int             `json:"clients"`
	TrafficLog bool            `json:"trafficLog"`
	UptimeMs   int64           `json:"uptimeMs"`
	Stamp      int64           `json:"stamp"` // Unix ms
}

// New creates a Server. gatherer backs /metrics; nil means the default
// registry. webFS, when set, is served at /.
func New(cfg *Config, engine *Engine, m *metrics.Metrics, gatherer prometheus.Gatherer, webFS fs.FS) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		metrics:  m,
		gatherer: gatherer,
		webFS:    webFS,
		events:   hub.New(),
		started:  time.Now(),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	engine.Transport.Subscribe(s.onTransportEvent)
	engine.Transport.OnLine(s.onSerialLine)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/estop", s.handleEstop)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves HTTP and pushes periodic status until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.listenAddr(),
		Handler: s.Handler(),
	}

	go s.statusLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	log.Printf("[server] listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.statusInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStatus()
		}
	}
}

// Status assembles the current snapshot.
func (s *Server) Status() Status {
	mst := s.engine.Matcher.Stats()
	state := s.engine.Transport.State()

	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()

	s.reasonMu.Lock()
	reason := s.lastReason
	s.reasonMu.Unlock()

	now := time.Now()
	return Status{
		State:      state,
		Ready:      state == transport.StateReady,
		Reason:     reason,
		Serial:     s.engine.Transport.Stats(),
		Matcher:    mst,
		Pending:    mst.Pending,
		Queued:     s.engine.Dispatcher.Depth(),
		Stream:     s.engine.Streamer.Snapshot(),
		Clients:    clients,
		TrafficLog: s.engine.Traffic.IsEnabled(),
		UptimeMs:   now.Sub(s.started).Milliseconds(),
		Stamp:      now.UnixMilli(),
	}
}

func (s *Server) publishStatus() {
	st := s.Status()
	s.broadcast(StatusMsg{Type: TypeStatus, Status: st})
	s.events.Broadcast(statusSignals(st))
}

// statusSignals flattens st for datastar clients.
func statusSignals(st Status) hub.Signals {
	return hub.Signals{
		"state":        st.State.String(),
		"ready":        st.Ready,
		"reason":       st.Reason,
		"pending":      st.Pending,
		"queued":       st.Queued,
		"clients":      st.Clients,
		"trafficLog":   st.TrafficLog,
		"streamActive": st.Stream.Active,
		"streamRateHz": st.Stream.RateHz,
		"rxLines":      st.Serial.RxLines,
		"txLines":      st.Serial.TxLines,
		"resets":       st.Serial.ResetsDetected,
	}
}

func (s *Server) onTransportEvent(ev transport.Event) {
	s.reasonMu.Lock()
	s.lastReason = ev.Reason
	s.reasonMu.Unlock()
	s.publishStatus()
}

func (s *Server) onSerialLine(line string) {
	if !s.cfg.EchoSerial() {
		return
	}
	s.broadcast(SerialRxMsg{
		Type:  TypeSerialRx,
		Line:  line,
		Kind:  protocol.ClassifyLine(line).String(),
		Stamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.SetClients(n)

	log.Printf("[ws] client %s connected (%d total)", client.id, n)

	client.sendJSON(StatusMsg{Type: TypeStatus, Status: s.Status()})

	// Writer goroutine. A client that cannot take a frame within
	// writeWait is dropped.
	go func() {
		defer conn.Close()
		for {
			select {
			case <-client.ctx.Done():
				return
			case msg := <-client.send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Printf("[ws] client %s write: %v", client.id, err)
					client.close()
					return
				}
			}
		}
	}()

	// Reader goroutine
	go func() {
		defer s.disconnect(client)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleMessage(client, data)
		}
	}()
}

func (s *Server) disconnect(client *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, client)
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.SetClients(n)
	client.close()
	log.Printf("[ws] client %s disconnected (%d total)", client.id, n)

	if _, stopped := s.engine.Streamer.StopOwnedBy(client.id); stopped {
		s.publishStatus()
	}
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		client.conn.Close()
	}
}

func (s *Server) handleMessage(client *wsClient, data []byte) {
	msg, id, err := DecodeClientMessage(data)
	if err != nil {
		client.sendJSON(newError(id, err))
		return
	}

	switch m := msg.(type) {
	case CommandMsg:
		s.handleCommand(client, m)
	case StreamStartMsg:
		snap, err := s.engine.Streamer.Start(*m.V, *m.W, m.RateHz, m.TTLMs, client.id)
		s.replyStream(client, m.ID, TypeStreamStart, snap, err)
	case StreamUpdateMsg:
		err := s.engine.Streamer.Update(*m.V, *m.W, m.TTLMs)
		s.replyStream(client, m.ID, TypeStreamUpdate, s.engine.Streamer.Snapshot(), err)
	case StreamStopMsg:
		req, err := s.engine.Streamer.Stop(m.Hard())
		if req != nil {
			go logStop(req)
		}
		s.replyStream(client, m.ID, TypeStreamStop, s.engine.Streamer.Snapshot(), err)
	}
}

func (s *Server) handleCommand(client *wsClient, m CommandMsg) {
	req := s.engine.Dispatcher.Send(m.Command(), m.Timeout())
	if !m.WantsReply() {
		client.sendJSON(newReply(m.ID, TypeCommand, matcher.Result{OK: true, Kind: "queued", NoReply: true}))
		return
	}
	go func() {
		res, err := req.Wait(client.ctx)
		if err != nil {
			return // client went away
		}
		client.sendJSON(newReply(m.ID, TypeCommand, res))
	}()
}

func (s *Server) replyStream(client *wsClient, id, op string, snap stream.Snapshot, err error) {
	res := matcher.Result{OK: err == nil, NoReply: true}
	if err != nil {
		res.Error = err.Error()
	}
	reply := newReply(id, op, res)
	reply.Stream = &snap
	client.sendJSON(reply)
	if err == nil && op != TypeStreamUpdate {
		s.publishStatus()
	}
}

func logStop(req *matcher.Request) {
	res := req.Result()
	if !res.OK {
		log.Printf("[stream] stop command failed: %s", res.Error)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	st := s.Status()
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// handleEstop stops the stream and queues Stop ahead of everything else,
// answering once the firmware has replied or the stop timed out.
func (s *Server) handleEstop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	log.Printf("[server] emergency stop from %s", r.RemoteAddr)

	req, _ := s.engine.Streamer.Stop(true)
	s.publishStatus()

	res, err := req.Wait(r.Context())
	if err != nil {
		return
	}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusServiceUnavailable
		log.Printf("[server] emergency stop failed: %s", res.Error)
	}
	writeJSON(w, code, res)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			log.Printf("[config] rejected update: %v", err)
			http.Error(w, err.Error(), 400)
			return
		}
		s.engine.Traffic.SetEnabled(s.cfg.TrafficLogEnabled())
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleEvents streams status as datastar signal patches.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sse := ds.NewSSE(w, r)

	_, ch, cancel := s.events.Subscribe()
	defer cancel()

	if err := sse.MarshalAndPatchSignals(statusSignals(s.Status())); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.MarshalAndPatchSignals(sig); err != nil {
				log.Printf("[server] sse: %v", err)
				return
			}
		}
	}
}

func (s *Server) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		client.enqueue(data) // too slow: skip
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
