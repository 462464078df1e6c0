// Package monitor serves a live view of a running fit over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"mnist-forge/internal/config"
	"mnist-forge/internal/metrics"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many messages a client may lag behind before it is
	// dropped.
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Message is pushed to websocket clients. A client first receives the full
// history, then one epoch message per finished epoch.
type Message struct {
	Type    string                `json:"type"`
	Epoch   *metrics.EpochMetrics `json:"epoch,omitempty"`
	History *metrics.History      `json:"history,omitempty"`
}

// client is a websocket connection fed by its own writer goroutine.
type client struct {
	conn *websocket.Conn
	send chan Message
}

// Server holds the latest training state and the connected clients.
type Server struct {
	mu       sync.Mutex
	training config.TrainingConfig
	history  *metrics.History
	clients  map[*client]struct{}
	router   *mux.Router
}

// New returns a monitor for a run configured with training.
func New(training config.TrainingConfig) *Server {
	s := &Server{
		training: training,
		history:  metrics.NewHistory(""),
		clients:  make(map[*client]struct{}),
		router:   mux.NewRouter(),
	}
	s.router.HandleFunc("/api/config", s.serveConfig).Methods(http.MethodGet)
	s.router.HandleFunc("/api/history", s.serveHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/plot/{metric:[a-z]+}.svg", s.servePlot).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.serveWS)
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

// OnEpoch stores history and queues its last epoch for every client. It never
// waits on the network; a client whose queue is full is dropped.
func (s *Server) OnEpoch(history *metrics.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
	last, ok := history.Last()
	if !ok {
		return
	}
	msg := Message{Type: "epoch", Epoch: &last}
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			klog.V(1).InfoS("dropping slow monitor client", "remote", c.conn.RemoteAddr().String())
			s.removeLocked(c)
		}
	}
}

// removeLocked unregisters c and stops its writer. s.mu must be held.
func (s *Server) removeLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) numClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	klog.InfoS("monitor listening", "addr", addr)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "monitor")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	s.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "monitor shutdown")
	}
	return nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.removeLocked(c)
		c.conn.Close()
	}
}

func (s *Server) serveConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.training)
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.history.Clone()
	s.mu.Unlock()
	writeJSON(w, h)
}

func (s *Server) servePlot(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	s.mu.Lock()
	h := s.history.Clone()
	s.mu.Unlock()
	if _, _, err := h.Series(metric); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := metrics.WriteSVG(w, h, metric, 6*vg.Inch, 4*vg.Inch); err != nil {
		klog.ErrorS(err, "render plot", "metric", metric)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.V(1).InfoS("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	s.mu.Lock()
	c.send <- Message{Type: "history", History: s.history.Clone()}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	go c.writeLoop()

	// Reads only detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	s.removeLocked(c)
	s.mu.Unlock()
}

// writeLoop drains c.send until it is closed or a write fails.
func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := writeMessage(c.conn, msg); err != nil {
			klog.V(1).InfoS("monitor write failed", "remote", c.conn.RemoteAddr().String(), "err", err)
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.ErrorS(err, "encode response")
	}
}
