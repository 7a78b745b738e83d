package api

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/collectra/orchestrator/internal/events"
)

// Streamer relays bus events to websocket clients. Delivery is best effort:
// a client that cannot keep up is disconnected rather than buffered without
// bound.
type Streamer struct {
	bus        *events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamer creates a streamer on the given bus.
func NewStreamer(bus *events.Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// Run pumps bus events to connected clients until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	feed := s.bus.Subscribe()
	defer s.bus.Unsubscribe(feed)

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return

		case conn := <-s.register:
			s.mu.Lock()
			s.clients[conn] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", total)

		case conn := <-s.unregister:
			s.drop(conn)

		case event, ok := <-feed:
			if !ok {
				return
			}
			s.broadcast(event)
		}
	}
}

func (s *Streamer) broadcast(event *events.CloudEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(event); err != nil {
			s.logger.Printf("write failed, dropping client: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Streamer) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[conn] {
		delete(s.clients, conn)
		conn.Close()
		s.logger.Printf("client disconnected (total: %d)", len(s.clients))
	}
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

// Handle upgrades the request and keeps the connection registered until the
// peer goes away.
func (s *Streamer) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}
	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports connected clients.
func (s *Streamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
