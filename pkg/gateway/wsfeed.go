package gateway

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/runtime"
)

// WSFeed streams lifecycle events to WebSocket clients. Clients may
// send a filter message restricting the event types they receive.
type WSFeed struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*wsClient
	logger   core.Logger
}

type wsClient struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	filters map[string]bool
}

type wsFilterMessage struct {
	Types []string `json:"types"`
}

// NewWSFeed creates a feed. Attach runtimes with Observe and mount
// HandleWebSocket on an http server.
func NewWSFeed(logger core.Logger) *WSFeed {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &WSFeed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*wsClient),
		logger:  logger,
	}
}

// Observe subscribes the feed to a runtime's lifecycle events.
func (f *WSFeed) Observe(rt *runtime.Runtime) {
	rt.AddListener(f.broadcast)
}

// HandleWebSocket upgrades the connection and starts streaming.
func (f *WSFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	f.mu.Lock()
	f.clients[conn] = client
	f.mu.Unlock()

	go f.readLoop(client)
}

func (f *WSFeed) readLoop(client *wsClient) {
	defer f.remove(client.conn)
	for {
		var msg wsFilterMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			return
		}
		filters := make(map[string]bool, len(msg.Types))
		for _, t := range msg.Types {
			filters[t] = true
		}
		client.mu.Lock()
		client.filters = filters
		client.mu.Unlock()
	}
}

func (f *WSFeed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.clients, conn)
	f.mu.Unlock()
	conn.Close()
}

func (f *WSFeed) broadcast(ev runtime.LifecycleEvent) {
	f.mu.RLock()
	clients := make([]*wsClient, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, client := range clients {
		client.mu.Lock()
		skip := client.filters != nil && !client.filters[ev.Type]
		var err error
		if !skip {
			err = client.conn.WriteJSON(ev)
		}
		client.mu.Unlock()
		if err != nil {
			f.remove(client.conn)
		}
	}
}
