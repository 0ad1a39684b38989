package server

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/feed"
	"github.com/npezzotti/go-fitsocial/internal/safety"
	"github.com/npezzotti/go-fitsocial/internal/stats"
)

const (
	metricConnections   = "ws_connections"
	metricSubscriptions = "ws_subscriptions"
)

// Services are the domain operations reachable over the socket.
type Services struct {
	Messages *chat.MessageLog
	Ledger   *chat.UnreadLedger
	Feed     *feed.Service
	Safety   *safety.Service
}

type ChatServer struct {
	log            *log.Logger
	svc            Services
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	registerChan   chan *Client
	deregisterChan chan *Client
	stop           chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, svc Services, su stats.StatsProvider) (*ChatServer, error) {
	su.RegisterMetric(metricConnections)
	su.RegisterMetric(metricSubscriptions)

	return &ChatServer{
		log:            logger,
		svc:            svc,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.userId)
			cs.addClient(client)
			cs.stats.Incr(metricConnections)
		case client := <-cs.deregisterChan:
			cs.log.Printf("removing connection from %q", client.userId)
			if cs.removeClient(client) {
				cs.stats.Decr(metricConnections)
			}
		case <-cs.stop:
			cs.log.Println("closing client connections")
			cs.clientsLock.Lock()
			for c := range cs.clients {
				c.stopClient()
				delete(cs.clients, c)
			}
			cs.clientsLock.Unlock()

			close(cs.done)
			return
		}
	}
}

// Register hands a connected client to the server loop. It reports
// false if the server is shutting down.
func (cs *ChatServer) Register(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.stop:
		return false
	}
}

func (cs *ChatServer) deregister(c *Client) {
	select {
	case cs.deregisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}
	delete(cs.clients, c)
	return true
}

func (cs *ChatServer) clientCount() int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.clients)
}

// Shutdown stops the server loop and every client. It returns early with
// the context's error if the loop does not finish in time.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.stopOnce.Do(func() { close(cs.stop) })

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
