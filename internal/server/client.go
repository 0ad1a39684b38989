package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	requestTimeout = 10 * time.Second
)

type subscription struct {
	cancel func()
}

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	userId     string
	send       chan *ServerMessage
	subs       map[string]*subscription
	subsLock   sync.Mutex
	stop       chan struct{}
	stopOnce   sync.Once
	closeFrame []byte
}

func NewClient(userId string, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		userId:     userId,
		send:       make(chan *ServerMessage, 256),
		subs:       make(map[string]*subscription),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, c.closeFrame)
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	msg.client = c
	msg.UserId = c.userId
	msg.Timestamp = Now()

	switch {
	case msg.Subscribe != nil:
		c.subscribe(msg)
	case msg.Unsubscribe != nil:
		c.unsubscribe(msg)
	case msg.Publish != nil:
		c.publish(msg)
	case msg.Read != nil:
		c.read(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) subscribe(msg *ClientMessage) {
	sub := msg.Subscribe
	svc := c.chatServer.svc
	blocklist := svc.Safety.BlocklistSource(c.userId)

	var (
		key   string
		start func(fail func(error)) func()
	)

	switch sub.Topic {
	case TopicRoom:
		roomId, err := chat.ResolveRoomId(c.userId, sub.PeerId)
		if err != nil {
			c.queueMessage(ErrFromError(msg.Id, err))
			return
		}
		order := chat.OldestFirst
		if sub.NewestFirst {
			order = chat.NewestFirst
		}
		key = TopicRoom + ":" + roomId
		start = func(fail func(error)) func() {
			return svc.Messages.SubscribeVisible(roomId, order, blocklist, func(msgs []types.Message) {
				c.queueSnapshot(&Snapshot{Key: key, Messages: msgs})
			}, fail)
		}
	case TopicFeed:
		key = TopicFeed
		if sub.GroupId != nil {
			key += ":" + *sub.GroupId
		}
		start = func(fail func(error)) func() {
			return svc.Feed.Subscribe(sub.GroupId, blocklist, func(posts []types.Post) {
				c.queueSnapshot(&Snapshot{Key: key, Posts: posts})
			}, fail)
		}
	case TopicUnread:
		key = TopicUnread
		start = func(fail func(error)) func() {
			return svc.Ledger.SubscribeTotal(c.userId, func(total int) {
				c.queueSnapshot(&Snapshot{Key: key, Unread: &total})
			}, fail)
		}
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	c.subsLock.Lock()
	if _, ok := c.subs[key]; ok {
		c.subsLock.Unlock()
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"key": key}))
		return
	}
	s := &subscription{}
	c.subs[key] = s
	c.subsLock.Unlock()

	// the response goes out before the first snapshot
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"key": key}))

	cancel := start(func(err error) {
		c.log.Printf("stream %q for %q failed: %v", key, c.userId, err)
		c.dropSubscription(key, s)
		c.queueMessage(ErrFromError(0, err))
	})

	c.subsLock.Lock()
	s.cancel = cancel
	_, live := c.subs[key]
	c.subsLock.Unlock()

	if !live {
		cancel()
		return
	}
	c.chatServer.stats.Incr(metricSubscriptions)
}

func (c *Client) unsubscribe(msg *ClientMessage) {
	c.subsLock.Lock()
	s, ok := c.subs[msg.Unsubscribe.Key]
	if ok {
		delete(c.subs, msg.Unsubscribe.Key)
	}
	c.subsLock.Unlock()

	if !ok {
		c.queueMessage(ErrNotFound(msg.Id))
		return
	}

	if s.cancel != nil {
		s.cancel()
		c.chatServer.stats.Decr(metricSubscriptions)
	}
	c.queueMessage(NoErrOK(msg.Id, nil))
}

// dropSubscription forgets a stream that ended on its own.
func (c *Client) dropSubscription(key string, s *subscription) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	if cur, ok := c.subs[key]; ok && cur == s {
		delete(c.subs, key)
		if s.cancel != nil {
			c.chatServer.stats.Decr(metricSubscriptions)
		}
	}
}

func (c *Client) publish(msg *ClientMessage) {
	roomId, err := chat.ResolveRoomId(c.userId, msg.Publish.PeerId)
	if err != nil {
		c.queueMessage(ErrFromError(msg.Id, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	id, err := c.chatServer.svc.Messages.Append(ctx, chat.AppendParams{
		RoomId:        roomId,
		SenderId:      c.userId,
		Text:          msg.Publish.Text,
		AttachmentUrl: msg.Publish.AttachmentUrl,
	})
	if err != nil {
		c.log.Printf("publish to %q by %q: %v", roomId, c.userId, err)
		c.queueMessage(ErrFromError(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"message_id": id, "room_id": roomId}))
}

func (c *Client) read(msg *ClientMessage) {
	roomId, err := chat.ResolveRoomId(c.userId, msg.Read.PeerId)
	if err != nil {
		c.queueMessage(ErrFromError(msg.Id, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.chatServer.svc.Ledger.Reset(ctx, roomId, c.userId); err != nil {
		c.queueMessage(ErrFromError(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full for %q, dropping message", c.userId)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// queueSnapshot queues a stream snapshot. When the send buffer is full
// the connection is closed; clients resubscribe after reconnecting.
func (c *Client) queueSnapshot(snap *Snapshot) bool {
	if c.queueMessage(&ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}, Snapshot: snap}) {
		return true
	}
	c.log.Printf("closing %q: snapshot %q could not be queued", c.userId, snap.Key)
	c.stopWith(websocket.CloseTryAgainLater, "client too slow")
	return false
}

func (c *Client) stopClient() {
	c.stopWith(websocket.CloseGoingAway, "server shutting down")
}

func (c *Client) stopWith(code int, text string) {
	c.stopOnce.Do(func() {
		c.closeFrame = websocket.FormatCloseMessage(code, text)
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.deregister(c)
	c.cancelAll()
	c.stopClient()
}

func (c *Client) cancelAll() {
	c.subsLock.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.subsLock.Unlock()

	for _, s := range subs {
		if s.cancel != nil {
			s.cancel()
			c.chatServer.stats.Decr(metricSubscriptions)
		}
	}
}
