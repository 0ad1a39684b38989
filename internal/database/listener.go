package database

import (
	"context"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// ChangeListener relays topics sent on ChangesChannel by any process
// sharing the database.
type ChangeListener struct {
	listener *pq.Listener
	logger   *log.Logger
}

func NewChangeListener(dsn string, logger *log.Logger) (*ChangeListener, error) {
	l := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Printf("change listener: %v", err)
			}
		})

	if err := l.Listen(ChangesChannel); err != nil {
		l.Close()
		return nil, classify(err)
	}

	return &ChangeListener{listener: l, logger: logger}, nil
}

// Run calls publish for every received topic until ctx is done. A nil
// notification means the connection was re-established and changes may
// have been missed, so onReconnect is called to refresh everything.
func (cl *ChangeListener) Run(ctx context.Context, publish func(topic string), onReconnect func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-cl.listener.Notify:
			if n == nil {
				cl.logger.Println("change listener reconnected")
				if onReconnect != nil {
					onReconnect()
				}
				continue
			}
			publish(n.Extra)
		case <-time.After(listenerPingInterval):
			go func() {
				if err := cl.listener.Ping(); err != nil {
					cl.logger.Printf("change listener ping: %v", err)
				}
			}()
		}
	}
}

func (cl *ChangeListener) Close() error {
	return cl.listener.Close()
}
