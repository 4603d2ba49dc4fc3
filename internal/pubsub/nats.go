package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Nats fans counter changes out to every instance connected to the same server.
type Nats struct {
	conn *nats.Conn
}

var _ PubSub = &Nats{}

// NewNats connects to a NATS server.
func NewNats(url string) (*Nats, error) {
	nc, err := nats.Connect(url,
		nats.Name("ticketd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Nats{conn: nc}, nil
}

// NewInMemoryNats starts an embedded server on a random port and connects to it.
func NewInMemoryNats() (*Nats, *server.Server, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create in-memory nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, nil, fmt.Errorf("failed to start in-memory nats server")
	}

	n, err := NewNats(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, nil, err
	}
	return n, ns, nil
}

func (n *Nats) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Err(err).Str("subject", msg.Subject).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (n *Nats) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

// Flush waits until the server has processed everything published so far.
func (n *Nats) Flush() error {
	return n.conn.Flush()
}

func (n *Nats) Close() {
	n.conn.Close()
}
