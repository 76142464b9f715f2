package jobqueue

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Transport moves raw job bytes between producers and worker processes
type Transport interface {
	Publish(subject string, data []byte) error

	// QueueSubscribe delivers each message on subject to exactly one member
	// of group. An empty group means every subscriber sees every message.
	QueueSubscribe(subject, group string, handler func(data []byte)) (Subscription, error)

	Close()
}

type Subscription interface {
	Unsubscribe() error
}

// NatsTransport carries jobs over NATS queue groups
type NatsTransport struct {
	conn *nats.Conn
}

func NewNatsTransport(url string) (*NatsTransport, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NatsTransport{conn: conn}, nil
}

func (t *NatsTransport) Publish(subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

func (t *NatsTransport) QueueSubscribe(subject, group string, handler func(data []byte)) (Subscription, error) {
	cb := func(msg *nats.Msg) {
		handler(msg.Data)
	}
	if group == "" {
		return t.conn.Subscribe(subject, cb)
	}
	return t.conn.QueueSubscribe(subject, group, cb)
}

func (t *NatsTransport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}

func (t *NatsTransport) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}
