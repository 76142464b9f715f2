package jobqueue

import (
	"sync"
)

// MemTransport is an in-process Transport for unit tests.
// Delivery is synchronous: Publish runs matching handlers before returning,
// which makes test assertions deterministic. Group semantics match NATS:
// one member per group receives each message.
type MemTransport struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

type memSub struct {
	transport *MemTransport
	subject   string
	group     string
	handler   func(data []byte)
}

func NewMemTransport() *MemTransport {
	return &MemTransport{
		subs: map[string][]*memSub{},
	}
}

func (t *MemTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	subs := append([]*memSub{}, t.subs[subject]...)
	t.mu.Unlock()

	delivered := map[string]bool{}
	for _, s := range subs {
		if s.group == "" {
			s.handler(data)
		} else if !delivered[s.group] {
			delivered[s.group] = true
			s.handler(data)
		}
	}
	return nil
}

func (t *MemTransport) QueueSubscribe(subject, group string, handler func(data []byte)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &memSub{
		transport: t,
		subject:   subject,
		group:     group,
		handler:   handler,
	}
	t.subs[subject] = append(t.subs[subject], s)
	return s, nil
}

func (t *MemTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = map[string][]*memSub{}
}

func (s *memSub) Unsubscribe() error {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[s.subject]
	for i, other := range list {
		if other == s {
			t.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}
