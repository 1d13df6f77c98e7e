/*
msg.go In-process publish/subscribe between the coordinator's components.
Components publish typed messages keyed by Topic; subscribers receive a
private channel per (pid, topic) pair.
*/

package msg

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Topic partitions published messages by content.
type Topic int

const (
	// Fleet carries tile connection state transitions.
	Fleet Topic = iota
	// Solve carries power-flow solve results and conditions.
	Solve
	// Rollout carries firmware rollout session reports.
	Rollout
	// Status carries periodic component status.
	Status
	// Config carries component configuration.
	Config
)

// Msg wraps a payload with the sender's PID and a topic.
type Msg struct {
	sender  uuid.UUID
	topic   Topic
	payload interface{}
}

// New is the Msg factory function
func New(sender uuid.UUID, topic Topic, payload interface{}) Msg {
	return Msg{sender, topic, payload}
}

// PID returns the sender's PID
func (m Msg) PID() uuid.UUID {
	return m.sender
}

// Topic returns the message topic
func (m Msg) Topic() Topic {
	return m.topic
}

// Payload returns the message data
func (m Msg) Payload() interface{} {
	return m.payload
}

// Publisher is an interface for objects that allow subscription to their events
type Publisher interface {
	Subscribe(uuid.UUID, Topic) (<-chan Msg, error)
	Unsubscribe(uuid.UUID)
}

// PubSub distributes messages to subscribers by topic. Sends never block:
// a subscriber that cannot keep up drops messages.
type PubSub struct {
	mux  *sync.Mutex
	pid  uuid.UUID
	subs map[Topic]map[uuid.UUID]chan Msg
}

// NewPublisher returns an initialized PubSub owned by pid.
func NewPublisher(pid uuid.UUID) *PubSub {
	subs := make(map[Topic]map[uuid.UUID]chan Msg)
	return &PubSub{&sync.Mutex{}, pid, subs}
}

// PID returns the publisher's PID
func (p *PubSub) PID() uuid.UUID {
	return p.pid
}

// Subscribe returns a read only channel of messages published on topic.
func (p *PubSub) Subscribe(pid uuid.UUID, topic Topic) (<-chan Msg, error) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if _, ok := p.subs[topic]; !ok {
		p.subs[topic] = make(map[uuid.UUID]chan Msg)
	}
	if _, exists := p.subs[topic][pid]; exists {
		return nil, fmt.Errorf("pid %v already subscribed to topic %v", pid, topic)
	}

	ch := make(chan Msg, 50)
	p.subs[topic][pid] = ch
	return ch, nil
}

// Unsubscribe closes and removes all channels held for pid.
func (p *PubSub) Unsubscribe(pid uuid.UUID) {
	p.mux.Lock()
	defer p.mux.Unlock()
	for _, subs := range p.subs {
		if ch, ok := subs[pid]; ok {
			delete(subs, pid)
			close(ch)
		}
	}
}

// Publish distributes payload to all subscribers of topic.
func (p *PubSub) Publish(topic Topic, payload interface{}) {
	p.mux.Lock()
	defer p.mux.Unlock()
	for _, ch := range p.subs[topic] {
		select {
		case ch <- New(p.pid, topic, payload):
		default:
		}
	}
}

// Stop closes all subscriber channels.
func (p *PubSub) Stop() {
	p.mux.Lock()
	defer p.mux.Unlock()
	for topic, subs := range p.subs {
		for pid, ch := range subs {
			delete(subs, pid)
			close(ch)
		}
		delete(p.subs, topic)
	}
}
