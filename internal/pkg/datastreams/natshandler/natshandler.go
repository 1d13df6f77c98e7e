/*
natshandler.go Republishes coordinator events to a NATS server for the
host-side visualization layer. Solve reports, fleet transitions and
rollout reports are forwarded as JSON on per-concern subjects.
*/

package natshandler

import (
	"encoding/json"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/sgtlab/sgt_core/internal/pkg/msg"
)

// Subjects published for the visualization layer.
const (
	SubjectSolve   = "sgt.solve"
	SubjectFleet   = "sgt.fleet"
	SubjectRollout = "sgt.rollout"
)

// Handler bridges the coordinator pubsub to NATS.
type Handler struct {
	mux    *sync.Mutex
	inbox  <-chan msg.Msg
	pid    uuid.UUID
	config config
	stop   chan bool
}

type config struct {
	Server string `json:"Server"`
}

func redirectMsg(chIn <-chan msg.Msg, chOut chan<- msg.Msg) {
	for m := range chIn {
		chOut <- m
	}
}

// New subscribes to the system publisher and returns a Handler ready
// to Process.
func New(configPath string, system msg.Publisher) (Handler, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return Handler{}, err
	}
	cfg := config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return Handler{}, err
	}

	pid, err := uuid.NewUUID()
	if err != nil {
		return Handler{}, err
	}

	inbox := make(chan msg.Msg, 50)
	for _, topic := range []msg.Topic{msg.Solve, msg.Fleet, msg.Rollout} {
		ch, err := system.Subscribe(pid, topic)
		if err != nil {
			return Handler{}, err
		}
		go redirectMsg(ch, inbox)
	}

	return Handler{
		mux:    &sync.Mutex{},
		inbox:  inbox,
		pid:    pid,
		config: cfg,
		stop:   make(chan bool),
	}, nil
}

// PID returns the handler's PID
func (h Handler) PID() uuid.UUID {
	return h.pid
}

// Stop terminates the Process loop.
func (h *Handler) Stop() {
	h.stop <- true
}

// Process forwards subscribed messages to NATS until stopped.
func (h Handler) Process() {
	log.Println("[NATS client] Process Started")
	server := h.config.Server
	if server == "" {
		server = nats.DefaultURL
	}
	nc, err := nats.Connect(server)
	if err != nil {
		log.Printf("[NATS client] connect failed: %v\n", err)
		return
	}
	defer nc.Close()

loop:
	for {
		select {
		case m := <-h.inbox:
			subject := ""
			switch m.Topic() {
			case msg.Solve:
				subject = SubjectSolve
			case msg.Fleet:
				subject = SubjectFleet
			case msg.Rollout:
				subject = SubjectRollout
			default:
				continue
			}
			data, err := json.Marshal(m.Payload())
			if err != nil {
				continue
			}
			if err = nc.Publish(subject, data); err != nil {
				log.Printf("[NATS client] unable to publish to nats server: %v\n", err)
			}

		case <-h.stop:
			break loop
		}
	}
	log.Println("[NATS client] Process Shutdown")
}
