/*
mongodb.go Archive store. Keeps the latest solve report per table and
appends every terminal rollout session report, so operators can audit
fleet updates after the fact.
*/

package mongodb

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sgtlab/sgt_core/internal/pkg/msg"
	"github.com/sgtlab/sgt_core/internal/pkg/ota"
	"github.com/sgtlab/sgt_core/internal/pkg/solver"
)

// Handler bridges the coordinator pubsub to MongoDB collections.
type Handler struct {
	mux    *sync.Mutex
	inbox  <-chan msg.Msg
	pid    uuid.UUID
	config config
	stop   chan bool
}

type config struct {
	URI      string `json:"URI"`
	Database string `json:"Database"`
}

func redirectMsg(chIn <-chan msg.Msg, chOut chan<- msg.Msg) {
	for m := range chIn {
		chOut <- m
	}
}

// New subscribes to solve and rollout reports on the system publisher.
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
	for _, topic := range []msg.Topic{msg.Solve, msg.Rollout} {
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

// StopProcess terminates the Process loop.
func (h *Handler) StopProcess() {
	h.stop <- true
}

// Process writes subscribed reports to the archive until stopped.
func (h Handler) Process() {
	log.Println("[Mongo] Process Started")
	ctx := context.TODO()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(h.config.URI))
	if err != nil {
		log.Printf("[Mongo] connect failed: %v\n", err)
		return
	}
	defer client.Disconnect(ctx)

	db := client.Database(h.config.Database)
	solves := db.Collection("solveReports")
	rollouts := db.Collection("rolloutSessions")

loop:
	for {
		select {
		case m := <-h.inbox:
			switch m.Topic() {
			case msg.Solve:
				report, ok := m.Payload().(solver.Report)
				if !ok {
					continue
				}
				opts := options.Update().SetUpsert(true)
				_, err := solves.UpdateOne(ctx,
					bson.M{"scenario": report.Result.Scenario},
					bson.D{{Key: "$set", Value: bson.M{
						"pid":       report.Result.PID.String(),
						"scenario":  report.Result.Scenario,
						"condition": report.Condition,
						"report":    toBSON(report),
					}}},
					opts,
				)
				if err != nil {
					log.Printf("[Mongo] solve upsert failed: %v\n", err)
				}

			case msg.Rollout:
				report, ok := m.Payload().(ota.Report)
				if !ok {
					continue
				}
				_, err := rollouts.InsertOne(ctx, bson.M{
					"session": report.Session.String(),
					"report":  toBSON(report),
				})
				if err != nil {
					log.Printf("[Mongo] rollout insert failed: %v\n", err)
				}
			}

		case <-h.stop:
			break loop
		}
	}
	log.Println("[Mongo] Process Shutdown")
}

// toBSON round-trips a report through JSON so the stored document uses
// the reports' wire field names.
func toBSON(v interface{}) bson.M {
	raw, err := json.Marshal(v)
	if err != nil {
		return bson.M{}
	}
	doc := bson.M{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return bson.M{}
	}
	return doc
}
