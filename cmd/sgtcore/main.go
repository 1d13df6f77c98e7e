package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sgtlab/sgt_core/internal/pkg/broadcast"
	"github.com/sgtlab/sgt_core/internal/pkg/coordinator"
	"github.com/sgtlab/sgt_core/internal/pkg/database/mongodb"
	"github.com/sgtlab/sgt_core/internal/pkg/datastreams/mqttbus"
	"github.com/sgtlab/sgt_core/internal/pkg/datastreams/natshandler"
	"github.com/sgtlab/sgt_core/internal/pkg/ota"
	"github.com/sgtlab/sgt_core/internal/pkg/scenario"
	"github.com/sgtlab/sgt_core/internal/pkg/solver"
	"github.com/sgtlab/sgt_core/internal/pkg/solver/lpsolver"
	"github.com/sgtlab/sgt_core/internal/pkg/tile"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
	"github.com/sgtlab/sgt_core/internal/pkg/webservice"
)

// tableConfig is the top-level configuration file.
type tableConfig struct {
	BrokerConfig       string  `json:"broker_config"`
	TopologyConfig     string  `json:"topology_config"`
	ScenarioFolder     string  `json:"scenario_folder"`
	InitialScenario    string  `json:"initial_scenario"`
	FirmwareManifest   string  `json:"firmware_manifest,omitempty"`
	NATSConfig         string  `json:"nats_config,omitempty"`
	MongoConfig        string  `json:"mongo_config,omitempty"`
	WebserviceConfig   string  `json:"webservice_config,omitempty"`
	HeartbeatIntervalS float64 `json:"heartbeat_interval_s"`
	MissedHeartbeats   int     `json:"missed_heartbeats"`
	SolveDebounceS     float64 `json:"solve_debounce_s"`
	SolveMaxIntervalS  float64 `json:"solve_max_interval_s"`
	TransferTimeoutS   float64 `json:"ota_transfer_timeout_s"`
	SessionTimeoutS    float64 `json:"ota_session_timeout_s"`
	RolloutPolicy      string  `json:"rollout_policy,omitempty"`
}

func loadTableConfig(path string) (tableConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tableConfig{}, err
	}
	cfg := tableConfig{
		HeartbeatIntervalS: 1,
		MissedHeartbeats:   tile.DefaultMissedHeartbeats,
		SolveDebounceS:     solver.DefaultDebounce.Seconds(),
		SolveMaxIntervalS:  solver.DefaultMaxInterval.Seconds(),
		TransferTimeoutS:   ota.DefaultTransferTimeout.Seconds(),
		SessionTimeoutS:    ota.DefaultSessionTimeout.Seconds(),
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return tableConfig{}, err
	}
	return cfg, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func main() {
	configPath := flag.String("config", "./config/table.json", "path to the table configuration file")
	flag.Parse()

	log.Println("[Main] Starting SGT_Core v0.1.0")
	cfg, err := loadTableConfig(*configPath)
	if err != nil {
		panic(err)
	}
	configDir := filepath.Dir(*configPath)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(configDir, p)
	}

	log.Println("[Main] Building Topology Registry")
	rawTopology, err := os.ReadFile(resolve(cfg.TopologyConfig))
	if err != nil {
		panic(err)
	}
	registry, err := topology.New(rawTopology)
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Loading Scenarios")
	scenarios, err := scenario.NewManager(resolve(cfg.ScenarioFolder))
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Building Tile Manager")
	clock := tile.WallClock{}
	heartbeat := seconds(cfg.HeartbeatIntervalS)
	tiles, err := tile.NewManager(clock, heartbeat, cfg.MissedHeartbeats)
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Building Solver")
	runner, err := solver.NewRunner(
		lpsolver.New(),
		func() topology.Snapshot { return registry.Snapshot(tiles.IsConnected) },
		seconds(cfg.SolveDebounceS),
		seconds(cfg.SolveMaxIntervalS),
		solver.DefaultTolerance,
	)
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Connecting MQTT Bus")
	brokerCfg, err := mqttbus.LoadConfig(resolve(cfg.BrokerConfig))
	if err != nil {
		panic(err)
	}
	heartbeats := make(chan tile.Heartbeat, 100)
	acks := make(chan ota.Ack, 100)
	bus, err := mqttbus.New(brokerCfg, heartbeats, acks)
	if err != nil {
		panic(err)
	}
	if err := bus.Connect(); err != nil {
		panic(err)
	}
	defer bus.Disconnect()

	log.Println("[Main] Building Rollout Coordinator")
	policy := ota.AllOrNothing
	if cfg.RolloutPolicy == "best-effort" {
		policy = ota.BestEffort
	}
	rollout, err := ota.NewCoordinator(bus, tiles, clock, ota.Config{
		TransferTimeout: seconds(cfg.TransferTimeoutS),
		SessionTimeout:  seconds(cfg.SessionTimeoutS),
		Policy:          policy,
	})
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Assembling System")
	caster := broadcast.New(bus)
	system, err := coordinator.New(registry, scenarios, tiles, runner, caster, rollout,
		bus, clock, coordinator.Config{
			HeartbeatInterval: heartbeat,
			Heartbeats:        heartbeats,
			Acks:              acks,
		})
	if err != nil {
		panic(err)
	}

	if cfg.InitialScenario != "" {
		if err := system.SetScenario(cfg.InitialScenario); err != nil {
			panic(err)
		}
	}
	if cfg.FirmwareManifest != "" {
		img, err := ota.LoadImage(resolve(cfg.FirmwareManifest))
		if err != nil {
			panic(err)
		}
		system.LoadImage(img)
	}

	if cfg.NATSConfig != "" {
		log.Println("[Main] Connecting NATS Service")
		nats, err := natshandler.New(resolve(cfg.NATSConfig), system)
		if err != nil {
			panic(err)
		}
		go nats.Process()
	}

	if cfg.MongoConfig != "" {
		log.Println("[Main] Connecting MongoDB Service")
		mongo, err := mongodb.New(resolve(cfg.MongoConfig), system)
		if err != nil {
			panic(err)
		}
		go mongo.Process()
	}

	if cfg.WebserviceConfig != "" {
		log.Println("[Main] Starting Webservice")
		rawWeb, err := os.ReadFile(resolve(cfg.WebserviceConfig))
		if err != nil {
			panic(err)
		}
		webCfg := webservice.Config{}
		if err := json.Unmarshal(rawWeb, &webCfg); err != nil {
			panic(err)
		}
		app := webservice.App{Core: system, Config: webCfg}
		go func() {
			if err := app.Serve(); err != nil {
				log.Printf("[Main] webservice stopped: %v\n", err)
			}
		}()
	}

	log.Println("[Main] Starting update loops")
	go runner.Process()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Println("[Main] Stopping system")
		runner.Stop()
		system.Stop()
	}()

	if err := system.Process(); err != nil {
		panic(err)
	}
}
