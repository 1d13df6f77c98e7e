/*
webservice.go Operator HTTP surface. Exposes fleet and solve status
and the operator commands: scenario selection, cable enable/disable,
the fleet-wide firmware update trigger and rollout abort.
*/

package webservice

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sgtlab/sgt_core/internal/pkg/ota"
	"github.com/sgtlab/sgt_core/internal/pkg/solver"
	"github.com/sgtlab/sgt_core/internal/pkg/tile"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

// Core is the coordinator surface the webservice drives.
type Core interface {
	Fleet() []tile.Info
	LastSolve() (solver.Report, bool)
	Scenarios() []string
	CurrentScenario() string
	SetScenario(name string) error
	SetCableEnabled(name string, enabled bool) error
	UpdateFirmware() (ota.Report, error)
	ActiveRollout() (ota.Report, bool)
	AbortRollout(id uuid.UUID) error
	RecoverTile(id string) error
	Ping(id string) error
}

// App holds the webservice configuration and core handle.
type App struct {
	Core   Core
	Config Config
}

// Config is the listen address configuration.
type Config struct {
	URL  string `json:"URL"`
	Port string `json:"Port"`
}

// Router assembles the operator routes.
func (app *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", app.BaseHandler)
	r.HandleFunc("/fleet", app.FleetHandler).Methods("GET")
	r.HandleFunc("/solve", app.SolveHandler).Methods("GET")
	r.HandleFunc("/scenario", app.ScenarioListHandler).Methods("GET")
	r.HandleFunc("/scenario/{name}", app.ScenarioHandler).Methods("POST")
	r.HandleFunc("/cable/{name}/enabled", app.CableHandler).Methods("POST")
	r.HandleFunc("/firmware/update", app.FirmwareUpdateHandler).Methods("POST")
	r.HandleFunc("/rollout", app.RolloutHandler).Methods("GET")
	r.HandleFunc("/rollout/{id}/abort", app.RolloutAbortHandler).Methods("POST")
	r.HandleFunc("/tile/{id}/recover", app.TileRecoverHandler).Methods("POST")
	r.HandleFunc("/tile/{id}/ping", app.TilePingHandler).Methods("POST")
	return r
}

// Serve blocks on the HTTP listener.
func (app *App) Serve() error {
	addr := app.Config.URL + ":" + app.Config.Port
	log.Printf("[Webservice] listening on %v\n", addr)
	return http.ListenAndServe(addr, app.Router())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	body, err := json.Marshal(v)
	if err != nil {
		log.Println("malformed JSON:", err)
		return
	}
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// BaseHandler reports liveness.
func (app *App) BaseHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
}

// FleetHandler returns all known tiles.
func (app *App) FleetHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Core.Fleet())
}

// SolveHandler returns the authoritative solve report.
func (app *App) SolveHandler(w http.ResponseWriter, r *http.Request) {
	report, ok := app.Core.LastSolve()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no solve completed yet"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ScenarioListHandler returns the loaded and active scenarios.
func (app *App) ScenarioListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current":   app.Core.CurrentScenario(),
		"available": app.Core.Scenarios(),
	})
}

// ScenarioHandler activates the named scenario.
func (app *App) ScenarioHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := app.Core.SetScenario(name); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, topology.ErrScenarioNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scenario": name})
}

// CableHandler flips a cable's enable flag. Body: {"enabled": bool}.
func (app *App) CableHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := struct {
		Enabled bool `json:"enabled"`
	}{}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := app.Core.SetCableEnabled(name, req.Enabled); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, topology.ErrUnknownEntity) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cable": name, "enabled": req.Enabled})
}

// FirmwareUpdateHandler starts a fleet-wide rollout of the staged
// image.
func (app *App) FirmwareUpdateHandler(w http.ResponseWriter, r *http.Request) {
	report, err := app.Core.UpdateFirmware()
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ota.ErrRolloutActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

// RolloutHandler returns the in-progress session report.
func (app *App) RolloutHandler(w http.ResponseWriter, r *http.Request) {
	report, ok := app.Core.ActiveRollout()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no active rollout session"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RolloutAbortHandler cancels the in-progress session.
func (app *App) RolloutAbortHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := app.Core.AbortRollout(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": id.String(), "outcome": "aborted"})
}

// TileRecoverHandler returns a Failed tile to Disconnected.
func (app *App) TileRecoverHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := app.Core.RecoverTile(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tile": id, "state": "disconnected"})
}

// TilePingHandler measures a tile's command round trip.
func (app *App) TilePingHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := app.Core.Ping(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tile": id})
}
