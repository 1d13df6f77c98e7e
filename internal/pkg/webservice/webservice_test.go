package webservice

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/sgtlab/sgt_core/internal/pkg/ota"
	"github.com/sgtlab/sgt_core/internal/pkg/solver"
	"github.com/sgtlab/sgt_core/internal/pkg/tile"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

// fakeCore scripts the Core surface and records operator commands.
type fakeCore struct {
	fleet        []tile.Info
	solve        solver.Report
	solved       bool
	scenarios    []string
	current      string
	rollout      ota.Report
	active       bool
	scenarioSet  string
	cableSet     string
	cableEnabled bool
	recovered    string
	pinged       string
	aborted      uuid.UUID
	updateErr    error
}

func (c *fakeCore) Fleet() []tile.Info                { return c.fleet }
func (c *fakeCore) LastSolve() (solver.Report, bool)  { return c.solve, c.solved }
func (c *fakeCore) Scenarios() []string               { return c.scenarios }
func (c *fakeCore) CurrentScenario() string           { return c.current }
func (c *fakeCore) ActiveRollout() (ota.Report, bool) { return c.rollout, c.active }

func (c *fakeCore) UpdateFirmware() (ota.Report, error) {
	if c.updateErr != nil {
		return ota.Report{}, c.updateErr
	}
	return c.rollout, nil
}

func (c *fakeCore) SetScenario(name string) error {
	for _, s := range c.scenarios {
		if s == name {
			c.scenarioSet = name
			return nil
		}
	}
	return fmt.Errorf("scenario %v: %w", name, topology.ErrScenarioNotFound)
}

func (c *fakeCore) SetCableEnabled(name string, enabled bool) error {
	if name == "cable_nope" {
		return fmt.Errorf("%w: %v", topology.ErrUnknownEntity, name)
	}
	c.cableSet = name
	c.cableEnabled = enabled
	return nil
}

func (c *fakeCore) AbortRollout(id uuid.UUID) error {
	if !c.active || c.rollout.Session != id {
		return fmt.Errorf("no active rollout session %v", id)
	}
	c.aborted = id
	return nil
}

func (c *fakeCore) RecoverTile(id string) error {
	c.recovered = id
	return nil
}

func (c *fakeCore) Ping(id string) error {
	if id == "tile-nope" {
		return fmt.Errorf("unknown tile %v", id)
	}
	c.pinged = id
	return nil
}

func request(t *testing.T, core Core, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	app := &App{Core: core}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	return rec
}

func TestFleetEndpoint(t *testing.T) {
	core := &fakeCore{fleet: []tile.Info{{ID: "tile-1", State: "connected"}}}
	rec := request(t, core, "GET", "/fleet", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, strings.Contains(rec.Body.String(), "tile-1"))
}

func TestSolveEndpointBeforeFirstSolve(t *testing.T) {
	rec := request(t, &fakeCore{}, "GET", "/solve", "")
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestSolveEndpoint(t *testing.T) {
	core := &fakeCore{
		solve:  solver.Report{Condition: solver.ConditionOK, Result: solver.Result{Feasible: true, Scenario: "summer"}},
		solved: true,
	}
	rec := request(t, core, "GET", "/solve", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, strings.Contains(rec.Body.String(), "summer"))
}

func TestScenarioList(t *testing.T) {
	core := &fakeCore{scenarios: []string{"summer", "winter"}, current: "summer"}
	rec := request(t, core, "GET", "/scenario", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, strings.Contains(rec.Body.String(), "winter"))
}

func TestScenarioActivation(t *testing.T) {
	core := &fakeCore{scenarios: []string{"summer"}}

	rec := request(t, core, "POST", "/scenario/summer", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, core.scenarioSet, "summer")

	rec = request(t, core, "POST", "/scenario/spring", "")
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestCableToggle(t *testing.T) {
	core := &fakeCore{}

	rec := request(t, core, "POST", "/cable/cable_ab/enabled", `{"enabled": false}`)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, core.cableSet, "cable_ab")
	assert.Assert(t, !core.cableEnabled)

	rec = request(t, core, "POST", "/cable/cable_nope/enabled", `{"enabled": true}`)
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestFirmwareUpdate(t *testing.T) {
	session, _ := uuid.NewUUID()
	core := &fakeCore{rollout: ota.Report{Session: session, Outcome: "open"}}

	rec := request(t, core, "POST", "/firmware/update", "")
	assert.Equal(t, rec.Code, http.StatusAccepted)
	assert.Assert(t, strings.Contains(rec.Body.String(), session.String()))
}

func TestFirmwareUpdateConflictsWhileActive(t *testing.T) {
	core := &fakeCore{updateErr: ota.ErrRolloutActive}
	rec := request(t, core, "POST", "/firmware/update", "")
	assert.Equal(t, rec.Code, http.StatusConflict)
}

func TestRolloutStatus(t *testing.T) {
	rec := request(t, &fakeCore{}, "GET", "/rollout", "")
	assert.Equal(t, rec.Code, http.StatusNotFound)

	session, _ := uuid.NewUUID()
	core := &fakeCore{rollout: ota.Report{Session: session}, active: true}
	rec = request(t, core, "GET", "/rollout", "")
	assert.Equal(t, rec.Code, http.StatusOK)
}

func TestRolloutAbort(t *testing.T) {
	session, _ := uuid.NewUUID()
	core := &fakeCore{rollout: ota.Report{Session: session}, active: true}

	rec := request(t, core, "POST", "/rollout/"+session.String()+"/abort", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, core.aborted, session)

	rec = request(t, core, "POST", "/rollout/not-a-uuid/abort", "")
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	other, _ := uuid.NewUUID()
	rec = request(t, core, "POST", "/rollout/"+other.String()+"/abort", "")
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestTileRecover(t *testing.T) {
	core := &fakeCore{}
	rec := request(t, core, "POST", "/tile/tile-1/recover", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, core.recovered, "tile-1")
}

func TestTilePing(t *testing.T) {
	core := &fakeCore{}
	rec := request(t, core, "POST", "/tile/tile-1/ping", "")
	assert.Equal(t, rec.Code, http.StatusAccepted)
	assert.Equal(t, core.pinged, "tile-1")

	rec = request(t, core, "POST", "/tile/tile-nope/ping", "")
	assert.Equal(t, rec.Code, http.StatusNotFound)
}
