package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeScenario(t *testing.T, folder, file, body string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(folder, file), []byte(body), 0644)
	assert.NilError(t, err)
}

func testFolder(t *testing.T) string {
	t.Helper()
	folder := t.TempDir()
	writeScenario(t, folder, "summer.json",
		`{"name": "summer", "generators": {"gen_hv0": 25}, "loads": {"load_mv0": 14}}`)
	writeScenario(t, folder, "winter.json",
		`{"name": "winter", "generators": {"gen_hv0": 30}, "loads": {"load_mv0": 19}}`)
	writeScenario(t, folder, "notes.txt", "not a scenario")
	return folder
}

func TestLoadFolder(t *testing.T) {
	m, err := NewManager(testFolder(t))
	assert.NilError(t, err)

	assert.DeepEqual(t, m.List(), []string{"summer", "winter"})

	s, ok := m.Get("summer")
	assert.Assert(t, ok)
	assert.Equal(t, s.Generators["gen_hv0"], 25.0)
	assert.Equal(t, s.Loads["load_mv0"], 14.0)
}

func TestMissingNameRejected(t *testing.T) {
	folder := t.TempDir()
	writeScenario(t, folder, "anon.json", `{"generators": {}, "loads": {}}`)

	_, err := NewManager(folder)
	assert.Assert(t, err != nil)
}

func TestSetCurrent(t *testing.T) {
	m, err := NewManager(testFolder(t))
	assert.NilError(t, err)
	assert.Equal(t, m.Current(), "")

	s, err := m.SetCurrent("winter")
	assert.NilError(t, err)
	assert.Equal(t, s.Name, "winter")
	assert.Equal(t, m.Current(), "winter")

	_, err = m.SetCurrent("spring")
	assert.Assert(t, err != nil)
	assert.Equal(t, m.Current(), "winter")
}

func TestReloadDropsRemovedScenarios(t *testing.T) {
	folder := testFolder(t)
	m, err := NewManager(folder)
	assert.NilError(t, err)

	_, err = m.SetCurrent("winter")
	assert.NilError(t, err)

	assert.NilError(t, os.Remove(filepath.Join(folder, "winter.json")))
	assert.NilError(t, m.Reload())

	assert.DeepEqual(t, m.List(), []string{"summer"})
	assert.Equal(t, m.Current(), "")
}
