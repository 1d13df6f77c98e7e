package mqttbus

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.json")
	assert.NilError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{"mode": "remote", "broker": "ssl://broker.example:8883",
		"username": "sgt", "password": "secret", "base_topic": "sgt/table-1"}`)

	cfg, err := LoadConfig(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Mode, ModeRemote)
	assert.Equal(t, cfg.BaseTopic, "sgt/table-1")
}

func TestLoadConfigRequiresBaseTopic(t *testing.T) {
	path := writeConfig(t, `{"mode": "local"}`)
	_, err := LoadConfig(path)
	assert.Assert(t, err != nil)
}

func TestRemoteModeRequiresBroker(t *testing.T) {
	_, err := New(Config{Mode: ModeRemote, BaseTopic: "sgt/table-1"}, nil, nil)
	assert.Assert(t, err != nil)
}

func TestUnknownModeRejected(t *testing.T) {
	_, err := New(Config{Mode: "cloudy", BaseTopic: "sgt/table-1"}, nil, nil)
	assert.Assert(t, err != nil)
}

func TestTileIDParsing(t *testing.T) {
	c, err := New(Config{Mode: ModeLocal, BaseTopic: "sgt/table-1"}, nil, nil)
	assert.NilError(t, err)

	id, ok := c.tileID("sgt/table-1/tile/tile-7/heartbeat")
	assert.Assert(t, ok)
	assert.Equal(t, id, "tile-7")

	id, ok = c.tileID("sgt/table-1/ota/tile-3/ack")
	assert.Assert(t, ok)
	assert.Equal(t, id, "tile-3")

	_, ok = c.tileID("sgt/table-1/garbage")
	assert.Assert(t, !ok)
}
