package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	blob := []byte("firmware bytes")
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "tile-2.4.1.bin"), blob, 0644))
	manifest := `{"version": "2.4.1", "hardware_set": "esp32-tile-v2", "file": "tile-2.4.1.bin"}`
	path := filepath.Join(dir, "manifest.json")
	assert.NilError(t, os.WriteFile(path, []byte(manifest), 0644))

	img, err := LoadImage(path)
	assert.NilError(t, err)
	assert.Equal(t, img.Version, "2.4.1")
	assert.Equal(t, img.HardwareSet, "esp32-tile-v2")
	assert.Equal(t, img.Size, len(blob))

	sum := sha256.Sum256(blob)
	assert.Equal(t, img.Checksum, hex.EncodeToString(sum[:]))
}

func TestLoadImageRequiresVersionAndHardwareSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	assert.NilError(t, os.WriteFile(path, []byte(`{"file": "x.bin"}`), 0644))

	_, err := LoadImage(path)
	assert.Assert(t, err != nil)
}

func TestLoadImageMissingBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	manifest := `{"version": "2.4.1", "hardware_set": "esp32-tile-v2", "file": "gone.bin"}`
	assert.NilError(t, os.WriteFile(path, []byte(manifest), 0644))

	_, err := LoadImage(path)
	assert.Assert(t, err != nil)
}
