/*
image.go Firmware image loading. An image is an opaque versioned blob
plus the hardware-set identifier it targets; only tiles reporting a
matching hardware set are eligible for rollout.
*/

package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Image is one loadable firmware build.
type Image struct {
	Version     string `json:"version"`
	HardwareSet string `json:"hardware_set"`
	Checksum    string `json:"checksum"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"`
}

type imageManifest struct {
	Version     string `json:"version"`
	HardwareSet string `json:"hardware_set"`
	File        string `json:"file"`
}

// LoadImage reads an image manifest and the binary it references. The
// checksum is computed here and carried in the transfer command so
// tiles can verify before applying.
func LoadImage(manifestPath string) (Image, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return Image{}, err
	}
	manifest := imageManifest{}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Image{}, err
	}
	if manifest.Version == "" || manifest.HardwareSet == "" {
		return Image{}, fmt.Errorf("image manifest %v: version and hardware_set are required", manifestPath)
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(manifestPath), manifest.File))
	if err != nil {
		return Image{}, err
	}

	sum := sha256.Sum256(data)
	return Image{
		Version:     manifest.Version,
		HardwareSet: manifest.HardwareSet,
		Checksum:    hex.EncodeToString(sum[:]),
		Size:        len(data),
		Data:        data,
	}, nil
}
