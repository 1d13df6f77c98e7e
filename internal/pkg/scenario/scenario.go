/*
scenario.go Scenario loading and selection. A scenario is a named set
of generator setpoints and load demands read from a JSON file; the
manager loads a folder of them and tracks the active one.
*/

package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

// Manager loads and holds all scenarios found in a folder.
type Manager struct {
	mux       *sync.RWMutex
	folder    string
	scenarios map[string]topology.Setpoints
	current   string
}

// NewManager reads every .json file in folder as a scenario.
func NewManager(folder string) (*Manager, error) {
	m := &Manager{
		mux:       &sync.RWMutex{},
		folder:    folder,
		scenarios: make(map[string]topology.Setpoints),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads all scenario files from the folder.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.folder)
	if err != nil {
		return err
	}

	scenarios := make(map[string]topology.Setpoints)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.folder, entry.Name()))
		if err != nil {
			return err
		}
		s := topology.Setpoints{}
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("scenario %v: %w", entry.Name(), err)
		}
		if s.Name == "" {
			return fmt.Errorf("scenario %v: missing name", entry.Name())
		}
		scenarios[s.Name] = s
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	m.scenarios = scenarios
	if _, ok := m.scenarios[m.current]; !ok {
		m.current = ""
	}
	return nil
}

// Get returns the named scenario.
func (m *Manager) Get(name string) (topology.Setpoints, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	s, ok := m.scenarios[name]
	return s, ok
}

// SetCurrent marks the named scenario active.
func (m *Manager) SetCurrent(name string) (topology.Setpoints, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	s, ok := m.scenarios[name]
	if !ok {
		return topology.Setpoints{}, fmt.Errorf("no scenario with name %v", name)
	}
	m.current = name
	return s, nil
}

// Current returns the active scenario name, empty if none was set.
func (m *Manager) Current() string {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.current
}

// List returns all loaded scenario names, sorted.
func (m *Manager) List() []string {
	m.mux.RLock()
	defer m.mux.RUnlock()
	names := make([]string, 0, len(m.scenarios))
	for name := range m.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
