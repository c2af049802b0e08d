// Package options implements the Options tab: per-model settings that the
// other action modules read through the coordinator when they build
// requests.
package options

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/panel"
)

// ErrNotSeeded is returned by Set before the module has rendered with
// server info.
var ErrNotSeeded = errors.New("options not loaded yet")

// Module holds per-section, per-model configuration.
type Module struct {
	panel.Base

	mu     sync.Mutex
	config panel.Config
	// seeded is the configuration the current server advertised; config is
	// seeded with edits applied on top.
	seeded panel.Config
	edits  map[string]map[string]map[string]any
}

// New constructs the options module.
func New(panel.Services) panel.Module {
	return &Module{}
}

func (m *Module) Name() panel.Name { return panel.NameOptions }

// Render rebuilds configuration whenever the capability document changes,
// keeping edits for models the server still advertises, then lists it.
func (m *Module) Render(state panel.State) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state.ServerInfo.Empty() {
		if m.config != nil {
			log.Debug(log.CatAction, "Options cleared, server info empty")
		}
		m.config, m.seeded = nil, nil
		return "Not connected"
	}
	if fresh := seed(state.ServerInfo); m.seeded == nil || !reflect.DeepEqual(fresh, m.seeded) {
		m.seeded = fresh
		m.config = m.applyEdits(fresh.Clone())
		log.Debug(log.CatAction, "Options seeded", "sections", len(m.config))
	}
	return describe(m.config)
}

// applyEdits layers user edits onto cfg and forgets edits for models cfg
// no longer has.
func (m *Module) applyEdits(cfg panel.Config) panel.Config {
	for section, models := range m.edits {
		sec, _ := cfg[section].(map[string]any)
		for model, keys := range models {
			entry, ok := sec[model].(map[string]any)
			if !ok {
				delete(models, model)
				continue
			}
			for k, v := range keys {
				entry[k] = v
			}
		}
	}
	return cfg
}

// seed builds the initial configuration from the capability document.
func seed(info panel.ServerInfo) panel.Config {
	cfg := panel.Config{
		panel.SectionInfer:          map[string]any{},
		panel.SectionTrain:          map[string]any{},
		panel.SectionActiveLearning: map[string]any{},
		panel.SectionScoring:        map[string]any{},
	}
	for _, model := range info.Models() {
		if model.Config != nil {
			cfg[panel.SectionInfer].(map[string]any)[model.Name] = map[string]any(panel.Config(model.Config).Clone())
		}
	}
	for section, key := range map[string]string{
		panel.SectionTrain:          "trainers",
		panel.SectionActiveLearning: "strategies",
		panel.SectionScoring:        "scoring",
	} {
		raw, _ := info[key].(map[string]any)
		for name, v := range raw {
			entry, _ := v.(map[string]any)
			conf, _ := entry["config"].(map[string]any)
			if conf != nil {
				cfg[section].(map[string]any)[name] = map[string]any(panel.Config(conf).Clone())
			}
		}
	}
	return cfg
}

// Set updates one setting. The section and model must already exist.
func (m *Module) Set(section, model, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config == nil {
		return ErrNotSeeded
	}
	sec, ok := m.config[section].(map[string]any)
	if !ok {
		return fmt.Errorf("unknown options section %q", section)
	}
	entry, ok := sec[model].(map[string]any)
	if !ok {
		return fmt.Errorf("unknown model %q in section %q", model, section)
	}
	entry[key] = value
	if m.edits == nil {
		m.edits = map[string]map[string]map[string]any{}
	}
	if m.edits[section] == nil {
		m.edits[section] = map[string]map[string]any{}
	}
	if m.edits[section][model] == nil {
		m.edits[section][model] = map[string]any{}
	}
	m.edits[section][model][key] = value
	log.Info(log.CatAction, "Option changed", "section", section, "model", model, "key", key)
	return nil
}

// SetString parses raw as a YAML scalar, so "true", "0.5" and "[1, 2]"
// keep their types, and stores the result.
func (m *Module) SetString(section, model, key, raw string) error {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return fmt.Errorf("parsing option value: %w", err)
	}
	return m.Set(section, model, key, v)
}

// Config returns a deep copy of the current configuration, or nil before
// it has been seeded.
func (m *Module) Config() panel.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

func describe(cfg panel.Config) string {
	var b strings.Builder
	for _, section := range sortedKeys(cfg) {
		models, _ := cfg[section].(map[string]any)
		if len(models) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s\n", section)
		for _, model := range sortedKeys(models) {
			fmt.Fprintf(&b, "  %s\n", model)
			entry, _ := models[model].(map[string]any)
			for _, key := range sortedKeys(entry) {
				fmt.Fprintf(&b, "    %s: %v\n", key, entry[key])
			}
		}
	}
	if b.Len() == 0 {
		return "No configurable models"
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
