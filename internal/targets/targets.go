// Package targets maps supported debug-target identifiers to the OpenOCD
// interface and target configuration files used to launch the server.
package targets

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultInterfaceConfig is the adapter configuration used unless a target
// entry overrides it.
const DefaultInterfaceConfig = "interface/stlink.cfg"

// Target describes one selectable debug target.
type Target struct {
	ID              string
	Description     string
	InterfaceConfig string
	TargetConfig    string
}

var builtins = []Target{
	{
		ID:              "stm32l0",
		Description:     "STM32L0 series (Cortex-M0+)",
		InterfaceConfig: DefaultInterfaceConfig,
		TargetConfig:    "target/stm32l0.cfg",
	},
	{
		ID:              "stm32l4",
		Description:     "STM32L4 series (Cortex-M4)",
		InterfaceConfig: DefaultInterfaceConfig,
		TargetConfig:    "target/stm32l4x.cfg",
	},
	{
		ID:              "stm32f4",
		Description:     "STM32F4 series (Cortex-M4)",
		InterfaceConfig: DefaultInterfaceConfig,
		TargetConfig:    "target/stm32f4x.cfg",
	},
	{
		ID:              "stm32g0",
		Description:     "STM32G0 series (Cortex-M0+)",
		InterfaceConfig: DefaultInterfaceConfig,
		TargetConfig:    "target/stm32g0x.cfg",
	},
}

// Registry resolves target identifiers to launch configurations. Config-file
// entries overlay the built-in table.
type Registry struct {
	entries map[string]Target
}

// NewRegistry builds a registry from the built-in target table plus optional
// overrides. An override with an ID matching a built-in replaces it.
func NewRegistry(overrides ...Target) (*Registry, error) {
	entries := make(map[string]Target, len(builtins)+len(overrides))
	for _, target := range builtins {
		entries[target.ID] = target
	}

	for _, override := range overrides {
		id := normalizeID(override.ID)
		if id == "" {
			return nil, fmt.Errorf("target override missing id")
		}
		if strings.TrimSpace(override.TargetConfig) == "" {
			return nil, fmt.Errorf("target %q missing target config path", id)
		}
		if strings.TrimSpace(override.InterfaceConfig) == "" {
			override.InterfaceConfig = DefaultInterfaceConfig
		}
		override.ID = id
		entries[id] = override
	}

	return &Registry{entries: entries}, nil
}

// Lookup resolves one target identifier.
func (r *Registry) Lookup(id string) (Target, error) {
	if r == nil {
		return Target{}, fmt.Errorf("registry is nil")
	}
	target, ok := r.entries[normalizeID(id)]
	if !ok {
		return Target{}, fmt.Errorf("unknown target %q (known: %s)", id, strings.Join(r.IDs(), ", "))
	}
	return target, nil
}

// IDs returns known target identifiers in deterministic order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns all registered targets ordered by identifier.
func (r *Registry) All() []Target {
	if r == nil {
		return nil
	}
	all := make([]Target, 0, len(r.entries))
	for _, id := range r.IDs() {
		all = append(all, r.entries[id])
	}
	return all
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
