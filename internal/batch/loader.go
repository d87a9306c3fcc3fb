package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/probectl/probectl/internal/config"
)

type fileScript struct {
	Steps []fileStep `toml:"step"`
}

type fileStep struct {
	Op      string `toml:"op"`
	Path    string `toml:"path"`
	Address string `toml:"address"`
	Count   int    `toml:"count"`
	Value   string `toml:"value"`
	Command string `toml:"command"`
}

// LoadScript parses a TOML batch script into an ordered descriptor list.
// Validation happens here so a malformed script fails before the debug
// server is ever started.
func LoadScript(path string) ([]Descriptor, error) {
	var script fileScript
	if _, err := toml.DecodeFile(path, &script); err != nil {
		return nil, fmt.Errorf("decode batch script %q: %w", path, err)
	}
	if len(script.Steps) == 0 {
		return nil, fmt.Errorf("batch script %q has no steps", path)
	}

	descriptors := make([]Descriptor, 0, len(script.Steps))
	for i, step := range script.Steps {
		descriptor, err := step.descriptor()
		if err != nil {
			return nil, fmt.Errorf("batch script %q step %d: %w", path, i+1, err)
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

func (s fileStep) descriptor() (Descriptor, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s.Op)))
	switch kind {
	case KindHalt, KindResetHalt, KindResetRun, KindEraseFlash, KindTargetInfo:
		return Descriptor{Kind: kind}, nil

	case KindFlash, KindVerify:
		if strings.TrimSpace(s.Path) == "" {
			return Descriptor{}, fmt.Errorf("%s requires a path", kind)
		}
		return Descriptor{
			Kind:    kind,
			Path:    strings.TrimSpace(s.Path),
			Address: strings.TrimSpace(s.Address),
		}, nil

	case KindReadMemory:
		address, err := config.ParseAddress(s.Address)
		if err != nil {
			return Descriptor{}, fmt.Errorf("read_memory address: %w", err)
		}
		count := s.Count
		if count <= 0 {
			count = 1
		}
		return Descriptor{Kind: kind, MemoryAddress: address, Count: count}, nil

	case KindWriteMemory:
		address, err := config.ParseAddress(s.Address)
		if err != nil {
			return Descriptor{}, fmt.Errorf("write_memory address: %w", err)
		}
		value, err := config.ParseAddress(s.Value)
		if err != nil {
			return Descriptor{}, fmt.Errorf("write_memory value: %w", err)
		}
		return Descriptor{Kind: kind, MemoryAddress: address, Value: value}, nil

	case KindCustom:
		if strings.TrimSpace(s.Command) == "" {
			return Descriptor{}, errors.New("custom requires a command")
		}
		return Descriptor{Kind: kind, Command: strings.TrimSpace(s.Command)}, nil

	case "":
		return Descriptor{}, errors.New("step missing op")

	default:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownDescriptor, s.Op)
	}
}
