// cmd/potctl/preset.go
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"potentiostat-service/internal/model"
)

// Preset is one experiment read from a YAML file
type Preset struct {
	Name      string          `yaml:"name"`
	Technique model.Technique `yaml:"technique"`
	// Range selects the current range before the run; nil keeps the default
	Range     *int `yaml:"range,omitempty"`
	Calibrate bool `yaml:"calibrate"`

	Sweep       *model.SweepSpec       `yaml:"sweep,omitempty"`
	Asv         *model.AsvPhaseSpec    `yaml:"asv,omitempty"`
	Amperometry *model.AmperometrySpec `yaml:"amperometry,omitempty"`

	// Duration bounds an amperometry run
	Duration time.Duration `yaml:"duration,omitempty"`
}

// LoadPreset reads and checks a preset file
func LoadPreset(filename string) (*Preset, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse preset file: %w", err)
	}
	p.Technique = model.Technique(strings.ToUpper(string(p.Technique)))

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("preset %s: %w", filename, err)
	}
	return &p, nil
}

// Validate checks that the section for the technique is present and sound
func (p *Preset) Validate() error {
	switch p.Technique {
	case model.TechniqueCV, model.TechniqueLS, model.TechniqueSWV:
		if p.Sweep == nil {
			return errors.New("sweep section is required")
		}
		if got := p.Sweep.Technique(); got != p.Technique {
			return fmt.Errorf("sweep parameters describe %s, not %s", got, p.Technique)
		}
		return p.Sweep.Validate()
	case model.TechniqueASV:
		if p.Asv == nil {
			return errors.New("asv section is required")
		}
		return p.Asv.Validate()
	case model.TechniqueAmperometry:
		if p.Amperometry == nil {
			return errors.New("amperometry section is required")
		}
		if p.Duration <= 0 {
			return errors.New("duration must be positive for amperometry")
		}
		return p.Amperometry.Validate()
	case "":
		return errors.New("technique is required")
	default:
		return fmt.Errorf("unknown technique %q", p.Technique)
	}
}

// Save writes the preset back as YAML
func (p *Preset) Save(filename string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode preset: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

// examplePreset is printed by -example
func examplePreset() *Preset {
	return &Preset{
		Name:      "ferrocyanide CV",
		Technique: model.TechniqueCV,
		Calibrate: true,
		Sweep: &model.SweepSpec{
			StartVoltage: -200,
			EndVoltage:   600,
			Increment:    2,
			SweepRate:    0.1,
			SweepType:    model.SweepTypeCV,
			StartMode:    model.StartModeStart,
		},
	}
}
