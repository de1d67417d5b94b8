// Package config loads the YAML description of an emulated machine: its
// interrupt servers, the sources wired to them and the workload cmd/xicsctl
// drives through the controller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Machine describes one machine with an XICS.
type Machine struct {
	Name string `yaml:"name"`
	// Servers is the number of vCPUs. vCPU i is interrupt server
	// ServerBase+i.
	Servers    int    `yaml:"servers"`
	ServerBase uint32 `yaml:"server_base"`

	Sources []Source `yaml:"sources"`
	Stress  Stress   `yaml:"stress"`

	// Trace is the path of the binary debug trace, empty to disable.
	Trace string `yaml:"trace"`
	// Timeslice is the path of the hypercall timing recording, empty to
	// disable.
	Timeslice string `yaml:"timeslice"`
}

// Trigger is how a source signals.
type Trigger string

const (
	TriggerEdge  Trigger = "edge"
	TriggerLevel Trigger = "level"
)

// Source configures one interrupt source.
type Source struct {
	IRQ      Number  `yaml:"irq"`
	Server   int     `yaml:"server"` // vCPU index, not server number
	Priority Number  `yaml:"priority"`
	Trigger  Trigger `yaml:"trigger"`
	// Masked leaves the source masked with int-off after configuration.
	Masked bool `yaml:"masked"`
}

// Stress configures the workload injected by cmd/xicsctl.
type Stress struct {
	// Interrupts is the number of source events injected per source.
	Interrupts int `yaml:"interrupts"`
	// IPIs is the number of IPIs every vCPU sends to its neighbour.
	IPIs int `yaml:"ipis"`
	// Interval spaces injections. Zero injects as fast as possible.
	Interval Duration `yaml:"interval"`
	// Timeout bounds the whole run.
	Timeout Duration `yaml:"timeout"`
}

// Number is an unsigned integer that may be written in decimal or with a
// 0x prefix.
type Number uint32

// UnmarshalYAML implements yaml.Unmarshaler for Number.
func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = Number(parsed)
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the machine used when no file is given: two vCPUs with
// one edge and one level source each.
func Default() *Machine {
	m := &Machine{
		Name:    "xics",
		Servers: 2,
		Sources: []Source{
			{IRQ: 0x1000, Server: 0, Priority: 5, Trigger: TriggerEdge},
			{IRQ: 0x1001, Server: 0, Priority: 5, Trigger: TriggerLevel},
			{IRQ: 0x1400, Server: 1, Priority: 4, Trigger: TriggerEdge},
			{IRQ: 0x1401, Server: 1, Priority: 6, Trigger: TriggerLevel},
		},
		Stress: Stress{Interrupts: 1000, IPIs: 100},
	}
	m.applyDefaults()
	return m
}

// Load loads a machine description from a YAML file.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse parses and validates a machine description.
func Parse(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Machine) applyDefaults() {
	if m.Name == "" {
		m.Name = "xics"
	}
	if m.Servers == 0 {
		m.Servers = 1
	}
	for i := range m.Sources {
		if m.Sources[i].Trigger == "" {
			m.Sources[i].Trigger = TriggerEdge
		}
	}
	if m.Stress.Timeout == 0 {
		m.Stress.Timeout = Duration(30 * time.Second)
	}
}

// Validate checks the description against the limits of the controller.
func (m *Machine) Validate() error {
	if m.Servers < 0 {
		return fmt.Errorf("servers: %d is negative", m.Servers)
	}
	seen := make(map[Number]bool, len(m.Sources))
	for i, src := range m.Sources {
		// 0 is "no interrupt", 2 is the IPI and the rest of the low
		// numbers are reserved.
		if src.IRQ < 16 {
			return fmt.Errorf("sources[%d]: irq %#x is reserved", i, uint32(src.IRQ))
		}
		if seen[src.IRQ] {
			return fmt.Errorf("sources[%d]: irq %#x configured twice", i, uint32(src.IRQ))
		}
		seen[src.IRQ] = true
		if src.Server < 0 || src.Server >= m.Servers {
			return fmt.Errorf("sources[%d]: server %d out of range [0, %d)", i, src.Server, m.Servers)
		}
		if src.Priority > 0xff {
			return fmt.Errorf("sources[%d]: priority %#x out of range", i, uint32(src.Priority))
		}
		switch src.Trigger {
		case TriggerEdge, TriggerLevel:
		default:
			return fmt.Errorf("sources[%d]: unknown trigger %q", i, src.Trigger)
		}
	}
	if m.Stress.Interrupts < 0 || m.Stress.IPIs < 0 {
		return fmt.Errorf("stress: counts must not be negative")
	}
	return nil
}

// ServerNumber returns the interrupt server number of vCPU index.
func (m *Machine) ServerNumber(index int) uint32 {
	return m.ServerBase + uint32(index)
}
