// Package platform assembles a simulated RISC-V board around the MSI
// subsystem: a hart, an IMSIC register model on an MMIO bus, the IRQ core,
// and MSI-capable endpoint devices described by a YAML board file.
package platform

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	imsicdev "github.com/tinyrange/msi/internal/devices/imsic"
	"github.com/tinyrange/msi/internal/fdt"
	"github.com/tinyrange/msi/internal/msi"
)

// SchemaMajor is the board file major version this package reads.
const SchemaMajor = "v1"

// EndpointCompatible is the compatible string of MSI endpoint nodes.
const EndpointCompatible = "tinyrange,msi-endpoint"

//go:embed default.yaml
var defaultConfig []byte

// Config describes a board.
type Config struct {
	Schema    string           `yaml:"schema"`
	Name      string           `yaml:"name"`
	Harts     uint32           `yaml:"harts"`
	MaxVirq   uint32           `yaml:"max_virq"`
	IMSIC     IMSICConfig      `yaml:"imsic"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// IMSICConfig places the interrupt files.
type IMSICConfig struct {
	Base       uint64 `yaml:"base"`
	NumIDs     uint32 `yaml:"num_ids"`
	Compatible string `yaml:"compatible"`
}

// EndpointConfig is an MSI-capable device and the vector window it asks for.
type EndpointConfig struct {
	Name       string   `yaml:"name"`
	MinVectors uint32   `yaml:"min_vectors"`
	MaxVectors uint32   `yaml:"max_vectors"`
	Flags      []string `yaml:"flags,omitempty"`
}

var flagNames = map[string]msi.Flags{
	"use-def-num-vecs": msi.FlagUseDefNumVecs,
	"multi-vector":     msi.FlagMultiVector,
	"64bit":            msi.Flag64Bit,
	"maskable":         msi.FlagMaskable,
	"msix":             msi.FlagMSIX,
	"aligned":          msi.FlagAligned,
}

// MSIFlags decodes the endpoint's flag names.
func (e EndpointConfig) MSIFlags() (msi.Flags, error) {
	var flags msi.Flags
	for _, name := range e.Flags {
		f, ok := flagNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("endpoint %q: unknown MSI flag %q", e.Name, name)
		}
		flags |= f
	}
	return flags, nil
}

// DefaultConfig returns the embedded default board.
func DefaultConfig() (*Config, error) {
	return ParseConfig(defaultConfig)
}

// LoadConfig reads a board file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading board file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a board file. Missing fields take the
// defaults of the embedded board.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing board file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "virt"
	}
	if c.Harts == 0 {
		c.Harts = 1
	}
	if c.IMSIC.NumIDs == 0 {
		c.IMSIC.NumIDs = 256
	}
	if c.IMSIC.Compatible == "" {
		c.IMSIC.Compatible = "riscv,imsics"
	}
}

// Validate checks the schema version and the board layout.
func (c *Config) Validate() error {
	schema := c.Schema
	if schema != "" && !strings.HasPrefix(schema, "v") {
		schema = "v" + schema
	}
	if !semver.IsValid(schema) {
		return fmt.Errorf("board schema %q is not a semantic version", c.Schema)
	}
	if semver.Major(schema) != SchemaMajor {
		return fmt.Errorf("board schema %s unsupported: want %s.x", c.Schema, SchemaMajor)
	}

	if c.IMSIC.Base == 0 || c.IMSIC.Base%imsicdev.FileStride != 0 {
		return fmt.Errorf("imsic base 0x%x must be a non-zero multiple of 0x%x", c.IMSIC.Base, imsicdev.FileStride)
	}
	if c.IMSIC.NumIDs > imsicdev.MaxIDs {
		return fmt.Errorf("imsic num_ids %d exceeds %d", c.IMSIC.NumIDs, imsicdev.MaxIDs)
	}

	seen := make(map[string]bool)
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoint without a name")
		}
		if seen[ep.Name] {
			return fmt.Errorf("endpoint %q listed twice", ep.Name)
		}
		seen[ep.Name] = true
		if ep.MinVectors == 0 || ep.MinVectors > ep.MaxVectors || ep.MaxVectors > msi.MaxVectors {
			return fmt.Errorf("endpoint %q: vector window [%d,%d] outside [1,%d]", ep.Name, ep.MinVectors, ep.MaxVectors, msi.MaxVectors)
		}
		if _, err := ep.MSIFlags(); err != nil {
			return err
		}
	}
	return nil
}

// Endpoint returns the named endpoint.
func (c *Config) Endpoint(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// DeviceTree describes the board as a device tree.
func (c *Config) DeviceTree() fdt.Node {
	var cpus []fdt.Node
	for h := range c.Harts {
		cpus = append(cpus, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", h),
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"cpu"}},
				"reg":         {U32: []uint32{h}},
				"compatible":  {Strings: []string{"riscv"}},
				"riscv,isa":   {Strings: []string{"rv64imafdc"}},
			},
		})
	}

	soc := []fdt.Node{{
		Name: fmt.Sprintf("imsics@%x", c.IMSIC.Base),
		Properties: map[string]fdt.Property{
			"compatible":           {Strings: []string{c.IMSIC.Compatible}},
			"reg":                  {U64: []uint64{c.IMSIC.Base, uint64(c.Harts) * imsicdev.FileStride}},
			"riscv,num-ids":        {U32: []uint32{c.IMSIC.NumIDs}},
			"interrupt-controller": {Flag: true},
			"msi-controller":       {Flag: true},
		},
	}}
	for i, ep := range c.Endpoints {
		flags, _ := ep.MSIFlags()
		soc = append(soc, fdt.Node{
			Name: fmt.Sprintf("%s@%d", ep.Name, i),
			Properties: map[string]fdt.Property{
				"compatible":  {Strings: []string{EndpointCompatible}},
				"msi-vectors": {U32: []uint32{ep.MinVectors, ep.MaxVectors}},
				"msi-flags":   {U32: []uint32{uint32(flags)}},
			},
		})
	}

	return fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"tinyrange,msisim"}},
			"model":          {Strings: []string{c.Name}},
		},
		Children: []fdt.Node{
			{
				Name: "cpus",
				Properties: map[string]fdt.Property{
					"#address-cells": {U32: []uint32{1}},
					"#size-cells":    {U32: []uint32{0}},
				},
				Children: cpus,
			},
			{
				Name: "soc",
				Properties: map[string]fdt.Property{
					"#address-cells": {U32: []uint32{2}},
					"#size-cells":    {U32: []uint32{2}},
					"compatible":     {Strings: []string{"simple-bus"}},
					"ranges":         {Flag: true},
				},
				Children: soc,
			},
		},
	}
}
