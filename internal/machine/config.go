package machine

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vireo-vmm/vireo/internal/guestmem"
)

// ConfigError is a configuration problem found before the machine starts.
// Nothing is realized when one is returned.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("machine config: %s: %s", e.Field, e.Reason)
}

func configErrf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// MemoryConfig describes guest RAM.
type MemoryConfig struct {
	// Size accepts plain bytes or a K/M/G suffixed value, e.g. "512M".
	Size string `yaml:"size"`

	// Base is the guest physical base address. Zero selects the default.
	Base uint64 `yaml:"base"`

	// Backing is "anonymous" (default), "hugepage", or "file".
	Backing string `yaml:"backing"`

	// Path is the mem-path for file and hugetlbfs backing.
	Path string `yaml:"path"`

	// Prealloc populates the mapping up front.
	Prealloc bool `yaml:"prealloc"`

	// Share makes the mapping shared with external processes.
	Share bool `yaml:"share"`
}

// DeviceConfig describes one device. Kind selects which of the remaining
// fields apply.
type DeviceConfig struct {
	// Kind is block, net, console, balloon, rng, vsock, or vfio.
	Kind string `yaml:"kind"`

	// ID names the device in logs and errors. Unique per machine.
	ID string `yaml:"id"`

	// Slot pins the device to a bus slot instead of taking the first free.
	Slot *uint8 `yaml:"slot"`

	// IOThread pins the device to a named dispatch context. Empty selects
	// the shared loop.
	IOThread string `yaml:"iothread"`

	// File is the image path (block).
	File string `yaml:"file"`

	// ReadOnly rejects guest writes (block).
	ReadOnly bool `yaml:"readonly"`

	// Serial is returned for identify requests (block).
	Serial string `yaml:"serial"`

	// IOPS caps request starts per second; 0 is uncapped (block).
	IOPS int `yaml:"iops"`

	// MAC is the guest hardware address (net). Empty picks a stable
	// locally administered address.
	MAC string `yaml:"mac"`

	// Backend selects the host side for net ("netstack" default,
	// "discard") and vsock ("local" default, "host").
	Backend string `yaml:"backend"`

	// PCAP is a path the net backend writes a packet capture to.
	PCAP string `yaml:"pcap"`

	// Queues is the number of rx/tx queue pairs (net). 0 means one pair.
	Queues int `yaml:"queues"`

	// Rate and Burst form the entropy token bucket in bytes (rng).
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`

	// CID is the guest context ID (vsock). Must be 3 or greater.
	CID uint64 `yaml:"cid"`

	// Cols and Rows advertise a terminal size (console).
	Cols uint16 `yaml:"cols"`
	Rows uint16 `yaml:"rows"`

	// HostDevice is the sysfs PCI address of a passthrough device (vfio),
	// e.g. "0000:01:00.0".
	HostDevice string `yaml:"host-device"`
}

// Config is the whole machine description.
type Config struct {
	Memory    MemoryConfig   `yaml:"memory"`
	CPUs      int            `yaml:"cpus"`
	IOThreads []string       `yaml:"iothreads"`
	Devices   []DeviceConfig `yaml:"devices"`

	// Hosts seeds the net backend's DNS table.
	Hosts map[string]string `yaml:"hosts"`
}

// LoadConfig reads and validates a YAML machine description.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("machine: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML machine description.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("machine: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// sizeSuffixes in increasing magnitude.
var sizeSuffixes = map[string]uint64{
	"k": 1 << 10, "kib": 1 << 10,
	"m": 1 << 20, "mib": 1 << 20,
	"g": 1 << 30, "gib": 1 << 30,
}

// parseSize parses "4096", "512M", "2GiB".
func parseSize(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	num := strings.TrimRight(s, "kmgib")
	mult := uint64(1)
	if suffix := s[len(num):]; suffix != "" {
		m, ok := sizeSuffixes[suffix]
		if !ok {
			return 0, fmt.Errorf("unknown size suffix %q", suffix)
		}
		mult = m
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return n * mult, nil
}

func (m *MemoryConfig) backing() (guestmem.BackingConfig, error) {
	b := guestmem.BackingConfig{
		Path:     m.Path,
		Prealloc: m.Prealloc,
		Share:    m.Share,
	}
	switch m.Backing {
	case "", "anonymous":
		b.Kind = guestmem.BackingAnonymous
	case "hugepage":
		b.Kind = guestmem.BackingHugepage
	case "file":
		b.Kind = guestmem.BackingFile
		if m.Path == "" {
			return b, configErrf("memory.path", "file backing needs a path")
		}
	default:
		return b, configErrf("memory.backing", "unknown backing %q", m.Backing)
	}
	return b, nil
}

// maxNetQueuePairs mirrors the net backend's clamp.
const maxNetQueuePairs = 8

var deviceKinds = map[string]bool{
	"block": true, "net": true, "console": true,
	"balloon": true, "rng": true, "vsock": true, "vfio": true,
}

// Validate checks the whole description. The first problem found is
// returned as a *ConfigError.
func (c *Config) Validate() error {
	if c.Memory.Size == "" {
		return configErrf("memory.size", "required")
	}
	size, err := parseSize(c.Memory.Size)
	if err != nil {
		return configErrf("memory.size", "%v", err)
	}
	if size == 0 {
		return configErrf("memory.size", "must be nonzero")
	}
	if _, err := c.Memory.backing(); err != nil {
		return err
	}
	if c.CPUs < 0 {
		return configErrf("cpus", "negative count %d", c.CPUs)
	}

	seenThreads := map[string]bool{}
	for _, name := range c.IOThreads {
		if name == "" {
			return configErrf("iothreads", "empty name")
		}
		if seenThreads[name] {
			return configErrf("iothreads", "duplicate name %q", name)
		}
		seenThreads[name] = true
	}

	seenIDs := map[string]bool{}
	for i, d := range c.Devices {
		field := func(f string) string { return fmt.Sprintf("devices[%d].%s", i, f) }

		if !deviceKinds[d.Kind] {
			return configErrf(field("kind"), "unknown kind %q", d.Kind)
		}
		if d.ID == "" {
			return configErrf(field("id"), "required")
		}
		if seenIDs[d.ID] {
			return configErrf(field("id"), "duplicate id %q", d.ID)
		}
		seenIDs[d.ID] = true
		if d.IOThread != "" && !seenThreads[d.IOThread] {
			return configErrf(field("iothread"), "unknown iothread %q", d.IOThread)
		}

		switch d.Kind {
		case "block":
			if d.File == "" {
				return configErrf(field("file"), "required for block")
			}
			if d.IOPS < 0 {
				return configErrf(field("iops"), "negative cap %d", d.IOPS)
			}
		case "net":
			if d.MAC != "" {
				if _, err := net.ParseMAC(d.MAC); err != nil {
					return configErrf(field("mac"), "%v", err)
				}
			}
			switch d.Backend {
			case "", "netstack", "discard":
			default:
				return configErrf(field("backend"), "unknown net backend %q", d.Backend)
			}
			if d.Queues < 0 || d.Queues > maxNetQueuePairs {
				return configErrf(field("queues"), "queue pairs %d out of range (max %d)", d.Queues, maxNetQueuePairs)
			}
		case "rng":
			if d.Rate < 0 || d.Burst < 0 {
				return configErrf(field("rate"), "negative rate or burst")
			}
		case "vsock":
			if d.CID < 3 {
				return configErrf(field("cid"), "CID %d is reserved; use 3 or greater", d.CID)
			}
			switch d.Backend {
			case "", "local", "host":
			default:
				return configErrf(field("backend"), "unknown vsock backend %q", d.Backend)
			}
		case "vfio":
			if d.HostDevice == "" {
				return configErrf(field("host-device"), "required for vfio")
			}
		}
	}
	return nil
}
