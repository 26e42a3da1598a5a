// Package config defines the configuration snapshot the Service Manager
// consumes, plus a thin YAML loader used by cmd/relay to produce the
// first snapshot at startup. Parsing and validation here are a boundary
// concern: the relay core never reads files itself, only Snapshot values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol is which transport(s) a service relays.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// DefaultBackendCooldown is applied when a service omits backend_cooldown.
const DefaultBackendCooldown = 1800 * time.Second

// Listen is where a service binds.
type Listen struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Service is one service definition within a Snapshot.
type Service struct {
	Name            string   `yaml:"name"`
	Protocol        Protocol `yaml:"protocol"`
	Listen          Listen   `yaml:"listen"`
	Backends        []string `yaml:"backends"`
	BackendCooldown int      `yaml:"backend_cooldown"` // seconds; 0 disables cooldown
}

// Snapshot is the Service Manager's only input. It is assumed already
// validated by whichever producer built it (file watcher, web UI, or the
// loader below).
type Snapshot struct {
	Services []Service `yaml:"services"`
}

// fileSnapshot mirrors the on-disk YAML shape. BackendCooldown is a
// pointer here so Load can tell "field absent" (apply the 1800s default)
// apart from "field explicitly 0" (disable cooldown) — both unmarshal to
// the same zero int otherwise.
type fileSnapshot struct {
	Services []fileService `yaml:"services"`
}

type fileService struct {
	Name            string   `yaml:"name"`
	Protocol        Protocol `yaml:"protocol"`
	Listen          Listen   `yaml:"listen"`
	Backends        []string `yaml:"backends"`
	BackendCooldown *int     `yaml:"backend_cooldown"`
}

// Load reads and validates a Snapshot from a YAML file on disk. This is a
// convenience for cmd/relay; it is not part of the Service Manager's
// contract, which only ever receives an in-memory Snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var file fileSnapshot
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	snap := &Snapshot{Services: make([]Service, len(file.Services))}
	for i, fs := range file.Services {
		svc := Service{
			Name:     fs.Name,
			Protocol: fs.Protocol,
			Listen:   fs.Listen,
			Backends: fs.Backends,
		}
		if fs.BackendCooldown != nil {
			svc.BackendCooldown = *fs.BackendCooldown
		} else {
			svc.BackendCooldown = int(DefaultBackendCooldown / time.Second)
		}
		applyDefaults(&svc)
		snap.Services[i] = svc
	}

	if err := validate(snap); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return snap, nil
}

func applyDefaults(svc *Service) {
	if svc.Protocol == "" {
		svc.Protocol = ProtocolBoth
	}
	if svc.Listen.Address == "" {
		svc.Listen.Address = "0.0.0.0"
	}
}

func validate(s *Snapshot) error {
	seen := make(map[string]bool, len(s.Services))
	for i, svc := range s.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true

		switch svc.Protocol {
		case ProtocolTCP, ProtocolUDP, ProtocolBoth:
		default:
			return fmt.Errorf("service %q: invalid protocol %q", svc.Name, svc.Protocol)
		}
		if svc.Listen.Port < 1 || svc.Listen.Port > 65535 {
			return fmt.Errorf("service %q: listen.port must be 1-65535", svc.Name)
		}
		if len(svc.Backends) == 0 {
			return fmt.Errorf("service %q: at least one backend is required", svc.Name)
		}
		if svc.BackendCooldown < 0 {
			return fmt.Errorf("service %q: backend_cooldown must be non-negative", svc.Name)
		}
	}
	return nil
}

// ListenAddr returns the "host:port" dial string for a Service's listener.
func (s Service) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Listen.Address, s.Listen.Port)
}

// CooldownDuration returns BackendCooldown as a time.Duration.
func (s Service) CooldownDuration() time.Duration {
	return time.Duration(s.BackendCooldown) * time.Second
}
