package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/irisemr/devicebridge/shellsafe"
)

type deviceFile struct {
	Devices []*Device `yaml:"devices"`
}

// FileDeviceStore is a YAML-backed device registry for standalone
// deployments that run without the external document store. The fleet
// is read once at startup; integration state lives in memory only.
type FileDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// LoadDeviceFile parses and validates a YAML fleet definition.
func LoadDeviceFile(path string) (*FileDeviceStore, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device file: %w", err)
	}
	var parsed deviceFile
	if err = yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing device file %s: %w", path, err)
	}

	var s = &FileDeviceStore{devices: make(map[string]*Device)}
	for i, d := range parsed.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device at index %d: missing id", i)
		} else if _, ok := s.devices[d.ID]; ok {
			return nil, fmt.Errorf("device %s: duplicate id", d.ID)
		}
		if d.Connection.Protocol == ProtocolSMB {
			if err = shellsafe.ValidateHost(d.Connection.Host); err != nil {
				return nil, fmt.Errorf("device %s: %w", d.ID, err)
			}
			if err = shellsafe.ValidateShareName(d.Connection.Share); err != nil {
				return nil, fmt.Errorf("device %s: %w", d.ID, err)
			}
			d.Integration.Status = StatusPending
		} else {
			d.Integration.Status = StatusNotConfigured
		}
		if d.Connection.MountPath != "" {
			if err = shellsafe.ValidateMountPath(d.Connection.MountPath); err != nil {
				return nil, fmt.Errorf("device %s: %w", d.ID, err)
			}
		}
		s.devices[d.ID] = d
	}
	return s, nil
}

func (s *FileDeviceStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		var cp = *d
		return &cp, nil
	}
	return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
}

func (s *FileDeviceStore) ListDevices(ctx context.Context) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out = make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		var cp = *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileDeviceStore) UpdateIntegration(ctx context.Context, id string, patch IntegrationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d, ok = s.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	patch.Apply(&d.Integration)
	return nil
}
