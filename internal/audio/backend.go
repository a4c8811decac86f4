package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/model"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeOffline  BackendType = "offline"
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeAuto     BackendType = "auto"
)

// Engine is the realtime side a session talks to while saving and loading.
type Engine interface {
	IsRunning() bool
	SampleRate() int
	SamplesPerCycle() int
	SetSampleRate(rate int) error
	// Recording reports whether the transport is currently recording.
	Recording() bool

	// RegisterPorts creates the I/O ports of a restored route.
	RegisterPorts(r *model.Route) error
	// ConfigureProcessor restores one processor on a route.
	ConfigureProcessor(r *model.Route, p model.Processor) error
	// Reset drops every registered port before a reload.
	Reset()

	// Get the backend type
	GetType() BackendType
}

// NewEngine creates an engine using the appropriate backend based on configuration
func NewEngine(cfg config.EngineConfig) Engine {
	switch determineBackend(cfg) {
	case BackendTypePipeWire:
		return NewPipeWireEngine(cfg.ProcessorTypes)
	default:
		return NewOfflineEngine(cfg.SampleRate, cfg.BlockSize, cfg.ProcessorTypes)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg config.EngineConfig) BackendType {
	switch strings.ToLower(cfg.Backend) {
	case "pipewire":
		return BackendTypePipeWire
	case "auto":
		if pipeWireAvailable() {
			return BackendTypePipeWire
		}
		slog.Debug("pw-metadata not found, using offline engine")
		return BackendTypeOffline
	}
	return BackendTypeOffline
}

func pipeWireAvailable() bool {
	_, err := exec.LookPath("pw-metadata")
	return err == nil
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	backends := []BackendType{BackendTypeOffline}
	if pipeWireAvailable() {
		backends = append(backends, BackendTypePipeWire)
	}
	return backends
}

// portTable tracks which route owns each registered port name.
type portTable struct {
	owners map[string]model.Route
	// allowed processor types; empty allows all
	allowed map[string]bool
}

func newPortTable(processorTypes []string) portTable {
	t := portTable{owners: map[string]model.Route{}}
	if len(processorTypes) > 0 {
		t.allowed = map[string]bool{}
		for _, p := range processorTypes {
			t.allowed[p] = true
		}
	}
	return t
}

// routePorts returns the port names a route needs.
func routePorts(r *model.Route) []string {
	if r.IsAuditioner() {
		return nil
	}
	return []string{r.Name + "/audio_in", r.Name + "/audio_out"}
}

func (t *portTable) register(r *model.Route) error {
	ports := routePorts(r)
	for _, p := range ports {
		if owner, ok := t.owners[p]; ok && owner.ID != r.ID {
			return fmt.Errorf("port %q already registered by route %s", p, owner.ID)
		}
	}
	for _, p := range ports {
		t.owners[p] = model.Route{ID: r.ID, Name: r.Name}
	}
	return nil
}

func (t *portTable) configure(r *model.Route, p model.Processor) error {
	if p.Type == "" {
		return fmt.Errorf("processor %s on route %q has no type", p.ID, r.Name)
	}
	if t.allowed != nil && !t.allowed[p.Type] {
		return fmt.Errorf("processor type %q is not available (route %q)", p.Type, r.Name)
	}
	return nil
}

func (t *portTable) ports() []string {
	out := make([]string, 0, len(t.owners))
	for p := range t.owners {
		out = append(out, p)
	}
	return out
}

func (t *portTable) reset() {
	clear(t.owners)
}
