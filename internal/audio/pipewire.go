package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/sessionstate/internal/model"
)

// PipeWireEngine reads the graph clock from the PipeWire settings metadata
// and checks route ports against the live JACK port list.
type PipeWireEngine struct {
	mu    sync.Mutex
	ports portTable

	// run executes an external command and returns its stdout; replaced in tests
	run func(name string, args ...string) ([]byte, error)
}

// NewPipeWireEngine creates a new PipeWire engine
func NewPipeWireEngine(processorTypes []string) *PipeWireEngine {
	return &PipeWireEngine{
		ports: newPortTable(processorTypes),
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

// settings returns the key/value pairs of the "settings" metadata object
func (pw *PipeWireEngine) settings() (map[string]string, error) {
	out, err := pw.run("pw-metadata", "-n", "settings")
	if err != nil {
		return nil, fmt.Errorf("failed to read PipeWire settings: %w", err)
	}
	return parseMetadata(string(out)), nil
}

var metadataLine = regexp.MustCompile(`key:'([^']*)' value:'([^']*)'`)

// parseMetadata parses pw-metadata output lines of the form
// "update: id:0 key:'clock.rate' value:'48000' type:''".
func parseMetadata(out string) map[string]string {
	values := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		m := metadataLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		values[m[1]] = m[2]
	}
	return values
}

// clockValue picks the forced value when one is set, else the current one.
func clockValue(settings map[string]string, key string) int {
	if forced, err := strconv.Atoi(settings["clock.force-"+key]); err == nil && forced > 0 {
		return forced
	}
	v, err := strconv.Atoi(settings["clock."+key])
	if err != nil {
		return 0
	}
	return v
}

func (pw *PipeWireEngine) IsRunning() bool {
	s, err := pw.settings()
	if err != nil {
		slog.Debug("PipeWire not reachable", "error", err)
		return false
	}
	return clockValue(s, "rate") > 0
}

func (pw *PipeWireEngine) SampleRate() int {
	s, err := pw.settings()
	if err != nil {
		return 0
	}
	return clockValue(s, "rate")
}

func (pw *PipeWireEngine) SamplesPerCycle() int {
	s, err := pw.settings()
	if err != nil {
		return 0
	}
	return clockValue(s, "quantum")
}

// SetSampleRate forces the graph rate
func (pw *PipeWireEngine) SetSampleRate(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", rate)
	}
	if _, err := pw.run("pw-metadata", "-n", "settings", "0", "clock.force-rate", strconv.Itoa(rate)); err != nil {
		return fmt.Errorf("failed to set PipeWire clock rate: %w", err)
	}
	if got := pw.SampleRate(); got != rate {
		return fmt.Errorf("PipeWire kept clock rate %d after requesting %d", got, rate)
	}
	slog.Debug("Forced PipeWire clock rate", "rate", rate)
	return nil
}

// Recording is never reported by PipeWire itself.
func (pw *PipeWireEngine) Recording() bool {
	return false
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWireEngine) ListPorts() ([]string, error) {
	output, err := pw.run("pw-link", "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}

	var ports []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports, nil
}

// RegisterPorts refuses port names that another client already owns
func (pw *PipeWireEngine) RegisterPorts(r *model.Route) error {
	existing, err := pw.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range routePorts(r) {
		if duplicates := findPortDuplicatesInList(p, existing); len(duplicates) > 0 {
			return fmt.Errorf("port %q already exists in the PipeWire graph", p)
		}
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.ports.register(r)
}

func (pw *PipeWireEngine) ConfigureProcessor(r *model.Route, p model.Processor) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.ports.configure(r, p)
}

func (pw *PipeWireEngine) Reset() {
	pw.mu.Lock()
	pw.ports.reset()
	pw.mu.Unlock()
}

func (pw *PipeWireEngine) GetType() BackendType {
	return BackendTypePipeWire
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}
