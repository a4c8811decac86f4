package audio

import (
	"fmt"
	"sync"

	"github.com/audiolibrelab/sessionstate/internal/model"
)

// OfflineEngine is an engine with no audio hardware behind it. It is
// used by the CLI and in tests.
type OfflineEngine struct {
	mu         sync.Mutex
	running    bool
	rate       int
	block      int
	recording  bool
	ports      portTable
	rateLocked bool
}

// NewOfflineEngine creates a running engine with fixed rate and block size
func NewOfflineEngine(rate, block int, processorTypes []string) *OfflineEngine {
	if rate == 0 {
		rate = 48000
	}
	if block == 0 {
		block = 1024
	}
	return &OfflineEngine{
		running: true,
		rate:    rate,
		block:   block,
		ports:   newPortTable(processorTypes),
	}
}

func (e *OfflineEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *OfflineEngine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *OfflineEngine) SamplesPerCycle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block
}

func (e *OfflineEngine) SetSampleRate(rate int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("engine is not running")
	}
	if e.rateLocked {
		return fmt.Errorf("sample rate is locked at %d", e.rate)
	}
	if rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", rate)
	}
	e.rate = rate
	return nil
}

func (e *OfflineEngine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// SetRecording toggles the simulated transport.
func (e *OfflineEngine) SetRecording(on bool) {
	e.mu.Lock()
	e.recording = on
	e.mu.Unlock()
}

// SetRunning starts or stops the simulated engine.
func (e *OfflineEngine) SetRunning(on bool) {
	e.mu.Lock()
	e.running = on
	e.mu.Unlock()
}

// LockSampleRate makes SetSampleRate fail, like hardware that cannot switch.
func (e *OfflineEngine) LockSampleRate(locked bool) {
	e.mu.Lock()
	e.rateLocked = locked
	e.mu.Unlock()
}

func (e *OfflineEngine) RegisterPorts(r *model.Route) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ports.register(r)
}

func (e *OfflineEngine) ConfigureProcessor(r *model.Route, p model.Processor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ports.configure(r, p)
}

// Ports lists the registered port names.
func (e *OfflineEngine) Ports() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ports.ports()
}

func (e *OfflineEngine) Reset() {
	e.mu.Lock()
	e.ports.reset()
	e.mu.Unlock()
}

func (e *OfflineEngine) GetType() BackendType {
	return BackendTypeOffline
}
