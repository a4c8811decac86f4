package audio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/model"
)

func TestOfflineEngine_Defaults(t *testing.T) {
	e := NewOfflineEngine(0, 0, nil)
	if e.SampleRate() != 48000 || e.SamplesPerCycle() != 1024 {
		t.Errorf("Unexpected defaults: rate %d block %d", e.SampleRate(), e.SamplesPerCycle())
	}
	if !e.IsRunning() {
		t.Error("Expected offline engine to be running")
	}
}

func TestOfflineEngine_SampleRate(t *testing.T) {
	e := NewOfflineEngine(48000, 512, nil)
	if err := e.SetSampleRate(44100); err != nil {
		t.Fatalf("SetSampleRate failed: %v", err)
	}
	if e.SampleRate() != 44100 {
		t.Errorf("Expected 44100, got %d", e.SampleRate())
	}

	e.LockSampleRate(true)
	if err := e.SetSampleRate(96000); err == nil {
		t.Error("Expected locked engine to refuse a new rate")
	}

	e.SetRunning(false)
	e.LockSampleRate(false)
	if err := e.SetSampleRate(96000); err == nil {
		t.Error("Expected stopped engine to refuse a new rate")
	}
}

func TestOfflineEngine_Ports(t *testing.T) {
	e := NewOfflineEngine(48000, 512, nil)
	if err := e.RegisterPorts(model.NewBus(5, "FX")); err != nil {
		t.Fatalf("RegisterPorts failed: %v", err)
	}
	// re-registering the same route is fine
	if err := e.RegisterPorts(model.NewBus(5, "FX")); err != nil {
		t.Errorf("Re-registering the same route failed: %v", err)
	}
	if err := e.RegisterPorts(model.NewBus(6, "FX")); err == nil {
		t.Error("Expected collision for a second route with the same name")
	}
	if len(e.Ports()) != 2 {
		t.Errorf("Expected 2 ports, got %v", e.Ports())
	}

	e.Reset()
	if err := e.RegisterPorts(model.NewBus(6, "FX")); err != nil {
		t.Errorf("Expected register to succeed after reset, got %v", err)
	}
}

func TestOfflineEngine_ProcessorTypes(t *testing.T) {
	e := NewOfflineEngine(48000, 512, []string{"amp", "eq"})
	bus := model.NewBus(5, "FX")

	if err := e.ConfigureProcessor(bus, model.Processor{ID: 7, Type: "eq"}); err != nil {
		t.Errorf("Expected eq to be accepted, got %v", err)
	}
	if err := e.ConfigureProcessor(bus, model.Processor{ID: 8, Type: "lv2"}); err == nil {
		t.Error("Expected unknown processor type to be refused")
	}
	if err := e.ConfigureProcessor(bus, model.Processor{ID: 9}); err == nil {
		t.Error("Expected processor without type to be refused")
	}
}

func TestDetermineBackend(t *testing.T) {
	if got := determineBackend(config.EngineConfig{Backend: "offline"}); got != BackendTypeOffline {
		t.Errorf("Expected offline, got %s", got)
	}
	if got := determineBackend(config.EngineConfig{Backend: "PipeWire"}); got != BackendTypePipeWire {
		t.Errorf("Expected pipewire, got %s", got)
	}
	if got := determineBackend(config.EngineConfig{}); got != BackendTypeOffline {
		t.Errorf("Expected offline by default, got %s", got)
	}
	if e := NewEngine(config.EngineConfig{Backend: "offline", SampleRate: 44100}); e.SampleRate() != 44100 {
		t.Errorf("Expected configured rate 44100, got %d", e.SampleRate())
	}
}

func TestDiskButler_WaitCoversSummons(t *testing.T) {
	var passes atomic.Int32
	b := NewDiskButler(func(context.Context) error {
		passes.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Summon()
	b.Summon()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := b.WaitUntilFinished(waitCtx); err != nil {
		t.Fatalf("WaitUntilFinished failed: %v", err)
	}
	if n := passes.Load(); n < 1 || n > 2 {
		t.Errorf("Expected 1 or 2 passes, got %d", n)
	}
}

func TestDiskButler_ReportsError(t *testing.T) {
	boom := errors.New("disk full")
	b := NewDiskButler(func(context.Context) error { return boom })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Summon()
	if err := b.WaitUntilFinished(ctx); !errors.Is(err, boom) {
		t.Errorf("Expected pass error, got %v", err)
	}
}

func TestDiskButler_Stopped(t *testing.T) {
	release := make(chan struct{})
	b := NewDiskButler(func(context.Context) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	// nothing requested yet
	if err := b.WaitUntilFinished(context.Background()); err != nil {
		t.Errorf("Expected immediate return, got %v", err)
	}

	b.Summon()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	if err := b.WaitUntilFinished(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error while pass is blocked, got %v", err)
	}
	close(release)
	cancel()
}
