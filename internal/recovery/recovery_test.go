package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/audiolibrelab/sessionstate/internal/audio"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

type scriptedPrompter struct {
	recover bool
	asked   int
	rates   []RateChoice
}

func (p *scriptedPrompter) PendingRecovery(string) bool {
	p.asked++
	return p.recover
}

func (p *scriptedPrompter) SampleRateMismatch(int, int) RateChoice {
	if len(p.rates) == 0 {
		return AbortLoad
	}
	c := p.rates[0]
	p.rates = p.rates[1:]
	return c
}

func newDir(t *testing.T) layout.Dir {
	t.Helper()
	d := layout.NewDir(t.TempDir(), "song")
	if err := os.WriteFile(d.StatePath("song"), []byte("<Session/>"), 0644); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestOpen_NoPending(t *testing.T) {
	d := newDir(t)
	p := &scriptedPrompter{}
	policy := NewPolicy(d, p)

	path, recovered, err := policy.Open("song")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if path != d.StatePath("song") || recovered {
		t.Errorf("Expected the main state file, got %s (recovered=%v)", path, recovered)
	}
	if p.asked != 0 {
		t.Error("Prompter should not be asked without a pending file")
	}
	if policy.State() != Loading {
		t.Errorf("Expected loading, got %s", policy.State())
	}
}

func TestOpen_RecoverPending(t *testing.T) {
	d := newDir(t)
	if err := os.WriteFile(d.PendingPath("song"), []byte("<Session/>"), 0644); err != nil {
		t.Fatal(err)
	}
	policy := NewPolicy(d, &scriptedPrompter{recover: true})

	path, recovered, err := policy.Open("song")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if path != d.PendingPath("song") || !recovered {
		t.Errorf("Expected the pending file, got %s", path)
	}
	if !d.PendingPresent("song") {
		t.Error("Recovered pending file must stay until the next save")
	}
}

func TestOpen_DiscardPending(t *testing.T) {
	d := newDir(t)
	if err := os.WriteFile(d.PendingPath("song"), []byte("<Session/>"), 0644); err != nil {
		t.Fatal(err)
	}
	policy := NewPolicy(d, &scriptedPrompter{recover: false})

	path, _, err := policy.Open("song")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if path != d.StatePath("song") {
		t.Errorf("Expected main state file, got %s", path)
	}
	if d.PendingPresent("song") {
		t.Error("Declined pending file should be removed")
	}
}

func TestPolicy_Transitions(t *testing.T) {
	policy := NewPolicy(newDir(t), nil)

	if err := policy.Finish(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Finish before Open should fail, got %v", err)
	}
	if _, _, err := policy.Open("song"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := policy.Open("song"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Open while loading should fail, got %v", err)
	}
	if err := policy.Finish(errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if policy.State() != LoadFailed {
		t.Errorf("Expected load-failed, got %s", policy.State())
	}
	// a failed load can be retried
	if _, _, err := policy.Open("song"); err != nil {
		t.Errorf("Reopen after failure failed: %v", err)
	}
	if err := policy.Finish(nil); err != nil || policy.State() != Loaded {
		t.Errorf("Expected loaded, got %s (%v)", policy.State(), err)
	}
}

func TestNegotiateSampleRate(t *testing.T) {
	ctx := context.Background()

	t.Run("match", func(t *testing.T) {
		n := &RateNegotiator{Engine: audio.NewOfflineEngine(48000, 512, nil)}
		if err := n.NegotiateSampleRate(ctx, 48000); err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
	})

	t.Run("proceed", func(t *testing.T) {
		e := audio.NewOfflineEngine(48000, 512, nil)
		n := &RateNegotiator{Engine: e, Prompter: &scriptedPrompter{rates: []RateChoice{Proceed}}}
		if err := n.NegotiateSampleRate(ctx, 44100); err != nil {
			t.Errorf("Expected proceed to succeed, got %v", err)
		}
		if e.SampleRate() != 48000 {
			t.Error("Proceed must not change the engine rate")
		}
	})

	t.Run("retry", func(t *testing.T) {
		e := audio.NewOfflineEngine(48000, 512, nil)
		n := &RateNegotiator{Engine: e, Prompter: &scriptedPrompter{rates: []RateChoice{Retry}}}
		if err := n.NegotiateSampleRate(ctx, 44100); err != nil {
			t.Errorf("Expected retry to resolve the mismatch, got %v", err)
		}
		if e.SampleRate() != 44100 {
			t.Errorf("Expected engine at 44100, got %d", e.SampleRate())
		}
	})

	t.Run("retry then abort", func(t *testing.T) {
		e := audio.NewOfflineEngine(48000, 512, nil)
		e.LockSampleRate(true)
		p := &scriptedPrompter{rates: []RateChoice{Retry, Retry, AbortLoad}}
		n := &RateNegotiator{Engine: e, Prompter: p}
		err := n.NegotiateSampleRate(ctx, 44100)
		if !errors.Is(err, state.ErrSampleRateMismatch) {
			t.Errorf("Expected mismatch error, got %v", err)
		}
		if len(p.rates) != 0 {
			t.Errorf("Expected every answer to be used, %d left", len(p.rates))
		}
	})

	t.Run("offline", func(t *testing.T) {
		e := audio.NewOfflineEngine(48000, 512, nil)
		e.SetRunning(false)
		n := &RateNegotiator{Engine: e}
		if err := n.NegotiateSampleRate(ctx, 48000); !errors.Is(err, state.ErrEngineOffline) {
			t.Errorf("Expected engine offline, got %v", err)
		}
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, StatusOK},
		{errors.New("anything"), StatusGeneric},
		{fmt.Errorf("load: %w", state.ErrSampleRateMismatch), StatusSampleRateMismatch},
		{&state.MissingSectionError{Section: "Routes"}, StatusMissingSection},
		{fmt.Errorf("route 3: %w", state.ErrPortRegistration), StatusPortRegistration},
		{state.ErrProcessorConfiguration, StatusProcessorConfiguration},
		{state.ErrProgramVersion, StatusProgramVersion},
		{&state.VersionError{Found: 9000, Supported: 7003}, StatusSchemaVersion},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGuard(t *testing.T) {
	err := Guard(func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	if err == nil {
		t.Fatal("Expected panic to become an error")
	}
	if StatusCode(err) != StatusGeneric {
		t.Errorf("Expected generic status, got %d", StatusCode(err))
	}

	want := errors.New("plain")
	if err := Guard(func() error { return want }); err != want {
		t.Errorf("Expected error passthrough, got %v", err)
	}
}

func TestVersionChecks(t *testing.T) {
	if err := VersionGate(7003, 7003); err != nil {
		t.Errorf("Current version should pass, got %v", err)
	}
	if err := VersionGate(6000, 7003); err != nil {
		t.Errorf("Older version should pass, got %v", err)
	}
	if err := VersionGate(7004, 7003); !errors.Is(err, state.ErrSchemaVersion) {
		t.Errorf("Newer minor should fail, got %v", err)
	}
	if err := VersionGate(8000, 7003); !errors.Is(err, state.ErrSchemaVersion) {
		t.Errorf("Newer major should fail, got %v", err)
	}

	if !NeedsVersionBackup(6000, 7003, true, false) {
		t.Error("Older writable session needs a backup")
	}
	if NeedsVersionBackup(6000, 7003, false, false) || NeedsVersionBackup(6000, 7003, true, true) {
		t.Error("Read-only sessions and templates need no backup")
	}
	if NeedsVersionBackup(7003, 7003, true, false) {
		t.Error("Current version needs no backup")
	}

	if !VersionMismatchNotice(6000, 7003) {
		t.Error("Older thousand should notify")
	}
	if VersionMismatchNotice(7001, 7003) {
		t.Error("Same hundred should not notify")
	}
	if !VersionMismatchNotice(7003, 7100) {
		t.Error("Older hundred should notify")
	}
}
