// Package recovery decides where a snapshot is loaded from and how load
// failures are reported.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/audiolibrelab/sessionstate/internal/layout"
)

// State of the load state machine.
type State int

const (
	Clean State = iota
	PendingDetected
	Loading
	Loaded
	LoadFailed
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case PendingDetected:
		return "pending-detected"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "load-failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrInvalidTransition = errors.New("invalid recovery state transition")

var transitions = map[State][]State{
	Clean:           {PendingDetected, Loading},
	PendingDetected: {Loading, Clean},
	Loading:         {Loaded, LoadFailed},
	Loaded:          {Clean},
	LoadFailed:      {Clean},
}

// Prompter asks the user recovery questions.
type Prompter interface {
	// PendingRecovery asks whether to load the crash-recovery file.
	PendingRecovery(snapshot string) bool
	SampleRateMismatch(documentRate, engineRate int) RateChoice
}

// Policy tracks the load state of one session directory.
type Policy struct {
	mu       sync.Mutex
	state    State
	dir      layout.Dir
	prompter Prompter
}

func NewPolicy(dir layout.Dir, prompter Prompter) *Policy {
	return &Policy{dir: dir, prompter: prompter}
}

func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetDir points the policy at a renamed or relocated session.
func (p *Policy) SetDir(dir layout.Dir) {
	p.mu.Lock()
	p.dir = dir
	p.mu.Unlock()
}

func (p *Policy) move(to State) error {
	for _, allowed := range transitions[p.state] {
		if allowed == to {
			slog.Debug("Recovery state", "from", p.state, "to", to)
			p.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.state, to)
}

// Open picks the file to load for snapshot and enters Loading. When a
// pending file exists the prompter decides: recovering loads it, declining
// deletes it.
func (p *Policy) Open(snapshot string) (path string, recovered bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Loaded || p.state == LoadFailed {
		if err := p.move(Clean); err != nil {
			return "", false, err
		}
	}

	path = p.dir.StatePath(snapshot)
	if p.dir.PendingPresent(snapshot) {
		if err := p.move(PendingDetected); err != nil {
			return "", false, err
		}
		pending := p.dir.PendingPath(snapshot)
		if p.prompter != nil && p.prompter.PendingRecovery(snapshot) {
			slog.Info("Recovering unsaved changes", "snapshot", snapshot, "path", pending)
			path, recovered = pending, true
		} else {
			slog.Info("Discarding crash-recovery file", "snapshot", snapshot, "path", pending)
			if err := os.Remove(pending); err != nil && !os.IsNotExist(err) {
				_ = p.move(Clean)
				return "", false, fmt.Errorf("%w: removing %s: %w", layout.ErrIO, pending, err)
			}
		}
	}

	if err := p.move(Loading); err != nil {
		return "", false, err
	}
	return path, recovered, nil
}

// Finish leaves Loading, recording whether the load succeeded.
func (p *Policy) Finish(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		return p.move(LoadFailed)
	}
	return p.move(Loaded)
}

// Reset returns to Clean after a finished load, e.g. when a session is
// created rather than loaded.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.state = Clean
	p.mu.Unlock()
}
