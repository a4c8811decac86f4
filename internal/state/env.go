package state

import (
	"context"
	"time"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/model"
)

// MissingAction is the answer to a missing source file.
type MissingAction int

const (
	// Substitute uses silence for audio or a new empty file for MIDI.
	Substitute MissingAction = iota
	// Relocate retries with the directory in MissingChoice.Dir.
	Relocate
	// Abort fails the load.
	Abort
	// SubstituteAll substitutes this and every later missing file without asking.
	SubstituteAll
)

type MissingChoice struct {
	Action MissingAction
	Dir    string
}

// Prompter asks the user how to handle a missing source file.
type Prompter interface {
	MissingFile(path string, t model.DataType) MissingChoice
}

// RateNegotiator resolves a difference between the document sample rate
// and the running engine.
type RateNegotiator interface {
	NegotiateSampleRate(ctx context.Context, documentRate int) error
}

// Controls receives the saved control-surface state.
type Controls interface {
	SetState(*document.Node) error
}

// Bundles receives the saved bundle layout. Bundles name ports of restored
// routes, so the state is handed over only after the whole document loaded.
type Bundles interface {
	SetState(*document.Node) error
}

// Engine sets up the realtime side of each restored route.
type Engine interface {
	RegisterPorts(*model.Route) error
	ConfigureProcessor(*model.Route, model.Processor) error
}

// Env carries everything Deserialize needs from outside the document.
type Env struct {
	Dir layout.Dir
	// Roots are the storage roots searched for media, the session root
	// first. Empty means just Dir.Root.
	Roots []string
	// Supported is the newest format accepted. Zero means CurrentVersion.
	Supported int

	ProgramName    string
	ProgramVersion string

	Rates    RateNegotiator
	Prompter Prompter
	Controls Controls
	Bundles  Bundles
	Engine   Engine
	Now      func() time.Time
}

func (e *Env) supported() int {
	if e.Supported == 0 {
		return CurrentVersion
	}
	return e.Supported
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}
