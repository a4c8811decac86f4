package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/sessionstate/internal/audio"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

// RateChoice answers a sample-rate mismatch.
type RateChoice int

const (
	// Proceed loads at the engine rate.
	Proceed RateChoice = iota
	// Retry reconfigures the engine to the document rate and checks again.
	Retry
	AbortLoad
)

// RateNegotiator resolves sample-rate differences between a document and
// the running engine.
type RateNegotiator struct {
	Engine   audio.Engine
	Prompter Prompter
}

// NegotiateSampleRate loops until the rates agree, the user proceeds with
// the mismatch or aborts.
func (n *RateNegotiator) NegotiateSampleRate(ctx context.Context, documentRate int) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", state.ErrCancelled, err)
		}
		if !n.Engine.IsRunning() {
			return state.ErrEngineOffline
		}
		engineRate := n.Engine.SampleRate()
		if engineRate == documentRate {
			return nil
		}

		choice := AbortLoad
		if n.Prompter != nil {
			choice = n.Prompter.SampleRateMismatch(documentRate, engineRate)
		}
		switch choice {
		case Proceed:
			slog.Warn("Loading with mismatched sample rate", "session", documentRate, "engine", engineRate)
			return nil
		case Retry:
			if err := n.Engine.SetSampleRate(documentRate); err != nil {
				slog.Warn("Engine rejected sample rate", "rate", documentRate, "error", err)
			}
		default:
			return fmt.Errorf("%w: session %d Hz, engine %d Hz", state.ErrSampleRateMismatch, documentRate, engineRate)
		}
	}
}
