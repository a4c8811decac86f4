package session

import (
	"log/slog"

	"github.com/audiolibrelab/sessionstate/internal/model"
	"github.com/audiolibrelab/sessionstate/internal/recovery"
	"github.com/audiolibrelab/sessionstate/internal/registry"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

// Prompter answers every question a session may ask its user.
type Prompter interface {
	state.Prompter
	recovery.Prompter
	PlaylistDeletion(p *model.Playlist) registry.PlaylistDecision
}

// BatchPrompter answers without a user: missing files are substituted,
// pending saves are recovered, rate mismatches are accepted and playlists
// are kept.
type BatchPrompter struct{}

func (BatchPrompter) MissingFile(path string, t model.DataType) state.MissingChoice {
	slog.Warn("Substituting missing file", "path", path, "type", t)
	return state.MissingChoice{Action: state.SubstituteAll}
}

func (BatchPrompter) PendingRecovery(snapshot string) bool {
	return true
}

func (BatchPrompter) SampleRateMismatch(documentRate, engineRate int) recovery.RateChoice {
	return recovery.Proceed
}

func (BatchPrompter) PlaylistDeletion(*model.Playlist) registry.PlaylistDecision {
	return registry.KeepRemainingPlaylists
}
