package session

import (
	"errors"

	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

var (
	ErrConfiguration      = state.ErrConfiguration
	ErrIO                 = layout.ErrIO
	ErrSchemaVersion      = state.ErrSchemaVersion
	ErrMissingSection     = state.ErrMissingSection
	ErrMissingAsset       = state.ErrMissingAsset
	ErrSampleRateMismatch = state.ErrSampleRateMismatch
	ErrEngineOffline      = state.ErrEngineOffline
	ErrCancelled          = state.ErrCancelled

	// ErrBusy is returned when another operation holds the session.
	ErrBusy          = errors.New("session is busy")
	ErrReadOnly      = errors.New("session is read-only")
	ErrRecording     = errors.New("session is recording")
	ErrNameCollision = errors.New("name already in use")
)
