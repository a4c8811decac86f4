package recovery

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/sessionstate/internal/state"
)

// Load status codes.
const (
	StatusOK                     = 0
	StatusGeneric                = -1
	StatusSampleRateMismatch     = -2
	StatusMissingSection         = -3
	StatusPortRegistration       = -4
	StatusProcessorConfiguration = -5
	StatusProgramVersion         = -6
	StatusSchemaVersion          = -7
)

// StatusCode maps a load error to its status code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, state.ErrSampleRateMismatch):
		return StatusSampleRateMismatch
	case errors.Is(err, state.ErrMissingSection):
		return StatusMissingSection
	case errors.Is(err, state.ErrPortRegistration):
		return StatusPortRegistration
	case errors.Is(err, state.ErrProcessorConfiguration):
		return StatusProcessorConfiguration
	case errors.Is(err, state.ErrProgramVersion):
		return StatusProgramVersion
	case errors.Is(err, state.ErrSchemaVersion):
		return StatusSchemaVersion
	}
	return StatusGeneric
}

// Guard runs a structural load step and turns a panic into an error, so a
// half-built graph is discarded instead of crashing the program.
func Guard(step func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session load failed: %v", r)
		}
	}()
	return step()
}

// VersionGate refuses documents written in a newer format than supported.
func VersionGate(found, supported int) error {
	if found > supported {
		return &state.VersionError{Found: found, Supported: supported}
	}
	return nil
}

// NeedsVersionBackup reports whether loading found should first keep a
// copy of the file, which is the case for every older format.
func NeedsVersionBackup(found, current int, writable, fromTemplate bool) bool {
	return found < current && writable && !fromTemplate
}

// VersionMismatchNotice reports whether the user should be told about the
// upgrade: the thousands or the hundreds digit moved forward.
func VersionMismatchNotice(found, current int) bool {
	fk, fh := found/1000, (found%1000)/100
	ck, ch := current/1000, (current%1000)/100
	return fk < ck || (fk == ck && fh < ch)
}
